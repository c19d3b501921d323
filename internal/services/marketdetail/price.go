package marketdetail

import (
	"github.com/shopspring/decimal"

	"marketlink/internal/models"
)

// priceStats is the candle-derived price block of a market detail
// response.
type priceStats struct {
	Price            decimal.Decimal
	Change24h        decimal.Decimal
	ChangePercent24h decimal.Decimal
	FromCandles      bool
}

// derivePriceStats computes current price and 24h change from the two
// most recent daily closes. Daily candles win over the live ticker
// because ticker data can be stale or inconsistent across providers;
// the ticker is only a fallback when no candle history exists.
func derivePriceStats(daily []*models.Candle, ticker *models.Ticker) priceStats {
	if len(daily) >= 2 {
		last := daily[len(daily)-1].Close
		prev := daily[len(daily)-2].Close
		change := last.Sub(prev)
		pct := decimal.Zero
		if !prev.IsZero() {
			pct = change.Div(prev).Mul(decimal.NewFromInt(100))
		}
		return priceStats{Price: last, Change24h: change, ChangePercent24h: pct, FromCandles: true}
	}

	if len(daily) == 1 {
		return priceStats{Price: daily[0].Close, FromCandles: true}
	}

	if ticker != nil {
		return priceStats{
			Price:            ticker.LastPrice,
			Change24h:        ticker.PriceChange24h,
			ChangePercent24h: ticker.PriceChange24P,
		}
	}
	return priceStats{}
}

// tickerDiverges reports whether the live ticker price differs from the
// candle-derived price by more than 5%.
func tickerDiverges(candlePrice decimal.Decimal, ticker *models.Ticker) bool {
	if ticker == nil || candlePrice.IsZero() {
		return false
	}
	diff := ticker.LastPrice.Sub(candlePrice).Abs()
	threshold := candlePrice.Abs().Mul(decimal.NewFromFloat(0.05))
	return diff.GreaterThan(threshold)
}

// deriveRange computes 24h high/low/volume from the trailing window of
// the primary-interval candles, up to 24 candles.
func deriveRange(candles []*models.Candle) (high, low, volume decimal.Decimal) {
	if len(candles) == 0 {
		return
	}
	window := candles
	if len(window) > 24 {
		window = window[len(window)-24:]
	}

	high = window[0].High
	low = window[0].Low
	for _, c := range window {
		if c.High.GreaterThan(high) {
			high = c.High
		}
		if c.Low.LessThan(low) {
			low = c.Low
		}
		volume = volume.Add(c.Volume)
	}
	return
}
