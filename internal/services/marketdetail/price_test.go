package marketdetail

import (
	"testing"

	"marketlink/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func candlesFromCloses(closes ...int64) []*models.Candle {
	out := make([]*models.Candle, 0, len(closes))
	for _, c := range closes {
		out = append(out, &models.Candle{
			High:   decimal.NewFromInt(c + 5),
			Low:    decimal.NewFromInt(c - 5),
			Close:  decimal.NewFromInt(c),
			Volume: decimal.NewFromInt(2),
		})
	}
	return out
}

func TestDerivePriceStatsFromDailyCandles(t *testing.T) {
	ticker := &models.Ticker{LastPrice: decimal.NewFromInt(105)}
	stats := derivePriceStats(candlesFromCloses(100, 110), ticker)

	assert.True(t, stats.FromCandles)
	assert.Equal(t, "110", stats.Price.String())
	assert.Equal(t, "10", stats.Change24h.String())
	assert.Equal(t, "10", stats.ChangePercent24h.String())
}

func TestDerivePriceStatsSingleCandle(t *testing.T) {
	stats := derivePriceStats(candlesFromCloses(100), nil)

	assert.True(t, stats.FromCandles)
	assert.Equal(t, "100", stats.Price.String())
	assert.True(t, stats.Change24h.IsZero())
}

func TestDerivePriceStatsTickerFallback(t *testing.T) {
	ticker := &models.Ticker{
		LastPrice:      decimal.NewFromInt(105),
		PriceChange24h: decimal.NewFromInt(5),
		PriceChange24P: decimal.NewFromFloat(4.5),
	}
	stats := derivePriceStats(nil, ticker)

	assert.False(t, stats.FromCandles)
	assert.Equal(t, "105", stats.Price.String())
	assert.Equal(t, "5", stats.Change24h.String())
	assert.Equal(t, "4.5", stats.ChangePercent24h.String())
}

func TestDerivePriceStatsZeroPrevClose(t *testing.T) {
	stats := derivePriceStats(candlesFromCloses(0, 110), nil)

	assert.Equal(t, "110", stats.Price.String())
	assert.True(t, stats.ChangePercent24h.IsZero())
}

func TestTickerDivergence(t *testing.T) {
	price := decimal.NewFromInt(100)

	within := &models.Ticker{LastPrice: decimal.NewFromInt(104)}
	assert.False(t, tickerDiverges(price, within))

	beyond := &models.Ticker{LastPrice: decimal.NewFromInt(106)}
	assert.True(t, tickerDiverges(price, beyond))

	assert.False(t, tickerDiverges(price, nil))
	assert.False(t, tickerDiverges(decimal.Zero, beyond))
}

func TestDeriveRangeUsesTrailingWindow(t *testing.T) {
	// 30 candles; only the last 24 count.
	closes := make([]int64, 0, 30)
	for i := int64(1); i <= 30; i++ {
		closes = append(closes, i*10)
	}
	candles := candlesFromCloses(closes...)

	high, low, volume := deriveRange(candles)
	assert.Equal(t, "305", high.String()) // close 300 + 5
	assert.Equal(t, "65", low.String())   // close 70 - 5
	assert.Equal(t, "48", volume.String())
}

func TestDeriveRangeEmpty(t *testing.T) {
	high, low, volume := deriveRange(nil)
	assert.True(t, high.IsZero())
	assert.True(t, low.IsZero())
	assert.True(t, volume.IsZero())
}
