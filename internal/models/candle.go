package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV data for one interval on one exchange
type Candle struct {
	Symbol      string          `json:"symbol"`
	Interval    string          `json:"interval"`
	OpenTime    time.Time       `json:"open_time"`
	CloseTime   time.Time       `json:"close_time"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradeCount  int             `json:"trade_count"`
	Source      string          `json:"source"` // binance, bybit
	IsClosed    bool            `json:"is_closed"`
}

// IntervalToDuration converts an interval string like "5m", "4h" or
// "1M" to its duration. Unparseable inputs default to one minute.
func IntervalToDuration(interval string) time.Duration {
	if len(interval) < 2 {
		return time.Minute
	}

	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return time.Minute
	}

	switch interval[len(interval)-1] {
	case 's':
		return time.Duration(n) * time.Second
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour
	case 'M':
		return time.Duration(n) * 30 * 24 * time.Hour
	default:
		return time.Minute
	}
}

// TruncateToInterval truncates a time to the interval boundary
func TruncateToInterval(t time.Time, interval string) time.Time {
	duration := IntervalToDuration(interval)
	return t.Truncate(duration)
}

// ValidIntervals returns list of valid intervals
func ValidIntervals() []string {
	return []string{
		"1s", "1m", "3m", "5m", "15m", "30m",
		"1h", "2h", "4h", "6h", "8h", "12h",
		"1d", "3d", "1w", "1M",
	}
}
