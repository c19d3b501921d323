package exchange

import (
	"time"

	"marketlink/internal/models"
)

// binanceIntervals are supported natively; anything else maps to the
// nearest supported interval by duration.
var binanceIntervals = []string{
	"1s", "1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w", "1M",
}

// bybitIntervals maps the service's interval names to Bybit v5 codes.
// Order matters: nearestInterval scans in ascending duration.
var bybitIntervals = []struct {
	code     string
	duration time.Duration
}{
	{"1", time.Minute},
	{"3", 3 * time.Minute},
	{"5", 5 * time.Minute},
	{"15", 15 * time.Minute},
	{"30", 30 * time.Minute},
	{"60", time.Hour},
	{"120", 2 * time.Hour},
	{"240", 4 * time.Hour},
	{"360", 6 * time.Hour},
	{"720", 12 * time.Hour},
	{"D", 24 * time.Hour},
	{"W", 7 * 24 * time.Hour},
	{"M", 30 * 24 * time.Hour},
}

// NormalizeInterval on Binance passes supported intervals through and
// snaps anything unknown to the nearest supported duration.
func (c *BinanceClient) NormalizeInterval(interval string) string {
	for _, supported := range binanceIntervals {
		if interval == supported {
			return interval
		}
	}

	want := models.IntervalToDuration(interval)
	best := binanceIntervals[1] // 1m
	bestDiff := time.Duration(1<<63 - 1)
	for _, supported := range binanceIntervals {
		diff := absDuration(models.IntervalToDuration(supported) - want)
		if diff < bestDiff {
			best, bestDiff = supported, diff
		}
	}
	return best
}

// NormalizeInterval maps a service interval to the nearest Bybit code.
func (c *BybitClient) NormalizeInterval(interval string) string {
	want := models.IntervalToDuration(interval)
	best := bybitIntervals[0]
	bestDiff := time.Duration(1<<63 - 1)
	for _, candidate := range bybitIntervals {
		diff := absDuration(candidate.duration - want)
		if diff < bestDiff {
			best, bestDiff = candidate, diff
		}
	}
	return best.code
}

func bybitIntervalDuration(code string) time.Duration {
	for _, candidate := range bybitIntervals {
		if candidate.code == code {
			return candidate.duration
		}
	}
	return time.Minute
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
