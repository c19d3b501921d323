package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketlink/internal/config"
	"marketlink/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type countingFetcher struct {
	name        string
	tickerCalls int64
	candleCalls int64
}

func (f *countingFetcher) Name() string { return f.name }

func (f *countingFetcher) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	atomic.AddInt64(&f.tickerCalls, 1)
	return &models.Ticker{Symbol: symbol, LastPrice: decimal.NewFromInt(100)}, nil
}

func (f *countingFetcher) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	atomic.AddInt64(&f.candleCalls, 1)
	return []*models.Candle{{Symbol: symbol, Interval: interval}}, nil
}

func (f *countingFetcher) NormalizeInterval(interval string) string { return interval }

func (f *countingFetcher) tickers() int64 { return atomic.LoadInt64(&f.tickerCalls) }
func (f *countingFetcher) candles() int64 { return atomic.LoadInt64(&f.candleCalls) }

type recordingSink struct {
	mu          sync.Mutex
	tickerCount int
	candleCount int
}

func (s *recordingSink) OnTicker(exchange, symbol string, ticker *models.Ticker) {
	s.mu.Lock()
	s.tickerCount++
	s.mu.Unlock()
}

func (s *recordingSink) OnCandles(exchange, symbol string, candles []*models.Candle) {
	s.mu.Lock()
	s.candleCount++
	s.mu.Unlock()
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickerCount, s.candleCount
}

// slowConfig makes timer ticks effectively unreachable so only the
// immediate first fetch can happen.
func slowConfig() config.PollConfig {
	return config.PollConfig{
		TickerInterval: time.Hour,
		CandleInterval: time.Hour,
		ChartInterval:  "1m",
		CandleLimit:    10,
	}
}

func fastConfig() config.PollConfig {
	return config.PollConfig{
		TickerInterval: 10 * time.Millisecond,
		CandleInterval: 10 * time.Millisecond,
		ChartInterval:  "1m",
		CandleLimit:    10,
	}
}

func TestJoinFetchesImmediately(t *testing.T) {
	fetcher := &countingFetcher{name: "binance"}
	m := NewMultiplexer(map[string]MarketFetcher{"binance": fetcher}, slowConfig(), testLogger())
	defer m.Close()

	sink := &recordingSink{}
	require.NoError(t, m.Join("binance", "BTCUSDT", "sub-1", sink))

	// The first fetch happens at join time, not after the first tick.
	require.Eventually(t, func() bool {
		tickers, candles := sink.counts()
		return tickers == 1 && candles == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), fetcher.tickers())
	assert.Equal(t, int64(1), fetcher.candles())
}

func TestOneUpstreamFetchRegardlessOfSubscribers(t *testing.T) {
	fetcher := &countingFetcher{name: "binance"}
	m := NewMultiplexer(map[string]MarketFetcher{"binance": fetcher}, slowConfig(), testLogger())
	defer m.Close()

	sinks := make([]*recordingSink, 5)
	for i := range sinks {
		sinks[i] = &recordingSink{}
		require.NoError(t, m.Join("binance", "BTCUSDT", string(rune('a'+i)), sinks[i]))
	}
	assert.Equal(t, 5, m.SubscriberCount("binance", "BTCUSDT"))

	// One shared entry, one upstream call of each kind.
	require.Eventually(t, func() bool {
		return fetcher.tickers() == 1 && fetcher.candles() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), fetcher.tickers())
	assert.Equal(t, int64(1), fetcher.candles())
}

func TestLastLeaveStopsPolling(t *testing.T) {
	fetcher := &countingFetcher{name: "binance"}
	m := NewMultiplexer(map[string]MarketFetcher{"binance": fetcher}, fastConfig(), testLogger())
	defer m.Close()

	require.NoError(t, m.Join("binance", "BTCUSDT", "sub-1", &recordingSink{}))
	require.NoError(t, m.Join("binance", "BTCUSDT", "sub-2", &recordingSink{}))

	require.Eventually(t, func() bool {
		return fetcher.tickers() >= 2
	}, time.Second, 5*time.Millisecond)

	// The first leave keeps the entry alive.
	m.Leave("sub-1")
	assert.Equal(t, 1, m.SubscriberCount("binance", "BTCUSDT"))

	// The last leave cancels both timers.
	m.Leave("sub-2")
	assert.Equal(t, 0, m.SubscriberCount("binance", "BTCUSDT"))

	settled := fetcher.tickers()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, fetcher.tickers(), settled+1) // at most one in-flight tick
	final := fetcher.tickers()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, final, fetcher.tickers())
}

func TestLeaveDoesNotAffectOtherSymbols(t *testing.T) {
	fetcher := &countingFetcher{name: "binance"}
	m := NewMultiplexer(map[string]MarketFetcher{"binance": fetcher}, fastConfig(), testLogger())
	defer m.Close()

	btc := &recordingSink{}
	eth := &recordingSink{}
	require.NoError(t, m.Join("binance", "BTCUSDT", "sub-btc", btc))
	require.NoError(t, m.Join("binance", "ETHUSDT", "sub-eth", eth))

	m.Leave("sub-btc")
	assert.Equal(t, 0, m.SubscriberCount("binance", "BTCUSDT"))
	assert.Equal(t, 1, m.SubscriberCount("binance", "ETHUSDT"))

	// ETH keeps polling.
	before, _ := eth.counts()
	require.Eventually(t, func() bool {
		after, _ := eth.counts()
		return after > before
	}, time.Second, 5*time.Millisecond)
}

func TestJoinUnknownExchange(t *testing.T) {
	m := NewMultiplexer(map[string]MarketFetcher{}, slowConfig(), testLogger())
	defer m.Close()

	err := m.Join("kraken", "BTCUSDT", "sub-1", &recordingSink{})
	require.Error(t, err)
}

func TestRejoinMovesSubscriber(t *testing.T) {
	fetcher := &countingFetcher{name: "binance"}
	m := NewMultiplexer(map[string]MarketFetcher{"binance": fetcher}, slowConfig(), testLogger())
	defer m.Close()

	sink := &recordingSink{}
	require.NoError(t, m.Join("binance", "BTCUSDT", "sub-1", sink))
	require.NoError(t, m.Join("binance", "ETHUSDT", "sub-1", sink))

	// Moving the only subscriber tears the old entry down.
	assert.Equal(t, 0, m.SubscriberCount("binance", "BTCUSDT"))
	assert.Equal(t, 1, m.SubscriberCount("binance", "ETHUSDT"))
}
