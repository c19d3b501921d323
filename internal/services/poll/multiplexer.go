package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketlink/internal/config"
	"marketlink/internal/metrics"
	"marketlink/internal/models"

	"github.com/sirupsen/logrus"
)

// MarketFetcher is the read-only slice of an exchange client the
// multiplexer polls through. exchange.Client satisfies it.
type MarketFetcher interface {
	Name() string
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error)
	NormalizeInterval(interval string) string
}

// Sink receives broadcast poll results. Implementations must not
// block; slow consumers should buffer internally.
type Sink interface {
	OnTicker(exchange, symbol string, ticker *models.Ticker)
	OnCandles(exchange, symbol string, candles []*models.Candle)
}

type entryKey struct {
	exchange string
	symbol   string
}

func (k entryKey) String() string {
	return fmt.Sprintf("%s:%s", k.exchange, k.symbol)
}

// entry is one shared poll for an (exchange, symbol) pair. It exists
// only while subscribers is non-empty; the last leave stops its
// goroutine and removes it.
type entry struct {
	key         entryKey
	subscribers map[string]Sink
	cancel      context.CancelFunc
}

// Multiplexer shares one upstream poll per (exchange, symbol) across
// any number of subscribers. Exactly one ticker fetch and one candle
// fetch hit the exchange per tick no matter how many subscribers are
// attached.
type Multiplexer struct {
	fetchers map[string]MarketFetcher
	cfg      config.PollConfig
	logger   *logrus.Logger

	mu      sync.Mutex
	entries map[entryKey]*entry
	// membership maps a subscriber back to its entry so Leave only
	// needs the subscriber ID.
	membership map[string]entryKey
	closed     bool
}

func NewMultiplexer(fetchers map[string]MarketFetcher, cfg config.PollConfig, logger *logrus.Logger) *Multiplexer {
	return &Multiplexer{
		fetchers:   fetchers,
		cfg:        cfg,
		logger:     logger,
		entries:    make(map[entryKey]*entry),
		membership: make(map[string]entryKey),
	}
}

// Join attaches the subscriber to the shared poll for (exchange,
// symbol), creating the poll on first join. A new entry fetches
// immediately so the first subscriber never waits a full tick. A
// subscriber ID can be attached to at most one entry; re-joining moves
// it.
func (m *Multiplexer) Join(exchange, symbol, subscriberID string, sink Sink) error {
	fetcher, ok := m.fetchers[exchange]
	if !ok {
		return fmt.Errorf("unknown exchange %q", exchange)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("poll multiplexer closed")
	}

	if prev, ok := m.membership[subscriberID]; ok {
		m.detachLocked(subscriberID, prev)
	}

	key := entryKey{exchange: exchange, symbol: symbol}
	e, ok := m.entries[key]
	if ok {
		e.subscribers[subscriberID] = sink
		m.membership[subscriberID] = key
		m.mu.Unlock()
		metrics.PollSubscribers.Inc()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e = &entry{
		key:         key,
		subscribers: map[string]Sink{subscriberID: sink},
		cancel:      cancel,
	}
	m.entries[key] = e
	m.membership[subscriberID] = key
	m.mu.Unlock()

	metrics.PollEntries.Inc()
	metrics.PollSubscribers.Inc()
	m.logger.WithFields(logrus.Fields{
		"exchange": exchange,
		"symbol":   symbol,
	}).Info("Shared poll entry created")

	go m.pollLoop(ctx, fetcher, e)
	return nil
}

// Leave detaches the subscriber; the last leave on an entry cancels
// its timers and deletes it. Unknown subscribers are a no-op.
func (m *Multiplexer) Leave(subscriberID string) {
	m.mu.Lock()
	key, ok := m.membership[subscriberID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.detachLocked(subscriberID, key)
	m.mu.Unlock()
}

// detachLocked removes the subscriber from its entry and tears the
// entry down if it emptied. Caller holds m.mu.
func (m *Multiplexer) detachLocked(subscriberID string, key entryKey) {
	delete(m.membership, subscriberID)
	e, ok := m.entries[key]
	if !ok {
		return
	}
	if _, ok := e.subscribers[subscriberID]; !ok {
		return
	}
	delete(e.subscribers, subscriberID)
	metrics.PollSubscribers.Dec()

	if len(e.subscribers) == 0 {
		e.cancel()
		delete(m.entries, key)
		metrics.PollEntries.Dec()
		m.logger.WithField("key", key.String()).Info("Shared poll entry removed")
	}
}

// Close tears down every entry.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	for key, e := range m.entries {
		e.cancel()
		delete(m.entries, key)
		metrics.PollEntries.Dec()
		metrics.PollSubscribers.Sub(float64(len(e.subscribers)))
	}
	m.membership = make(map[string]entryKey)
	m.mu.Unlock()
}

// SubscriberCount reports how many subscribers the (exchange, symbol)
// entry currently has.
func (m *Multiplexer) SubscriberCount(exchange, symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[entryKey{exchange: exchange, symbol: symbol}]; ok {
		return len(e.subscribers)
	}
	return 0
}

// pollLoop runs both poll cadences for one entry. The first fetch of
// each kind happens before the first tick.
func (m *Multiplexer) pollLoop(ctx context.Context, fetcher MarketFetcher, e *entry) {
	tickerTimer := time.NewTicker(m.cfg.TickerInterval)
	candleTimer := time.NewTicker(m.cfg.CandleInterval)
	defer tickerTimer.Stop()
	defer candleTimer.Stop()

	m.fetchTicker(ctx, fetcher, e)
	m.fetchCandles(ctx, fetcher, e)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickerTimer.C:
			m.fetchTicker(ctx, fetcher, e)
		case <-candleTimer.C:
			m.fetchCandles(ctx, fetcher, e)
		}
	}
}

func (m *Multiplexer) fetchTicker(ctx context.Context, fetcher MarketFetcher, e *entry) {
	metrics.PollUpstreamFetches.WithLabelValues(e.key.exchange, "ticker").Inc()

	ticker, err := fetcher.GetTicker(ctx, e.key.symbol)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WithError(err).WithField("key", e.key.String()).Warn("Ticker poll failed")
		}
		return
	}

	for _, sink := range m.snapshotSinks(e) {
		sink.OnTicker(e.key.exchange, e.key.symbol, ticker)
	}
}

func (m *Multiplexer) fetchCandles(ctx context.Context, fetcher MarketFetcher, e *entry) {
	metrics.PollUpstreamFetches.WithLabelValues(e.key.exchange, "candle").Inc()

	interval := fetcher.NormalizeInterval(m.cfg.ChartInterval)
	candles, err := fetcher.GetCandles(ctx, e.key.symbol, interval, m.cfg.CandleLimit)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WithError(err).WithField("key", e.key.String()).Warn("Candle poll failed")
		}
		return
	}

	for _, sink := range m.snapshotSinks(e) {
		sink.OnCandles(e.key.exchange, e.key.symbol, candles)
	}
}

// snapshotSinks copies the current subscriber set so broadcast happens
// outside the lock.
func (m *Multiplexer) snapshotSinks(e *entry) []Sink {
	m.mu.Lock()
	sinks := make([]Sink, 0, len(e.subscribers))
	for _, sink := range e.subscribers {
		sinks = append(sinks, sink)
	}
	m.mu.Unlock()
	return sinks
}
