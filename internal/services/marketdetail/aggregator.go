package marketdetail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketlink/internal/cache"
	"marketlink/internal/config"
	"marketlink/internal/exchange"
	"marketlink/internal/metrics"
	"marketlink/internal/models"

	"github.com/sirupsen/logrus"
)

const dailyInterval = "1d"

// Connection binds a logical exchange connection to its credentials.
type Connection struct {
	ID         string
	UserID     string
	Exchange   string
	Credential exchange.Credential
}

// ConnectionResolver maps a connection ID to its exchange and
// decrypted credentials.
type ConnectionResolver interface {
	Resolve(ctx context.Context, connectionID string) (*Connection, error)
}

// MetadataProvider serves third-party descriptive metadata by symbol.
type MetadataProvider interface {
	GetMetadata(ctx context.Context, symbol string) (*models.SymbolMetadata, error)
}

// Options tunes a single aggregation call.
type Options struct {
	// Intervals to fetch candle sets for. The first one is the primary
	// interval used for the 24h high/low/volume window. Defaults to
	// 1h and 1d.
	Intervals []string
	// CandleLimit is the number of candles per interval set.
	CandleLimit int
	// Depth of the order book snapshot.
	OrderBookDepth int
	// TradeLimit is the number of recent trades.
	TradeLimit int
	// ForceRefresh bypasses the composed-result cache.
	ForceRefresh bool
}

func (o Options) withDefaults() Options {
	if len(o.Intervals) == 0 {
		o.Intervals = []string{"1h", dailyInterval}
	}
	if o.CandleLimit <= 0 {
		o.CandleLimit = 100
	}
	if o.OrderBookDepth <= 0 {
		o.OrderBookDepth = 20
	}
	if o.TradeLimit <= 0 {
		o.TradeLimit = 50
	}
	return o
}

// Aggregator composes one market detail snapshot from six independent
// sources, fetched in parallel with per-source failure isolation.
type Aggregator struct {
	clients  map[string]exchange.Client
	resolver ConnectionResolver
	metadata MetadataProvider
	store    cache.Store
	cacheCfg config.CacheConfig
	logger   *logrus.Logger
}

func NewAggregator(clients map[string]exchange.Client, resolver ConnectionResolver, metadata MetadataProvider, store cache.Store, cacheCfg config.CacheConfig, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		clients:  clients,
		resolver: resolver,
		metadata: metadata,
		store:    store,
		cacheCfg: cacheCfg,
		logger:   logger,
	}
}

// GetMarketDetail returns the composed market snapshot for the symbol
// on the connection's exchange. A cache hit returns immediately with
// Cached=true; on miss the six sources are fetched concurrently and
// any single failure degrades its field to nil instead of failing the
// response.
func (a *Aggregator) GetMarketDetail(ctx context.Context, connectionID, symbol string, opts Options) (*models.MarketDetail, error) {
	opts = opts.withDefaults()

	conn, err := a.resolver.Resolve(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("resolve connection %s: %w", connectionID, err)
	}
	client, ok := a.clients[conn.Exchange]
	if !ok {
		return nil, fmt.Errorf("no client for exchange %q", conn.Exchange)
	}

	detailKey := fmt.Sprintf("marketlink:detail:%s:%s", connectionID, symbol)
	if !opts.ForceRefresh {
		var cached models.MarketDetail
		hit, err := a.store.Get(ctx, detailKey, &cached)
		if err != nil {
			a.logger.WithError(err).WithField("key", detailKey).Warn("Detail cache read failed")
		}
		if hit {
			metrics.AggregatorCacheHits.WithLabelValues("hit").Inc()
			cached.Cached = true
			return &cached, nil
		}
	}
	metrics.AggregatorCacheHits.WithLabelValues("miss").Inc()

	detail := a.compose(ctx, client, conn, symbol, opts)

	if err := a.store.Set(ctx, detailKey, detail, a.cacheCfg.DetailTTL); err != nil {
		a.logger.WithError(err).WithField("key", detailKey).Warn("Detail cache write failed")
	}
	return detail, nil
}

// compose runs the six sub-fetches under settle-all semantics: every
// fetch completes, success or failure, before the result is built.
func (a *Aggregator) compose(ctx context.Context, client exchange.Client, conn *Connection, symbol string, opts Options) *models.MarketDetail {
	intervals := a.normalizedIntervals(client, opts.Intervals)

	var (
		wg       sync.WaitGroup
		ticker   *models.Ticker
		candles  = make(map[string][]*models.Candle, len(intervals))
		candleMu sync.Mutex
		balances []models.Balance
		meta     *models.SymbolMetadata
		book     *models.OrderBook
		trades   []models.Trade
	)

	wg.Add(6)

	go func() {
		defer wg.Done()
		t, err := a.cachedTicker(ctx, client, symbol)
		if err != nil {
			a.sourceFailed("ticker", symbol, err)
			return
		}
		ticker = t
	}()

	go func() {
		defer wg.Done()
		var inner sync.WaitGroup
		for _, interval := range intervals {
			inner.Add(1)
			go func(interval string) {
				defer inner.Done()
				cs, err := a.cachedCandles(ctx, client, symbol, interval, opts.CandleLimit)
				if err != nil {
					a.sourceFailed("candles", symbol, err)
					return
				}
				candleMu.Lock()
				candles[interval] = cs
				candleMu.Unlock()
			}(interval)
		}
		inner.Wait()
	}()

	go func() {
		defer wg.Done()
		b, err := client.GetBalances(ctx, conn.Credential)
		if err != nil {
			a.sourceFailed("balances", symbol, err)
			return
		}
		balances = b
	}()

	go func() {
		defer wg.Done()
		m, err := a.metadata.GetMetadata(ctx, symbol)
		if err != nil {
			a.sourceFailed("metadata", symbol, err)
			return
		}
		meta = m
	}()

	go func() {
		defer wg.Done()
		ob, err := client.GetOrderBook(ctx, symbol, opts.OrderBookDepth)
		if err != nil {
			a.sourceFailed("orderbook", symbol, err)
			return
		}
		book = ob
	}()

	go func() {
		defer wg.Done()
		ts, err := client.GetRecentTrades(ctx, symbol, opts.TradeLimit)
		if err != nil {
			a.sourceFailed("trades", symbol, err)
			return
		}
		trades = ts
	}()

	wg.Wait()

	daily := candles[client.NormalizeInterval(dailyInterval)]
	stats := derivePriceStats(daily, ticker)
	if stats.FromCandles && tickerDiverges(stats.Price, ticker) {
		a.logger.WithFields(logrus.Fields{
			"symbol":       symbol,
			"candle_price": stats.Price,
			"ticker_price": ticker.LastPrice,
		}).Warn("Ticker price diverges from candle close by more than 5%")
	}

	detail := &models.MarketDetail{
		Symbol:            symbol,
		Exchange:          conn.Exchange,
		Price:             stats.Price,
		Change24h:         stats.Change24h,
		ChangePercent24h:  stats.ChangePercent24h,
		Ticker:            ticker,
		CandlesByInterval: candles,
		OrderBook:         book,
		RecentTrades:      trades,
		Balances:          balances,
		Metadata:          meta,
		GeneratedAt:       time.Now(),
	}

	primary := candles[intervals[0]]
	detail.High24h, detail.Low24h, detail.Volume24h = deriveRange(primary)
	return detail
}

// normalizedIntervals maps the requested intervals onto the exchange's
// supported set, always including the daily interval the price
// derivation depends on.
func (a *Aggregator) normalizedIntervals(client exchange.Client, requested []string) []string {
	seen := make(map[string]bool, len(requested)+1)
	out := make([]string, 0, len(requested)+1)
	for _, interval := range requested {
		n := client.NormalizeInterval(interval)
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	if daily := client.NormalizeInterval(dailyInterval); !seen[daily] {
		out = append(out, daily)
	}
	return out
}

// cachedTicker serves the ticker through its own short TTL so later
// aggregations can reuse it after the composed entry expires.
func (a *Aggregator) cachedTicker(ctx context.Context, client exchange.Client, symbol string) (*models.Ticker, error) {
	key := fmt.Sprintf("marketlink:ticker:%s:%s", client.Name(), symbol)
	var ticker models.Ticker
	_, err := a.store.GetOrSet(ctx, key, &ticker, a.cacheCfg.TickerTTL, func() (interface{}, error) {
		return client.GetTicker(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return &ticker, nil
}

// cachedCandles serves one interval's candle set with its own TTL,
// independent of every other interval and of the composed result.
func (a *Aggregator) cachedCandles(ctx context.Context, client exchange.Client, symbol, interval string, limit int) ([]*models.Candle, error) {
	key := fmt.Sprintf("marketlink:candles:%s:%s:%s:%d", client.Name(), symbol, interval, limit)
	var candles []*models.Candle
	_, err := a.store.GetOrSet(ctx, key, &candles, a.cacheCfg.CandleTTL, func() (interface{}, error) {
		return client.GetCandles(ctx, symbol, interval, limit)
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

func (a *Aggregator) sourceFailed(source, symbol string, err error) {
	metrics.AggregatorSourceFailures.WithLabelValues(source).Inc()
	a.logger.WithError(err).WithFields(logrus.Fields{
		"source": source,
		"symbol": symbol,
	}).Warn("Market detail source failed, field degraded to null")
}
