package symbols

import (
	"context"
	"fmt"

	"marketlink/internal/models"
	"marketlink/internal/services/poll"

	"github.com/sirupsen/logrus"
)

// MarketPublisher republishes polled market data to downstream
// consumers. pubsub.Publisher satisfies it.
type MarketPublisher interface {
	PublishTicker(ctx context.Context, exchange string, ticker *models.Ticker) error
	PublishCandles(ctx context.Context, exchange, symbol string, candles []*models.Candle) error
}

// Watchlist subscribes the configured symbols to the shared poll
// multiplexer and republishes every broadcast over pub/sub.
type Watchlist struct {
	catalog   *Catalog
	mux       *poll.Multiplexer
	publisher MarketPublisher
	exchange  string
	logger    *logrus.Logger

	subscriberIDs []string
}

func NewWatchlist(catalog *Catalog, mux *poll.Multiplexer, publisher MarketPublisher, exchange string, logger *logrus.Logger) *Watchlist {
	return &Watchlist{
		catalog:   catalog,
		mux:       mux,
		publisher: publisher,
		exchange:  exchange,
		logger:    logger,
	}
}

// Start joins the shared poll for every watchlist symbol.
func (w *Watchlist) Start() error {
	sink := &publishSink{publisher: w.publisher, logger: w.logger}
	for _, symbol := range w.catalog.Watchlist() {
		id := fmt.Sprintf("watchlist:%s:%s", w.exchange, symbol)
		if err := w.mux.Join(w.exchange, symbol, id, sink); err != nil {
			w.Stop()
			return fmt.Errorf("failed to join poll for %s: %w", symbol, err)
		}
		w.subscriberIDs = append(w.subscriberIDs, id)
	}
	w.logger.WithFields(logrus.Fields{
		"exchange": w.exchange,
		"symbols":  len(w.subscriberIDs),
	}).Info("Watchlist polling started")
	return nil
}

// Stop leaves every joined poll entry.
func (w *Watchlist) Stop() {
	for _, id := range w.subscriberIDs {
		w.mux.Leave(id)
	}
	w.subscriberIDs = nil
}

// publishSink forwards poll broadcasts to pub/sub.
type publishSink struct {
	publisher MarketPublisher
	logger    *logrus.Logger
}

func (s *publishSink) OnTicker(exchange, symbol string, ticker *models.Ticker) {
	if err := s.publisher.PublishTicker(context.Background(), exchange, ticker); err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to publish ticker")
	}
}

func (s *publishSink) OnCandles(exchange, symbol string, candles []*models.Candle) {
	if err := s.publisher.PublishCandles(context.Background(), exchange, symbol, candles); err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to publish candles")
	}
}
