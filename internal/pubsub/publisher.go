package pubsub

import (
	"context"
	"encoding/json"

	"marketlink/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Channel names. Each message carries the owning userID in its payload.
const (
	ChannelBalanceUpdate    = "marketlink:stream:balance"
	ChannelOrderUpdate      = "marketlink:stream:order"
	ChannelConnectionStatus = "marketlink:stream:status"
	ChannelStreamError      = "marketlink:stream:error"
)

// Market data channels are keyed per (exchange, symbol) so consumers
// subscribe only to the pairs they watch.
func TickerChannel(exchange, symbol string) string {
	return "marketlink:market:ticker:" + exchange + ":" + symbol
}

func CandleChannel(exchange, symbol string) string {
	return "marketlink:market:candles:" + exchange + ":" + symbol
}

// EventPublisher is the full publishing surface. Publisher implements
// it over Redis; NopPublisher stands in when Redis is unavailable.
type EventPublisher interface {
	PublishBalanceUpdate(ctx context.Context, update *models.BalanceUpdate) error
	PublishOrderUpdate(ctx context.Context, update *models.OrderUpdate) error
	PublishConnectionStatus(ctx context.Context, status *models.ConnectionStatus) error
	PublishStreamError(ctx context.Context, streamErr *models.StreamError) error
	PublishTicker(ctx context.Context, exchange string, ticker *models.Ticker) error
	PublishCandles(ctx context.Context, exchange, symbol string, candles []*models.Candle) error
}

// Publisher fans stream notifications out over Redis pub/sub.
type Publisher struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewPublisher(client *redis.Client, logger *logrus.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

func (p *Publisher) publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, channel, data).Err()
}

// PublishBalanceUpdate publishes a balance:update event
func (p *Publisher) PublishBalanceUpdate(ctx context.Context, update *models.BalanceUpdate) error {
	return p.publish(ctx, ChannelBalanceUpdate, update)
}

// PublishOrderUpdate publishes an order:update event
func (p *Publisher) PublishOrderUpdate(ctx context.Context, update *models.OrderUpdate) error {
	return p.publish(ctx, ChannelOrderUpdate, update)
}

// PublishConnectionStatus publishes a connection:status event
func (p *Publisher) PublishConnectionStatus(ctx context.Context, status *models.ConnectionStatus) error {
	return p.publish(ctx, ChannelConnectionStatus, status)
}

// PublishStreamError publishes an error event
func (p *Publisher) PublishStreamError(ctx context.Context, streamErr *models.StreamError) error {
	return p.publish(ctx, ChannelStreamError, streamErr)
}

// PublishTicker broadcasts a polled ticker snapshot.
func (p *Publisher) PublishTicker(ctx context.Context, exchange string, ticker *models.Ticker) error {
	return p.publish(ctx, TickerChannel(exchange, ticker.Symbol), ticker)
}

// PublishCandles broadcasts a polled candle set.
func (p *Publisher) PublishCandles(ctx context.Context, exchange, symbol string, candles []*models.Candle) error {
	return p.publish(ctx, CandleChannel(exchange, symbol), candles)
}

// NopPublisher drops every event with a debug log line. Used when Redis
// is unreachable so event producers keep running without warn spam.
type NopPublisher struct {
	logger *logrus.Logger
}

func NewNopPublisher(logger *logrus.Logger) *NopPublisher {
	return &NopPublisher{logger: logger}
}

func (p *NopPublisher) drop(channel string) error {
	p.logger.WithField("channel", channel).Debug("Event dropped, pub/sub disabled")
	return nil
}

func (p *NopPublisher) PublishBalanceUpdate(ctx context.Context, update *models.BalanceUpdate) error {
	return p.drop(ChannelBalanceUpdate)
}

func (p *NopPublisher) PublishOrderUpdate(ctx context.Context, update *models.OrderUpdate) error {
	return p.drop(ChannelOrderUpdate)
}

func (p *NopPublisher) PublishConnectionStatus(ctx context.Context, status *models.ConnectionStatus) error {
	return p.drop(ChannelConnectionStatus)
}

func (p *NopPublisher) PublishStreamError(ctx context.Context, streamErr *models.StreamError) error {
	return p.drop(ChannelStreamError)
}

func (p *NopPublisher) PublishTicker(ctx context.Context, exchange string, ticker *models.Ticker) error {
	return p.drop(TickerChannel(exchange, ticker.Symbol))
}

func (p *NopPublisher) PublishCandles(ctx context.Context, exchange, symbol string, candles []*models.Candle) error {
	return p.drop(CandleChannel(exchange, symbol))
}
