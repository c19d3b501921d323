package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker represents 24h rolling ticker data for a symbol
type Ticker struct {
	Symbol         string          `json:"symbol"`
	LastPrice      decimal.Decimal `json:"last_price"`
	PriceChange24h decimal.Decimal `json:"price_change_24h"`
	PriceChange24P decimal.Decimal `json:"price_change_24h_percent"`
	High24h        decimal.Decimal `json:"high_24h"`
	Low24h         decimal.Decimal `json:"low_24h"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	QuoteVolume24h decimal.Decimal `json:"quote_volume_24h"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// OrderBookLevel is a single price level in the order book
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook represents an order book depth snapshot
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Trade represents a single public trade
type Trade struct {
	Symbol   string          `json:"symbol"`
	ID       string          `json:"id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     string          `json:"side"` // buy, sell
	TradedAt time.Time       `json:"traded_at"`
}

// Balance represents one asset's balance in an exchange account
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// SymbolMetadata is descriptive metadata about a traded asset,
// fetched from a third-party provider
type SymbolMetadata struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Description string `json:"description"`
	LogoURL     string `json:"logo_url"`
	Website     string `json:"website"`
	Rank        int    `json:"rank"`
}

// MarketDetail is the composed market snapshot built by the aggregator.
// Fields for failed sources are nil rather than failing the whole response.
type MarketDetail struct {
	Symbol            string               `json:"symbol"`
	Exchange          string               `json:"exchange"`
	Price             decimal.Decimal      `json:"price"`
	Change24h         decimal.Decimal      `json:"change_24h"`
	ChangePercent24h  decimal.Decimal      `json:"change_percent_24h"`
	High24h           decimal.Decimal      `json:"high_24h"`
	Low24h            decimal.Decimal      `json:"low_24h"`
	Volume24h         decimal.Decimal      `json:"volume_24h"`
	Ticker            *Ticker              `json:"ticker,omitempty"`
	CandlesByInterval map[string][]*Candle `json:"candles_by_interval,omitempty"`
	OrderBook         *OrderBook           `json:"order_book,omitempty"`
	RecentTrades      []Trade              `json:"recent_trades,omitempty"`
	Balances          []Balance            `json:"balances,omitempty"`
	Metadata          *SymbolMetadata      `json:"metadata,omitempty"`
	Cached            bool                 `json:"cached"`
	GeneratedAt       time.Time            `json:"generated_at"`
}
