package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionState is the lifecycle state of a user stream session
type ConnectionState string

const (
	StateIdle         ConnectionState = "IDLE"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"
	StateRateLimited  ConnectionState = "RATE_LIMITED"
	StateError        ConnectionState = "ERROR"
)

// BalanceUpdate is published when a user stream reports a balance change
type BalanceUpdate struct {
	UserID    string    `json:"user_id"`
	Exchange  string    `json:"exchange"`
	Balances  []Balance `json:"balances"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderUpdate is published when a user stream reports an order event
type OrderUpdate struct {
	UserID    string          `json:"user_id"`
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	OrderID   string          `json:"order_id"`
	Side      string          `json:"side"`
	Status    string          `json:"status"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConnectionStatus is published on every stream state transition
type ConnectionStatus struct {
	UserID    string          `json:"user_id"`
	Exchange  string          `json:"exchange"`
	State     ConnectionState `json:"state"`
	Detail    string          `json:"detail,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StreamError is published for recoverable and terminal stream failures
type StreamError struct {
	UserID    string    `json:"user_id"`
	Exchange  string    `json:"exchange"`
	Message   string    `json:"message"`
	Terminal  bool      `json:"terminal"`
	UpdatedAt time.Time `json:"updated_at"`
}
