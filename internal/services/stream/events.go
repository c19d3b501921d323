package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"marketlink/internal/models"

	"github.com/shopspring/decimal"
)

// userDataEnvelope carries the discriminators of both stream dialects:
// "e" for listen-key streams, "topic"/"op" for the header-signed v5
// private stream.
type userDataEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Topic     string `json:"topic"`
	Op        string `json:"op"`
}

// accountPositionEvent is the provider schema for balance snapshots.
type accountPositionEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// walletTopicEvent is the v5 private-stream schema for balance pushes.
type walletTopicEvent struct {
	CreationTime int64 `json:"creationTime"`
	Data         []struct {
		Coin []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Locked        string `json:"locked"`
		} `json:"coin"`
	} `json:"data"`
}

// orderTopicEvent is the v5 private-stream schema for order pushes.
type orderTopicEvent struct {
	CreationTime int64 `json:"creationTime"`
	Data         []struct {
		Symbol      string `json:"symbol"`
		OrderID     string `json:"orderId"`
		Side        string `json:"side"`
		OrderStatus string `json:"orderStatus"`
		Price       string `json:"price"`
		Qty         string `json:"qty"`
		CumExecQty  string `json:"cumExecQty"`
	} `json:"data"`
}

// executionReportEvent is the provider schema for order updates.
type executionReportEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	OrderID   int64  `json:"i"`
	Side      string `json:"S"`
	Status    string `json:"X"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	FilledQty string `json:"z"`
}

// decodeStreamEvent turns a raw stream payload into a typed
// notification. It returns (nil, nil) for event types the manager does
// not care about (ping frames, listen key expiry notices handled by the
// reconnect path, and so on).
func decodeStreamEvent(userID, exchangeName string, payload []byte) (interface{}, error) {
	var envelope userDataEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("malformed stream payload: %w", err)
	}

	// Operational frames (auth acks, pongs, subscribe acks) carry no
	// user data.
	if envelope.Op != "" {
		return nil, nil
	}

	switch envelope.Topic {
	case "wallet":
		var event walletTopicEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("malformed wallet event: %w", err)
		}
		update := &models.BalanceUpdate{
			UserID:    userID,
			Exchange:  exchangeName,
			UpdatedAt: time.UnixMilli(event.CreationTime),
		}
		for _, acct := range event.Data {
			for _, c := range acct.Coin {
				bal := models.Balance{Asset: c.Coin}
				total, _ := decimal.NewFromString(c.WalletBalance)
				bal.Locked, _ = decimal.NewFromString(c.Locked)
				bal.Free = total.Sub(bal.Locked)
				update.Balances = append(update.Balances, bal)
			}
		}
		return update, nil

	case "order":
		var event orderTopicEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("malformed order event: %w", err)
		}
		if len(event.Data) == 0 {
			return nil, nil
		}
		// Entries arrive oldest first; the newest one is retained.
		o := event.Data[len(event.Data)-1]
		update := &models.OrderUpdate{
			UserID:    userID,
			Exchange:  exchangeName,
			Symbol:    o.Symbol,
			OrderID:   o.OrderID,
			Side:      o.Side,
			Status:    o.OrderStatus,
			UpdatedAt: time.UnixMilli(event.CreationTime),
		}
		update.Price, _ = decimal.NewFromString(o.Price)
		update.Quantity, _ = decimal.NewFromString(o.Qty)
		update.FilledQty, _ = decimal.NewFromString(o.CumExecQty)
		return update, nil
	}

	switch envelope.EventType {
	case "outboundAccountPosition":
		var event accountPositionEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("malformed balance event: %w", err)
		}
		update := &models.BalanceUpdate{
			UserID:    userID,
			Exchange:  exchangeName,
			UpdatedAt: time.UnixMilli(event.EventTime),
		}
		for _, b := range event.Balances {
			bal := models.Balance{Asset: b.Asset}
			bal.Free, _ = decimal.NewFromString(b.Free)
			bal.Locked, _ = decimal.NewFromString(b.Locked)
			update.Balances = append(update.Balances, bal)
		}
		return update, nil

	case "executionReport":
		var event executionReportEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("malformed order event: %w", err)
		}
		update := &models.OrderUpdate{
			UserID:    userID,
			Exchange:  exchangeName,
			Symbol:    event.Symbol,
			OrderID:   strconv.FormatInt(event.OrderID, 10),
			Side:      event.Side,
			Status:    event.Status,
			UpdatedAt: time.UnixMilli(event.EventTime),
		}
		update.Price, _ = decimal.NewFromString(event.Price)
		update.Quantity, _ = decimal.NewFromString(event.Quantity)
		update.FilledQty, _ = decimal.NewFromString(event.FilledQty)
		return update, nil
	}

	return nil, nil
}
