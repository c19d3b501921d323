package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketlink/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	bybitBaseURL   = "https://api.bybit.com"
	bybitStreamURL = "wss://stream.bybit.com/v5/private"

	bybitCodeClockDrift   = 10002
	bybitCodeInvalidKey   = 10003
	bybitCodeBadSignature = 10004
	bybitCodeRateLimited  = 10006
	bybitCodeIPMismatch   = 10010
	bybitCodeIPRateLimit  = 10018
)

// BybitClient signs requests the Bybit v5 way: the signature is
// HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload) and is
// sent only in headers. GET payloads are the alphabetically sorted query
// string; POST payloads are the raw JSON body.
type BybitClient struct {
	*baseClient
	baseURL   string
	streamURL string
}

// NewBybitClient creates a Bybit signed client.
func NewBybitClient(logger *logrus.Logger, opts Options) *BybitClient {
	c := &BybitClient{
		baseClient: newBaseClient("bybit", logger, opts),
		baseURL:    bybitBaseURL,
		streamURL:  bybitStreamURL,
	}
	c.syncFn = c.SyncClock
	return c
}

// SetBaseURL overrides the REST endpoint (tests, mirrors).
func (c *BybitClient) SetBaseURL(u string) { c.baseURL = strings.TrimSuffix(u, "/") }

func (c *BybitClient) Name() string { return "bybit" }

// signHeaders computes the v5 signature over
// timestamp + apiKey + recvWindow + payload and sets the auth headers.
func (c *BybitClient) signHeaders(req *http.Request, payload string, cred Credential) {
	timestamp := strconv.FormatInt(c.timestamp(), 10)
	recvWindow := strconv.FormatInt(c.opts.RecvWindow.Milliseconds(), 10)
	sign := hmacSHA256Hex(timestamp+cred.APIKey+recvWindow+payload, cred.APISecret)

	req.Header.Set("X-BAPI-API-KEY", cred.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", sign)
}

func (c *BybitClient) classify(status int, header http.Header, body []byte) error {
	if status == http.StatusTooManyRequests {
		return &RateLimitedError{Exchange: c.name, RetryAfter: retryAfterHeader(header)}
	}
	if status < 200 || status >= 300 {
		return &ProtocolError{Exchange: c.name, Code: status, Message: http.StatusText(status)}
	}

	var envelope struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &ProtocolError{Exchange: c.name, Code: status, Message: "unparseable response"}
	}

	switch envelope.RetCode {
	case 0:
		return nil
	case bybitCodeClockDrift:
		return &ClockDriftError{Exchange: c.name, Code: envelope.RetCode}
	case bybitCodeInvalidKey, bybitCodeBadSignature:
		return fmt.Errorf("%s: %w: %s", c.name, ErrInvalidCredentials, envelope.RetMsg)
	case bybitCodeIPMismatch:
		return fmt.Errorf("%s: %w", c.name, ErrIPNotWhitelisted)
	case bybitCodeRateLimited, bybitCodeIPRateLimit:
		return &RateLimitedError{Exchange: c.name, RetryAfter: retryAfterHeader(header)}
	default:
		return &ProtocolError{Exchange: c.name, Code: envelope.RetCode, Message: envelope.RetMsg}
	}
}

// SyncClock fetches /v5/market/time, falling back to the local clock.
func (c *BybitClient) SyncClock(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v5/market/time", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).Warn("Bybit time sync failed, falling back to local clock")
		c.setServerTime(time.Now().UnixMilli())
		return nil
	}
	defer resp.Body.Close()

	var out struct {
		Time int64 `json:"time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Time == 0 {
		c.logger.WithError(err).Warn("Bybit time response invalid, falling back to local clock")
		c.setServerTime(time.Now().UnixMilli())
		return nil
	}
	c.setServerTime(out.Time)
	return nil
}

func (c *BybitClient) public(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.doSigned(ctx, func() (*http.Request, error) {
		target := c.baseURL + path
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
		return http.NewRequest(http.MethodGet, target, nil)
	}, c.classify)
}

// signedGet signs the alphabetically sorted query string.
// url.Values.Encode sorts by key, which matches Bybit's canonical form.
func (c *BybitClient) signedGet(ctx context.Context, path string, params url.Values, cred Credential) ([]byte, error) {
	return c.doSigned(ctx, func() (*http.Request, error) {
		query := params.Encode()
		target := c.baseURL + path
		if query != "" {
			target += "?" + query
		}
		req, err := http.NewRequest(http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		c.signHeaders(req, query, cred)
		return req, nil
	}, c.classify)
}

// signedPost signs the raw JSON body string, byte for byte.
func (c *BybitClient) signedPost(ctx context.Context, path string, payload interface{}, cred Credential) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.doSigned(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.signHeaders(req, string(body), cred)
		return req, nil
	}, c.classify)
}

func (c *BybitClient) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", strings.ToUpper(symbol))

	body, err := c.public(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Result struct {
			List []struct {
				Symbol       string `json:"symbol"`
				LastPrice    string `json:"lastPrice"`
				Price24hPcnt string `json:"price24hPcnt"`
				PrevPrice24h string `json:"prevPrice24h"`
				HighPrice24h string `json:"highPrice24h"`
				LowPrice24h  string `json:"lowPrice24h"`
				Volume24h    string `json:"volume24h"`
				Turnover24h  string `json:"turnover24h"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse bybit ticker: %w", err)
	}
	if len(raw.Result.List) == 0 {
		return nil, &ProtocolError{Exchange: c.name, Code: 0, Message: "empty ticker list"}
	}

	item := raw.Result.List[0]
	t := &models.Ticker{Symbol: item.Symbol, UpdatedAt: time.Now()}
	t.LastPrice, _ = decimal.NewFromString(item.LastPrice)
	t.High24h, _ = decimal.NewFromString(item.HighPrice24h)
	t.Low24h, _ = decimal.NewFromString(item.LowPrice24h)
	t.Volume24h, _ = decimal.NewFromString(item.Volume24h)
	t.QuoteVolume24h, _ = decimal.NewFromString(item.Turnover24h)

	// Bybit reports the change as a ratio against prevPrice24h.
	prev, _ := decimal.NewFromString(item.PrevPrice24h)
	t.PriceChange24h = t.LastPrice.Sub(prev)
	pcnt, _ := decimal.NewFromString(item.Price24hPcnt)
	t.PriceChange24P = pcnt.Mul(decimal.NewFromInt(100))
	return t, nil
}

func (c *BybitClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	bybitInterval := c.NormalizeInterval(interval)
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", bybitInterval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.public(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse bybit kline: %w", err)
	}

	duration := bybitIntervalDuration(bybitInterval)
	// Bybit returns newest first; flip to oldest first to match the
	// rest of the service.
	candles := make([]*models.Candle, 0, len(raw.Result.List))
	for i := len(raw.Result.List) - 1; i >= 0; i-- {
		k := raw.Result.List[i]
		if len(k) < 7 {
			continue
		}
		startMs, _ := strconv.ParseInt(k[0], 10, 64)
		candle := &models.Candle{
			Symbol:    strings.ToUpper(symbol),
			Interval:  interval,
			Source:    c.name,
			OpenTime:  time.UnixMilli(startMs),
			CloseTime: time.UnixMilli(startMs).Add(duration),
			IsClosed:  true,
		}
		candle.Open, _ = decimal.NewFromString(k[1])
		candle.High, _ = decimal.NewFromString(k[2])
		candle.Low, _ = decimal.NewFromString(k[3])
		candle.Close, _ = decimal.NewFromString(k[4])
		candle.Volume, _ = decimal.NewFromString(k[5])
		candle.QuoteVolume, _ = decimal.NewFromString(k[6])
		candles = append(candles, candle)
	}
	return candles, nil
}

func (c *BybitClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", strconv.Itoa(depth))

	body, err := c.public(ctx, "/v5/market/orderbook", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Result struct {
			Bids [][]string `json:"b"`
			Asks [][]string `json:"a"`
			Ts   int64      `json:"ts"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse bybit orderbook: %w", err)
	}

	return &models.OrderBook{
		Symbol:    strings.ToUpper(symbol),
		Bids:      parseLevels(raw.Result.Bids),
		Asks:      parseLevels(raw.Result.Asks),
		UpdatedAt: time.UnixMilli(raw.Result.Ts),
	}, nil
}

func (c *BybitClient) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.public(ctx, "/v5/market/recent-trade", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Result struct {
			List []struct {
				ExecID string `json:"execId"`
				Price  string `json:"price"`
				Size   string `json:"size"`
				Side   string `json:"side"`
				Time   string `json:"time"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse bybit trades: %w", err)
	}

	trades := make([]models.Trade, 0, len(raw.Result.List))
	for _, t := range raw.Result.List {
		ms, _ := strconv.ParseInt(t.Time, 10, 64)
		trade := models.Trade{
			Symbol:   strings.ToUpper(symbol),
			ID:       t.ExecID,
			Side:     strings.ToLower(t.Side),
			TradedAt: time.UnixMilli(ms),
		}
		trade.Price, _ = decimal.NewFromString(t.Price)
		trade.Quantity, _ = decimal.NewFromString(t.Size)
		trades = append(trades, trade)
	}
	return trades, nil
}

func (c *BybitClient) GetBalances(ctx context.Context, cred Credential) ([]models.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	body, err := c.signedGet(ctx, "/v5/account/wallet-balance", params, cred)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
					Locked        string `json:"locked"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse bybit wallet balance: %w", err)
	}

	var balances []models.Balance
	for _, acct := range raw.Result.List {
		for _, coin := range acct.Coin {
			bal := models.Balance{Asset: coin.Coin}
			total, _ := decimal.NewFromString(coin.WalletBalance)
			bal.Locked, _ = decimal.NewFromString(coin.Locked)
			bal.Free = total.Sub(bal.Locked)
			if bal.Free.IsZero() && bal.Locked.IsZero() {
				continue
			}
			balances = append(balances, bal)
		}
	}
	return balances, nil
}

// streamAuthTTL bounds how long a minted auth ticket stays reusable
// across reconnects before renewal forces a fresh one.
const streamAuthTTL = 24 * time.Hour

// CreateStreamToken issues a signed websocket auth ticket. Bybit has no
// listen-key endpoint; the private stream authenticates with an expires
// timestamp and a signature over "GET/realtime" + expires, so the token
// is minted locally and sent as the first frame after dialing.
func (c *BybitClient) CreateStreamToken(ctx context.Context, cred Credential) (string, error) {
	expires := c.timestamp() + streamAuthTTL.Milliseconds()
	sign := hmacSHA256Hex("GET/realtime"+strconv.FormatInt(expires, 10), cred.APISecret)
	ticket, err := json.Marshal(map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{cred.APIKey, expires, sign},
	})
	if err != nil {
		return "", err
	}
	return string(ticket), nil
}

// RenewStreamToken checks the ticket's remaining validity. An expired
// (or unparseable) ticket errors so the caller drops it and
// reconnects with a fresh one.
func (c *BybitClient) RenewStreamToken(ctx context.Context, cred Credential, token string) error {
	var ticket struct {
		Args []interface{} `json:"args"`
	}
	if err := json.Unmarshal([]byte(token), &ticket); err != nil || len(ticket.Args) < 2 {
		return &ProtocolError{Exchange: c.name, Message: "malformed stream auth ticket"}
	}
	expires, ok := ticket.Args[1].(float64)
	if !ok || int64(expires) <= c.timestamp() {
		return &ProtocolError{Exchange: c.name, Message: "stream auth ticket expired"}
	}
	return nil
}

func (c *BybitClient) CloseStreamToken(ctx context.Context, cred Credential, token string) error {
	// Locally minted tickets expire on their own.
	return nil
}

func (c *BybitClient) StreamURL(token string) string {
	return c.streamURL
}

// StreamHandshake authenticates and subscribes to the private wallet
// and order topics. The token is already the auth frame.
func (c *BybitClient) StreamHandshake(token string) [][]byte {
	return [][]byte{
		[]byte(token),
		[]byte(`{"op":"subscribe","args":["wallet","order"]}`),
	}
}
