package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	binanceBaseURL   = "https://api.binance.com"
	binanceStreamURL = "wss://stream.binance.com:9443/ws"

	binanceCodeClockDrift   = -1021
	binanceCodeBadAPIKey    = -2014
	binanceCodeUnauthorized = -2015
)

// BinanceClient signs requests the Binance way: ordered query string
// with timestamp and recvWindow, plus a trailing signature parameter.
// The API key travels in the X-MBX-APIKEY header.
type BinanceClient struct {
	*baseClient
	baseURL   string
	streamURL string
}

// NewBinanceClient creates a Binance signed client.
func NewBinanceClient(logger *logrus.Logger, opts Options) *BinanceClient {
	c := &BinanceClient{
		baseClient: newBaseClient("binance", logger, opts),
		baseURL:    binanceBaseURL,
		streamURL:  binanceStreamURL,
	}
	c.syncFn = c.SyncClock
	return c
}

// SetBaseURL overrides the REST endpoint (tests, mirrors).
func (c *BinanceClient) SetBaseURL(u string) { c.baseURL = strings.TrimSuffix(u, "/") }

func (c *BinanceClient) Name() string { return "binance" }

// signQuery appends timestamp, recvWindow and the HMAC signature to the
// query parameters. The signature covers the encoded query string
// exactly as sent; url.Values.Encode sorts keys, which is what Binance
// expects for the canonical form.
func (c *BinanceClient) signQuery(params url.Values, cred Credential) string {
	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.opts.RecvWindow.Milliseconds(), 10))
	payload := params.Encode()
	return payload + "&signature=" + hmacSHA256Hex(payload, cred.APISecret)
}

func hmacSHA256Hex(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// classify maps a Binance response to the error taxonomy.
func (c *BinanceClient) classify(status int, header http.Header, body []byte) error {
	if status == http.StatusTooManyRequests || status == http.StatusTeapot {
		return &RateLimitedError{Exchange: c.name, RetryAfter: retryAfterHeader(header)}
	}

	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"msg"`
	}
	// Success payloads are arrays or objects without a code field, so a
	// failed unmarshal just means "not an error envelope".
	_ = json.Unmarshal(body, &apiErr)

	if status >= 200 && status < 300 && apiErr.Code == 0 {
		return nil
	}

	switch apiErr.Code {
	case binanceCodeClockDrift:
		return &ClockDriftError{Exchange: c.name, Code: apiErr.Code}
	case binanceCodeBadAPIKey:
		return fmt.Errorf("%s: %w: %s", c.name, ErrInvalidCredentials, apiErr.Message)
	case binanceCodeUnauthorized:
		if strings.Contains(apiErr.Message, "IP") {
			return fmt.Errorf("%s: %w", c.name, ErrIPNotWhitelisted)
		}
		return fmt.Errorf("%s: %w: %s", c.name, ErrInvalidCredentials, apiErr.Message)
	}

	if apiErr.Code != 0 {
		return &ProtocolError{Exchange: c.name, Code: apiErr.Code, Message: apiErr.Message}
	}
	return &ProtocolError{Exchange: c.name, Code: status, Message: http.StatusText(status)}
}

func retryAfterHeader(header http.Header) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// SyncClock fetches /api/v3/time. On failure the local clock stays
// authoritative; the generous recv window absorbs residual drift.
func (c *BinanceClient) SyncClock(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/time", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).Warn("Binance time sync failed, falling back to local clock")
		c.setServerTime(time.Now().UnixMilli())
		return nil
	}
	defer resp.Body.Close()

	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ServerTime == 0 {
		c.logger.WithError(err).Warn("Binance time response invalid, falling back to local clock")
		c.setServerTime(time.Now().UnixMilli())
		return nil
	}
	c.setServerTime(out.ServerTime)
	return nil
}

// public issues an unsigned request through the same retry loop.
func (c *BinanceClient) public(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.doSigned(ctx, func() (*http.Request, error) {
		target := c.baseURL + path
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
		return http.NewRequest(http.MethodGet, target, nil)
	}, c.classify)
}

// signed issues a signed request; the request is rebuilt per attempt so
// the signature always uses the freshest server-time offset.
func (c *BinanceClient) signed(ctx context.Context, method, path string, params url.Values, cred Credential) ([]byte, error) {
	return c.doSigned(ctx, func() (*http.Request, error) {
		query := c.signQuery(cloneValues(params), cred)
		req, err := http.NewRequest(method, c.baseURL+path+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", cred.APIKey)
		return req, nil
	}, c.classify)
}

// keyed issues a request authenticated by API key only (stream token
// endpoints are not signed on Binance).
func (c *BinanceClient) keyed(ctx context.Context, method, path string, params url.Values, cred Credential) ([]byte, error) {
	return c.doSigned(ctx, func() (*http.Request, error) {
		target := c.baseURL + path
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
		req, err := http.NewRequest(method, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", cred.APIKey)
		return req, nil
	}, c.classify)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func (c *BinanceClient) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	body, err := c.public(ctx, "/api/v3/ticker/24hr", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		PriceChange        string `json:"priceChange"`
		PriceChangePercent string `json:"priceChangePercent"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		Volume             string `json:"volume"`
		QuoteVolume        string `json:"quoteVolume"`
		CloseTime          int64  `json:"closeTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse binance ticker: %w", err)
	}

	t := &models.Ticker{Symbol: raw.Symbol, UpdatedAt: time.UnixMilli(raw.CloseTime)}
	t.LastPrice, _ = decimal.NewFromString(raw.LastPrice)
	t.PriceChange24h, _ = decimal.NewFromString(raw.PriceChange)
	t.PriceChange24P, _ = decimal.NewFromString(raw.PriceChangePercent)
	t.High24h, _ = decimal.NewFromString(raw.HighPrice)
	t.Low24h, _ = decimal.NewFromString(raw.LowPrice)
	t.Volume24h, _ = decimal.NewFromString(raw.Volume)
	t.QuoteVolume24h, _ = decimal.NewFromString(raw.QuoteVolume)
	return t, nil
}

func (c *BinanceClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", c.NormalizeInterval(interval))
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.public(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var klines [][]interface{}
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, fmt.Errorf("parse binance klines: %w", err)
	}

	candles := make([]*models.Candle, 0, len(klines))
	for _, k := range klines {
		if len(k) < 9 {
			continue
		}
		candle := &models.Candle{
			Symbol:    strings.ToUpper(symbol),
			Interval:  interval,
			Source:    c.name,
			OpenTime:  time.UnixMilli(int64(asFloat(k[0]))),
			CloseTime: time.UnixMilli(int64(asFloat(k[6]))),
			IsClosed:  true,
		}
		candle.Open, _ = decimal.NewFromString(asString(k[1]))
		candle.High, _ = decimal.NewFromString(asString(k[2]))
		candle.Low, _ = decimal.NewFromString(asString(k[3]))
		candle.Close, _ = decimal.NewFromString(asString(k[4]))
		candle.Volume, _ = decimal.NewFromString(asString(k[5]))
		candle.QuoteVolume, _ = decimal.NewFromString(asString(k[7]))
		candle.TradeCount = int(asFloat(k[8]))
		candles = append(candles, candle)
	}
	return candles, nil
}

func (c *BinanceClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", strconv.Itoa(depth))

	body, err := c.public(ctx, "/api/v3/depth", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse binance depth: %w", err)
	}

	book := &models.OrderBook{
		Symbol:    strings.ToUpper(symbol),
		Bids:      parseLevels(raw.Bids),
		Asks:      parseLevels(raw.Asks),
		UpdatedAt: time.Now(),
	}
	return book, nil
}

func parseLevels(raw [][]string) []models.OrderBookLevel {
	levels := make([]models.OrderBookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		var lvl models.OrderBookLevel
		lvl.Price, _ = decimal.NewFromString(l[0])
		lvl.Quantity, _ = decimal.NewFromString(l[1])
		levels = append(levels, lvl)
	}
	return levels
}

func (c *BinanceClient) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.public(ctx, "/api/v3/trades", params)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		ID           int64  `json:"id"`
		Price        string `json:"price"`
		Qty          string `json:"qty"`
		Time         int64  `json:"time"`
		IsBuyerMaker bool   `json:"isBuyerMaker"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse binance trades: %w", err)
	}

	trades := make([]models.Trade, 0, len(raw))
	for _, t := range raw {
		side := "buy"
		if t.IsBuyerMaker {
			side = "sell"
		}
		trade := models.Trade{
			Symbol:   strings.ToUpper(symbol),
			ID:       strconv.FormatInt(t.ID, 10),
			Side:     side,
			TradedAt: time.UnixMilli(t.Time),
		}
		trade.Price, _ = decimal.NewFromString(t.Price)
		trade.Quantity, _ = decimal.NewFromString(t.Qty)
		trades = append(trades, trade)
	}
	return trades, nil
}

func (c *BinanceClient) GetBalances(ctx context.Context, cred Credential) ([]models.Balance, error) {
	body, err := c.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{}, cred)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse binance account: %w", err)
	}

	balances := make([]models.Balance, 0, len(raw.Balances))
	for _, b := range raw.Balances {
		bal := models.Balance{Asset: b.Asset}
		bal.Free, _ = decimal.NewFromString(b.Free)
		bal.Locked, _ = decimal.NewFromString(b.Locked)
		if bal.Free.IsZero() && bal.Locked.IsZero() {
			continue
		}
		balances = append(balances, bal)
	}
	return balances, nil
}

func (c *BinanceClient) CreateStreamToken(ctx context.Context, cred Credential) (string, error) {
	body, err := c.keyed(ctx, http.MethodPost, "/api/v3/userDataStream", nil, cred)
	if err != nil {
		return "", err
	}

	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parse listen key: %w", err)
	}
	if out.ListenKey == "" {
		return "", &ProtocolError{Exchange: c.name, Code: 0, Message: "empty listen key"}
	}
	return out.ListenKey, nil
}

func (c *BinanceClient) RenewStreamToken(ctx context.Context, cred Credential, token string) error {
	params := url.Values{}
	params.Set("listenKey", token)
	_, err := c.keyed(ctx, http.MethodPut, "/api/v3/userDataStream", params, cred)
	return err
}

func (c *BinanceClient) CloseStreamToken(ctx context.Context, cred Credential, token string) error {
	params := url.Values{}
	params.Set("listenKey", token)
	_, err := c.keyed(ctx, http.MethodDelete, "/api/v3/userDataStream", params, cred)
	return err
}

func (c *BinanceClient) StreamURL(token string) string {
	return c.streamURL + "/" + token
}

// StreamHandshake is empty; the listen key in the URL authenticates the
// stream.
func (c *BinanceClient) StreamHandshake(token string) [][]byte { return nil }

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
