package exchange

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"marketlink/internal/metrics"
	"marketlink/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Credential holds decrypted API credentials. Owned by the caller,
// never logged and never cached beyond the scope of a single request.
type Credential struct {
	APIKey    string
	APISecret string
}

// Client is a signed REST client for one exchange.
type Client interface {
	Name() string

	// SyncClock refreshes the cached server-time offset. Falls back to
	// local time when the public time endpoint is unreachable.
	SyncClock(ctx context.Context) error

	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)
	GetBalances(ctx context.Context, cred Credential) ([]models.Balance, error)

	// Stream token lifecycle for the user data stream.
	CreateStreamToken(ctx context.Context, cred Credential) (string, error)
	RenewStreamToken(ctx context.Context, cred Credential, token string) error
	CloseStreamToken(ctx context.Context, cred Credential, token string) error
	StreamURL(token string) string

	// StreamHandshake returns the messages to send right after the
	// socket opens, in order. Nil when the token authenticates via the
	// stream URL instead.
	StreamHandshake(token string) [][]byte

	// NormalizeInterval maps an interval to the nearest one this
	// exchange supports.
	NormalizeInterval(interval string) string
}

// Options tunes the retry/backoff behavior shared by all providers.
type Options struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	RecvWindow        time.Duration
	DefaultRetryAfter time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// DefaultOptions returns conservative production defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       3,
		BackoffBase:       500 * time.Millisecond,
		RecvWindow:        30 * time.Second,
		DefaultRetryAfter: 2 * time.Second,
		RequestTimeout:    10 * time.Second,
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.RecvWindow <= 0 {
		o.RecvWindow = d.RecvWindow
	}
	if o.DefaultRetryAfter <= 0 {
		o.DefaultRetryAfter = d.DefaultRetryAfter
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = d.RequestsPerSecond
	}
	if o.Burst <= 0 {
		o.Burst = d.Burst
	}
	return o
}

// baseClient carries the retry loop, clock offset and rate limiter
// shared by every provider implementation.
type baseClient struct {
	name       string
	httpClient *http.Client
	logger     *logrus.Logger
	limiter    *rate.Limiter
	opts       Options

	// Provider hook used by the drift-retry path.
	syncFn func(ctx context.Context) error

	// Server-local clock offset in milliseconds. Updated by SyncClock,
	// read atomically on every signed request.
	serverTimeOffset int64
}

func newBaseClient(name string, logger *logrus.Logger, opts Options) *baseClient {
	opts = opts.withDefaults()
	return &baseClient{
		name:       name,
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		opts:       opts,
	}
}

// timestamp returns the current time in epoch milliseconds, adjusted by
// the freshest known server-time offset.
func (c *baseClient) timestamp() int64 {
	return time.Now().UnixMilli() + atomic.LoadInt64(&c.serverTimeOffset)
}

func (c *baseClient) setServerTime(serverMillis int64) {
	offset := serverMillis - time.Now().UnixMilli()
	atomic.StoreInt64(&c.serverTimeOffset, offset)
	metrics.ClockOffset.WithLabelValues(c.name).Set(float64(offset))
	c.logger.WithFields(logrus.Fields{
		"exchange":  c.name,
		"offset_ms": offset,
	}).Debug("Server clock synced")
}

// buildFunc constructs a fresh request for each attempt so the
// timestamp and signature always reflect the current clock offset.
type buildFunc func() (*http.Request, error)

// classifyFunc inspects a completed response and returns nil for
// success or one of the typed errors from errors.go.
type classifyFunc func(status int, header http.Header, body []byte) error

// doSigned runs the retry loop: up to MaxAttempts attempts, where a 429
// sleeps for the provider retry-after (consuming an attempt from the
// same budget), a clock-drift error resyncs and retries exactly once,
// terminal errors return immediately and everything else backs off
// exponentially. The last observed error is returned on exhaustion.
func (c *baseClient) doSigned(ctx context.Context, build buildFunc, classify classifyFunc) ([]byte, error) {
	driftRetried := false
	var lastErr error

	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)
		metrics.SignedRequests.WithLabelValues(c.name, req.URL.Path).Inc()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &TransientError{Exchange: c.name, Err: err}
			if serr := c.sleep(ctx, c.backoffDelay(attempt)); serr != nil {
				return nil, serr
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = &TransientError{Exchange: c.name, Err: err}
			if serr := c.sleep(ctx, c.backoffDelay(attempt)); serr != nil {
				return nil, serr
			}
			continue
		}

		cerr := classify(resp.StatusCode, resp.Header, body)
		if cerr == nil {
			return body, nil
		}
		lastErr = cerr

		switch {
		case IsTerminal(cerr):
			metrics.SignedRequestErrors.WithLabelValues(c.name, "terminal").Inc()
			return nil, cerr

		case errors.Is(cerr, ErrRateLimited):
			metrics.SignedRequestRetries.WithLabelValues(c.name, "rate_limited").Inc()
			delay := c.opts.DefaultRetryAfter
			var rle *RateLimitedError
			if errors.As(cerr, &rle) && rle.RetryAfter > 0 {
				delay = rle.RetryAfter
			}
			c.logger.WithFields(logrus.Fields{
				"exchange": c.name,
				"delay":    delay,
			}).Warn("Rate limited, waiting before retry")
			if serr := c.sleep(ctx, delay); serr != nil {
				return nil, serr
			}

		case errors.Is(cerr, ErrClockDrift) && !driftRetried:
			// Exactly one resync-and-retry per call. The flag bounds
			// what used to be unbounded re-entrant recursion.
			driftRetried = true
			metrics.SignedRequestRetries.WithLabelValues(c.name, "clock_drift").Inc()
			if serr := c.resyncClock(ctx); serr != nil {
				c.logger.WithError(serr).WithField("exchange", c.name).Warn("Clock resync failed")
			}

		default:
			metrics.SignedRequestRetries.WithLabelValues(c.name, "backoff").Inc()
			if serr := c.sleep(ctx, c.backoffDelay(attempt)); serr != nil {
				return nil, serr
			}
		}
	}

	metrics.SignedRequestErrors.WithLabelValues(c.name, "exhausted").Inc()
	return nil, lastErr
}

// resyncClock is overridden per provider via the syncFn hook.
func (c *baseClient) resyncClock(ctx context.Context) error {
	if c.syncFn == nil {
		return nil
	}
	return c.syncFn(ctx)
}

func (c *baseClient) backoffDelay(attempt int) time.Duration {
	return c.opts.BackoffBase * (1 << uint(attempt))
}

func (c *baseClient) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
