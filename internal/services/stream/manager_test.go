package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketlink/internal/config"
	"marketlink/internal/exchange"
	"marketlink/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func fastStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		KeepaliveInterval:    time.Hour,
		ReconnectBase:        5 * time.Millisecond,
		ReconnectMax:         20 * time.Millisecond,
		MaxReconnectAttempts: 5,
		RateLimitCooldown:    50 * time.Millisecond,
		CooldownRetryBuffer:  10 * time.Millisecond,
	}
}

type fakeTokenClient struct {
	mu          sync.Mutex
	createCalls int
	renewCalls  int
	closeCalls  int
	createErrs  []error // popped per call, nil slot means success
	renewErr    error
	handshake   [][]byte
}

func (f *fakeTokenClient) Name() string { return "binance" }

func (f *fakeTokenClient) CreateStreamToken(ctx context.Context, cred exchange.Credential) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "token-1", nil
}

func (f *fakeTokenClient) RenewStreamToken(ctx context.Context, cred exchange.Credential, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls++
	return f.renewErr
}

func (f *fakeTokenClient) CloseStreamToken(ctx context.Context, cred exchange.Credential, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeTokenClient) StreamURL(token string) string { return "ws://test/" + token }

func (f *fakeTokenClient) StreamHandshake(token string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshake
}

func (f *fakeTokenClient) counts() (create, renew, close int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.renewCalls, f.closeCalls
}

type fakeConn struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.msgs:
		return 1, m, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failNext   int // number of upcoming dials that should fail
	failWrites int // upcoming dials yield conns that refuse writes
	conns      []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	if d.failWrites > 0 {
		d.failWrites--
		conn.writeErr = errors.New("write refused")
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) liveConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type staticCreds struct{}

func (staticCreds) Credentials(ctx context.Context, userID string) (exchange.Credential, error) {
	return exchange.Credential{APIKey: "k", APISecret: "s"}, nil
}

type eventRecorder struct {
	mu       sync.Mutex
	balances []*models.BalanceUpdate
	orders   []*models.OrderUpdate
	statuses []*models.ConnectionStatus
	errors   []*models.StreamError
}

func (r *eventRecorder) PublishBalanceUpdate(ctx context.Context, update *models.BalanceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances = append(r.balances, update)
	return nil
}

func (r *eventRecorder) PublishOrderUpdate(ctx context.Context, update *models.OrderUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, update)
	return nil
}

func (r *eventRecorder) PublishConnectionStatus(ctx context.Context, status *models.ConnectionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *eventRecorder) PublishStreamError(ctx context.Context, streamErr *models.StreamError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, streamErr)
	return nil
}

func (r *eventRecorder) terminalErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.errors {
		if e.Terminal {
			n++
		}
	}
	return n
}

func (r *eventRecorder) statusCount(state models.ConnectionState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.statuses {
		if s.State == state {
			n++
		}
	}
	return n
}

func (r *eventRecorder) balanceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.balances)
}

func newTestManager(cfg config.StreamConfig) (*Manager, *fakeTokenClient, *fakeDialer, *eventRecorder) {
	client := &fakeTokenClient{}
	dialer := &fakeDialer{}
	events := &eventRecorder{}
	m := NewManager(client, staticCreds{}, events, dialer, cfg, testLogger())
	return m, client, dialer, events
}

func TestConnectIsIdempotentWhileConnected(t *testing.T) {
	m, client, dialer, _ := newTestManager(fastStreamConfig())
	defer m.Stop(context.Background())

	require.NoError(t, m.Connect(context.Background(), "user-1"))
	require.NoError(t, m.Connect(context.Background(), "user-1"))
	require.NoError(t, m.Connect(context.Background(), "user-1"))

	assert.Equal(t, models.StateConnected, m.State("user-1"))
	assert.Equal(t, 1, dialer.dialCount())
	creates, _, _ := client.counts()
	assert.Equal(t, 1, creates)
}

func TestRateLimitCooldownSchedulesOneRetry(t *testing.T) {
	cfg := fastStreamConfig()
	m, client, _, events := newTestManager(cfg)
	defer m.Stop(context.Background())

	client.createErrs = []error{
		&exchange.RateLimitedError{Exchange: "binance"},
		nil,
	}

	// The rate limit does not surface to the caller.
	require.NoError(t, m.Connect(context.Background(), "user-1"))
	assert.Equal(t, models.StateRateLimited, m.State("user-1"))

	// Connecting during cooldown is a status-only no-op.
	require.NoError(t, m.Connect(context.Background(), "user-1"))
	creates, _, _ := client.counts()
	assert.Equal(t, 1, creates)
	assert.GreaterOrEqual(t, events.statusCount(models.StateRateLimited), 2)

	// No retry fires before the cooldown elapses.
	time.Sleep(cfg.RateLimitCooldown / 2)
	creates, _, _ = client.counts()
	assert.Equal(t, 1, creates)

	// Exactly one retry fires after cooldown + buffer, and it succeeds.
	require.Eventually(t, func() bool {
		return m.State("user-1") == models.StateConnected
	}, time.Second, 5*time.Millisecond)
	creates, _, _ = client.counts()
	assert.Equal(t, 2, creates)
}

func TestConnectInsideCooldownBufferDefusesRetryTimer(t *testing.T) {
	cfg := fastStreamConfig()
	cfg.RateLimitCooldown = 40 * time.Millisecond
	cfg.CooldownRetryBuffer = 200 * time.Millisecond
	m, client, dialer, _ := newTestManager(cfg)
	defer m.Stop(context.Background())

	client.createErrs = []error{
		&exchange.RateLimitedError{Exchange: "binance"},
		nil,
	}

	require.NoError(t, m.Connect(context.Background(), "user-1"))
	require.Equal(t, models.StateRateLimited, m.State("user-1"))

	// Land a Connect after the cooldown deadline but before the retry
	// timer fires.
	time.Sleep(cfg.RateLimitCooldown + 20*time.Millisecond)
	require.NoError(t, m.Connect(context.Background(), "user-1"))
	require.Equal(t, models.StateConnected, m.State("user-1"))
	require.Equal(t, 1, dialer.dialCount())

	// The pending timer must not knock the live session back and dial a
	// second socket.
	time.Sleep(cfg.CooldownRetryBuffer + 50*time.Millisecond)
	assert.Equal(t, models.StateConnected, m.State("user-1"))
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, 1, dialer.liveConns())
	creates, _, _ := client.counts()
	assert.Equal(t, 2, creates)
}

func TestHandshakeFramesSentOnConnect(t *testing.T) {
	m, client, dialer, _ := newTestManager(fastStreamConfig())
	defer m.Stop(context.Background())

	auth := []byte(`{"op":"auth","args":["k",1,"sig"]}`)
	subscribe := []byte(`{"op":"subscribe","args":["wallet","order"]}`)
	client.handshake = [][]byte{auth, subscribe}

	require.NoError(t, m.Connect(context.Background(), "user-1"))
	require.Equal(t, models.StateConnected, m.State("user-1"))

	frames := dialer.lastConn().writtenFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, auth, frames[0])
	assert.Equal(t, subscribe, frames[1])
}

func TestHandshakeWriteFailureSchedulesReconnect(t *testing.T) {
	m, client, dialer, _ := newTestManager(fastStreamConfig())
	defer m.Stop(context.Background())

	client.handshake = [][]byte{[]byte(`{"op":"auth"}`)}
	dialer.failWrites = 1

	require.NoError(t, m.Connect(context.Background(), "user-1"))

	// The broken socket is closed and a second dial completes the
	// handshake.
	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2 && m.State("user-1") == models.StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dialer.liveConns())
	require.Len(t, dialer.lastConn().writtenFrames(), 1)
}

func TestReconnectDelaySequence(t *testing.T) {
	base := time.Second
	max := 16 * time.Second

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	var prev time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		delay := ReconnectDelay(attempt, base, max)
		assert.Equal(t, want[attempt-1], delay, "attempt %d", attempt)
		assert.GreaterOrEqual(t, delay, prev)
		prev = delay
	}

	// Capped thereafter.
	assert.Equal(t, max, ReconnectDelay(6, base, max))
	assert.Equal(t, max, ReconnectDelay(20, base, max))
}

func TestReconnectAfterSocketDrop(t *testing.T) {
	m, _, dialer, events := newTestManager(fastStreamConfig())
	defer m.Stop(context.Background())

	require.NoError(t, m.Connect(context.Background(), "user-1"))
	require.Equal(t, 1, dialer.dialCount())

	// Drop the socket; the manager should dial again after backoff.
	dialer.lastConn().Close()

	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2 && m.State("user-1") == models.StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, events.statusCount(models.StateReconnecting), 1)
}

func TestReconnectStopsAfterAttemptCap(t *testing.T) {
	cfg := fastStreamConfig()
	cfg.MaxReconnectAttempts = 2
	m, _, dialer, events := newTestManager(cfg)
	defer m.Stop(context.Background())

	dialer.failNext = 100

	require.NoError(t, m.Connect(context.Background(), "user-1"))

	// Initial dial plus two reconnect attempts, then the session is
	// abandoned with a terminal error.
	require.Eventually(t, func() bool {
		return events.terminalErrors() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, dialer.dialCount())
	assert.Equal(t, models.StateIdle, m.State("user-1"))

	// No further dials after abandonment.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, dialer.dialCount())
}

func TestDisconnectDuringReconnectPreventsResurrection(t *testing.T) {
	cfg := fastStreamConfig()
	cfg.ReconnectBase = 30 * time.Millisecond
	cfg.ReconnectMax = 30 * time.Millisecond
	m, _, dialer, _ := newTestManager(cfg)

	dialer.failNext = 1
	require.NoError(t, m.Connect(context.Background(), "user-1"))
	require.Equal(t, models.StateReconnecting, m.State("user-1"))

	require.NoError(t, m.Disconnect(context.Background(), "user-1"))
	assert.Equal(t, models.StateIdle, m.State("user-1"))

	// The pending reconnect timer must not bring the session back.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, models.StateIdle, m.State("user-1"))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m, client, dialer, _ := newTestManager(fastStreamConfig())

	require.NoError(t, m.Connect(context.Background(), "user-1"))
	require.NoError(t, m.Disconnect(context.Background(), "user-1"))
	require.NoError(t, m.Disconnect(context.Background(), "user-1"))

	assert.Equal(t, models.StateIdle, m.State("user-1"))
	assert.Equal(t, 1, dialer.dialCount())
	_, _, closes := client.counts()
	assert.Equal(t, 1, closes)
}

func TestKeepaliveFailureForcesReconnect(t *testing.T) {
	cfg := fastStreamConfig()
	cfg.KeepaliveInterval = 10 * time.Millisecond
	m, client, dialer, _ := newTestManager(cfg)
	defer m.Stop(context.Background())

	client.renewErr = errors.New("renewal rejected")

	require.NoError(t, m.Connect(context.Background(), "user-1"))

	// The failed renewal closes the socket, which routes through the
	// reconnect path and mints a fresh token.
	require.Eventually(t, func() bool {
		creates, renews, _ := client.counts()
		return renews >= 1 && creates >= 2 && dialer.dialCount() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedPayloadIsSkipped(t *testing.T) {
	m, _, dialer, events := newTestManager(fastStreamConfig())
	defer m.Stop(context.Background())

	require.NoError(t, m.Connect(context.Background(), "user-1"))
	conn := dialer.lastConn()

	conn.msgs <- []byte("{not json")
	conn.msgs <- []byte(`{"e":"outboundAccountPosition","E":1700000000000,"B":[{"a":"BTC","f":"1.5","l":"0.25"}]}`)

	require.Eventually(t, func() bool {
		return events.balanceCount() == 1
	}, time.Second, 5*time.Millisecond)

	// The session survived the garbage frame.
	assert.Equal(t, models.StateConnected, m.State("user-1"))

	last := m.LastBalance("user-1")
	require.NotNil(t, last)
	require.Len(t, last.Balances, 1)
	assert.Equal(t, "BTC", last.Balances[0].Asset)
	assert.Equal(t, "1.5", last.Balances[0].Free.String())
}

func TestOrderUpdateRetained(t *testing.T) {
	m, _, dialer, _ := newTestManager(fastStreamConfig())
	defer m.Stop(context.Background())

	require.NoError(t, m.Connect(context.Background(), "user-1"))
	dialer.lastConn().msgs <- []byte(`{"e":"executionReport","E":1700000000000,"s":"BTCUSDT","i":42,"S":"BUY","X":"FILLED","p":"30000","q":"0.1","z":"0.1"}`)

	require.Eventually(t, func() bool {
		return m.LastOrder("user-1") != nil
	}, time.Second, 5*time.Millisecond)

	order := m.LastOrder("user-1")
	assert.Equal(t, "42", order.OrderID)
	assert.Equal(t, "FILLED", order.Status)
	assert.Equal(t, "BTCUSDT", order.Symbol)
}
