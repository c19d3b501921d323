package stream

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"marketlink/internal/config"
	"marketlink/internal/exchange"
	"marketlink/internal/metrics"
	"marketlink/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// TokenClient is the slice of the signed exchange client the manager
// needs for stream token lifecycle.
type TokenClient interface {
	Name() string
	CreateStreamToken(ctx context.Context, cred exchange.Credential) (string, error)
	RenewStreamToken(ctx context.Context, cred exchange.Credential, token string) error
	CloseStreamToken(ctx context.Context, cred exchange.Credential, token string) error
	StreamURL(token string) string
	StreamHandshake(token string) [][]byte
}

// CredentialProvider returns decrypted credentials for a user. The
// manager never caches them beyond the scope of one call.
type CredentialProvider interface {
	Credentials(ctx context.Context, userID string) (exchange.Credential, error)
}

// Events is the typed notification sink. pubsub.Publisher satisfies it;
// tests use an in-memory recorder.
type Events interface {
	PublishBalanceUpdate(ctx context.Context, update *models.BalanceUpdate) error
	PublishOrderUpdate(ctx context.Context, update *models.OrderUpdate) error
	PublishConnectionStatus(ctx context.Context, status *models.ConnectionStatus) error
	PublishStreamError(ctx context.Context, streamErr *models.StreamError) error
}

// session is one user's persistent stream. All fields are guarded by
// the manager mutex; the read loop and timers re-check gen before
// touching anything so a Disconnect can never be resurrected by
// in-flight work.
type session struct {
	userID           string
	token            string
	conn             Conn
	state            models.ConnectionState
	lastKeepaliveAt  time.Time
	reconnectAttempt int
	rateLimitedUntil time.Time

	// gen invalidates in-flight goroutines and timer callbacks: every
	// teardown bumps it, and stale callbacks compare before acting.
	gen int

	keepaliveStop  chan struct{}
	reconnectTimer *time.Timer
	cooldownTimer  *time.Timer

	lastBalance *models.BalanceUpdate
	lastOrder   *models.OrderUpdate
}

// Manager owns every user stream session for one exchange: token
// lifecycle, keepalive, reconnection with jittered backoff, rate-limit
// cooldown and event fan-out.
type Manager struct {
	client TokenClient
	creds  CredentialProvider
	events Events
	dialer Dialer
	logger *logrus.Logger
	cfg    config.StreamConfig

	mu       sync.Mutex
	sessions map[string]*session
	stopped  bool
}

func NewManager(client TokenClient, creds CredentialProvider, events Events, dialer Dialer, cfg config.StreamConfig, logger *logrus.Logger) *Manager {
	return &Manager{
		client:   client,
		creds:    creds,
		events:   events,
		dialer:   dialer,
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// Connect opens (or resumes) the user's stream session. Connecting an
// already CONNECTED session is a no-op; a user inside a rate-limit
// cooldown gets a RATE_LIMITED status and no side effects. Token and
// socket failures are recoverable and never propagate to the caller;
// only invalid credentials do.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.New("stream manager stopped")
	}

	s, ok := m.sessions[userID]
	if ok {
		switch {
		case s.state == models.StateConnected:
			m.mu.Unlock()
			return nil
		case s.state == models.StateConnecting || s.state == models.StateReconnecting:
			m.mu.Unlock()
			return nil
		case time.Now().Before(s.rateLimitedUntil):
			m.mu.Unlock()
			m.publishStatus(userID, models.StateRateLimited, "token acquisition cooling down")
			return nil
		}
	} else {
		s = &session{userID: userID, state: models.StateIdle}
		m.sessions[userID] = s
	}
	// Past the cooldown deadline the pending retry timer is defused so
	// it cannot knock a live session back to IDLE and dial a second
	// socket.
	if s.cooldownTimer != nil {
		s.cooldownTimer.Stop()
		s.cooldownTimer = nil
	}
	s.rateLimitedUntil = time.Time{}
	s.state = models.StateConnecting
	gen := s.gen
	token := s.token // non-terminal sessions reuse their token
	m.mu.Unlock()

	m.publishStatus(userID, models.StateConnecting, "")
	return m.establish(ctx, userID, gen, token)
}

// establish acquires a token if needed and dials the stream. It must
// not hold the manager lock across network calls.
func (m *Manager) establish(ctx context.Context, userID string, gen int, token string) error {
	cred, err := m.creds.Credentials(ctx, userID)
	if err != nil {
		m.abandon(userID, gen, "credential lookup failed: "+err.Error())
		return err
	}

	if token == "" {
		token, err = m.client.CreateStreamToken(ctx, cred)
		if err != nil {
			return m.handleTokenError(userID, gen, err)
		}
	}

	conn, err := m.dialer.Dial(ctx, m.client.StreamURL(token))
	if err != nil {
		m.logger.WithError(err).WithField("user_id", userID).Warn("Stream dial failed")
		m.mu.Lock()
		if s, ok := m.sessions[userID]; ok && s.gen == gen {
			s.token = token
			m.scheduleReconnectLocked(s)
		}
		m.mu.Unlock()
		return nil
	}

	// Exchanges without URL-based auth authenticate and subscribe with
	// the first frames on the socket.
	for _, frame := range m.client.StreamHandshake(token) {
		if werr := conn.WriteMessage(websocket.TextMessage, frame); werr != nil {
			m.logger.WithError(werr).WithField("user_id", userID).Warn("Stream handshake failed")
			conn.Close()
			m.mu.Lock()
			if s, ok := m.sessions[userID]; ok && s.gen == gen {
				s.token = token
				m.scheduleReconnectLocked(s)
			}
			m.mu.Unlock()
			return nil
		}
	}

	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok || s.gen != gen {
		// Disconnected while we were dialing.
		m.mu.Unlock()
		conn.Close()
		m.releaseToken(cred, token)
		return nil
	}
	s.conn = conn
	s.token = token
	s.state = models.StateConnected
	s.reconnectAttempt = 0
	s.lastKeepaliveAt = time.Now()
	s.keepaliveStop = make(chan struct{})
	stop := s.keepaliveStop
	m.mu.Unlock()

	metrics.ActiveStreamSessions.Inc()
	m.publishStatus(userID, models.StateConnected, "")
	m.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"exchange": m.client.Name(),
	}).Info("User stream connected")

	go m.keepaliveLoop(userID, gen, stop)
	go m.readLoop(userID, gen, conn)
	return nil
}

// handleTokenError routes a failed token acquisition: rate limiting
// enters cooldown with exactly one scheduled retry, bad credentials are
// terminal, anything else goes through the reconnect path.
func (m *Manager) handleTokenError(userID string, gen int, err error) error {
	switch {
	case errors.Is(err, exchange.ErrRateLimited):
		m.mu.Lock()
		s, ok := m.sessions[userID]
		if !ok || s.gen != gen {
			m.mu.Unlock()
			return nil
		}
		s.state = models.StateRateLimited
		s.rateLimitedUntil = time.Now().Add(m.cfg.RateLimitCooldown)
		if s.cooldownTimer == nil {
			delay := m.cfg.RateLimitCooldown + m.cfg.CooldownRetryBuffer
			s.cooldownTimer = time.AfterFunc(delay, func() { m.cooldownExpired(userID, gen) })
		}
		m.mu.Unlock()

		metrics.StreamRateLimitCooldowns.Inc()
		m.publishStatus(userID, models.StateRateLimited, "token acquisition rate limited")
		m.logger.WithFields(logrus.Fields{
			"user_id":  userID,
			"cooldown": m.cfg.RateLimitCooldown,
		}).Warn("Stream token rate limited, cooling down")
		return nil

	case exchange.IsTerminal(err):
		m.abandon(userID, gen, err.Error())
		return err

	default:
		m.logger.WithError(err).WithField("user_id", userID).Warn("Stream token acquisition failed")
		m.mu.Lock()
		if s, ok := m.sessions[userID]; ok && s.gen == gen {
			m.scheduleReconnectLocked(s)
		}
		m.mu.Unlock()
		return nil
	}
}

// cooldownExpired is the single scheduled retry after a rate-limit
// cooldown.
func (m *Manager) cooldownExpired(userID string, gen int) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok || s.gen != gen || s.state != models.StateRateLimited {
		// A Connect that landed inside the buffer window already owns
		// the session.
		m.mu.Unlock()
		return
	}
	s.cooldownTimer = nil
	s.rateLimitedUntil = time.Time{}
	s.state = models.StateIdle
	m.mu.Unlock()

	if err := m.Connect(context.Background(), userID); err != nil {
		m.logger.WithError(err).WithField("user_id", userID).Warn("Cooldown retry failed")
	}
}

// keepaliveLoop renews the stream token on a fixed interval. A failed
// renewal force-closes the socket so recovery funnels through the same
// reconnect path as any other disconnect - a stale token must never
// stay active.
func (m *Manager) keepaliveLoop(userID string, gen int, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			s, ok := m.sessions[userID]
			if !ok || s.gen != gen || s.state != models.StateConnected {
				m.mu.Unlock()
				return
			}
			token := s.token
			conn := s.conn
			m.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			cred, err := m.creds.Credentials(ctx, userID)
			if err == nil {
				err = m.client.RenewStreamToken(ctx, cred, token)
			}
			cancel()

			if err != nil {
				m.logger.WithError(err).WithField("user_id", userID).Warn("Keepalive failed, forcing reconnect")
				m.mu.Lock()
				if s, ok := m.sessions[userID]; ok && s.gen == gen {
					s.token = "" // stale token, acquire a fresh one
				}
				m.mu.Unlock()
				conn.Close() // read loop observes the close and reconnects
				return
			}

			m.mu.Lock()
			if s, ok := m.sessions[userID]; ok && s.gen == gen {
				s.lastKeepaliveAt = time.Now()
			}
			m.mu.Unlock()
		}
	}
}

// readLoop consumes decoded stream events until the socket dies.
// Malformed payloads are logged and skipped; they never kill a session.
func (m *Manager) readLoop(userID string, gen int, conn Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			m.handleSocketClosed(userID, gen, err)
			return
		}

		m.mu.Lock()
		s, ok := m.sessions[userID]
		stale := !ok || s.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}

		event, derr := decodeStreamEvent(userID, m.client.Name(), payload)
		if derr != nil {
			m.logger.WithError(derr).WithField("user_id", userID).Warn("Skipping malformed stream event")
			continue
		}
		if event == nil {
			continue
		}

		ctx := context.Background()
		switch e := event.(type) {
		case *models.BalanceUpdate:
			m.mu.Lock()
			if s, ok := m.sessions[userID]; ok && s.gen == gen {
				s.lastBalance = e
			}
			m.mu.Unlock()
			if err := m.events.PublishBalanceUpdate(ctx, e); err != nil {
				m.logger.WithError(err).Warn("Failed to publish balance update")
			}
		case *models.OrderUpdate:
			m.mu.Lock()
			if s, ok := m.sessions[userID]; ok && s.gen == gen {
				s.lastOrder = e
			}
			m.mu.Unlock()
			if err := m.events.PublishOrderUpdate(ctx, e); err != nil {
				m.logger.WithError(err).Warn("Failed to publish order update")
			}
		}
	}
}

// handleSocketClosed transitions a live session into reconnection.
func (m *Manager) handleSocketClosed(userID string, gen int, cause error) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok || s.gen != gen {
		m.mu.Unlock()
		return
	}
	m.stopKeepaliveLocked(s)
	s.conn = nil
	metrics.ActiveStreamSessions.Dec()
	m.scheduleReconnectLocked(s)
	m.mu.Unlock()

	m.logger.WithError(cause).WithField("user_id", userID).Warn("User stream disconnected")
}

// scheduleReconnectLocked books the next reconnect attempt, or abandons
// the session once the attempt cap is exhausted. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked(s *session) {
	s.reconnectAttempt++
	if s.reconnectAttempt > m.cfg.MaxReconnectAttempts {
		userID := s.userID
		gen := s.gen
		metrics.StreamReconnects.WithLabelValues("abandoned").Inc()
		go m.abandon(userID, gen, "reconnect attempts exhausted")
		return
	}

	s.state = models.StateReconnecting
	delay := withJitter(ReconnectDelay(s.reconnectAttempt, m.cfg.ReconnectBase, m.cfg.ReconnectMax))
	userID := s.userID
	gen := s.gen
	attempt := s.reconnectAttempt

	metrics.StreamReconnects.WithLabelValues("scheduled").Inc()
	m.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"attempt": attempt,
		"delay":   delay,
	}).Info("Scheduling stream reconnect")

	s.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		s, ok := m.sessions[userID]
		if !ok || s.gen != gen || s.state != models.StateReconnecting {
			m.mu.Unlock()
			return
		}
		s.reconnectTimer = nil
		s.state = models.StateConnecting
		token := s.token
		m.mu.Unlock()

		m.publishStatus(userID, models.StateReconnecting, "")
		if err := m.establish(context.Background(), userID, gen, token); err != nil {
			m.logger.WithError(err).WithField("user_id", userID).Warn("Reconnect failed")
		}
	})
}

// ReconnectDelay returns the backoff before jitter for the given
// attempt: base*2^(attempt-1), capped at max. Attempts are 1-based.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// withJitter adds up to 25% random slack so many sessions recovering
// from a shared outage do not reconnect in lockstep.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// abandon tears a session down with a terminal error event.
func (m *Manager) abandon(userID string, gen int, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok || s.gen != gen {
		m.mu.Unlock()
		return
	}
	s.gen++
	m.stopTimersLocked(s)
	conn := s.conn
	delete(m.sessions, userID)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		metrics.ActiveStreamSessions.Dec()
	}

	ctx := context.Background()
	if err := m.events.PublishStreamError(ctx, &models.StreamError{
		UserID:    userID,
		Exchange:  m.client.Name(),
		Message:   reason,
		Terminal:  true,
		UpdatedAt: time.Now(),
	}); err != nil {
		m.logger.WithError(err).Warn("Failed to publish terminal stream error")
	}
	m.publishStatus(userID, models.StateError, reason)
	m.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"reason":  reason,
	}).Error("User stream abandoned")
}

// Disconnect tears the session down: every timer cancelled, listeners
// detached before the socket closes, token released best-effort, record
// deleted, pending cooldown cleared. Idempotent, and safe while a
// reconnect is in flight - the generation bump prevents resurrection.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.gen++ // detach read loop and invalidate timers before closing
	m.stopTimersLocked(s)
	conn := s.conn
	token := s.token
	wasConnected := s.state == models.StateConnected
	delete(m.sessions, userID)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		metrics.ActiveStreamSessions.Dec()
	}

	if token != "" {
		cred, err := m.creds.Credentials(ctx, userID)
		if err == nil {
			err = m.client.CloseStreamToken(ctx, cred, token)
		}
		if err != nil {
			// Best effort: the token expires on its own.
			m.logger.WithError(err).WithField("user_id", userID).Warn("Stream token release failed")
		}
	}

	m.publishStatus(userID, models.StateDisconnected, "")
	return nil
}

// Stop disconnects every session.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	m.stopped = true
	userIDs := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		userIDs = append(userIDs, id)
	}
	m.mu.Unlock()

	for _, id := range userIDs {
		if err := m.Disconnect(ctx, id); err != nil {
			m.logger.WithError(err).WithField("user_id", id).Warn("Disconnect during shutdown failed")
		}
	}
}

// State reports the session state, or IDLE when no session exists.
func (m *Manager) State(userID string) models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		return s.state
	}
	return models.StateIdle
}

// LastBalance returns the most recent balance snapshot so late
// subscribers can read current state without waiting for an event.
func (m *Manager) LastBalance(userID string) *models.BalanceUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		return s.lastBalance
	}
	return nil
}

// LastOrder returns the most recent order update for the user.
func (m *Manager) LastOrder(userID string) *models.OrderUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		return s.lastOrder
	}
	return nil
}

func (m *Manager) stopKeepaliveLocked(s *session) {
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
		s.keepaliveStop = nil
	}
}

func (m *Manager) stopTimersLocked(s *session) {
	m.stopKeepaliveLocked(s)
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.cooldownTimer != nil {
		s.cooldownTimer.Stop()
		s.cooldownTimer = nil
	}
	s.rateLimitedUntil = time.Time{}
}

func (m *Manager) releaseToken(cred exchange.Credential, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.client.CloseStreamToken(ctx, cred, token); err != nil {
		m.logger.WithError(err).Warn("Stream token release failed")
	}
}

func (m *Manager) publishStatus(userID string, state models.ConnectionState, detail string) {
	status := &models.ConnectionStatus{
		UserID:    userID,
		Exchange:  m.client.Name(),
		State:     state,
		Detail:    detail,
		UpdatedAt: time.Now(),
	}
	if err := m.events.PublishConnectionStatus(context.Background(), status); err != nil {
		m.logger.WithError(err).Warn("Failed to publish connection status")
	}
}
