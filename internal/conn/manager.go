// Package conn owns the lifecycle of the single websocket connection to the
// transcription backend: dialing, automatic reconnection with jittered
// exponential backoff, heartbeat supervision, and typed fan-out of decoded
// server messages to subscribers.
//
// A [Manager] carries no session semantics. It is created by whoever owns the
// connection (the session coordinator in this application) and injected
// explicitly; there is no process-wide connection registry.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxguard/voxguard/pkg/wire"
)

// Status is the externally observable connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"

	// StatusFailed is terminal: the reconnect budget is exhausted and only a
	// manual [Manager.Connect] leaves it.
	StatusFailed Status = "failed"
)

// Default connection parameters.
const (
	defaultMaxReconnectAttempts = 10
	defaultReconnectBase        = 1 * time.Second
	defaultReconnectCap         = 30 * time.Second
	defaultHeartbeatInterval    = 30 * time.Second
	defaultHeartbeatTimeout     = 10 * time.Second
	defaultDialTimeout          = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
)

// Config holds the tuning knobs for a [Manager]. Zero fields take the
// package defaults.
type Config struct {
	// URL is the websocket endpoint of the transcription backend.
	URL string

	// MaxReconnectAttempts bounds automatic reconnection after a non-deliberate
	// close. Exceeding it transitions the manager to [StatusFailed].
	MaxReconnectAttempts int

	// ReconnectBase is the first reconnect delay. It doubles per attempt up to
	// ReconnectCap; 10–30% random jitter is added on top.
	ReconnectBase time.Duration

	// ReconnectCap is the upper bound on the un-jittered reconnect delay.
	ReconnectCap time.Duration

	// HeartbeatInterval is how often a ping is sent while connected.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the additional grace after HeartbeatInterval before
	// a missing pong force-closes the socket.
	HeartbeatTimeout time.Duration

	// DialTimeout bounds a single dial attempt.
	DialTimeout time.Duration

	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = defaultReconnectCap
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// frameType distinguishes the two websocket frame kinds the backend accepts.
type frameType int

const (
	frameText frameType = iota + 1
	frameBinary
)

// transport abstracts the underlying websocket so tests can substitute an
// in-memory connection.
type transport interface {
	Read(ctx context.Context) (frameType, []byte, error)
	Write(ctx context.Context, ft frameType, data []byte) error
	Close(reason string) error
}

type dialFunc func(ctx context.Context, url string) (transport, error)

// wsTransport adapts coder/websocket to the transport interface.
type wsTransport struct {
	c *websocket.Conn
}

func dialWebsocket(ctx context.Context, url string) (transport, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{c: c}, nil
}

func (w *wsTransport) Read(ctx context.Context) (frameType, []byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return frameBinary, data, nil
	}
	return frameText, data, nil
}

func (w *wsTransport) Write(ctx context.Context, ft frameType, data []byte) error {
	typ := websocket.MessageText
	if ft == frameBinary {
		typ = websocket.MessageBinary
	}
	return w.c.Write(ctx, typ, data)
}

func (w *wsTransport) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// Manager owns one websocket connection's lifecycle. All methods are safe for
// concurrent use.
type Manager struct {
	cfg  Config
	dial dialFunc

	statuses pubsub[Status]
	msgs     pubsub[*wire.Message]
	errs     pubsub[error]

	timers *timerRegistry

	mu         sync.Mutex
	status     Status
	sock       transport
	gen        uint64 // invalidates stale async callbacks
	attempts   int
	deliberate bool
	connectCtx context.Context
	readCancel context.CancelFunc
	pongCancel func()
}

// NewManager creates a disconnected Manager for cfg. Call [Manager.Connect]
// to establish the connection.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		dial:   dialWebsocket,
		status: StatusDisconnected,
		timers: newTimerRegistry(),
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatus registers a status listener and returns its disposer. Listeners
// run synchronously in registration order.
func (m *Manager) OnStatus(fn func(Status)) func() { return m.statuses.add(fn) }

// OnMessage registers a listener for decoded server messages.
func (m *Manager) OnMessage(fn func(*wire.Message)) func() { return m.msgs.add(fn) }

// OnError registers a listener for connection and protocol errors. Errors
// delivered here are informational; recovery is automatic.
func (m *Manager) OnError(fn func(error)) func() { return m.errs.add(fn) }

// Connect begins establishing the websocket. It returns immediately; progress
// is observable via [Manager.OnStatus]. Calling Connect while already
// connecting or connected is a no-op. A manual Connect clears a failed state
// and resets the reconnect attempt counter.
//
// ctx bounds each dial attempt of this connection cycle, including automatic
// reconnect dials; cancelling it stops further attempts.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}
	m.closeSocketLocked("superseded")
	m.deliberate = false
	m.attempts = 0
	m.timers.Reset()
	m.connectCtx = ctx
	m.gen++
	gen := m.gen
	notify := m.transitionLocked(StatusConnecting)
	m.mu.Unlock()
	if notify != nil {
		notify()
	}

	go m.dialAndRun(ctx, gen)
}

// Disconnect deliberately closes the connection, cancels every outstanding
// timer, and suppresses reconnection. Safe to call multiple times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.deliberate = true
	m.gen++
	m.timers.Stop()
	m.pongCancel = nil
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	sock := m.sock
	m.sock = nil
	notify := m.transitionLocked(StatusDisconnected)
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close("client disconnect")
	}
	if notify != nil {
		notify()
	}
}

// SendText sends one text frame. It returns false, without blocking or
// erroring, when the connection is not currently established.
func (m *Manager) SendText(data []byte) bool { return m.send(frameText, data) }

// SendBinary sends one binary frame (raw audio bytes).
func (m *Manager) SendBinary(data []byte) bool { return m.send(frameBinary, data) }

func (m *Manager) send(ft frameType, data []byte) bool {
	m.mu.Lock()
	sock := m.sock
	connected := m.status == StatusConnected && sock != nil
	m.mu.Unlock()
	if !connected {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	if err := sock.Write(ctx, ft, data); err != nil {
		m.errs.notify(fmt.Errorf("conn: send: %w", err))
		return false
	}
	return true
}

// transitionLocked updates the status under m.mu and returns the notification
// closure to invoke after unlocking, or nil when the status is unchanged.
func (m *Manager) transitionLocked(s Status) func() {
	if m.status == s {
		return nil
	}
	m.status = s
	return func() { m.statuses.notify(s) }
}

// dialAndRun performs one dial attempt for generation gen and, on success,
// starts the read and heartbeat loops.
func (m *Manager) dialAndRun(ctx context.Context, gen uint64) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	sock, err := m.dial(dctx, m.cfg.URL)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.deliberate {
		m.mu.Unlock()
		if err == nil {
			_ = sock.Close("superseded")
		}
		return
	}

	if err != nil {
		m.mu.Unlock()
		m.errs.notify(fmt.Errorf("conn: dial %s: %w", m.cfg.URL, err))
		m.scheduleReconnect(gen)
		return
	}

	m.sock = sock
	m.attempts = 0
	readCtx, readCancel := context.WithCancel(context.Background())
	m.readCancel = readCancel
	notify := m.transitionLocked(StatusConnected)
	m.mu.Unlock()

	slog.Info("conn: connected", "url", m.cfg.URL)
	if notify != nil {
		notify()
	}

	go m.readLoop(readCtx, sock, gen)
	go m.heartbeatLoop(readCtx, gen)
}

// readLoop receives frames until the socket errors, decoding text frames at
// the wire boundary. Malformed or unknown messages are logged and discarded;
// they never abort the connection.
func (m *Manager) readLoop(ctx context.Context, sock transport, gen uint64) {
	for {
		ft, data, err := sock.Read(ctx)
		if err != nil {
			m.handleSocketClosed(gen, err)
			return
		}
		if ft != frameText {
			// The backend never sends binary frames.
			slog.Warn("conn: ignoring unexpected binary frame", "bytes", len(data))
			continue
		}

		msg, derr := wire.Decode(data)
		if derr != nil {
			slog.Warn("conn: discarding malformed message", "err", derr)
			m.errs.notify(derr)
			continue
		}

		if msg.Kind == wire.KindPong {
			m.mu.Lock()
			if gen == m.gen && m.pongCancel != nil {
				m.pongCancel()
				m.pongCancel = nil
			}
			m.mu.Unlock()
		}

		m.msgs.notify(msg)
	}
}

// heartbeatLoop sends pings at the configured interval. Each ping arms a
// deadline timer; a pong disarms it, and an expired deadline force-closes the
// socket so the ordinary reconnect path takes over.
func (m *Manager) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		armed := m.pongCancel != nil
		sock := m.sock
		m.mu.Unlock()

		ping, err := wire.EncodePing(time.Now())
		if err != nil {
			continue
		}
		if !m.SendText(ping) {
			return
		}

		if armed {
			// Previous deadline still pending; it will fire if no pong comes.
			continue
		}
		cancel := m.timers.After(m.cfg.HeartbeatInterval+m.cfg.HeartbeatTimeout, func() {
			m.mu.Lock()
			stale := gen != m.gen
			m.pongCancel = nil
			m.mu.Unlock()
			if stale || sock == nil {
				return
			}
			slog.Warn("conn: heartbeat timed out, closing socket")
			_ = sock.Close("heartbeat timeout")
		})
		m.mu.Lock()
		if gen == m.gen {
			m.pongCancel = cancel
		} else {
			cancel()
		}
		m.mu.Unlock()
	}
}

// handleSocketClosed runs when the read loop exits. Deliberate closures were
// already finalized by Disconnect (the generation moved on); anything else
// transitions to disconnected and enters the reconnect path.
func (m *Manager) handleSocketClosed(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.closeSocketLocked("closed")
	notify := m.transitionLocked(StatusDisconnected)
	m.mu.Unlock()

	slog.Info("conn: connection lost", "cause", cause)
	if notify != nil {
		notify()
	}
	m.errs.notify(fmt.Errorf("conn: connection lost: %w", cause))
	m.scheduleReconnect(gen)
}

// scheduleReconnect arms the next reconnect attempt for generation gen, or
// transitions to failed when the budget is exhausted.
func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.deliberate {
		m.mu.Unlock()
		return
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.gen++
		notify := m.transitionLocked(StatusFailed)
		m.mu.Unlock()
		slog.Error("conn: giving up after max reconnect attempts",
			"attempts", m.attempts,
			"url", m.cfg.URL,
		)
		if notify != nil {
			notify()
		}
		return
	}

	delay := backoffDelay(m.cfg.ReconnectBase, m.cfg.ReconnectCap, m.attempts)
	m.attempts++
	attempt := m.attempts
	ctx := m.connectCtx
	notify := m.transitionLocked(StatusReconnecting)
	m.mu.Unlock()

	slog.Info("conn: scheduling reconnect",
		"attempt", attempt,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"delay", delay,
	)
	if notify != nil {
		notify()
	}

	m.timers.After(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.deliberate {
			m.mu.Unlock()
			return
		}
		notify := m.transitionLocked(StatusConnecting)
		m.mu.Unlock()
		if notify != nil {
			notify()
		}
		m.dialAndRun(ctx, gen)
	})
}

// closeSocketLocked tears down the current socket and read loop. Callers hold m.mu.
func (m *Manager) closeSocketLocked(reason string) {
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	m.pongCancel = nil
	if m.sock != nil {
		sock := m.sock
		m.sock = nil
		go func() { _ = sock.Close(reason) }()
	}
}

// backoffDelay computes min(base*2^attempt, ceiling) plus 10–30% random jitter.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			break
		}
	}
	if d > ceiling {
		d = ceiling
	}
	jitter := 0.10 + 0.20*rand.Float64()
	return d + time.Duration(float64(d)*jitter)
}
