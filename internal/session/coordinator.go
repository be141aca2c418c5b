// Package session implements the start/transmit/end protocol on top of the
// connection manager, correlating asynchronous command/response pairs with
// timeouts.
//
// A recording session is bracketed by an explicit start command (answered by a
// server-issued session id) and an end command (answered by either a final
// transcript or a bare session-closed ack, whichever the backend delivers
// first). Audio chunks flow as binary frames in between. The coordinator holds
// at most one active session and never resumes one across a reconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxguard/voxguard/internal/conn"
	"github.com/voxguard/voxguard/pkg/audio"
	"github.com/voxguard/voxguard/pkg/wire"
)

// Default protocol timeouts.
const (
	defaultStartTimeout   = 3 * time.Second
	defaultEndTimeout     = 10 * time.Second
	defaultConnectWait    = 5 * time.Second
	defaultChunkQueueSize = 64
)

// Sentinel errors surfaced to callers. Session errors never corrupt
// previously committed state; the caller decides whether to retry.
var (
	// ErrStartTimeout means the backend did not acknowledge start_session in time.
	ErrStartTimeout = errors.New("session: start timed out")

	// ErrEndTimeout means neither a transcript nor a closed ack arrived in time.
	ErrEndTimeout = errors.New("session: end timed out")

	// ErrConnectionLost rejects pending requests when the connection drops.
	ErrConnectionLost = errors.New("session: connection lost")

	// ErrNotConnected means the bounded wait for a connected transport expired.
	ErrNotConnected = errors.New("session: transport not connected")

	// ErrNoSession means an operation requires an active session.
	ErrNoSession = errors.New("session: no active session")

	// ErrSessionActive rejects a second concurrent start.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrRejected wraps a backend failure response to start_session.
	ErrRejected = errors.New("session: rejected by backend")
)

// Config tunes a [Coordinator]. Zero fields take the package defaults.
type Config struct {
	// StartTimeout bounds the wait for a start_session acknowledgment.
	StartTimeout time.Duration

	// EndTimeout bounds the wait for a transcript or closed ack after end_session.
	EndTimeout time.Duration

	// ConnectWait bounds how long StartSession waits for a connected transport.
	ConnectWait time.Duration

	// ChunkQueueSize bounds the offline audio queue. When full, the oldest
	// chunk is dropped so memory cannot grow without bound during an outage.
	ChunkQueueSize int
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = defaultEndTimeout
	}
	if c.ConnectWait <= 0 {
		c.ConnectWait = defaultConnectWait
	}
	if c.ChunkQueueSize <= 0 {
		c.ChunkQueueSize = defaultChunkQueueSize
	}
	return c
}

// outcome is the resolution of a pending request: a message or an error,
// never both.
type outcome struct {
	msg *wire.Message
	err error
}

// pending is one in-flight command awaiting a correlated response. It is
// completed exactly once — by a matching message, a timeout, or teardown.
type pending struct {
	kinds []wire.Kind // response kinds that complete this request
	ch    chan outcome
	once  sync.Once
}

func (p *pending) complete(out outcome) {
	p.once.Do(func() { p.ch <- out })
}

// Conn is the subset of the connection manager the coordinator relies on.
// *conn.Manager implements it; tests substitute a fake.
type Conn interface {
	Status() conn.Status
	OnStatus(fn func(conn.Status)) func()
	OnMessage(fn func(*wire.Message)) func()
	SendText(data []byte) bool
	SendBinary(data []byte) bool
}

// Coordinator implements the session protocol over an injected connection.
// All methods are safe for concurrent use.
type Coordinator struct {
	cfg Config
	mgr Conn

	mu        sync.Mutex
	sessionID string
	active    bool
	pendings  []*pending
	queue     [][]byte
	dropped   uint64
	closed    bool

	disposers []func()
}

// NewCoordinator creates a Coordinator bound to mgr and subscribes it to the
// manager's message and status streams. Call [Coordinator.Close] to detach.
func NewCoordinator(mgr Conn, cfg Config) *Coordinator {
	c := &Coordinator{
		cfg: cfg.withDefaults(),
		mgr: mgr,
	}
	c.disposers = append(c.disposers,
		mgr.OnMessage(c.handleMessage),
		mgr.OnStatus(c.handleStatus),
	)
	return c
}

// Close detaches the coordinator from the connection manager and rejects all
// pending requests. The manager itself is left untouched; the owner decides
// when to disconnect it.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	disposers := c.disposers
	c.disposers = nil
	c.active = false
	c.queue = nil
	c.mu.Unlock()

	for _, d := range disposers {
		d()
	}
	c.rejectAll(ErrConnectionLost)
}

// SessionID returns the server-issued id of the active session, or "" when
// no session is active.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ""
	}
	return c.sessionID
}

// StartSession waits (bounded) for a connected transport, sends the start
// command, and blocks until the backend acknowledges, the configured timeout
// elapses, or ctx is cancelled. Exactly one of id or error is returned. A
// failed start leaves no partial session behind.
func (c *Coordinator) StartSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return "", ErrSessionActive
	}
	c.mu.Unlock()

	if err := c.waitForConnected(ctx); err != nil {
		return "", err
	}

	p := c.register(wire.KindSessionAck)
	frame, err := wire.EncodeStartSession()
	if err != nil {
		c.unregister(p)
		return "", fmt.Errorf("session: encode start: %w", err)
	}
	if !c.mgr.SendText(frame) {
		c.unregister(p)
		return "", ErrNotConnected
	}

	out, err := c.await(ctx, p, c.cfg.StartTimeout, ErrStartTimeout)
	if err != nil {
		return "", err
	}

	ack := out.msg.Session
	if ack == nil || !ack.Success || ack.SessionID == "" {
		reason := ""
		if ack != nil {
			reason = ack.Message
		}
		return "", fmt.Errorf("%w: %s", ErrRejected, reason)
	}

	c.mu.Lock()
	c.active = true
	c.sessionID = ack.SessionID
	c.queue = nil // stale chunks belong to no session
	c.mu.Unlock()

	slog.Info("session: started", "session_id", ack.SessionID)
	return ack.SessionID, nil
}

// SendChunk transmits one audio chunk as a single binary frame. There is no
// delivery guarantee: when the transport is down the chunk enters a bounded
// queue that is flushed, oldest first, on reconnection; beyond capacity the
// oldest queued chunk is dropped.
func (c *Coordinator) SendChunk(chunk audio.Chunk) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.mu.Unlock()

	if c.mgr.SendBinary(chunk.Data) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= c.cfg.ChunkQueueSize {
		c.queue = c.queue[1:]
		c.dropped++
		slog.Warn("session: chunk queue full, dropping oldest",
			"dropped_total", c.dropped,
			"chunk_index", chunk.Index,
		)
	}
	c.queue = append(c.queue, chunk.Data)
	return nil
}

// DroppedChunks reports how many queued chunks were discarded due to the
// bounded offline queue overflowing.
func (c *Coordinator) DroppedChunks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// EndSession sends the end command and resolves with the first of either the
// final transcript or a bare session-closed acknowledgment (nil transcript).
// The backend's delivery order for these two messages is not guaranteed; both
// orderings are valid. On timeout it returns ErrEndTimeout. The local session
// is finalized in every case.
func (c *Coordinator) EndSession(ctx context.Context) (*wire.TranscriptResult, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	id := c.sessionID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.sessionID == id {
			c.active = false
		}
		c.mu.Unlock()
	}()

	p := c.register(wire.KindTranscript, wire.KindSessionAck)
	frame, err := wire.EncodeEndSession(id)
	if err != nil {
		c.unregister(p)
		return nil, fmt.Errorf("session: encode end: %w", err)
	}
	if !c.mgr.SendText(frame) {
		c.unregister(p)
		return nil, ErrNotConnected
	}

	out, err := c.await(ctx, p, c.cfg.EndTimeout, ErrEndTimeout)
	if err != nil {
		return nil, err
	}

	if out.msg.Kind == wire.KindTranscript {
		slog.Info("session: ended with transcript", "session_id", id)
		return out.msg.Transcript, nil
	}
	slog.Info("session: ended without transcript", "session_id", id)
	return nil, nil
}

// waitForConnected blocks until the manager reports connected, bounded by
// ConnectWait and ctx.
func (c *Coordinator) waitForConnected(ctx context.Context) error {
	if c.mgr.Status() == conn.StatusConnected {
		return nil
	}

	ready := make(chan struct{}, 1)
	dispose := c.mgr.OnStatus(func(s conn.Status) {
		if s == conn.StatusConnected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer dispose()

	// Re-check after subscribing to close the race with a concurrent connect.
	if c.mgr.Status() == conn.StatusConnected {
		return nil
	}

	select {
	case <-ready:
		return nil
	case <-time.After(c.cfg.ConnectWait):
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// register records a pending request completed by any of the given kinds.
func (c *Coordinator) register(kinds ...wire.Kind) *pending {
	p := &pending{kinds: kinds, ch: make(chan outcome, 1)}
	c.mu.Lock()
	c.pendings = append(c.pendings, p)
	c.mu.Unlock()
	return p
}

func (c *Coordinator) unregister(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.pendings {
		if q == p {
			c.pendings = append(c.pendings[:i], c.pendings[i+1:]...)
			return
		}
	}
}

// await blocks until p resolves, the timeout fires, or ctx is cancelled.
// Exactly one of these wins; the pending is always unregistered afterwards.
func (c *Coordinator) await(ctx context.Context, p *pending, timeout time.Duration, timeoutErr error) (outcome, error) {
	defer c.unregister(p)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.ch:
		return out, out.err
	case <-timer.C:
		p.complete(outcome{err: timeoutErr})
		return outcome{}, timeoutErr
	case <-ctx.Done():
		p.complete(outcome{err: ctx.Err()})
		return outcome{}, ctx.Err()
	}
}

// handleMessage correlates incoming server messages with pending requests.
func (c *Coordinator) handleMessage(msg *wire.Message) {
	switch msg.Kind {
	case wire.KindSessionAck, wire.KindTranscript:
	case wire.KindError:
		c.handleError(msg.Error)
		return
	default:
		return
	}

	c.mu.Lock()
	var match *pending
	for i, p := range c.pendings {
		for _, k := range p.kinds {
			if k == msg.Kind {
				match = p
				c.pendings = append(c.pendings[:i], c.pendings[i+1:]...)
				break
			}
		}
		if match != nil {
			break
		}
	}
	c.mu.Unlock()

	if match != nil {
		match.complete(outcome{msg: msg})
	}
}

// handleError resolves the oldest pending request with the backend's failure
// message. Errors with no pending request are informational only.
func (c *Coordinator) handleError(e *wire.ErrorInfo) {
	c.mu.Lock()
	var match *pending
	if len(c.pendings) > 0 {
		match = c.pendings[0]
		c.pendings = c.pendings[1:]
	}
	c.mu.Unlock()

	if match != nil {
		match.complete(outcome{err: fmt.Errorf("%w: %s (%s)", ErrRejected, e.Message, e.Code)})
		return
	}
	slog.Warn("session: backend error", "code", e.Code, "message", e.Message)
}

// handleStatus reacts to connection state changes: loss rejects every pending
// request and invalidates the session; reconnection flushes queued chunks
// oldest-first.
func (c *Coordinator) handleStatus(s conn.Status) {
	switch s {
	case conn.StatusDisconnected, conn.StatusFailed:
		c.mu.Lock()
		wasActive := c.active
		c.active = false
		c.mu.Unlock()
		c.rejectAll(ErrConnectionLost)
		if wasActive {
			slog.Warn("session: invalidated by connection loss")
		}

	case conn.StatusConnected:
		c.flushQueue()
	}
}

func (c *Coordinator) rejectAll(err error) {
	c.mu.Lock()
	pendings := c.pendings
	c.pendings = nil
	c.mu.Unlock()

	for _, p := range pendings {
		p.complete(outcome{err: err})
	}
}

// flushQueue drains the offline chunk queue oldest-first. Chunks that fail to
// send again go back to the front.
func (c *Coordinator) flushQueue() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		data := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if !c.mgr.SendBinary(data) {
			c.mu.Lock()
			c.queue = append([][]byte{data}, c.queue...)
			c.mu.Unlock()
			return
		}
	}
}
