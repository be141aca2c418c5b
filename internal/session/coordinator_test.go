package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxguard/voxguard/internal/conn"
	"github.com/voxguard/voxguard/pkg/audio"
	"github.com/voxguard/voxguard/pkg/wire"
)

// fakeConn implements Conn with scripted send results and manual message and
// status injection.
type fakeConn struct {
	mu         sync.Mutex
	status     conn.Status
	sendOK     bool
	sentText   [][]byte
	sentBinary [][]byte

	msgListeners    []func(*wire.Message)
	statusListeners []func(conn.Status)
}

func newFakeConn() *fakeConn {
	return &fakeConn{status: conn.StatusConnected, sendOK: true}
}

func (f *fakeConn) Status() conn.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConn) OnStatus(fn func(conn.Status)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusListeners = append(f.statusListeners, fn)
	return func() {}
}

func (f *fakeConn) OnMessage(fn func(*wire.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgListeners = append(f.msgListeners, fn)
	return func() {}
}

func (f *fakeConn) SendText(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sendOK {
		return false
	}
	f.sentText = append(f.sentText, data)
	return true
}

func (f *fakeConn) SendBinary(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sendOK {
		return false
	}
	f.sentBinary = append(f.sentBinary, data)
	return true
}

func (f *fakeConn) setSendOK(ok bool) {
	f.mu.Lock()
	f.sendOK = ok
	f.mu.Unlock()
}

func (f *fakeConn) setStatus(s conn.Status) {
	f.mu.Lock()
	f.status = s
	listeners := append([]func(conn.Status){}, f.statusListeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (f *fakeConn) deliver(t *testing.T, raw string) {
	t.Helper()
	msg, err := wire.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	f.mu.Lock()
	listeners := append([]func(*wire.Message){}, f.msgListeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(msg)
	}
}

func (f *fakeConn) binaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentBinary)
}

// lastTextType decodes the type field of the most recent text frame.
func (f *fakeConn) lastTextType(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sentText) == 0 {
		t.Fatal("no text frames sent")
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(f.sentText[len(f.sentText)-1], &env); err != nil {
		t.Fatalf("decoding sent frame: %v", err)
	}
	return env.Type
}

func shortTimeouts() Config {
	return Config{
		StartTimeout:   50 * time.Millisecond,
		EndTimeout:     50 * time.Millisecond,
		ConnectWait:    50 * time.Millisecond,
		ChunkQueueSize: 3,
	}
}

// startAsync runs StartSession in a goroutine and returns its result channel.
func startAsync(c *Coordinator) <-chan struct {
	id  string
	err error
} {
	ch := make(chan struct {
		id  string
		err error
	}, 1)
	go func() {
		id, err := c.StartSession(context.Background())
		ch <- struct {
			id  string
			err error
		}{id, err}
	}()
	return ch
}

// waitForText polls until the fake has recorded at least n text frames.
func (f *fakeConn) waitForText(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := len(f.sentText)
		f.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d text frames", n)
}

func TestStartSession_Resolves(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()

	res := startAsync(c)
	fc.waitForText(t, 1)
	if got := fc.lastTextType(t); got != "start_session" {
		t.Fatalf("sent frame type = %q, want start_session", got)
	}
	fc.deliver(t, `{"type":"session_ack","data":{"success":true,"session_id":"abc"}}`)

	r := <-res
	if r.err != nil {
		t.Fatalf("StartSession: %v", r.err)
	}
	if r.id != "abc" {
		t.Errorf("id = %q, want abc", r.id)
	}
	if c.SessionID() != "abc" {
		t.Errorf("SessionID() = %q, want abc", c.SessionID())
	}
}

func TestStartSession_Timeout(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()

	_, err := c.StartSession(context.Background())
	if !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("err = %v, want ErrStartTimeout", err)
	}
	if c.SessionID() != "" {
		t.Error("failed start left a session behind")
	}
}

func TestStartSession_RejectedAck(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()

	res := startAsync(c)
	fc.waitForText(t, 1)
	fc.deliver(t, `{"type":"session_ack","data":{"success":false,"message":"capacity"}}`)

	r := <-res
	if !errors.Is(r.err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", r.err)
	}
}

func TestStartSession_BackendError(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()

	res := startAsync(c)
	fc.waitForText(t, 1)
	fc.deliver(t, `{"type":"error","data":{"error":"overloaded","message":"try later"}}`)

	r := <-res
	if !errors.Is(r.err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", r.err)
	}
}

func TestStartSession_NotConnected(t *testing.T) {
	fc := newFakeConn()
	fc.setStatus(conn.StatusDisconnected)
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()

	_, err := c.StartSession(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestStartSession_WaitsForConnect(t *testing.T) {
	fc := newFakeConn()
	fc.status = conn.StatusConnecting
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()

	res := startAsync(c)
	time.Sleep(5 * time.Millisecond)
	fc.setStatus(conn.StatusConnected)
	fc.waitForText(t, 1)
	fc.deliver(t, `{"type":"session_ack","data":{"success":true,"session_id":"s1"}}`)

	r := <-res
	if r.err != nil {
		t.Fatalf("StartSession after connect: %v", r.err)
	}
}

func TestStartSession_SecondStartRejected(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()
	mustStart(t, fc, c, "s1")

	if _, err := c.StartSession(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
}

// mustStart drives a successful start handshake.
func mustStart(t *testing.T, fc *fakeConn, c *Coordinator, id string) {
	t.Helper()
	fc.mu.Lock()
	before := len(fc.sentText)
	fc.mu.Unlock()
	res := startAsync(c)
	fc.waitForText(t, before+1)
	fc.deliver(t, `{"type":"session_ack","data":{"success":true,"session_id":"`+id+`"}}`)
	r := <-res
	if r.err != nil {
		t.Fatalf("start: %v", r.err)
	}
}

func TestSendChunk_RequiresSession(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()

	err := c.SendChunk(audio.Chunk{Data: []byte{1}})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestSendChunk_Delivered(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()
	mustStart(t, fc, c, "s1")

	if err := c.SendChunk(audio.Chunk{Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	if fc.binaryCount() != 1 {
		t.Errorf("binary frames = %d, want 1", fc.binaryCount())
	}
}

func TestSendChunk_QueueBoundedDropOldest(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts()) // queue size 3
	defer c.Close()
	mustStart(t, fc, c, "s1")

	fc.setSendOK(false)
	for i := byte(0); i < 5; i++ {
		if err := c.SendChunk(audio.Chunk{Data: []byte{i}, Index: int(i)}); err != nil {
			t.Fatalf("SendChunk %d: %v", i, err)
		}
	}
	if got := c.DroppedChunks(); got != 2 {
		t.Errorf("DroppedChunks = %d, want 2", got)
	}

	fc.setSendOK(true)
	c.flushQueue()
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.sentBinary) != 3 {
		t.Fatalf("flushed %d chunks, want 3", len(fc.sentBinary))
	}
	// Oldest surviving chunk first.
	for i, want := range []byte{2, 3, 4} {
		if fc.sentBinary[i][0] != want {
			t.Errorf("flushed chunk %d = %d, want %d", i, fc.sentBinary[i][0], want)
		}
	}
}

func TestEndSession_Transcript(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()
	mustStart(t, fc, c, "s1")

	type result struct {
		tr  *wire.TranscriptResult
		err error
	}
	res := make(chan result, 1)
	go func() {
		tr, err := c.EndSession(context.Background())
		res <- result{tr, err}
	}()
	fc.waitForText(t, 2)
	if got := fc.lastTextType(t); got != "end_session" {
		t.Fatalf("sent frame type = %q, want end_session", got)
	}
	fc.deliver(t, `{"type":"transcript_result","data":{"text":"hello","asr_confidence":0.9,"sentiment_label":"positive","sentiment_confidence":0.8}}`)

	r := <-res
	if r.err != nil {
		t.Fatalf("EndSession: %v", r.err)
	}
	if r.tr == nil || r.tr.Text != "hello" {
		t.Fatalf("transcript = %+v, want text hello", r.tr)
	}
	if c.SessionID() != "" {
		t.Error("session still active after EndSession")
	}
}

func TestEndSession_BareAck(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()
	mustStart(t, fc, c, "s1")

	type result struct {
		tr  *wire.TranscriptResult
		err error
	}
	res := make(chan result, 1)
	go func() {
		tr, err := c.EndSession(context.Background())
		res <- result{tr, err}
	}()
	fc.waitForText(t, 2)
	fc.deliver(t, `{"type":"session_ack","data":{"success":true,"session_id":"s1"}}`)

	r := <-res
	if r.err != nil {
		t.Fatalf("EndSession: %v", r.err)
	}
	if r.tr != nil {
		t.Errorf("transcript = %+v, want nil on bare ack", r.tr)
	}
}

func TestEndSession_Timeout(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()
	mustStart(t, fc, c, "s1")

	_, err := c.EndSession(context.Background())
	if !errors.Is(err, ErrEndTimeout) {
		t.Fatalf("err = %v, want ErrEndTimeout", err)
	}
	if c.SessionID() != "" {
		t.Error("session still active after end timeout")
	}
}

func TestDisconnect_RejectsPendingAndInvalidatesSession(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()
	mustStart(t, fc, c, "s1")

	type result struct {
		tr  *wire.TranscriptResult
		err error
	}
	res := make(chan result, 1)
	go func() {
		tr, err := c.EndSession(context.Background())
		res <- result{tr, err}
	}()
	fc.waitForText(t, 2)
	fc.setStatus(conn.StatusDisconnected)

	r := <-res
	if !errors.Is(r.err, ErrConnectionLost) {
		t.Fatalf("err = %v, want ErrConnectionLost", r.err)
	}
	if c.SessionID() != "" {
		t.Error("session survived a disconnect")
	}
}

func TestReconnect_FlushesQueue(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()
	mustStart(t, fc, c, "s1")

	fc.setSendOK(false)
	for i := byte(0); i < 2; i++ {
		if err := c.SendChunk(audio.Chunk{Data: []byte{i}}); err != nil {
			t.Fatalf("SendChunk: %v", err)
		}
	}

	fc.setSendOK(true)
	fc.setStatus(conn.StatusConnected)
	if got := fc.binaryCount(); got != 2 {
		t.Errorf("flushed %d chunks on reconnect, want 2", got)
	}
}

func TestNewSession_ClearsStaleQueue(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())
	defer c.Close()
	mustStart(t, fc, c, "s1")

	fc.setSendOK(false)
	if err := c.SendChunk(audio.Chunk{Data: []byte{9}}); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	fc.setStatus(conn.StatusDisconnected) // invalidates s1, queue survives
	fc.setSendOK(true)
	fc.setStatus(conn.StatusConnecting)
	fc.mu.Lock()
	fc.sentBinary = nil
	fc.mu.Unlock()

	fc.setStatus(conn.StatusConnected) // flush happens here, before the new session
	flushed := fc.binaryCount()

	mustStart(t, fc, c, "s2")
	if got := fc.binaryCount(); got != flushed {
		t.Errorf("binary frames after new start = %d, want %d (no stale resend)", got, flushed)
	}
}

func TestClose_RejectsPending(t *testing.T) {
	fc := newFakeConn()
	c := NewCoordinator(fc, shortTimeouts())

	res := startAsync(c)
	fc.waitForText(t, 1)
	c.Close()

	r := <-res
	if !errors.Is(r.err, ErrConnectionLost) {
		t.Fatalf("err = %v, want ErrConnectionLost", r.err)
	}
	// Close is idempotent.
	c.Close()
}
