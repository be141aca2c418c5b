package app_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxguard/voxguard/internal/app"
	"github.com/voxguard/voxguard/internal/config"
	"github.com/voxguard/voxguard/internal/conn"
	"github.com/voxguard/voxguard/internal/observe"
	"github.com/voxguard/voxguard/internal/store"
	"github.com/voxguard/voxguard/pkg/audio"
	"github.com/voxguard/voxguard/pkg/wire"
)

// fakeConn implements app.Conn with manual status and message injection.
type fakeConn struct {
	mu          sync.Mutex
	status      conn.Status
	statusFns   map[int]func(conn.Status)
	msgFns      map[int]func(*wire.Message)
	nextID      int
	connects    int
	disconnects int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		status:    conn.StatusDisconnected,
		statusFns: make(map[int]func(conn.Status)),
		msgFns:    make(map[int]func(*wire.Message)),
	}
}

func (f *fakeConn) Connect(ctx context.Context) {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	f.setStatus(conn.StatusConnected)
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeConn) Status() conn.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConn) OnStatus(fn func(conn.Status)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.statusFns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.statusFns, id)
	}
}

func (f *fakeConn) OnMessage(fn func(*wire.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.msgFns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.msgFns, id)
	}
}

func (f *fakeConn) SendText(data []byte) bool   { return true }
func (f *fakeConn) SendBinary(data []byte) bool { return true }

// setStatus records the new status and fires listeners outside the lock.
func (f *fakeConn) setStatus(s conn.Status) {
	f.mu.Lock()
	f.status = s
	fns := make([]func(conn.Status), 0, len(f.statusFns))
	for _, fn := range f.statusFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// deliver decodes raw as a server frame and fans it out to message listeners.
func (f *fakeConn) deliver(t *testing.T, raw string) {
	t.Helper()
	msg, err := wire.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("deliver(%q): %v", raw, err)
	}
	f.mu.Lock()
	fns := make([]func(*wire.Message), 0, len(f.msgFns))
	for _, fn := range f.msgFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

type fakeCoordinator struct {
	mu       sync.Mutex
	started  int
	startErr error
	sent     []audio.Chunk
	attempts int
	sendErr  error
	ended    int
	final    *wire.TranscriptResult
	endErr   error
	closed   bool
}

func (f *fakeCoordinator) StartSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started++
	return "srv-1", nil
}

func (f *fakeCoordinator) SendChunk(chunk audio.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, chunk)
	return nil
}

func (f *fakeCoordinator) EndSession(ctx context.Context) (*wire.TranscriptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	return f.final, f.endErr
}

func (f *fakeCoordinator) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeCoordinator) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

type fakeEngine struct {
	mu       sync.Mutex
	chunks   chan audio.Chunk
	levels   chan audio.Level
	startErr error
	started  bool
	stopped  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		chunks: make(chan audio.Chunk, 16),
		levels: make(chan audio.Level, 16),
	}
}

func (f *fakeEngine) Start(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeEngine) Chunks() <-chan audio.Chunk { return f.chunks }
func (f *fakeEngine) Levels() <-chan audio.Level { return f.levels }

type chunkRecord struct {
	id string
	d  time.Duration
}

type fakeStore struct {
	mu          sync.Mutex
	started     int
	ended       []string
	aborted     []string
	chunks      []chunkRecord
	transcripts []*wire.TranscriptResult
	closed      bool
}

func (f *fakeStore) StartSession() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return "local-1"
}

func (f *fakeStore) EndSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
}

func (f *fakeStore) AbortSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, id)
}

func (f *fakeStore) RecordChunk(id string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunkRecord{id: id, d: d})
}

func (f *fakeStore) AddTranscript(res *wire.TranscriptResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, res)
}

func (f *fakeStore) Warnings() store.WarningStats {
	return store.WarningStats{}
}

func (f *fakeStore) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{URL: "ws://localhost:9000/stream"},
		Audio:  config.AudioConfig{Device: "default"},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	return m
}

type harness struct {
	app    *app.App
	fc     *fakeConn
	coord  *fakeCoordinator
	engine *fakeEngine
	store  *fakeStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fc:     newFakeConn(),
		coord:  &fakeCoordinator{},
		engine: newFakeEngine(),
		store:  &fakeStore{},
	}
	a, err := app.New(testConfig(), nil,
		app.WithConn(h.fc),
		app.WithCoordinator(h.coord),
		app.WithEngine(h.engine),
		app.WithStore(h.store),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.app = a
	return h
}

// run starts Run in a goroutine and returns a cancel func plus the result
// channel.
func (h *harness) run(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()
	return cancel, done
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRun_OpensSessionOnConnect(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.run(t)
	defer cancel()

	waitFor(t, "session start", func() bool {
		h.coord.mu.Lock()
		defer h.coord.mu.Unlock()
		return h.coord.started == 1
	})
	waitFor(t, "store session", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.started == 1
	})

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestRun_StartCaptureErrorFailsFast(t *testing.T) {
	h := newHarness(t)
	h.engine.startErr = errors.New("device busy")

	cancel, done := h.run(t)
	defer cancel()

	err := waitRun(t, done)
	if err == nil || !strings.Contains(err.Error(), "start capture") {
		t.Fatalf("Run() = %v, want start capture error", err)
	}

	h.coord.mu.Lock()
	closed := h.coord.closed
	h.coord.mu.Unlock()
	if !closed {
		t.Error("coordinator not closed after failed start")
	}
	h.fc.mu.Lock()
	disconnects := h.fc.disconnects
	h.fc.mu.Unlock()
	if disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects)
	}
}

func TestRun_ChunkFlow(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.run(t)
	defer cancel()

	waitFor(t, "session start", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.started == 1
	})

	h.engine.chunks <- audio.Chunk{
		Data:     []byte{1, 2, 3, 4},
		Index:    0,
		Duration: 500 * time.Millisecond,
	}

	waitFor(t, "chunk sent", func() bool {
		h.coord.mu.Lock()
		defer h.coord.mu.Unlock()
		return len(h.coord.sent) == 1
	})
	waitFor(t, "chunk recorded", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return len(h.store.chunks) == 1
	})

	h.store.mu.Lock()
	rec := h.store.chunks[0]
	h.store.mu.Unlock()
	if rec.id != "local-1" {
		t.Errorf("recorded session = %q, want %q", rec.id, "local-1")
	}
	if rec.d != 500*time.Millisecond {
		t.Errorf("recorded duration = %v, want 500ms", rec.d)
	}

	cancel()
	waitRun(t, done)
}

func TestRun_SendFailureNotRecorded(t *testing.T) {
	h := newHarness(t)
	h.coord.setSendErr(errors.New("queue full"))

	cancel, done := h.run(t)
	defer cancel()

	waitFor(t, "session start", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.started == 1
	})

	h.engine.chunks <- audio.Chunk{Data: []byte{1}, Index: 0, Duration: time.Second}
	waitFor(t, "first send attempt", func() bool {
		h.coord.mu.Lock()
		defer h.coord.mu.Unlock()
		return h.coord.attempts == 1
	})

	h.coord.setSendErr(nil)
	h.engine.chunks <- audio.Chunk{Data: []byte{2}, Index: 1, Duration: time.Second}
	waitFor(t, "second send attempt", func() bool {
		h.coord.mu.Lock()
		defer h.coord.mu.Unlock()
		return h.coord.attempts == 2
	})
	waitFor(t, "second chunk recorded", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return len(h.store.chunks) == 1
	})

	h.coord.mu.Lock()
	sent := len(h.coord.sent)
	h.coord.mu.Unlock()
	if sent != 1 {
		t.Errorf("delivered chunks = %d, want 1 (failed send must not count)", sent)
	}

	cancel()
	waitRun(t, done)
}

func TestRun_ConnectionLossAbortsSession(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.run(t)
	defer cancel()

	waitFor(t, "session start", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.started == 1
	})

	h.fc.setStatus(conn.StatusDisconnected)
	waitFor(t, "session abort", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return len(h.store.aborted) == 1 && h.store.aborted[0] == "local-1"
	})

	// A fresh connect starts a new session rather than resuming the old one.
	h.fc.setStatus(conn.StatusConnected)
	waitFor(t, "second session start", func() bool {
		h.coord.mu.Lock()
		defer h.coord.mu.Unlock()
		return h.coord.started == 2
	})

	cancel()
	waitRun(t, done)
}

func TestRun_PermanentFailureReturnsError(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.run(t)
	defer cancel()

	waitFor(t, "session start", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.started == 1
	})

	h.fc.setStatus(conn.StatusFailed)
	err := waitRun(t, done)
	if err == nil || !strings.Contains(err.Error(), "failed permanently") {
		t.Fatalf("Run() = %v, want permanent failure error", err)
	}

	h.store.mu.Lock()
	aborted := len(h.store.aborted)
	h.store.mu.Unlock()
	if aborted != 1 {
		t.Errorf("aborted sessions = %d, want 1", aborted)
	}
}

func TestRun_ShutdownEndsSession(t *testing.T) {
	h := newHarness(t)
	h.coord.final = &wire.TranscriptResult{
		Text:                "closing remarks",
		ASRConfidence:       0.9,
		SentimentLabel:      wire.SentimentNeutral,
		SentimentConfidence: 0.7,
	}

	cancel, done := h.run(t)
	waitFor(t, "session start", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.started == 1
	})

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	h.coord.mu.Lock()
	ended := h.coord.ended
	closed := h.coord.closed
	h.coord.mu.Unlock()
	if ended != 1 {
		t.Errorf("coordinator EndSession calls = %d, want 1", ended)
	}
	if !closed {
		t.Error("coordinator not closed on shutdown")
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if len(h.store.ended) != 1 || h.store.ended[0] != "local-1" {
		t.Errorf("store.ended = %v, want [local-1]", h.store.ended)
	}
	if len(h.store.transcripts) != 1 || h.store.transcripts[0].Text != "closing remarks" {
		t.Errorf("final transcript not folded into store: %+v", h.store.transcripts)
	}
	if !h.store.closed {
		t.Error("store not closed on shutdown")
	}

	h.engine.mu.Lock()
	stopped := h.engine.stopped
	h.engine.mu.Unlock()
	if !stopped {
		t.Error("engine not stopped on shutdown")
	}
}

func TestRun_TranscriptMessageFoldsIntoStore(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.run(t)
	defer cancel()

	waitFor(t, "session start", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.started == 1
	})

	h.fc.deliver(t, `{"type":"transcript_result","data":{"text":"hello there","asr_confidence":0.95,"sentiment_label":"positive","sentiment_confidence":0.8}}`)

	waitFor(t, "transcript in store", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return len(h.store.transcripts) == 1
	})

	h.store.mu.Lock()
	got := h.store.transcripts[0]
	h.store.mu.Unlock()
	if got.Text != "hello there" {
		t.Errorf("transcript text = %q, want %q", got.Text, "hello there")
	}
	if got.SentimentLabel != wire.SentimentPositive {
		t.Errorf("sentiment = %q, want %q", got.SentimentLabel, wire.SentimentPositive)
	}

	cancel()
	waitRun(t, done)
}
