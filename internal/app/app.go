// Package app wires all voxguard subsystems into a running client.
//
// The App owns the full lifecycle: New wires the capture engine, the
// connection manager, the session coordinator, and the transcript store
// together; Run drives them until the context is cancelled, then tears
// everything down in order. One recording session is kept open while the
// transport is up; a lost connection aborts it and a fresh session is started
// on reconnect.
//
// For testing, inject fakes via functional options (WithConn,
// WithCoordinator, WithEngine, WithStore). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxguard/voxguard/internal/config"
	"github.com/voxguard/voxguard/internal/conn"
	"github.com/voxguard/voxguard/internal/observe"
	"github.com/voxguard/voxguard/internal/session"
	"github.com/voxguard/voxguard/internal/store"
	"github.com/voxguard/voxguard/pkg/audio"
	"github.com/voxguard/voxguard/pkg/wire"
)

// endSessionGrace bounds the final end-session exchange during shutdown.
const endSessionGrace = 12 * time.Second

// Conn is the connection surface the app depends on. *conn.Manager
// implements it.
type Conn interface {
	Connect(ctx context.Context)
	Disconnect()
	Status() conn.Status
	OnStatus(fn func(conn.Status)) func()
	OnMessage(fn func(*wire.Message)) func()
	SendText(data []byte) bool
	SendBinary(data []byte) bool
}

// Coordinator is the session protocol surface the app depends on.
// *session.Coordinator implements it.
type Coordinator interface {
	StartSession(ctx context.Context) (string, error)
	SendChunk(chunk audio.Chunk) error
	EndSession(ctx context.Context) (*wire.TranscriptResult, error)
	Close()
}

// CaptureEngine is the audio surface the app depends on. *audio.Engine
// implements it.
type CaptureEngine interface {
	Start(ctx context.Context, deviceID string) error
	Stop()
	Chunks() <-chan audio.Chunk
	Levels() <-chan audio.Level
}

// TranscriptStore is the state surface the app depends on. *store.Store
// implements it.
type TranscriptStore interface {
	StartSession() string
	EndSession(id string)
	AbortSession(id string)
	RecordChunk(id string, d time.Duration)
	AddTranscript(res *wire.TranscriptResult)
	Warnings() store.WarningStats
	Close()
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	mgr     Conn
	coord   Coordinator
	engine  CaptureEngine
	store   TranscriptStore
	metrics *observe.Metrics

	// mu guards the session id pair below.
	mu       sync.Mutex
	serverID string // backend-issued session id
	localID  string // store-issued session id

	// closers are called in reverse order during teardown.
	closers  []func()
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConn injects a connection manager instead of creating one from config.
func WithConn(c Conn) Option {
	return func(a *App) { a.mgr = c }
}

// WithCoordinator injects a session coordinator.
func WithCoordinator(c Coordinator) Option {
	return func(a *App) { a.coord = c }
}

// WithEngine injects a capture engine instead of opening the microphone.
func WithEngine(e CaptureEngine) Option {
	return func(a *App) { a.engine = e }
}

// WithStore injects a transcript store.
func WithStore(s TranscriptStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}


// ConnConfig maps the loaded configuration onto connection manager settings.
func ConnConfig(cfg *config.Config) conn.Config {
	return conn.Config{
		URL:                  cfg.Server.URL,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		ReconnectBase:        cfg.Connection.ReconnectBase,
		ReconnectCap:         cfg.Connection.ReconnectCap,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		HeartbeatTimeout:     cfg.Connection.HeartbeatTimeout,
		DialTimeout:          cfg.Connection.DialTimeout,
		WriteTimeout:         cfg.Connection.WriteTimeout,
	}
}

// WatchlistFor builds the keyword scanner for kc, or nil when no keywords
// are configured.
func WatchlistFor(kc config.KeywordsConfig) *store.Watchlist {
	if len(kc.Watchlist) == 0 {
		return nil
	}
	var opts []store.WatchlistOption
	if kc.PhoneticThreshold > 0 {
		opts = append(opts, store.WithPhoneticThreshold(kc.PhoneticThreshold))
	}
	if kc.FuzzyThreshold > 0 {
		opts = append(opts, store.WithFuzzyThreshold(kc.FuzzyThreshold))
	}
	return store.NewWatchlist(kc.Watchlist, opts...)
}

// New wires the subsystems together. platform opens the microphone and is
// only consulted when no engine is injected.
func New(cfg *config.Config, platform audio.InputPlatform, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.mgr == nil {
		a.mgr = conn.NewManager(ConnConfig(cfg))
	}

	if a.coord == nil {
		coord := session.NewCoordinator(a.mgr, session.Config{
			StartTimeout:   cfg.Session.StartTimeout,
			EndTimeout:     cfg.Session.EndTimeout,
			ConnectWait:    cfg.Session.ConnectWait,
			ChunkQueueSize: cfg.Session.ChunkQueueSize,
		})
		a.coord = coord
	}
	a.closers = append(a.closers, a.coord.Close)

	if a.engine == nil {
		engCfg := audio.EngineConfig{
			Format: audio.Format{
				SampleRate: cfg.Audio.SampleRate,
				Channels:   cfg.Audio.Channels,
			},
			ChunkInterval:  cfg.Audio.ChunkInterval,
			VolumeInterval: cfg.Audio.VolumeInterval,
			VAD: audio.VADConfig{
				Disabled:         cfg.Audio.VAD.Disabled,
				GainCompensation: cfg.Audio.VAD.GainCompensation,
				RMSThreshold:     cfg.Audio.VAD.RMSThreshold,
				PeakThreshold:    cfg.Audio.VAD.PeakThreshold,
			},
		}
		if cfg.Audio.Opus.Enabled {
			packer, err := audio.NewOpusPacker(engCfg.Format, cfg.Audio.Opus.Bitrate)
			if err != nil {
				return nil, fmt.Errorf("app: opus packer: %w", err)
			}
			engCfg.Encoder = packer
		}
		a.engine = audio.NewEngine(platform, engCfg)
	}

	if a.store == nil {
		st := store.NewStore(store.Config{
			RecencyWindow: cfg.Store.RecencyWindow,
			TickInterval:  cfg.Store.TickInterval,
			Watchlist:     WatchlistFor(cfg.Keywords),
		})
		a.store = st
	}
	a.closers = append(a.closers, a.store.Close)

	return a, nil
}

// Run connects, starts capture, and drives the recording loop until ctx is
// cancelled. It returns the first goroutine failure, or nil after a clean
// shutdown.
func (a *App) Run(ctx context.Context) error {
	statusCh := make(chan conn.Status, 16)
	disposeStatus := a.mgr.OnStatus(func(s conn.Status) {
		select {
		case statusCh <- s:
		default:
			// A full channel means the supervisor is behind; it will catch
			// up from Status() on the next event it does see.
		}
	})
	defer disposeStatus()
	disposeMsg := a.mgr.OnMessage(a.handleMessage)
	defer disposeMsg()

	a.mgr.Connect(ctx)

	if err := a.engine.Start(ctx, a.cfg.Audio.Device); err != nil {
		a.teardown()
		return fmt.Errorf("app: start capture: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.superviseSession(gctx, statusCh) })
	g.Go(func() error { return a.pumpChunks(gctx) })
	g.Go(func() error { return a.drainLevels(gctx) })

	slog.Info("app: running", "url", a.cfg.Server.URL, "device", a.cfg.Audio.Device)
	err := g.Wait()

	a.engine.Stop()

	// Detach listeners before the final exchange so the transcript returned
	// by EndSession is not also folded in through the message stream.
	disposeStatus()
	disposeMsg()
	a.endActiveSession()
	a.teardown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// superviseSession keeps exactly one recording session open while the
// transport is connected. Connection loss aborts the local session; a new
// one is started explicitly on the next connect.
func (a *App) superviseSession(ctx context.Context, statusCh <-chan conn.Status) error {
	if a.mgr.Status() == conn.StatusConnected {
		a.openSession(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-statusCh:
			switch s {
			case conn.StatusConnected:
				a.openSession(ctx)
			case conn.StatusReconnecting:
				a.metrics.Reconnects.Add(ctx, 1)
			case conn.StatusDisconnected, conn.StatusFailed:
				a.abortActiveSession()
				if s == conn.StatusFailed {
					return errors.New("app: connection failed permanently")
				}
			}
		}
	}
}

// openSession starts a backend session and mirrors it into the store.
func (a *App) openSession(ctx context.Context) {
	a.mu.Lock()
	already := a.serverID != ""
	a.mu.Unlock()
	if already {
		return
	}

	serverID, err := a.coord.StartSession(ctx)
	if err != nil {
		slog.Error("app: session start failed", "err", err)
		return
	}
	localID := a.store.StartSession()

	a.mu.Lock()
	a.serverID = serverID
	a.localID = localID
	a.mu.Unlock()

	a.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("app: recording", "server_session", serverID, "local_session", localID)
}

// abortActiveSession marks the local session stopped after a connection loss.
// The coordinator has already rejected its own pending state.
func (a *App) abortActiveSession() {
	a.mu.Lock()
	localID := a.localID
	active := a.serverID != ""
	a.serverID, a.localID = "", ""
	a.mu.Unlock()

	if !active {
		return
	}
	a.store.AbortSession(localID)
	a.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Warn("app: session aborted by connection loss", "local_session", localID)
}

// endActiveSession performs the final end-session exchange during shutdown.
func (a *App) endActiveSession() {
	a.mu.Lock()
	localID := a.localID
	active := a.serverID != ""
	a.serverID, a.localID = "", ""
	a.mu.Unlock()

	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), endSessionGrace)
	defer cancel()

	final, err := a.coord.EndSession(ctx)
	if err != nil {
		slog.Warn("app: end session", "err", err)
	} else if final != nil {
		a.store.AddTranscript(final)
	}
	a.store.EndSession(localID)
	a.metrics.ActiveSessions.Add(context.Background(), -1)
}

// pumpChunks forwards voiced chunks from the capture engine into the session.
func (a *App) pumpChunks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-a.engine.Chunks():
			if !ok {
				return nil
			}
			a.metrics.ChunksCaptured.Add(ctx, 1)

			a.mu.Lock()
			localID := a.localID
			a.mu.Unlock()

			start := time.Now()
			if err := a.coord.SendChunk(chunk); err != nil {
				a.metrics.RecordChunkDropped(ctx, observe.DropQueueOverflow)
				slog.Debug("app: chunk not sent", "index", chunk.Index, "err", err)
				continue
			}
			a.metrics.ChunkSendDuration.Record(ctx, time.Since(start).Seconds())
			a.store.RecordChunk(localID, chunk.Duration)
		}
	}
}

// drainLevels consumes the live volume signal. There is no UI in this
// process; levels surface only in debug logs.
func (a *App) drainLevels(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case lvl, ok := <-a.engine.Levels():
			if !ok {
				return nil
			}
			slog.Debug("app: input level", "rms", lvl.RMS, "peak", lvl.Peak)
		}
	}
}

// handleMessage folds server messages into the transcript store.
func (a *App) handleMessage(msg *wire.Message) {
	switch msg.Kind {
	case wire.KindTranscript:
		t := msg.Transcript
		a.store.AddTranscript(t)
		a.metrics.RecordTranscript(context.Background(),
			t.SentimentLabel,
			t.SentimentLabel == wire.SentimentToxic || t.SentimentLabel == wire.SentimentNegative,
			t.SentimentLabel == wire.SentimentToxic,
		)
	case wire.KindConnectionStatus:
		if msg.Status != nil {
			slog.Info("app: backend status", "status", msg.Status.Status, "reason", msg.Status.Reason)
		}
	}
}

// teardown closes subsystems in reverse wiring order and disconnects.
func (a *App) teardown() {
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
		a.mgr.Disconnect()
		slog.Info("app: shutdown complete")
	})
}
