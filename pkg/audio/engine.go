package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default engine parameters.
const (
	defaultSampleRate     = 16000
	defaultChannels       = 1
	defaultChunkInterval  = 1 * time.Second
	defaultVolumeInterval = 100 * time.Millisecond
	defaultChunkBuffer    = 8
)

// ChunkEncoder optionally transforms a chunk's raw PCM payload before
// emission (e.g., Opus packing). A nil encoder leaves payloads as raw PCM.
type ChunkEncoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// EngineConfig tunes an [Engine]. Zero fields take the package defaults.
type EngineConfig struct {
	// Format is the capture format requested from the platform.
	Format Format

	// ChunkInterval is the nominal duration of one emitted chunk.
	ChunkInterval time.Duration

	// VolumeInterval is the cadence of the continuous volume signal,
	// deliberately faster than and decoupled from chunk emission.
	VolumeInterval time.Duration

	// VAD configures silent-chunk filtering.
	VAD VADConfig

	// ChunkBuffer is the capacity of the chunk channel. A slow consumer
	// causes drops rather than blocking the capture loop.
	ChunkBuffer int

	// Encoder optionally packs chunk payloads. May be nil.
	Encoder ChunkEncoder
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = defaultSampleRate
	}
	if c.Format.Channels <= 0 {
		c.Format.Channels = defaultChannels
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = defaultChunkInterval
	}
	if c.VolumeInterval <= 0 {
		c.VolumeInterval = defaultVolumeInterval
	}
	if c.ChunkBuffer <= 0 {
		c.ChunkBuffer = defaultChunkBuffer
	}
	return c
}

// Engine drives one capture stream: it assembles platform frames into timed
// chunks, classifies each chunk with the [Detector], drops silent chunks, and
// emits a continuous volume signal on its own cadence.
//
// All methods are safe for concurrent use. The Chunks and Levels channels are
// stable across device switches and restarts.
type Engine struct {
	platform InputPlatform
	cfg      EngineConfig
	det      *Detector

	chunks chan Chunk
	levels chan Level

	mu       sync.Mutex
	running  bool
	deviceID string
	stream   InputStream
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	droppedSilent uint64
	droppedFull   uint64
}

// NewEngine creates an Engine that captures through platform.
func NewEngine(platform InputPlatform, cfg EngineConfig) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		platform: platform,
		cfg:      cfg,
		det:      NewDetector(cfg.VAD),
		chunks:   make(chan Chunk, cfg.ChunkBuffer),
		levels:   make(chan Level, 1),
	}
}

// Chunks returns the channel of voiced chunks ready for transmission.
func (e *Engine) Chunks() <-chan Chunk { return e.chunks }

// Levels returns the continuous volume signal channel. Values are dropped,
// not queued, when the consumer lags.
func (e *Engine) Levels() <-chan Level { return e.levels }

// Start acquires deviceID (empty selects the system default) and begins
// capture. It fails with the platform's typed error when the device cannot be
// opened; starting while already running is an error.
func (e *Engine) Start(ctx context.Context, deviceID string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("audio: capture already running on device %q", e.deviceID)
	}
	e.mu.Unlock()

	stream, err := e.platform.Open(ctx, deviceID, e.cfg.Format)
	if err != nil {
		return fmt.Errorf("audio: start capture: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.running = true
	e.deviceID = deviceID
	e.stream = stream
	e.cancel = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	slog.Info("audio: capture started",
		"device", deviceID,
		"sample_rate", e.cfg.Format.SampleRate,
		"channels", e.cfg.Format.Channels,
		"chunk_interval", e.cfg.ChunkInterval,
	)

	go e.captureLoop(runCtx, stream)
	return nil
}

// SelectDevice switches capture to a different device. The current stream is
// fully torn down before the new one is acquired so two hardware resources
// are never held simultaneously.
func (e *Engine) SelectDevice(ctx context.Context, deviceID string) error {
	e.Stop()
	return e.Start(ctx, deviceID)
}

// Stop releases the hardware resource and halts the capture loop
// unconditionally. Safe to call when not running.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	stream := e.stream
	e.cancel = nil
	e.stream = nil
	e.mu.Unlock()

	cancel()
	if err := stream.Close(); err != nil {
		slog.Warn("audio: closing capture stream", "err", err)
	}
	e.wg.Wait()
	slog.Info("audio: capture stopped")
}

// DroppedChunks reports how many chunks were discarded: silent chunks removed
// by voice-activity detection, and voiced chunks dropped because the consumer
// lagged behind the chunk buffer.
func (e *Engine) DroppedChunks() (silent, backpressure uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.droppedSilent, e.droppedFull
}

// captureLoop assembles frames into chunks and publishes volume levels until
// the context is cancelled or the stream ends.
func (e *Engine) captureLoop(ctx context.Context, stream InputStream) {
	defer e.wg.Done()

	chunkTicker := time.NewTicker(e.cfg.ChunkInterval)
	defer chunkTicker.Stop()
	volTicker := time.NewTicker(e.cfg.VolumeInterval)
	defer volTicker.Stop()

	var (
		buf        []byte
		volBuf     []byte
		index      int
		chunkStart time.Duration
		start      = time.Now()
	)

	for {
		select {
		case <-ctx.Done():
			return

		case f, ok := <-stream.Frames():
			if !ok {
				return
			}
			buf = append(buf, f.Data...)
			volBuf = append(volBuf, f.Data...)

		case <-volTicker.C:
			a := e.det.Analyze(volBuf)
			volBuf = volBuf[:0]
			select {
			case e.levels <- Level{RMS: a.RMS, Peak: a.Peak}:
			default:
				// Level indication is best-effort; stale values are dropped.
			}

		case <-chunkTicker.C:
			elapsed := time.Since(start)
			if len(buf) == 0 {
				chunkStart = elapsed
				continue
			}

			analysis := e.det.Analyze(buf)
			if !analysis.Voiced {
				e.mu.Lock()
				e.droppedSilent++
				e.mu.Unlock()
				buf = buf[:0]
				chunkStart = elapsed
				continue
			}

			duration := time.Duration(float64(len(buf)) / float64(e.cfg.Format.BytesPerSecond()) * float64(time.Second))
			payload := append([]byte(nil), buf...)
			buf = buf[:0]

			if e.cfg.Encoder != nil {
				encoded, err := e.cfg.Encoder.Encode(payload)
				if err != nil {
					slog.Warn("audio: chunk encoding failed, sending raw PCM", "err", err)
				} else {
					payload = encoded
				}
			}

			chunk := Chunk{
				Data:      payload,
				Index:     index,
				Timestamp: chunkStart,
				Duration:  duration,
				Analysis:  analysis,
			}
			index++
			chunkStart = elapsed

			select {
			case e.chunks <- chunk:
			default:
				e.mu.Lock()
				e.droppedFull++
				dropped := e.droppedFull
				e.mu.Unlock()
				slog.Warn("audio: chunk consumer lagging, dropping chunk",
					"index", chunk.Index,
					"dropped_total", dropped,
				)
			}
		}
	}
}
