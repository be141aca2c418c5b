// Package portaudio adapts PortAudio microphone capture to the
// [audio.InputPlatform] interface. It is the only package that touches real
// audio hardware; everything above it is adapter-agnostic.
package portaudio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/voxguard/voxguard/pkg/audio"
)

// frameMs is the capture buffer granularity handed to the engine. 10 ms keeps
// the volume meter responsive without excessive channel traffic.
const frameMs = 10

// Platform implements [audio.InputPlatform] over PortAudio. It is safe for
// concurrent use; the PortAudio library is initialised lazily on first use
// and released by [Platform.Terminate].
type Platform struct {
	initOnce sync.Once
	initErr  error
}

// New returns a PortAudio-backed capture platform.
func New() *Platform {
	return &Platform{}
}

func (p *Platform) ensureInit() error {
	p.initOnce.Do(func() {
		p.initErr = pa.Initialize()
	})
	if p.initErr != nil {
		return fmt.Errorf("portaudio: initialize: %w", p.initErr)
	}
	return nil
}

// Terminate releases the PortAudio library. Call once at process shutdown,
// after every stream is closed.
func (p *Platform) Terminate() error {
	return pa.Terminate()
}

// Devices implements [audio.InputPlatform]. Only devices with input channels
// are listed; the device name doubles as its id.
func (p *Platform) Devices() ([]audio.DeviceInfo, error) {
	if err := p.ensureInit(); err != nil {
		return nil, err
	}

	all, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	def, _ := pa.DefaultInputDevice()

	var out []audio.DeviceInfo
	for _, d := range all {
		if d.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, audio.DeviceInfo{
			ID:                d.Name,
			Name:              d.Name,
			MaxChannels:       d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           def != nil && d.Name == def.Name,
		})
	}
	return out, nil
}

// Open implements [audio.InputPlatform]. An empty deviceID selects the system
// default input device.
func (p *Platform) Open(ctx context.Context, deviceID string, format audio.Format) (audio.InputStream, error) {
	if err := p.ensureInit(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, err := p.findDevice(deviceID)
	if err != nil {
		return nil, err
	}

	framesPerBuffer := format.SampleRate * frameMs / 1000
	buf := make([]int16, framesPerBuffer*format.Channels)

	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	st, err := pa.OpenStream(params, buf)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		return nil, classifyOpenError(err)
	}

	s := &stream{
		pa:     st,
		buf:    buf,
		frames: make(chan audio.Frame, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// findDevice resolves deviceID to a PortAudio device, or the default input
// for an empty id.
func (p *Platform) findDevice(deviceID string) (*pa.DeviceInfo, error) {
	if deviceID == "" {
		dev, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device", audio.ErrDeviceNotFound)
		}
		return dev, nil
	}

	all, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, d := range all {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", audio.ErrDeviceNotFound, deviceID)
}

// classifyOpenError maps PortAudio failures onto the package's typed errors.
// PortAudio reports OS permission refusals as host errors, so the mapping is
// by message.
func classifyOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("portaudio: open stream: %w", err)
}

// stream implements [audio.InputStream] over one PortAudio stream.
type stream struct {
	pa  *pa.Stream
	buf []int16

	frames chan audio.Frame

	closeOnce sync.Once
	done      chan struct{}
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

// Close stops capture and releases the hardware resource. The blocked Read in
// the read loop is unblocked by stopping the stream.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if e := s.pa.Stop(); e != nil {
			err = fmt.Errorf("portaudio: stop stream: %w", e)
		}
		if e := s.pa.Close(); e != nil && err == nil {
			err = fmt.Errorf("portaudio: close stream: %w", e)
		}
	})
	return err
}

// readLoop blocks on PortAudio reads and forwards frames until the stream is
// closed. Frames are dropped, not queued, when the consumer lags.
func (s *stream) readLoop() {
	defer close(s.frames)

	start := time.Now()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.pa.Read(); err != nil {
			// Stop/Close aborts the read; anything else ends the stream too.
			return
		}

		data := make([]byte, len(s.buf)*2)
		for i, v := range s.buf {
			data[2*i] = byte(v)
			data[2*i+1] = byte(uint16(v) >> 8)
		}

		select {
		case s.frames <- audio.Frame{Data: data, Timestamp: time.Since(start)}:
		case <-s.done:
			return
		default:
		}
	}
}
