// Package mock provides in-memory mock implementations of the
// [audio.InputPlatform] and [audio.InputStream] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on counts and arguments, and they expose exported fields the
// test can set to control return values.
//
// Typical usage:
//
//	platform := &mock.Platform{}
//	engine := audio.NewEngine(platform, audio.EngineConfig{})
//	_ = engine.Start(ctx, "mic-1")
//	platform.LastStream().Push(pcm, 0)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxguard/voxguard/pkg/audio"
)

// Platform is a mock implementation of [audio.InputPlatform].
type Platform struct {
	mu sync.Mutex

	// DevicesResult is returned by Devices.
	DevicesResult []audio.DeviceInfo

	// DevicesError is returned by Devices.
	DevicesError error

	// OpenError is returned by Open. When set, no stream is created.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// OpenedDevices records the deviceID of every Open call, in order.
	OpenedDevices []string

	// OpenedFormats records the format of every Open call, in order.
	OpenedFormats []audio.Format

	streams []*Stream
}

// Devices implements [audio.InputPlatform].
func (p *Platform) Devices() ([]audio.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DevicesResult, p.DevicesError
}

// Open implements [audio.InputPlatform]. It returns a new [Stream] that the
// test feeds via [Stream.Push].
func (p *Platform) Open(_ context.Context, deviceID string, format audio.Format) (audio.InputStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CallCountOpen++
	p.OpenedDevices = append(p.OpenedDevices, deviceID)
	p.OpenedFormats = append(p.OpenedFormats, format)

	if p.OpenError != nil {
		return nil, p.OpenError
	}

	s := &Stream{frames: make(chan audio.Frame, 256)}
	p.streams = append(p.streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (p *Platform) LastStream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// OpenStreams returns how many streams are currently open (not closed).
func (p *Platform) OpenStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := 0
	for _, s := range p.streams {
		if !s.Closed() {
			open++
		}
	}
	return open
}

// Stream is a mock implementation of [audio.InputStream] fed by the test.
type Stream struct {
	mu     sync.Mutex
	closed bool
	frames chan audio.Frame
}

// Frames implements [audio.InputStream].
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Close implements [audio.InputStream]. Closing twice is safe.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Push delivers one frame to the stream's consumer. It is a no-op after Close.
func (s *Stream) Push(pcm []byte, ts time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- audio.Frame{Data: pcm, Timestamp: ts}:
	default:
	}
}
