// Package audio implements the local capture pipeline: acquiring microphone
// input through a pluggable platform, segmenting it into timed chunks,
// gating chunks through energy-based voice-activity detection, and reporting
// a continuous volume signal for live level indication.
//
// The two entry abstractions are:
//
//   - [InputPlatform] — enumerates capture devices and opens an [InputStream].
//   - [Engine] — drives a stream, assembles frames into [Chunk] values, and
//     drops silent chunks before they ever reach the transport.
//
// Platform adapters (pkg/audio/portaudio for real hardware, pkg/audio/mock
// for tests) implement the interfaces; the engine is adapter-agnostic.
// This package has no dependency on the network layer.
package audio

import (
	"context"
	"errors"
)

// Typed capture errors. Platform adapters wrap their native failures into
// these so callers can distinguish conditions that require user action.
var (
	// ErrPermissionDenied means the OS refused microphone access. Terminal for
	// the current attempt; no automatic retry.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceNotFound means the requested device id matched nothing.
	ErrDeviceNotFound = errors.New("audio: capture device not found")
)

// InputPlatform enumerates capture devices and opens input streams.
// Implementations must be safe for concurrent use.
type InputPlatform interface {
	// Devices lists the available capture devices.
	Devices() ([]DeviceInfo, error)

	// Open acquires the device identified by deviceID at the given format and
	// begins capture. An empty deviceID selects the system default input.
	// The supplied ctx governs the open attempt only; the stream stays alive
	// until [InputStream.Close].
	//
	// Returns [ErrPermissionDenied], [ErrDeviceNotFound], or a wrapped generic
	// capture failure.
	Open(ctx context.Context, deviceID string, format Format) (InputStream, error)
}

// InputStream is a live capture stream for one device.
type InputStream interface {
	// Frames returns the channel of captured frames. The channel is closed
	// when the stream ends or is closed.
	Frames() <-chan Frame

	// Close releases the underlying hardware resource. Safe to call more
	// than once.
	Close() error
}
