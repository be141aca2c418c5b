package audio

import "time"

// Format describes the sample rate and channel count of a capture stream.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for the transcription backend).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo.
	Channels int
}

// BytesPerSecond returns the raw PCM byte rate for this format (int16 samples).
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Frame is one raw buffer of captured audio as delivered by an input stream.
// Frames are short (typically 10ms); the engine assembles them into chunks.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Chunk is one capture interval's worth of audio, analysed and ready for
// transmission. Chunks are consumed once and not retained after send.
type Chunk struct {
	// Data is the payload transmitted to the backend: raw PCM, or packed Opus
	// when an encoder is configured.
	Data []byte

	// Index is the sequential chunk number within the capture run, starting at 0.
	Index int

	// Timestamp is the chunk's offset from capture start.
	Timestamp time.Duration

	// Duration is the audio time covered by the chunk.
	Duration time.Duration

	// Analysis carries the voice-activity measurements for this chunk.
	Analysis Analysis
}

// Size returns the payload size in bytes.
func (c Chunk) Size() int { return len(c.Data) }

// Level is the continuous volume signal emitted for live level indication,
// decoupled from chunk emission.
type Level struct {
	// RMS is the gain-compensated root-mean-square energy, normalized to [0, 1].
	RMS float64

	// Peak is the largest absolute sample amplitude, normalized to [0, 1].
	Peak float64
}

// DeviceInfo describes one capture device offered by a platform.
type DeviceInfo struct {
	// ID uniquely identifies the device for [InputPlatform.Open].
	ID string

	// Name is the human-readable device name.
	Name string

	// MaxChannels is the device's maximum input channel count.
	MaxChannels int

	// DefaultSampleRate is the device's preferred sample rate in Hz.
	DefaultSampleRate float64

	// Default reports whether this is the system default input device.
	Default bool
}
