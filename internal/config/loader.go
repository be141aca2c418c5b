package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected so typos fail loudly instead of silently falling
// back to defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if !strings.HasPrefix(cfg.Server.URL, "ws://") && !strings.HasPrefix(cfg.Server.URL, "wss://") {
		errs = append(errs, fmt.Errorf("server.url %q must use the ws:// or wss:// scheme", cfg.Server.URL))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Connection
	if cfg.Connection.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("connection.max_reconnect_attempts %d must not be negative", cfg.Connection.MaxReconnectAttempts))
	}
	if cfg.Connection.ReconnectBase > 0 && cfg.Connection.ReconnectCap > 0 &&
		cfg.Connection.ReconnectCap < cfg.Connection.ReconnectBase {
		errs = append(errs, fmt.Errorf("connection.reconnect_cap %v must not be below connection.reconnect_base %v",
			cfg.Connection.ReconnectCap, cfg.Connection.ReconnectBase))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"connection.reconnect_base", cfg.Connection.ReconnectBase},
		{"connection.reconnect_cap", cfg.Connection.ReconnectCap},
		{"connection.heartbeat_interval", cfg.Connection.HeartbeatInterval},
		{"connection.heartbeat_timeout", cfg.Connection.HeartbeatTimeout},
		{"connection.dial_timeout", cfg.Connection.DialTimeout},
		{"connection.write_timeout", cfg.Connection.WriteTimeout},
		{"session.start_timeout", cfg.Session.StartTimeout},
		{"session.end_timeout", cfg.Session.EndTimeout},
		{"session.connect_wait", cfg.Session.ConnectWait},
		{"audio.chunk_interval", cfg.Audio.ChunkInterval},
		{"audio.volume_interval", cfg.Audio.VolumeInterval},
		{"store.recency_window", cfg.Store.RecencyWindow},
		{"store.tick_interval", cfg.Store.TickInterval},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s %v must not be negative", d.name, d.value))
		}
	}

	// Session
	if cfg.Session.ChunkQueueSize < 0 {
		errs = append(errs, fmt.Errorf("session.chunk_queue_size %d must not be negative", cfg.Session.ChunkQueueSize))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 (mono) or 2 (stereo)", cfg.Audio.Channels))
	}
	if cfg.Audio.VAD.GainCompensation < 0 {
		errs = append(errs, fmt.Errorf("audio.vad.gain_compensation %.2f must not be negative", cfg.Audio.VAD.GainCompensation))
	}
	for _, th := range []struct {
		name  string
		value float64
	}{
		{"audio.vad.rms_threshold", cfg.Audio.VAD.RMSThreshold},
		{"audio.vad.peak_threshold", cfg.Audio.VAD.PeakThreshold},
		{"keywords.phonetic_threshold", cfg.Keywords.PhoneticThreshold},
		{"keywords.fuzzy_threshold", cfg.Keywords.FuzzyThreshold},
	} {
		if th.value < 0 || th.value > 1 {
			errs = append(errs, fmt.Errorf("%s %.3f is out of range [0, 1]", th.name, th.value))
		}
	}
	if cfg.Audio.Opus.Enabled {
		if cfg.Audio.Opus.Bitrate < 500 || cfg.Audio.Opus.Bitrate > 512000 {
			errs = append(errs, fmt.Errorf("audio.opus.bitrate %d is out of range [500, 512000]", cfg.Audio.Opus.Bitrate))
		}
	}

	return errors.Join(errs...)
}
