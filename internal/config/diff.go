package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything requiring
// a reconnect or a capture restart needs a process restart instead.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// WatchlistChanged is true when the keyword list or its thresholds
	// changed. The store swaps in a rebuilt watchlist.
	WatchlistChanged bool

	// VADChanged is true when any voice-activity threshold changed. Applies
	// to the next capture start.
	VADChanged bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.WatchlistChanged || d.VADChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Keywords.Watchlist, new.Keywords.Watchlist) ||
		old.Keywords.PhoneticThreshold != new.Keywords.PhoneticThreshold ||
		old.Keywords.FuzzyThreshold != new.Keywords.FuzzyThreshold {
		d.WatchlistChanged = true
	}

	if old.Audio.VAD != new.Audio.VAD {
		d.VADChanged = true
	}

	return d
}
