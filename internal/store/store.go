// Package store folds the asynchronous response stream into consistent local
// state: the current recording session, the ordered transcript history, and
// warning statistics derived from it.
//
// The store is the single owner of that state. Transcript producers (the
// session coordinator's message stream) and readers (display layers, the
// metrics exporter) go through it; failed operations never mutate
// previously committed state.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxguard/voxguard/pkg/wire"
)

// SessionStatus is the lifecycle state of a recording session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusStopped   SessionStatus = "stopped"
	StatusCompleted SessionStatus = "completed"
)

// Session is one bounded recording interaction. At most one session is
// active or paused at any instant.
type Session struct {
	ID            string
	StartTime     time.Time
	EndTime       time.Time
	Status        SessionStatus
	ChunkCount    int
	TotalDuration time.Duration
}

// Entry is one transcript result tied to the session that was active when it
// arrived. Immutable once committed except the Processing flag.
type Entry struct {
	ID                  string
	SessionID           string
	Timestamp           time.Time
	Text                string
	SentimentLabel      string
	ASRConfidence       float64
	SentimentConfidence float64
	OverallConfidence   float64
	Warning             bool
	BadKeywords         []string
	ProcessingTime      float64
	RealTimeFactor      float64
	AudioDuration       float64
	Processing          bool
}

// WarningStats aggregates warning entries. Recent counts entries inside the
// trailing recency window and is recomputed on a fixed tick, not per read.
type WarningStats struct {
	Total            int
	Recent           int
	LastWarningTime  time.Time
	CriticalWarnings int
}

// Archiver persists committed entries outside the process. Archive failures
// are logged and never touch in-memory state.
type Archiver interface {
	Append(ctx context.Context, e Entry) error
}

// Default store parameters.
const (
	defaultRecencyWindow  = 60 * time.Second
	defaultTickInterval   = 1 * time.Second
	defaultArchiveTimeout = 5 * time.Second
)

// Config tunes a [Store]. Zero fields take the package defaults.
type Config struct {
	// RecencyWindow is the trailing window for WarningStats.Recent.
	RecencyWindow time.Duration

	// TickInterval is the cadence of the recency recomputation.
	TickInterval time.Duration

	// Watchlist optionally flags keyword near-matches in entries the backend
	// delivered without any. May be nil.
	Watchlist *Watchlist

	// Archive optionally persists each committed entry. May be nil.
	Archive Archiver

	// ArchiveTimeout bounds each archive append.
	ArchiveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = defaultRecencyWindow
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = defaultArchiveTimeout
	}
	return c
}

// Store is the transcript state machine. All methods are safe for concurrent
// use; every mutation is atomic under one lock so readers never observe a
// partial update.
type Store struct {
	cfg Config
	now func() time.Time // stubbed in tests

	mu         sync.Mutex
	session    *Session
	entries    []Entry
	selectedID string
	warnings   WarningStats

	stopTick func()
	wg       sync.WaitGroup
}

// NewStore creates a Store and starts its recency tick. Call [Store.Close]
// to stop the tick.
func NewStore(cfg Config) *Store {
	s := &Store{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopTick = cancel
	s.wg.Add(1)
	go s.tickLoop(ctx)
	return s
}

// Close stops the recency tick. The state itself remains readable.
func (s *Store) Close() {
	s.stopTick()
	s.wg.Wait()
}

func (s *Store) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recomputeRecent()
		}
	}
}

// StartSession begins a new session and returns its id. When a session is
// already active or paused the existing id is returned unchanged, so a
// duplicate start can never produce a second live session.
func (s *Store) StartSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && (s.session.Status == StatusActive || s.session.Status == StatusPaused) {
		slog.Debug("store: duplicate session start ignored", "session_id", s.session.ID)
		return s.session.ID
	}

	s.session = &Session{
		ID:        uuid.NewString(),
		StartTime: s.now(),
		Status:    StatusActive,
	}
	s.clearProcessingLocked()
	slog.Info("store: session started", "session_id", s.session.ID)
	return s.session.ID
}

// EndSession completes the session identified by id. A mismatched id or an
// already finalized session is a no-op.
func (s *Store) EndSession(id string) {
	s.transition(id, StatusCompleted, StatusActive, StatusPaused)
}

// PauseSession pauses the active session identified by id.
func (s *Store) PauseSession(id string) {
	s.transition(id, StatusPaused, StatusActive)
}

// ResumeSession resumes the paused session identified by id.
func (s *Store) ResumeSession(id string) {
	s.transition(id, StatusActive, StatusPaused)
}

// AbortSession marks the session stopped without completing it, used when the
// connection is lost mid-session.
func (s *Store) AbortSession(id string) {
	s.transition(id, StatusStopped, StatusActive, StatusPaused)
}

// transition moves the current session to target when id matches and the
// current status is one of from. Anything else is a logged no-op.
func (s *Store) transition(id string, target SessionStatus, from ...SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.ID != id {
		slog.Debug("store: session transition for unknown id ignored", "session_id", id, "target", target)
		return
	}
	allowed := false
	for _, f := range from {
		if s.session.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		slog.Debug("store: session transition not permitted",
			"session_id", id, "status", s.session.Status, "target", target)
		return
	}

	s.session.Status = target
	if target == StatusCompleted || target == StatusStopped {
		s.session.EndTime = s.now()
	}
	slog.Info("store: session", "session_id", id, "status", target)
}

// RecordChunk accounts one transmitted chunk against the active session.
func (s *Store) RecordChunk(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.ID != id || s.session.Status != StatusActive {
		return
	}
	s.session.ChunkCount++
	s.session.TotalDuration += d
}

// CurrentSession returns a copy of the current session, or nil when none has
// been started.
func (s *Store) CurrentSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	return &cp
}

// AddTranscript commits one backend result against the active session. When
// no session is active the result is logged and dropped; committed state is
// never touched by the failure.
//
// The warning flag is derived from the sentiment label (toxic or negative),
// critical warnings count toxic only, and the overall confidence is the
// weighted blend defined on the wire type. When the backend supplied no
// flagged keywords and a watchlist is configured, the text is scanned
// locally.
func (s *Store) AddTranscript(res *wire.TranscriptResult) {
	if res == nil {
		return
	}

	s.mu.Lock()
	if s.session == nil || s.session.Status != StatusActive {
		s.mu.Unlock()
		slog.Warn("store: transcript with no active session dropped", "text_len", len(res.Text))
		return
	}

	entry := Entry{
		ID:                  uuid.NewString(),
		SessionID:           s.session.ID,
		Timestamp:           s.now(),
		Text:                res.Text,
		SentimentLabel:      res.SentimentLabel,
		ASRConfidence:       res.ASRConfidence,
		SentimentConfidence: res.SentimentConfidence,
		OverallConfidence:   res.OverallConfidence(),
		Warning:             res.SentimentLabel == wire.SentimentToxic || res.SentimentLabel == wire.SentimentNegative,
		BadKeywords:         res.BadKeywords,
		ProcessingTime:      res.ProcessingTime,
		RealTimeFactor:      res.RealTimeFactor,
		AudioDuration:       res.AudioDuration,
	}
	if len(entry.BadKeywords) == 0 && s.cfg.Watchlist != nil {
		entry.BadKeywords = s.cfg.Watchlist.Scan(entry.Text)
	}

	s.entries = append(s.entries, entry)
	if entry.Warning {
		s.warnings.Total++
		s.warnings.LastWarningTime = entry.Timestamp
		if s.now().Sub(entry.Timestamp) <= s.cfg.RecencyWindow {
			s.warnings.Recent++
		}
		if entry.SentimentLabel == wire.SentimentToxic {
			s.warnings.CriticalWarnings++
		}
	}
	if s.selectedID == "" {
		s.selectedID = entry.ID
	}
	archive := s.cfg.Archive
	s.mu.Unlock()

	slog.Info("store: transcript committed",
		"session_id", entry.SessionID,
		"sentiment", entry.SentimentLabel,
		"warning", entry.Warning,
		"confidence", entry.OverallConfidence,
	)

	if archive != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
			defer cancel()
			if err := archive.Append(ctx, entry); err != nil {
				slog.Warn("store: archive append failed", "err", err, "entry_id", entry.ID)
			}
		}()
	}
}

// SetWatchlist swaps the keyword scanner applied to subsequent transcripts.
// Committed entries keep the keywords they were flagged with. A nil watchlist
// disables local scanning.
func (s *Store) SetWatchlist(w *Watchlist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Watchlist = w
}

// Entries returns a snapshot of all committed entries, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// SessionEntries returns a snapshot of the entries committed under sessionID.
func (s *Store) SessionEntries(sessionID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// WarningEntries returns a snapshot of the entries carrying the warning flag.
func (s *Store) WarningEntries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Warning {
			out = append(out, e)
		}
	}
	return out
}

// Warnings returns the current warning statistics. Recent is as of the last
// recency tick.
func (s *Store) Warnings() WarningStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warnings
}

// Select marks the entry with the given id as selected; an unknown id is a
// no-op.
func (s *Store) Select(entryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == entryID {
			s.selectedID = entryID
			return
		}
	}
}

// Selected returns the currently selected entry, or nil when there is none.
func (s *Store) Selected() *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == s.selectedID {
			cp := s.entries[i]
			return &cp
		}
	}
	return nil
}

// recomputeRecent recounts the warning entries inside the trailing window.
func (s *Store) recomputeRecent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.RecencyWindow)
	recent := 0
	for _, e := range s.entries {
		if e.Warning && e.Timestamp.After(cutoff) {
			recent++
		}
	}
	s.warnings.Recent = recent
}

// clearProcessingLocked drops any leftover processing flag from a previous
// session. Caller holds s.mu.
func (s *Store) clearProcessingLocked() {
	for i := range s.entries {
		s.entries[i].Processing = false
	}
}
