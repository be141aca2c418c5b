package store

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultWatchPhoneticThreshold = 0.80
	defaultWatchFuzzyThreshold    = 0.92
	minWatchTokenLen              = 3
)

// WatchlistOption configures a [Watchlist].
type WatchlistOption func(*Watchlist)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a phonetically
// aligned token needs to flag a keyword. Default: 0.80.
func WithPhoneticThreshold(threshold float64) WatchlistOption {
	return func(w *Watchlist) {
		w.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when a
// token does not align phonetically with a keyword. Default: 0.92.
func WithFuzzyThreshold(threshold float64) WatchlistOption {
	return func(w *Watchlist) {
		w.fuzzyThreshold = threshold
	}
}

// watchKeyword is one configured keyword with its precomputed Double
// Metaphone codes.
type watchKeyword struct {
	keyword string
	codes   map[string]struct{}
}

// Watchlist scans transcript text for near-matches of configured keywords,
// catching ASR misspellings the backend's own keyword list misses. Matching
// combines Double Metaphone phonetic alignment with Jaro-Winkler similarity.
//
// A Watchlist is read-only after construction and safe for concurrent use.
type Watchlist struct {
	keywords          []watchKeyword
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewWatchlist builds a Watchlist from keywords. Blank keywords are skipped.
func NewWatchlist(keywords []string, opts ...WatchlistOption) *Watchlist {
	w := &Watchlist{
		phoneticThreshold: defaultWatchPhoneticThreshold,
		fuzzyThreshold:    defaultWatchFuzzyThreshold,
	}
	for _, o := range opts {
		o(w)
	}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		w.keywords = append(w.keywords, watchKeyword{keyword: k, codes: metaphoneCodes(k)})
	}
	return w
}

// Scan returns the configured keywords that text is likely to contain, in
// watchlist order, each at most once. An exact token match always flags; a
// near-miss flags when it aligns phonetically and scores above the phonetic
// threshold, or scores above the stricter fuzzy threshold without phonetic
// support. Tokens shorter than three characters are ignored to keep
// stop-words from triggering false positives.
func (w *Watchlist) Scan(text string) []string {
	if len(w.keywords) == 0 {
		return nil
	}

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	var flagged []string
	for _, kw := range w.keywords {
		if w.matches(kw, tokens) {
			flagged = append(flagged, kw.keyword)
		}
	}
	return flagged
}

func (w *Watchlist) matches(kw watchKeyword, tokens []string) bool {
	for _, tok := range tokens {
		if tok == kw.keyword {
			return true
		}
		score := matchr.JaroWinkler(tok, kw.keyword, false)
		if codesOverlap(metaphoneCodes(tok), kw.codes) {
			if score >= w.phoneticThreshold {
				return true
			}
			continue
		}
		if score >= w.fuzzyThreshold {
			return true
		}
	}
	return false
}

// tokenize lowercases text and splits it on non-letter, non-digit runes,
// dropping tokens too short to match reliably.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= minWatchTokenLen {
			out = append(out, f)
		}
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '\'' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

// metaphoneCodes returns the set of Double Metaphone codes for word. Empty
// codes are excluded.
func metaphoneCodes(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
