package store

import "testing"

func TestWatchlist_ExactMatch(t *testing.T) {
	w := NewWatchlist([]string{"bomb", "attack"})

	got := w.Scan("there is a bomb in the building")
	if len(got) != 1 || got[0] != "bomb" {
		t.Errorf("Scan = %v, want [bomb]", got)
	}
}

func TestWatchlist_PhoneticNearMiss(t *testing.T) {
	w := NewWatchlist([]string{"grenade"})

	// ASR misspelling of the keyword.
	if got := w.Scan("he threw a grenaid over the wall"); len(got) != 1 || got[0] != "grenade" {
		t.Errorf("Scan = %v, want [grenade]", got)
	}
}

func TestWatchlist_UnrelatedTextNotFlagged(t *testing.T) {
	w := NewWatchlist([]string{"attack"})

	if got := w.Scan("the dog sat on the mat"); len(got) != 0 {
		t.Errorf("Scan = %v, want no matches", got)
	}
}

func TestWatchlist_ShortTokensIgnored(t *testing.T) {
	w := NewWatchlist([]string{"gun"})

	// Fragments shorter than three characters never match.
	if got := w.Scan("g un gu n"); len(got) != 0 {
		t.Errorf("Scan = %v, want no matches from fragments", got)
	}
	if got := w.Scan("he has a gun"); len(got) != 1 {
		t.Errorf("Scan = %v, want [gun]", got)
	}
}

func TestWatchlist_KeywordFlaggedOnce(t *testing.T) {
	w := NewWatchlist([]string{"bomb"})

	if got := w.Scan("bomb bomb bomb"); len(got) != 1 {
		t.Errorf("Scan = %v, want bomb flagged once", got)
	}
}

func TestWatchlist_EmptyInputs(t *testing.T) {
	if got := NewWatchlist(nil).Scan("anything at all"); got != nil {
		t.Errorf("empty watchlist Scan = %v, want nil", got)
	}
	if got := NewWatchlist([]string{"bomb"}).Scan(""); got != nil {
		t.Errorf("empty text Scan = %v, want nil", got)
	}
	if got := NewWatchlist([]string{" ", ""}).Scan("words here"); got != nil {
		t.Errorf("blank keywords Scan = %v, want nil", got)
	}
}
