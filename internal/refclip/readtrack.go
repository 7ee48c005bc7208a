package refclip

import (
	"sort"
	"time"
)

// MergeReadRange unions a new half-open [start,end) interval into a sorted,
// non-overlapping set.
func MergeReadRange(ranges []ReadRange, next ReadRange) []ReadRange {
	if next.End <= next.Start {
		return ranges
	}
	merged := make([]ReadRange, 0, len(ranges)+1)
	merged = append(merged, ranges...)
	merged = append(merged, next)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })

	out := merged[:0]
	for _, r := range merged {
		if len(out) == 0 || r.Start > out[len(out)-1].End {
			out = append(out, r)
			continue
		}
		if r.End > out[len(out)-1].End {
			out[len(out)-1].End = r.End
		}
	}
	return append([]ReadRange(nil), out...)
}

func coveredLength(ranges []ReadRange) int {
	total := 0
	for _, r := range ranges {
		total += r.End - r.Start
	}
	return total
}

// ReadTracker accumulates cross-page reading behavior: how much of each
// tracked page has scrolled through the viewport, and how long each tab
// held focus on it.
type ReadTracker struct {
	store    *Store
	notifier Notifier
	now      func() time.Time
}

func NewReadTracker(store *Store, notifier Notifier) *ReadTracker {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ReadTracker{store: store, notifier: notifier, now: time.Now}
}

// RecordRange merges one viewed document interval and reports the updated
// percentage.
func (t *ReadTracker) RecordRange(pageURL string, start, end, docLength int) (float64, error) {
	pageURL = NormalizeURL(pageURL)
	if pageURL == "" || docLength <= 0 {
		return 0, ErrInvalidInput
	}
	state, _ := t.store.ReadStateFor(pageURL)
	state.URL = pageURL
	state.DocLength = docLength
	state.Ranges = MergeReadRange(state.Ranges, ReadRange{Start: start, End: end})
	state.UpdatedAt = t.now().UTC()
	if err := t.store.PutReadState(state); err != nil {
		return 0, err
	}
	percent := t.percent(state)
	t.notifier.Notify(NewEvent(EventReadingProgress, map[string]any{
		"url":     pageURL,
		"percent": percent,
	}))
	return percent, nil
}

// Percent reports how much of the page has been read, 0 when untracked.
func (t *ReadTracker) Percent(pageURL string) float64 {
	state, ok := t.store.ReadStateFor(NormalizeURL(pageURL))
	if !ok {
		return 0
	}
	return t.percent(state)
}

func (t *ReadTracker) percent(state ReadState) float64 {
	if state.DocLength <= 0 {
		return 0
	}
	percent := float64(coveredLength(state.Ranges)) / float64(state.DocLength) * 100
	if percent > 100 {
		percent = 100
	}
	return percent
}

// StartFocus opens a focus session for a tab; a prior open session for the
// same tab is folded in first.
func (t *ReadTracker) StartFocus(tabID int, pageURL string) error {
	t.EndFocus(tabID)
	return t.store.PutFocusSession(FocusSession{
		TabID:     tabID,
		URL:       NormalizeURL(pageURL),
		StartedAt: t.now().UTC(),
	})
}

// EndFocus closes the tab's focus session and folds the elapsed time into
// the page's accumulated total. Repeat calls (a blur followed by the tab
// closing) are no-ops once the session is gone.
func (t *ReadTracker) EndFocus(tabID int) {
	session, ok := t.store.FocusSessionFor(tabID)
	if !ok {
		return
	}
	_ = t.store.DeleteFocusSession(tabID)
	elapsed := int(t.now().Sub(session.StartedAt).Seconds())
	if elapsed <= 0 || session.URL == "" {
		return
	}
	state, _ := t.store.ReadStateFor(session.URL)
	state.URL = session.URL
	state.ActiveSeconds += elapsed
	state.UpdatedAt = t.now().UTC()
	_ = t.store.PutReadState(state)
}

// ActiveSeconds reports the accumulated focused time for a page, open
// sessions excluded.
func (t *ReadTracker) ActiveSeconds(pageURL string) int {
	state, ok := t.store.ReadStateFor(NormalizeURL(pageURL))
	if !ok {
		return 0
	}
	return state.ActiveSeconds
}
