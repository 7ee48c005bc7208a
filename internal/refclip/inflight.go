package refclip

import (
	"context"
	"sync"
)

// SaveOutcome is what every awaiter of an in-flight save observes once the
// pipeline finishes, success and failure alike.
type SaveOutcome struct {
	URL    string
	Result *SaveResult
	Err    error
}

// SaveHandle is the shared completion signal for one in-flight save. All
// callers that looked up the same URL during the save window hold the same
// handle and see the same outcome.
type SaveHandle struct {
	url     string
	done    chan struct{}
	mu      sync.Mutex
	outcome SaveOutcome
}

func (h *SaveHandle) URL() string {
	return h.url
}

// Done is closed when the save's pipeline has fully resolved.
func (h *SaveHandle) Done() <-chan struct{} {
	return h.done
}

// Await blocks until the save resolves or ctx is cancelled.
func (h *SaveHandle) Await(ctx context.Context) (SaveOutcome, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.outcome, nil
	case <-ctx.Done():
		return SaveOutcome{}, ctx.Err()
	}
}

func (h *SaveHandle) resolve(outcome SaveOutcome) {
	h.mu.Lock()
	h.outcome = outcome
	h.mu.Unlock()
	close(h.done)
}

// InFlightRegistry maps canonical URL to the single save currently running
// for it. It is an owned, injected object with process lifetime; nothing in
// it is persisted. The registry does not start saves itself: callers at the
// dispatch boundary register before invoking the coordinator, which lets any
// caller choose to await an existing save instead of starting a second one.
type InFlightRegistry struct {
	mu    sync.Mutex
	saves map[string]*SaveHandle
}

func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{saves: map[string]*SaveHandle{}}
}

// Register claims the producer slot for url. At most one producer holds it;
// a second Register during the window returns the existing handle and
// ErrSaveInFlight.
func (r *InFlightRegistry) Register(url string) (*SaveHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.saves[url]; ok {
		return existing, ErrSaveInFlight
	}
	h := &SaveHandle{url: url, done: make(chan struct{})}
	r.saves[url] = h
	return h, nil
}

func (r *InFlightRegistry) Lookup(url string) (*SaveHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.saves[url]
	return h, ok
}

// InProgress answers the UI's "is page X currently being saved" query.
func (r *InFlightRegistry) InProgress(url string) bool {
	_, ok := r.Lookup(url)
	return ok
}

// Release resolves the handle and removes the marker. It must run
// unconditionally when the pipeline finishes; callers defer it so a failed
// save can never wedge future saves for the URL.
func (r *InFlightRegistry) Release(url string, outcome SaveOutcome) {
	r.mu.Lock()
	h, ok := r.saves[url]
	delete(r.saves, url)
	r.mu.Unlock()
	if !ok {
		return
	}
	outcome.URL = url
	h.resolve(outcome)
}
