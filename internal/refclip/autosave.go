package refclip

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultPendingURLTTL covers typical navigation latency between a
	// link click and the destination tab finishing its load.
	DefaultPendingURLTTL = 8 * time.Second
	// DefaultPendingTabTTL additionally covers the user-facing countdown
	// the content script shows before capturing.
	DefaultPendingTabTTL = 60 * time.Second
	// DefaultCountdownSeconds is the cancellable delay the content script
	// displays before executing an auto-save.
	DefaultCountdownSeconds = 5
)

type AutoSaveOptions struct {
	Store            *Store
	Registry         *InFlightRegistry
	Coordinator      *Coordinator
	Notifier         Notifier
	Now              func() time.Time
	PendingURLTTL    time.Duration
	PendingTabTTL    time.Duration
	CountdownSeconds int
}

// AutoSaveManager runs the two-stage pending handoff that reunites a link
// click (observed before the destination tab exists) with the completed
// navigation (observed without knowing which link was clicked): a URL-keyed
// intent written on click is transferred to a tab-keyed intent when the tab
// finishes loading.
type AutoSaveManager struct {
	store            *Store
	registry         *InFlightRegistry
	coordinator      *Coordinator
	notifier         Notifier
	now              func() time.Time
	pendingURLTTL    time.Duration
	pendingTabTTL    time.Duration
	countdownSeconds int
}

func NewAutoSaveManager(opts AutoSaveOptions) *AutoSaveManager {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	urlTTL := opts.PendingURLTTL
	if urlTTL <= 0 {
		urlTTL = DefaultPendingURLTTL
	}
	tabTTL := opts.PendingTabTTL
	if tabTTL <= 0 {
		tabTTL = DefaultPendingTabTTL
	}
	countdown := opts.CountdownSeconds
	if countdown <= 0 {
		countdown = DefaultCountdownSeconds
	}
	return &AutoSaveManager{
		store:            opts.Store,
		registry:         opts.Registry,
		coordinator:      opts.Coordinator,
		notifier:         notifier,
		now:              now,
		pendingURLTTL:    urlTTL,
		pendingTabTTL:    tabTTL,
		countdownSeconds: countdown,
	}
}

// ArmTab enables link tracking for a tab after its page was saved.
func (m *AutoSaveManager) ArmTab(tabID int, itemKey, pageURL string) error {
	if itemKey == "" {
		return ErrInvalidInput
	}
	return m.store.ArmTab(tabID, itemKey, NormalizeURL(pageURL))
}

// DisarmTab disables auto-save for a tab; also used when the tab closes.
func (m *AutoSaveManager) DisarmTab(tabID int) error {
	return m.store.DisarmTab(tabID)
}

// LinkClicked records intent when a tracked tab clicks through to another
// page. A target that is already saved takes the fast path: a PageLink is
// written directly and the pending machinery is skipped entirely.
func (m *AutoSaveManager) LinkClicked(ctx context.Context, tabID int, targetURL string) error {
	binding, ok := m.store.TabBinding(tabID)
	if !ok || !binding.Enabled {
		return nil
	}
	target := NormalizeURL(targetURL)
	if target == "" || IsInternalURL(target) {
		return nil
	}

	if pages := m.store.PagesForURL(target); len(pages) > 0 {
		link := PageLink{
			SourceItemKey: binding.ItemKey,
			TargetItemKey: pages[0].ItemKey,
			TargetURL:     target,
			CreatedAt:     m.now().UTC(),
		}
		if err := m.store.AddPageLink(link); err != nil {
			return err
		}
		m.notifier.Notify(NewEvent(EventLinkRecorded, link))
		return nil
	}

	return m.store.SetPendingForURL(target, PendingAutoSave{
		SourceItemKey: binding.ItemKey,
		SourceURL:     binding.URL,
		ExpiresAt:     m.now().Add(m.pendingURLTTL),
	})
}

// TabNavigationCompleted transfers a live URL-keyed intent into the tab's
// slot with an extended expiry, arms the new tab so tracking continues
// transitively, and asks listeners to re-inject the content script in case
// the navigation replaced the document before it loaded.
func (m *AutoSaveManager) TabNavigationCompleted(ctx context.Context, tabID int, newURL string) error {
	if IsInternalURL(newURL) {
		return nil
	}
	now := m.now()
	target := NormalizeURL(newURL)

	pending, ok := m.store.TakePendingForURL(target, now)
	if !ok {
		// Redirects can land on a URL other than the clicked one; fall
		// back to any live intent, keyed only on timing.
		pending, ok = m.store.TakeAnyPending(now)
	}
	if !ok {
		return nil
	}

	pending.ExpiresAt = now.Add(m.pendingTabTTL)
	if err := m.store.SetPendingForTab(tabID, pending); err != nil {
		return err
	}
	if err := m.store.ArmTab(tabID, pending.SourceItemKey, pending.SourceURL); err != nil {
		return err
	}
	m.notifier.Notify(NewEvent(EventReinjectContent, map[string]any{"tabId": tabID}))
	return nil
}

type PendingCheck struct {
	ShouldAutoSave   bool   `json:"shouldAutoSave"`
	SourceURL        string `json:"sourceUrl,omitempty"`
	SourceItemKey    string `json:"sourceItemKey,omitempty"`
	CountdownSeconds int    `json:"countdownSeconds,omitempty"`
}

// CheckPendingAutoSave is polled by the freshly loaded page's content
// script. Expired entries read as absent; nothing cleans them eagerly.
func (m *AutoSaveManager) CheckPendingAutoSave(tabID int) PendingCheck {
	pending, ok := m.store.PendingForTab(tabID, m.now())
	if !ok {
		return PendingCheck{}
	}
	return PendingCheck{
		ShouldAutoSave:   true,
		SourceURL:        pending.SourceURL,
		SourceItemKey:    pending.SourceItemKey,
		CountdownSeconds: m.countdownSeconds,
	}
}

// CancelPendingAutoSave removes the tab's pending intent unconditionally.
// This is the only cancellation window: once ExecuteAutoSave starts, the
// save runs to completion like any other.
func (m *AutoSaveManager) CancelPendingAutoSave(tabID int) error {
	if err := m.store.DeletePendingForTab(tabID); err != nil {
		return err
	}
	m.notifier.Notify(NewEvent(EventAutoSaveCancelled, map[string]any{"tabId": tabID}))
	return nil
}

// ExecuteAutoSave consumes the tab's pending intent and captures the page.
// A URL that became saved during the countdown (a race with a manual save)
// skips straight to PageLink creation.
func (m *AutoSaveManager) ExecuteAutoSave(ctx context.Context, tabID int, pageURL, title, capturedHTML string) (*SaveResult, error) {
	now := m.now()
	pending, hadPending := m.store.TakePendingForTab(tabID, now)
	target := NormalizeURL(pageURL)
	if target == "" || IsInternalURL(target) {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidInput, pageURL)
	}

	if pages := m.store.PagesForURL(target); len(pages) > 0 {
		if hadPending {
			if err := m.recordLink(pending.SourceItemKey, pages[0].ItemKey, target); err != nil {
				return nil, err
			}
		}
		return &SaveResult{
			URL:   target,
			Title: pages[0].Title,
			Targets: []TargetResult{{
				Backend:       pages[0].Backend,
				ItemKey:       pages[0].ItemKey,
				SnapshotSaved: pages[0].SnapshotSaved,
				Reused:        true,
			}},
			SnapshotSaved: pages[0].SnapshotSaved,
		}, nil
	}

	result, err := RunGuardedSave(ctx, m.registry, m.coordinator, SaveRequest{
		URL:             target,
		Title:           title,
		PrecapturedHTML: capturedHTML,
		TabID:           tabID,
	})
	if err != nil {
		return result, err
	}

	if hadPending {
		if succeeded := result.Succeeded(); len(succeeded) > 0 {
			if err := m.recordLink(pending.SourceItemKey, succeeded[0].ItemKey, target); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (m *AutoSaveManager) recordLink(sourceItemKey, targetItemKey, targetURL string) error {
	link := PageLink{
		SourceItemKey: sourceItemKey,
		TargetItemKey: targetItemKey,
		TargetURL:     targetURL,
		CreatedAt:     m.now().UTC(),
	}
	if err := m.store.AddPageLink(link); err != nil {
		return err
	}
	m.notifier.Notify(NewEvent(EventLinkRecorded, link))
	return nil
}
