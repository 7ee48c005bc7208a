package refclip

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueOutcome is the result of QueueAnnotation: exactly one field is set.
// Annotation when the page already had a snapshot and the highlight was
// attached immediately; Queued when the attach had to wait for a save.
type QueueOutcome struct {
	Annotation *Annotation       `json:"annotation,omitempty"`
	Queued     *OutboxAnnotation `json:"queued,omitempty"`
}

type OutboxOptions struct {
	Store       *Store
	Registry    *InFlightRegistry
	Coordinator *Coordinator
	Notifier    Notifier
	Now         func() time.Time
	NewID       func() string
}

// Outbox stages annotations whose page is not yet saved and attaches them
// once the page's save resolves. Every staged record ends in exactly one
// terminal state: deleted after producing an Annotation, or parked in
// failed until the user retries or cancels.
type Outbox struct {
	store       *Store
	registry    *InFlightRegistry
	coordinator *Coordinator
	notifier    Notifier
	now         func() time.Time
	newID       func() string
}

func NewOutbox(opts OutboxOptions) *Outbox {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Outbox{
		store:       opts.Store,
		registry:    opts.Registry,
		coordinator: opts.Coordinator,
		notifier:    notifier,
		now:         now,
		newID:       newID,
	}
}

// QueueAnnotation creates the highlight immediately when the page already
// has an annotation-capable SavedPage with a snapshot; otherwise it stages
// an OutboxAnnotation and ties its fate to the URL's save. A remote failure
// on the immediate path parks the record in failed for user retry: the page
// is already saved, so re-driving a save would only duplicate its snapshot.
func (o *Outbox) QueueAnnotation(ctx context.Context, pageURL, title string, highlight HighlightPayload) (*QueueOutcome, error) {
	pageURL = NormalizeURL(pageURL)
	if pageURL == "" || highlight.Text == "" {
		return nil, ErrInvalidInput
	}
	if !highlight.Color.Valid() {
		return nil, fmt.Errorf("%w: color %q", ErrInvalidInput, highlight.Color)
	}

	annotation, attachErr := o.tryImmediateAttach(ctx, o.newID(), pageURL, highlight)
	if attachErr == nil && annotation != nil {
		return &QueueOutcome{Annotation: annotation}, nil
	}

	staged := OutboxAnnotation{
		ID:        o.newID(),
		URL:       pageURL,
		Title:     title,
		Highlight: highlight,
		Status:    OutboxSavingPage,
		CreatedAt: o.now().UTC(),
	}
	if attachErr != nil {
		// The attach only errors after finding a snapshot-bearing
		// SavedPage, so the page needs no save.
		staged.Status = OutboxFailed
		staged.LastError = attachErr.Error()
	}
	if err := o.store.PutOutboxAnnotation(staged); err != nil {
		return nil, err
	}
	o.notifier.Notify(NewEvent(EventAnnotationQueued, staged))
	if staged.Status == OutboxFailed {
		return &QueueOutcome{Queued: &staged}, nil
	}

	o.dispatchSave(ctx, staged.ID, pageURL, title)
	return &QueueOutcome{Queued: &staged}, nil
}

// dispatchSave piggybacks on an in-flight save when one exists, otherwise
// initiates one. Either way the continuation runs after the URL's save
// handle resolves, success and failure alike.
func (o *Outbox) dispatchSave(ctx context.Context, outboxID, pageURL, title string) {
	if handle, ok := o.registry.Lookup(pageURL); ok {
		go func() {
			if _, err := handle.Await(context.Background()); err != nil {
				return
			}
			o.ProcessQueuedAnnotation(context.Background(), outboxID)
		}()
		return
	}

	go func() {
		result, err := RunGuardedSave(context.Background(), o.registry, o.coordinator, SaveRequest{URL: pageURL, Title: title})
		if err != nil {
			o.MarkAllOutboxAnnotationsFailed(pageURL, fmt.Sprintf("page save failed: %v", err))
			return
		}
		if result != nil && !result.SnapshotSaved {
			o.MarkAllOutboxAnnotationsFailed(pageURL, "page saved without a snapshot; annotations need one")
			return
		}
		o.ProcessAllQueuedAnnotationsForURL(context.Background(), pageURL)
	}()
}

// ProcessQueuedAnnotation attaches one staged annotation. A record that no
// longer exists was already handled; that is a no-op, not an error.
func (o *Outbox) ProcessQueuedAnnotation(ctx context.Context, id string) {
	if _, ok := o.store.GetOutboxAnnotation(id); !ok {
		return
	}
	staged, err := o.store.CompareAndSwapOutboxStatus(id, OutboxSavingPage, OutboxSavingAnnotation, "")
	if err != nil {
		return
	}
	o.notifier.Notify(NewEvent(EventAnnotationStatus, staged))

	annotation, attachErr := o.tryImmediateAttach(ctx, staged.ID, staged.URL, staged.Highlight)
	if attachErr != nil || annotation == nil {
		reason := "page has no snapshot"
		if attachErr != nil {
			reason = attachErr.Error()
		}
		if failed, casErr := o.store.CompareAndSwapOutboxStatus(id, OutboxSavingAnnotation, OutboxFailed, reason); casErr == nil {
			o.notifier.Notify(NewEvent(EventAnnotationStatus, failed))
		}
		return
	}

	_ = o.store.DeleteOutboxAnnotation(id)
	o.notifier.Notify(NewEvent(EventAnnotationSaved, annotation))
}

// ProcessAllQueuedAnnotationsForURL drains the staged annotations that
// accumulated for a URL while its save ran. Attempted in discovery order; a
// failure of one does not block the rest.
func (o *Outbox) ProcessAllQueuedAnnotationsForURL(ctx context.Context, pageURL string) {
	for _, staged := range o.store.OutboxForURL(NormalizeURL(pageURL)) {
		if staged.Status != OutboxSavingPage {
			continue
		}
		o.ProcessQueuedAnnotation(ctx, staged.ID)
	}
}

// MarkAllOutboxAnnotationsFailed parks every record still waiting on the
// page save, each with the save's failure reason and its own notification.
func (o *Outbox) MarkAllOutboxAnnotationsFailed(pageURL, reason string) {
	for _, staged := range o.store.OutboxForURL(NormalizeURL(pageURL)) {
		if staged.Status != OutboxSavingPage {
			continue
		}
		failed, err := o.store.CompareAndSwapOutboxStatus(staged.ID, OutboxSavingPage, OutboxFailed, reason)
		if err != nil {
			continue
		}
		o.notifier.Notify(NewEvent(EventAnnotationStatus, failed))
	}
}

// Retry re-examines current page state instead of assuming the original
// failure still holds: the page may have been saved through another path
// while the annotation sat in failed. The failed→saving_page transition is
// a compare-and-swap, so a concurrent second retry is rejected.
func (o *Outbox) Retry(ctx context.Context, id string) error {
	staged, err := o.store.CompareAndSwapOutboxStatus(id, OutboxFailed, OutboxSavingPage, "")
	if err != nil {
		return err
	}
	o.notifier.Notify(NewEvent(EventAnnotationStatus, staged))

	if o.pageHasSnapshot(staged.URL) {
		go o.ProcessQueuedAnnotation(context.Background(), id)
		return nil
	}
	o.dispatchSave(ctx, id, staged.URL, staged.Title)
	return nil
}

// Cancel deletes the staged annotation from any status.
func (o *Outbox) Cancel(id string) error {
	staged, ok := o.store.GetOutboxAnnotation(id)
	if !ok {
		return ErrNotFound
	}
	if err := o.store.DeleteOutboxAnnotation(id); err != nil {
		return err
	}
	o.notifier.Notify(NewEvent(EventAnnotationRemoved, staged))
	return nil
}

func (o *Outbox) pageHasSnapshot(pageURL string) bool {
	client, ok := o.coordinator.AnnotationClient()
	if !ok {
		return false
	}
	for _, page := range o.store.PagesForBackend(pageURL, client.Backend()) {
		if page.SnapshotSaved {
			return true
		}
	}
	return false
}

// tryImmediateAttach creates the remote annotation against the most recent
// snapshot of an annotation-capable SavedPage. Returns (nil, nil) when no
// such page or snapshot exists yet.
func (o *Outbox) tryImmediateAttach(ctx context.Context, id, pageURL string, highlight HighlightPayload) (*Annotation, error) {
	client, ok := o.coordinator.AnnotationClient()
	if !ok {
		return nil, nil
	}
	pages := o.store.PagesForBackend(pageURL, client.Backend())
	if len(pages) == 0 {
		return nil, nil
	}

	for _, page := range pages {
		if !page.SnapshotSaved {
			continue
		}
		snapshots, err := client.ListChildSnapshots(ctx, page.ItemKey)
		if err != nil {
			return nil, err
		}
		if len(snapshots) == 0 {
			continue
		}
		newest := snapshots[0]
		noteKey, err := client.CreateAnnotationComment(ctx, page.ItemKey, highlight.Text, highlight.Comment, highlight.Color, highlight.Position)
		if err != nil {
			return nil, err
		}
		annotation := Annotation{
			ID:          id,
			URL:         pageURL,
			Backend:     client.Backend(),
			ItemKey:     page.ItemKey,
			NoteKey:     noteKey,
			SnapshotKey: newest.Key,
			Text:        highlight.Text,
			Comment:     highlight.Comment,
			Color:       highlight.Color,
			Position:    highlight.Position,
			CreatedAt:   o.now().UTC(),
		}
		if err := o.store.PutAnnotation(annotation); err != nil {
			return nil, err
		}
		return &annotation, nil
	}
	return nil, nil
}
