package refclip

import "time"

// Event types broadcast to listening UI surfaces.
const (
	EventPageSaved         = "page.saved"
	EventAnnotationQueued  = "annotation.queued"
	EventAnnotationStatus  = "annotation.status"
	EventAnnotationSaved   = "annotation.saved"
	EventAnnotationRemoved = "annotation.removed"
	EventAutoSavePending   = "autosave.pending"
	EventAutoSaveCancelled = "autosave.cancelled"
	EventLinkRecorded      = "link.recorded"
	EventReadingProgress   = "reading.progress"
	EventReinjectContent   = "contentscript.reinject"
	EventProjectsRefreshed = "projects.refreshed"
)

type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

func NewEvent(eventType string, payload any) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Notifier is the fan-out contract: fire-and-forget, best-effort. Senders
// never learn whether anyone was listening, and implementations must swallow
// delivery failures.
type Notifier interface {
	Notify(event Event)
}

type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}

// NotifierFunc adapts a function to the Notifier contract.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(event Event) {
	if f != nil {
		f(event)
	}
}
