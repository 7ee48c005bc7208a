package refclip

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestPutPageMergesByBackendAndItem(t *testing.T) {
	store := NewStore(NewInMemoryStoreBackend())
	url := "https://example.com/article"

	if err := store.PutPage(SavedPage{URL: url, Backend: BackendZotero, ItemKey: "K1", Title: "First", Projects: []string{"c1"}}); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}
	if err := store.PutPage(SavedPage{URL: url, Backend: BackendZotero, ItemKey: "K1", Title: "Updated", Projects: []string{"c2"}, SnapshotSaved: true}); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}
	if err := store.PutPage(SavedPage{URL: url, Backend: BackendAtlos, ItemKey: "INC-1", Title: "Updated"}); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}

	pages := store.PagesForURL(url)
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2 (one per backend binding)", len(pages))
	}
	zotero := store.PagesForBackend(url, BackendZotero)
	if len(zotero) != 1 {
		t.Fatalf("got %d zotero pages, want 1", len(zotero))
	}
	if zotero[0].Title != "Updated" {
		t.Errorf("title = %q, want merged update", zotero[0].Title)
	}
	if !zotero[0].SnapshotSaved {
		t.Error("SnapshotSaved should stick once set")
	}
	if len(zotero[0].Projects) != 2 {
		t.Errorf("projects = %v, want merged c1+c2", zotero[0].Projects)
	}

	// SnapshotSaved never regresses to false on a later snapshotless save.
	if err := store.PutPage(SavedPage{URL: url, Backend: BackendZotero, ItemKey: "K1", Title: "Again"}); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}
	if !store.PagesForBackend(url, BackendZotero)[0].SnapshotSaved {
		t.Error("SnapshotSaved regressed")
	}
}

func TestPutPageValidation(t *testing.T) {
	store := NewStore(nil)
	if err := store.PutPage(SavedPage{URL: "u", ItemKey: "k", Backend: "notion"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown backend error = %v, want ErrInvalidInput", err)
	}
	if err := store.PutPage(SavedPage{URL: "", ItemKey: "k", Backend: BackendZotero}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty url error = %v, want ErrInvalidInput", err)
	}
}

func TestCompareAndSwapOutboxStatus(t *testing.T) {
	store := NewStore(nil)
	staged := OutboxAnnotation{
		ID:        "ob-1",
		URL:       "https://example.com",
		Highlight: HighlightPayload{Text: "quote", Color: ColorYellow},
		Status:    OutboxSavingPage,
		CreatedAt: time.Now(),
	}
	if err := store.PutOutboxAnnotation(staged); err != nil {
		t.Fatalf("PutOutboxAnnotation failed: %v", err)
	}

	updated, err := store.CompareAndSwapOutboxStatus("ob-1", OutboxSavingPage, OutboxSavingAnnotation, "")
	if err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if updated.Status != OutboxSavingAnnotation {
		t.Fatalf("status = %s, want saving_annotation", updated.Status)
	}

	// A second transition from the already-left state is rejected.
	if _, err := store.CompareAndSwapOutboxStatus("ob-1", OutboxSavingPage, OutboxFailed, "x"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stale CAS error = %v, want ErrInvalidState", err)
	}
	if _, err := store.CompareAndSwapOutboxStatus("missing", OutboxSavingPage, OutboxFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing CAS error = %v, want ErrNotFound", err)
	}

	failed, err := store.CompareAndSwapOutboxStatus("ob-1", OutboxSavingAnnotation, OutboxFailed, "upload broke")
	if err != nil {
		t.Fatalf("CAS to failed: %v", err)
	}
	if failed.LastError != "upload broke" {
		t.Fatalf("lastError = %q", failed.LastError)
	}
}

func TestPendingURLTakeAndExpiry(t *testing.T) {
	store := NewStore(nil)
	now := time.Now()
	pending := PendingAutoSave{SourceItemKey: "K1", SourceURL: "https://src", ExpiresAt: now.Add(5 * time.Second)}
	if err := store.SetPendingForURL("https://dst", pending); err != nil {
		t.Fatalf("SetPendingForURL failed: %v", err)
	}

	got, ok := store.TakePendingForURL("https://dst", now)
	if !ok || got.SourceItemKey != "K1" {
		t.Fatalf("TakePendingForURL = %+v %v, want live entry", got, ok)
	}
	// Take consumes.
	if _, ok := store.TakePendingForURL("https://dst", now); ok {
		t.Fatal("second take should find nothing")
	}

	// Expired entries read as absent and are removed.
	if err := store.SetPendingForURL("https://dst", pending); err != nil {
		t.Fatalf("SetPendingForURL failed: %v", err)
	}
	if _, ok := store.TakePendingForURL("https://dst", now.Add(10*time.Second)); ok {
		t.Fatal("expired take should report absent")
	}
}

func TestTakeAnyPendingPrefersFreshest(t *testing.T) {
	store := NewStore(nil)
	now := time.Now()
	_ = store.SetPendingForURL("a", PendingAutoSave{SourceItemKey: "OLD", ExpiresAt: now.Add(time.Second)})
	_ = store.SetPendingForURL("b", PendingAutoSave{SourceItemKey: "NEW", ExpiresAt: now.Add(5 * time.Second)})
	_ = store.SetPendingForURL("c", PendingAutoSave{SourceItemKey: "DEAD", ExpiresAt: now.Add(-time.Second)})

	got, ok := store.TakeAnyPending(now)
	if !ok || got.SourceItemKey != "NEW" {
		t.Fatalf("TakeAnyPending = %+v %v, want freshest live entry", got, ok)
	}
	// The drain consumed everything.
	if _, ok := store.TakeAnyPending(now); ok {
		t.Fatal("second TakeAnyPending should find nothing")
	}
}

func TestDisarmTabClearsPendingAndFocus(t *testing.T) {
	store := NewStore(nil)
	_ = store.ArmTab(7, "K1", "https://src")
	_ = store.SetPendingForTab(7, PendingAutoSave{SourceItemKey: "K1", ExpiresAt: time.Now().Add(time.Minute)})
	_ = store.PutFocusSession(FocusSession{TabID: 7, URL: "https://src", StartedAt: time.Now()})

	if err := store.DisarmTab(7); err != nil {
		t.Fatalf("DisarmTab failed: %v", err)
	}
	if _, ok := store.TabBinding(7); ok {
		t.Error("binding survived disarm")
	}
	if _, ok := store.PendingForTab(7, time.Now()); ok {
		t.Error("pending survived disarm")
	}
	if _, ok := store.FocusSessionFor(7); ok {
		t.Error("focus session survived disarm")
	}
}

func TestAddPageLinkDedups(t *testing.T) {
	store := NewStore(nil)
	link := PageLink{SourceItemKey: "A", TargetItemKey: "B", TargetURL: "https://b", CreatedAt: time.Now()}
	if err := store.AddPageLink(link); err != nil {
		t.Fatalf("AddPageLink failed: %v", err)
	}
	if err := store.AddPageLink(link); err != nil {
		t.Fatalf("duplicate AddPageLink failed: %v", err)
	}
	if got := store.LinksFrom("A"); len(got) != 1 {
		t.Fatalf("got %d links, want 1", len(got))
	}
	if err := store.AddPageLink(PageLink{SourceItemKey: "A"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing target error = %v, want ErrInvalidInput", err)
	}
}

func TestReplaceProjectsScopedToBackend(t *testing.T) {
	store := NewStore(nil)
	_ = store.ReplaceProjects(BackendZotero, []Project{{ID: "z1", Name: "Papers"}})
	_ = store.ReplaceProjects(BackendAtlos, []Project{{ID: "a1", Name: "Incident 1"}})

	_ = store.ReplaceProjects(BackendZotero, []Project{{ID: "z2", Name: "Reading"}})

	if _, ok := store.ProjectByID("z1"); ok {
		t.Error("stale zotero project survived replace")
	}
	if _, ok := store.ProjectByID("z2"); !ok {
		t.Error("new zotero project missing")
	}
	if _, ok := store.ProjectByID("a1"); !ok {
		t.Error("atlos project wiped by zotero replace")
	}
}

func TestJSONFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")
	backend := NewJSONFileStoreBackend(path)

	store := NewStore(backend)
	url := "https://example.com/article"
	if err := store.PutPage(SavedPage{URL: url, Backend: BackendZotero, ItemKey: "K1", Title: "Saved", SnapshotSaved: true, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}
	if err := store.PutOutboxAnnotation(OutboxAnnotation{ID: "ob-1", URL: url, Highlight: HighlightPayload{Text: "q", Color: ColorBlue}, Status: OutboxFailed, LastError: "network down", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("PutOutboxAnnotation failed: %v", err)
	}

	// A fresh process loads the same records from disk.
	reloaded := NewStore(NewJSONFileStoreBackend(path))
	pages := reloaded.PagesForURL(url)
	if len(pages) != 1 || pages[0].ItemKey != "K1" || !pages[0].SnapshotSaved {
		t.Fatalf("reloaded pages = %+v", pages)
	}
	staged, ok := reloaded.GetOutboxAnnotation("ob-1")
	if !ok || staged.Status != OutboxFailed || staged.LastError != "network down" {
		t.Fatalf("reloaded outbox = %+v %v", staged, ok)
	}
}
