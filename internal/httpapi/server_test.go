package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/refclip/refclip/internal/refclip"
)

// stubClient is an in-memory refclip.BackendClient for routing tests.
type stubClient struct {
	mu      sync.Mutex
	items   map[string]string
	nextSeq int
}

func newStubClient() *stubClient {
	return &stubClient{items: map[string]string{}}
}

func (s *stubClient) Backend() refclip.BackendID { return refclip.BackendZotero }
func (s *stubClient) SupportsAnnotations() bool  { return true }

func (s *stubClient) FindItemByURL(ctx context.Context, url string) (*refclip.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.items[url]; ok {
		return &refclip.Item{Key: key}, nil
	}
	return nil, nil
}

func (s *stubClient) CreateItem(ctx context.Context, url, title string, projects []string) (*refclip.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	key := fmt.Sprintf("ITEM-%d", s.nextSeq)
	s.items[url] = key
	return &refclip.Item{Key: key, Title: title, ConfirmedProjects: projects}, nil
}

func (s *stubClient) GetItem(ctx context.Context, key string) (*refclip.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.items {
		if k == key {
			return &refclip.Item{Key: key}, nil
		}
	}
	return nil, refclip.ErrItemNotFound
}

func (s *stubClient) ListChildSnapshots(ctx context.Context, itemKey string) ([]refclip.Snapshot, error) {
	return []refclip.Snapshot{{Key: itemKey + "-SNAP", Title: "Snapshot"}}, nil
}

func (s *stubClient) CreateChildAttachment(ctx context.Context, itemKey, url, title string) (*refclip.Attachment, error) {
	return &refclip.Attachment{Key: itemKey + "-ATT"}, nil
}

func (s *stubClient) UploadBinary(ctx context.Context, attachmentKey string, data []byte, filename, contentHash string) error {
	return nil
}

func (s *stubClient) CreateAnnotationComment(ctx context.Context, parentKey, text, comment string, color refclip.HighlightColor, position refclip.Position) (string, error) {
	return parentKey + "-NOTE", nil
}

func (s *stubClient) ListCollections(ctx context.Context) ([]refclip.Collection, error) {
	return []refclip.Collection{{ID: "c1", Name: "Papers"}}, nil
}

func newTestServer(t *testing.T) (*Server, *refclip.Store) {
	t.Helper()
	store := refclip.NewStore(nil)
	client := newStubClient()
	directory := refclip.NewProjectDirectory(store, []refclip.BackendClient{client}, nil)
	coordinator := refclip.NewCoordinator(refclip.CoordinatorOptions{
		Store:     store,
		Clients:   []refclip.BackendClient{client},
		Directory: directory,
	})
	registry := refclip.NewInFlightRegistry()
	outbox := refclip.NewOutbox(refclip.OutboxOptions{Store: store, Registry: registry, Coordinator: coordinator})
	autosave := refclip.NewAutoSaveManager(refclip.AutoSaveOptions{Store: store, Registry: registry, Coordinator: coordinator})
	reader := refclip.NewReadTracker(store, nil)
	server := NewServer(ServerOptions{
		Store:       store,
		Registry:    registry,
		Coordinator: coordinator,
		Outbox:      outbox,
		AutoSave:    autosave,
		Reader:      reader,
		Directory:   directory,
	})
	return server, store
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Correlation-Id", "corr-123")
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	return recorder
}

func TestHealthRoute(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSavePageRoute(t *testing.T) {
	server, store := newTestServer(t)
	rec := doJSON(t, server, http.MethodPost, "/v1/pages/save", map[string]any{
		"url":          "https://example.com/article#frag",
		"title":        "Article",
		"capturedHtml": "<html/>",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result refclip.SaveResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.URL != "https://example.com/article" || !result.SnapshotSaved {
		t.Fatalf("result = %+v", result)
	}
	if pages := store.PagesForURL("https://example.com/article"); len(pages) != 1 {
		t.Fatalf("persisted pages = %+v", pages)
	}
}

func TestSavePageRouteRejectsInvalidBody(t *testing.T) {
	server, _ := newTestServer(t)
	cases := []map[string]any{
		{},                                // url missing
		{"url": ""},                       // url empty
		{"url": "https://a", "tabId": -1}, // negative tab
		{"url": "https://a", "bogus": 1},  // unknown field
	}
	for i, body := range cases {
		rec := doJSON(t, server, http.MethodPost, "/v1/pages/save", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, rec.Code)
			continue
		}
		var envelope struct {
			Code          string `json:"code"`
			CorrelationID string `json:"correlationId"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("case %d: decode error envelope: %v", i, err)
		}
		if envelope.Code != "invalid_body" {
			t.Errorf("case %d: code = %q", i, envelope.Code)
		}
		if envelope.CorrelationID != "corr-123" {
			t.Errorf("case %d: correlation id = %q", i, envelope.CorrelationID)
		}
	}
}

func TestPageStatusRoute(t *testing.T) {
	server, _ := newTestServer(t)
	doJSON(t, server, http.MethodPost, "/v1/pages/save", map[string]any{"url": "https://example.com/a", "capturedHtml": "<html/>"})

	rec := doJSON(t, server, http.MethodGet, "/v1/pages/status?url=https%3A%2F%2Fexample.com%2Fa%2F", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status struct {
		InProgress bool `json:"inProgress"`
		Saved      bool `json:"saved"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.InProgress || !status.Saved {
		t.Fatalf("status = %+v, want saved and idle", status)
	}

	rec = doJSON(t, server, http.MethodGet, "/v1/pages/status", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing url status = %d", rec.Code)
	}
}

func TestQueueAnnotationRouteImmediatePath(t *testing.T) {
	server, store := newTestServer(t)
	doJSON(t, server, http.MethodPost, "/v1/pages/save", map[string]any{"url": "https://example.com/a", "capturedHtml": "<html/>"})

	rec := doJSON(t, server, http.MethodPost, "/v1/annotations", map[string]any{
		"url": "https://example.com/a",
		"highlight": map[string]any{
			"text":  "a passage",
			"color": "yellow",
			"position": map[string]any{
				"xpath":  "/html/body/p[1]",
				"offset": 0,
				"length": 9,
			},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var outcome refclip.QueueOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if outcome.Annotation == nil {
		t.Fatalf("outcome = %+v, want immediate annotation", outcome)
	}
	if got := store.AnnotationsForURL("https://example.com/a"); len(got) != 1 {
		t.Fatalf("annotations = %+v", got)
	}
}

func TestQueueAnnotationRouteRejectsBadColor(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodPost, "/v1/annotations", map[string]any{
		"url":       "https://example.com/a",
		"highlight": map[string]any{"text": "x", "color": "chartreuse"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want schema rejection", rec.Code)
	}
}

func TestAnnotationRetryAndCancelRoutes(t *testing.T) {
	server, store := newTestServer(t)
	_ = store.PutOutboxAnnotation(refclip.OutboxAnnotation{
		ID:        "ob-1",
		URL:       "https://example.com/a",
		Highlight: refclip.HighlightPayload{Text: "x", Color: refclip.ColorYellow},
		Status:    refclip.OutboxSavingPage,
	})

	// Retry from a non-failed status is a conflict.
	rec := doJSON(t, server, http.MethodPost, "/v1/annotations/ob-1/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry status = %d, want 409", rec.Code)
	}
	rec = doJSON(t, server, http.MethodPost, "/v1/annotations/missing/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("retry missing status = %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodDelete, "/v1/annotations/ob-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	if _, ok := store.GetOutboxAnnotation("ob-1"); ok {
		t.Fatal("record survived cancel")
	}
}

func TestTabRoutes(t *testing.T) {
	server, store := newTestServer(t)
	doJSON(t, server, http.MethodPost, "/v1/pages/save", map[string]any{
		"url":          "https://example.com/source",
		"capturedHtml": "<html/>",
		"tabId":        1,
		"armAutoSave":  true,
	})
	if _, ok := store.TabBinding(1); !ok {
		t.Fatal("armAutoSave should arm the saving tab")
	}

	rec := doJSON(t, server, http.MethodPost, "/v1/tabs/1/link-clicked", map[string]any{"targetUrl": "https://example.com/target"})
	if rec.Code != http.StatusOK {
		t.Fatalf("link-clicked status = %d", rec.Code)
	}
	rec = doJSON(t, server, http.MethodPost, "/v1/tabs/2/navigated", map[string]any{"url": "https://example.com/target"})
	if rec.Code != http.StatusOK {
		t.Fatalf("navigated status = %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodGet, "/v1/tabs/2/pending-autosave", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending check status = %d", rec.Code)
	}
	var check refclip.PendingCheck
	if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !check.ShouldAutoSave {
		t.Fatalf("check = %+v, want transferred intent", check)
	}

	rec = doJSON(t, server, http.MethodPost, "/v1/tabs/2/autosave", map[string]any{
		"url":          "https://example.com/target",
		"title":        "Target",
		"capturedHtml": "<html/>",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("autosave status = %d body = %s", rec.Code, rec.Body.String())
	}
	if pages := store.PagesForURL("https://example.com/target"); len(pages) != 1 {
		t.Fatalf("pages = %+v", pages)
	}

	rec = doJSON(t, server, http.MethodPost, "/v1/tabs/2/closed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("closed status = %d", rec.Code)
	}
	if _, ok := store.TabBinding(2); ok {
		t.Fatal("tab 2 should be disarmed after close")
	}

	rec = doJSON(t, server, http.MethodPost, "/v1/tabs/zero/closed", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad tab id status = %d", rec.Code)
	}
}

func TestCancelPendingRoute(t *testing.T) {
	server, store := newTestServer(t)
	_ = store.SetPendingForTab(5, refclip.PendingAutoSave{SourceItemKey: "K"})

	rec := doJSON(t, server, http.MethodPost, "/v1/tabs/5/pending-autosave/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestProjectRoutes(t *testing.T) {
	server, store := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/v1/projects/resync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resync status = %d body = %s", rec.Code, rec.Body.String())
	}
	if _, ok := store.ProjectByID("c1"); !ok {
		t.Fatal("resync did not populate the directory")
	}

	rec = doJSON(t, server, http.MethodGet, "/v1/projects?backend=zotero", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Projects []refclip.Project `json:"projects"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Projects) != 1 || listed.Projects[0].ID != "c1" {
		t.Fatalf("projects = %+v", listed.Projects)
	}

	rec = doJSON(t, server, http.MethodGet, "/v1/projects?backend=notion", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown backend status = %d", rec.Code)
	}
}

func TestReadingRoutes(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodPost, "/v1/reading/range", map[string]any{
		"url":       "https://example.com/a",
		"start":     0,
		"end":       500,
		"docLength": 1000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("range status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Percent float64 `json:"percent"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Percent != 50 {
		t.Fatalf("percent = %v, want 50", result.Percent)
	}

	rec = doJSON(t, server, http.MethodGet, "/v1/reading?url=https%3A%2F%2Fexample.com%2Fa", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("percent status = %d", rec.Code)
	}
}

func TestSnapshotsRoute(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/v1/snapshots?backend=zotero&itemKey=ITEM-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Snapshots []refclip.Snapshot `json:"snapshots"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Snapshots) != 1 {
		t.Fatalf("snapshots = %+v", listed.Snapshots)
	}

	rec = doJSON(t, server, http.MethodGet, "/v1/snapshots?backend=atlos&itemKey=ITEM-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unconfigured backend status = %d", rec.Code)
	}
	rec = doJSON(t, server, http.MethodGet, "/v1/snapshots?backend=zotero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing itemKey status = %d", rec.Code)
	}
}

func TestSettingsRoutes(t *testing.T) {
	server, store := newTestServer(t)
	rec := doJSON(t, server, http.MethodPut, "/v1/settings", map[string]any{
		"defaultProjects":  []string{"c1"},
		"countdownSeconds": 8,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := store.GetSettings(); got.CountdownSeconds != 8 || len(got.DefaultProjects) != 1 {
		t.Fatalf("settings = %+v", got)
	}

	rec = doJSON(t, server, http.MethodGet, "/v1/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var settings refclip.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if settings.CountdownSeconds != 8 {
		t.Fatalf("settings = %+v", settings)
	}

	rec = doJSON(t, server, http.MethodPut, "/v1/settings", map[string]any{"countdownSeconds": 500})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range countdown status = %d", rec.Code)
	}
}

func TestFocusRoutes(t *testing.T) {
	server, store := newTestServer(t)
	rec := doJSON(t, server, http.MethodPost, "/v1/tabs/4/focus", map[string]any{"url": "https://example.com/a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("focus status = %d", rec.Code)
	}
	if _, ok := store.FocusSessionFor(4); !ok {
		t.Fatal("focus session not recorded")
	}
	rec = doJSON(t, server, http.MethodPost, "/v1/tabs/4/blur", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("blur status = %d", rec.Code)
	}
	if _, ok := store.FocusSessionFor(4); ok {
		t.Fatal("focus session should close on blur")
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/v1/nonsense", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
