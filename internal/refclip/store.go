package refclip

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("invalid state")
	ErrItemNotFound       = errors.New("remote item not found")
	ErrProjectNotFound    = errors.New("project not found")
	ErrRemoteCreateFailed = errors.New("remote create failed")
	ErrCaptureUnavailable = errors.New("capture unavailable")
	ErrUploadFailed       = errors.New("upload failed")
	ErrSaveInFlight       = errors.New("save already in flight")
	ErrNotImplemented     = errors.New("not implemented")
)

type BackendID string

const (
	BackendZotero BackendID = "zotero"
	BackendAtlos  BackendID = "atlos"
)

func (b BackendID) Valid() bool {
	return b == BackendZotero || b == BackendAtlos
}

type HighlightColor string

const (
	ColorYellow HighlightColor = "yellow"
	ColorGreen  HighlightColor = "green"
	ColorBlue   HighlightColor = "blue"
	ColorPink   HighlightColor = "pink"
	ColorOrange HighlightColor = "orange"
)

func (c HighlightColor) Valid() bool {
	switch c {
	case ColorYellow, ColorGreen, ColorBlue, ColorPink, ColorOrange:
		return true
	default:
		return false
	}
}

// Position anchors a highlight in the captured document. The fields are
// opaque to this package; the content script produces and consumes them.
type Position struct {
	XPath    string `json:"xpath"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	Selector string `json:"selector,omitempty"`
}

type SavedPage struct {
	URL           string    `json:"url"`
	Backend       BackendID `json:"backend"`
	ItemKey       string    `json:"itemKey"`
	Title         string    `json:"title"`
	Projects      []string  `json:"projects,omitempty"`
	SnapshotSaved bool      `json:"snapshotSaved"`
	Version       string    `json:"version,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Annotation struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Backend     BackendID      `json:"backend"`
	ItemKey     string         `json:"itemKey"`
	NoteKey     string         `json:"noteKey"`
	SnapshotKey string         `json:"snapshotKey,omitempty"`
	Text        string         `json:"text"`
	Comment     string         `json:"comment,omitempty"`
	Color       HighlightColor `json:"color"`
	Position    Position       `json:"position"`
	CreatedAt   time.Time      `json:"createdAt"`
}

type HighlightPayload struct {
	Text     string         `json:"text"`
	Comment  string         `json:"comment,omitempty"`
	Color    HighlightColor `json:"color"`
	Position Position       `json:"position"`
}

type OutboxStatus string

const (
	OutboxPending          OutboxStatus = "pending"
	OutboxSavingPage       OutboxStatus = "saving_page"
	OutboxSavingAnnotation OutboxStatus = "saving_annotation"
	OutboxFailed           OutboxStatus = "failed"
)

type OutboxAnnotation struct {
	ID        string           `json:"id"`
	URL       string           `json:"url"`
	Title     string           `json:"title,omitempty"`
	Highlight HighlightPayload `json:"highlight"`
	Status    OutboxStatus     `json:"status"`
	LastError string           `json:"lastError,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

type AutoSaveTabBinding struct {
	TabID   int    `json:"tabId"`
	ItemKey string `json:"itemKey"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

type PendingAutoSave struct {
	SourceItemKey string    `json:"sourceItemKey"`
	SourceURL     string    `json:"sourceUrl"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func (p PendingAutoSave) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

type PageLink struct {
	SourceItemKey string    `json:"sourceItemKey"`
	TargetItemKey string    `json:"targetItemKey"`
	TargetURL     string    `json:"targetUrl"`
	CreatedAt     time.Time `json:"createdAt"`
}

type ReadRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type ReadState struct {
	URL           string      `json:"url"`
	Ranges        []ReadRange `json:"ranges"`
	DocLength     int         `json:"docLength"`
	ActiveSeconds int         `json:"activeSeconds,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// FocusSession is an open interval only: closed time lives in the page's
// ReadState.ActiveSeconds.
type FocusSession struct {
	TabID     int       `json:"tabId"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"startedAt"`
}

type Project struct {
	ID         string    `json:"id"`
	Backend    BackendID `json:"backend"`
	Name       string    `json:"name"`
	ParentID   string    `json:"parentId,omitempty"`
	ItemCount  int       `json:"itemCount"`
	Version    string    `json:"version,omitempty"`
	ModifiedAt string    `json:"modifiedAt,omitempty"`
}

type Settings struct {
	DefaultProjects  []string `json:"defaultProjects,omitempty"`
	CountdownSeconds int      `json:"countdownSeconds,omitempty"`
	CaptureSpoolDir  string   `json:"captureSpoolDir,omitempty"`
}

// recordState is the full persisted shape of the local record store. Pages
// are keyed by canonical URL and hold one entry per (backend, item) binding:
// the same URL may be filed to several backends or several projects.
type recordState struct {
	Pages         map[string][]SavedPage      `json:"pages"`
	Annotations   map[string]Annotation       `json:"annotations"`
	Outbox        map[string]OutboxAnnotation `json:"outbox"`
	TabBindings   map[int]AutoSaveTabBinding  `json:"tabBindings"`
	PendingByURL  map[string]PendingAutoSave  `json:"pendingByUrl"`
	PendingByTab  map[int]PendingAutoSave     `json:"pendingByTab"`
	PageLinks     []PageLink                  `json:"pageLinks"`
	ReadStates    map[string]ReadState        `json:"readStates"`
	FocusSessions map[int]FocusSession        `json:"focusSessions"`
	Projects      map[string]Project          `json:"projects"`
	Settings      Settings                    `json:"settings"`
}

func newRecordState() *recordState {
	return &recordState{
		Pages:         map[string][]SavedPage{},
		Annotations:   map[string]Annotation{},
		Outbox:        map[string]OutboxAnnotation{},
		TabBindings:   map[int]AutoSaveTabBinding{},
		PendingByURL:  map[string]PendingAutoSave{},
		PendingByTab:  map[int]PendingAutoSave{},
		ReadStates:    map[string]ReadState{},
		FocusSessions: map[int]FocusSession{},
		Projects:      map[string]Project{},
	}
}

func (s *recordState) ensureMaps() {
	if s.Pages == nil {
		s.Pages = map[string][]SavedPage{}
	}
	if s.Annotations == nil {
		s.Annotations = map[string]Annotation{}
	}
	if s.Outbox == nil {
		s.Outbox = map[string]OutboxAnnotation{}
	}
	if s.TabBindings == nil {
		s.TabBindings = map[int]AutoSaveTabBinding{}
	}
	if s.PendingByURL == nil {
		s.PendingByURL = map[string]PendingAutoSave{}
	}
	if s.PendingByTab == nil {
		s.PendingByTab = map[int]PendingAutoSave{}
	}
	if s.ReadStates == nil {
		s.ReadStates = map[string]ReadState{}
	}
	if s.FocusSessions == nil {
		s.FocusSessions = map[int]FocusSession{}
	}
	if s.Projects == nil {
		s.Projects = map[string]Project{}
	}
}

// StoreBackend persists the full record state. Implementations: in-memory,
// JSON file, Postgres, SQLite (see backend_factory.go).
type StoreBackend interface {
	Load() (*recordState, error)
	Save(state *recordState) error
}

type storeBackendCloser interface {
	Close() error
}

// Store is the local record store. All reads and writes go through one
// mutex, so read-modify-write sequences on the map-shaped records cannot
// lose updates to each other.
type Store struct {
	mu      sync.Mutex
	state   *recordState
	backend StoreBackend
}

func NewStore(backend StoreBackend) *Store {
	s := &Store{state: newRecordState(), backend: backend}
	if backend != nil {
		if loaded, err := backend.Load(); err == nil && loaded != nil {
			loaded.ensureMaps()
			s.state = loaded
		}
	}
	return s
}

func (s *Store) Close() {
	if closer, ok := s.backend.(storeBackendCloser); ok && closer != nil {
		_ = closer.Close()
	}
}

func (s *Store) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Save(s.state)
}

// PagesForURL returns every SavedPage binding for the canonical URL, across
// all backends.
func (s *Store) PagesForURL(url string) []SavedPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := s.state.Pages[url]
	out := make([]SavedPage, len(pages))
	copy(out, pages)
	return out
}

// PagesForBackend returns the bindings for url that belong to backend.
func (s *Store) PagesForBackend(url string, backend BackendID) []SavedPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SavedPage
	for _, p := range s.state.Pages[url] {
		if p.Backend == backend {
			out = append(out, p)
		}
	}
	return out
}

// PutPage inserts or updates the binding identified by (backend, itemKey).
// Project membership is merged, never shrunk: the confirmed set grows as new
// saves file the item into further collections.
func (s *Store) PutPage(page SavedPage) error {
	if page.URL == "" || page.ItemKey == "" || !page.Backend.Valid() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := s.state.Pages[page.URL]
	for i, existing := range pages {
		if existing.Backend == page.Backend && existing.ItemKey == page.ItemKey {
			merged := existing
			merged.Title = page.Title
			merged.Version = page.Version
			merged.SnapshotSaved = existing.SnapshotSaved || page.SnapshotSaved
			merged.Projects = mergeStringSets(existing.Projects, page.Projects)
			pages[i] = merged
			s.state.Pages[page.URL] = pages
			return s.saveLocked()
		}
	}
	s.state.Pages[page.URL] = append(pages, page)
	return s.saveLocked()
}

func (s *Store) GetAnnotation(id string) (Annotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.state.Annotations[id]
	return a, ok
}

func (s *Store) AnnotationsForURL(url string) []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Annotation
	for _, a := range s.state.Annotations {
		if a.URL == url {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) PutAnnotation(a Annotation) error {
	if a.ID == "" || a.URL == "" || a.NoteKey == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Annotations[a.ID] = a
	return s.saveLocked()
}

func (s *Store) GetOutboxAnnotation(id string) (OutboxAnnotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.Outbox[id]
	return o, ok
}

func (s *Store) OutboxForURL(url string) []OutboxAnnotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxAnnotation
	for _, o := range s.state.Outbox {
		if o.URL == url {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) PutOutboxAnnotation(o OutboxAnnotation) error {
	if o.ID == "" || o.URL == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Outbox[o.ID] = o
	return s.saveLocked()
}

// CompareAndSwapOutboxStatus transitions the record's status only when it
// currently matches expect. A concurrent second transition attempt observes
// the already-changed status and gets ErrInvalidState.
func (s *Store) CompareAndSwapOutboxStatus(id string, expect, next OutboxStatus, lastError string) (OutboxAnnotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.Outbox[id]
	if !ok {
		return OutboxAnnotation{}, ErrNotFound
	}
	if o.Status != expect {
		return o, fmt.Errorf("%w: outbox %s is %s, expected %s", ErrInvalidState, id, o.Status, expect)
	}
	o.Status = next
	o.LastError = lastError
	s.state.Outbox[id] = o
	if err := s.saveLocked(); err != nil {
		return o, err
	}
	return o, nil
}

func (s *Store) DeleteOutboxAnnotation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Outbox[id]; !ok {
		return ErrNotFound
	}
	delete(s.state.Outbox, id)
	return s.saveLocked()
}

func (s *Store) TabBinding(tabID int) (AutoSaveTabBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.TabBindings[tabID]
	return b, ok
}

func (s *Store) ArmTab(tabID int, itemKey, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.TabBindings[tabID] = AutoSaveTabBinding{TabID: tabID, ItemKey: itemKey, URL: url, Enabled: true}
	return s.saveLocked()
}

func (s *Store) DisarmTab(tabID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.TabBindings, tabID)
	delete(s.state.PendingByTab, tabID)
	delete(s.state.FocusSessions, tabID)
	return s.saveLocked()
}

func (s *Store) SetPendingForURL(url string, p PendingAutoSave) error {
	if url == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PendingByURL[url] = p
	return s.saveLocked()
}

// TakePendingForURL removes and returns the pending intent for url. Expired
// entries are cleared on access rather than by a timer.
func (s *Store) TakePendingForURL(url string, now time.Time) (PendingAutoSave, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.PendingByURL[url]
	if !ok {
		return PendingAutoSave{}, false
	}
	delete(s.state.PendingByURL, url)
	_ = s.saveLocked()
	if p.Expired(now) {
		return PendingAutoSave{}, false
	}
	return p, true
}

// TakeAnyPending drains the url-keyed slots and returns the freshest live
// entry, if any. This preserves the timing-only transfer behavior for
// navigations whose final URL differs from the clicked link (redirects).
func (s *Store) TakeAnyPending(now time.Time) (PendingAutoSave, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best PendingAutoSave
	found := false
	for url, p := range s.state.PendingByURL {
		delete(s.state.PendingByURL, url)
		if p.Expired(now) {
			continue
		}
		if !found || p.ExpiresAt.After(best.ExpiresAt) {
			best = p
			found = true
		}
	}
	_ = s.saveLocked()
	return best, found
}

func (s *Store) SetPendingForTab(tabID int, p PendingAutoSave) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PendingByTab[tabID] = p
	return s.saveLocked()
}

// PendingForTab reads without consuming; expired entries report absent.
func (s *Store) PendingForTab(tabID int, now time.Time) (PendingAutoSave, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.PendingByTab[tabID]
	if !ok || p.Expired(now) {
		return PendingAutoSave{}, false
	}
	return p, true
}

func (s *Store) TakePendingForTab(tabID int, now time.Time) (PendingAutoSave, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.PendingByTab[tabID]
	if !ok {
		return PendingAutoSave{}, false
	}
	delete(s.state.PendingByTab, tabID)
	_ = s.saveLocked()
	if p.Expired(now) {
		return PendingAutoSave{}, false
	}
	return p, true
}

func (s *Store) DeletePendingForTab(tabID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.PendingByTab, tabID)
	return s.saveLocked()
}

func (s *Store) AddPageLink(link PageLink) error {
	if link.SourceItemKey == "" || link.TargetItemKey == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.PageLinks {
		if existing.SourceItemKey == link.SourceItemKey && existing.TargetItemKey == link.TargetItemKey {
			return nil
		}
	}
	s.state.PageLinks = append(s.state.PageLinks, link)
	return s.saveLocked()
}

func (s *Store) LinksFrom(sourceItemKey string) []PageLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PageLink
	for _, l := range s.state.PageLinks {
		if l.SourceItemKey == sourceItemKey {
			out = append(out, l)
		}
	}
	return out
}

func (s *Store) ReadStateFor(url string) (ReadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.ReadStates[url]
	return r, ok
}

func (s *Store) PutReadState(r ReadState) error {
	if r.URL == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ReadStates[r.URL] = r
	return s.saveLocked()
}

func (s *Store) FocusSessionFor(tabID int) (FocusSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.state.FocusSessions[tabID]
	return f, ok
}

func (s *Store) PutFocusSession(f FocusSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.FocusSessions[f.TabID] = f
	return s.saveLocked()
}

func (s *Store) DeleteFocusSession(tabID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.FocusSessions, tabID)
	return s.saveLocked()
}

// ReplaceProjects swaps out the cached directory for one backend, leaving
// other backends' entries intact.
func (s *Store) ReplaceProjects(backend BackendID, projects []Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.state.Projects {
		if p.Backend == backend {
			delete(s.state.Projects, id)
		}
	}
	for _, p := range projects {
		if p.ID == "" {
			continue
		}
		p.Backend = backend
		s.state.Projects[p.ID] = p
	}
	return s.saveLocked()
}

func (s *Store) ProjectByID(id string) (Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Projects[id]
	return p, ok
}

func (s *Store) ProjectsForBackend(backend BackendID) []Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Project
	for _, p := range s.state.Projects {
		if p.Backend == backend {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) GetSettings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Settings
}

func (s *Store) PutSettings(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Settings = settings
	return s.saveLocked()
}

func mergeStringSets(a, b []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, v := range set {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
