package refclip

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type SaveRequest struct {
	URL             string
	Title           string
	Projects        []string
	PrecapturedHTML string
	TabID           int
}

// TargetResult reports one (backend, project set) target of a save. Targets
// fail independently; a result carrying some failed and some successful
// targets is a partial success, never collapsed to a single boolean.
type TargetResult struct {
	Backend           BackendID `json:"backend,omitempty"`
	ProjectIDs        []string  `json:"projectIds,omitempty"`
	ItemKey           string    `json:"itemKey,omitempty"`
	ConfirmedProjects []string  `json:"confirmedProjects,omitempty"`
	SnapshotSaved     bool      `json:"snapshotSaved"`
	Reused            bool      `json:"reused"`
	Error             string    `json:"error,omitempty"`
}

type SaveResult struct {
	URL           string         `json:"url"`
	Title         string         `json:"title"`
	Targets       []TargetResult `json:"targets"`
	SnapshotSaved bool           `json:"snapshotSaved"`
	CaptureError  string         `json:"captureError,omitempty"`
}

// Succeeded returns the targets that persisted a SavedPage.
func (r *SaveResult) Succeeded() []TargetResult {
	if r == nil {
		return nil
	}
	var out []TargetResult
	for _, t := range r.Targets {
		if t.Error == "" && t.ItemKey != "" {
			out = append(out, t)
		}
	}
	return out
}

type CoordinatorOptions struct {
	Store     *Store
	Clients   []BackendClient
	Directory *ProjectDirectory
	Capture   CaptureProvider
	Notifier  Notifier
	Now       func() time.Time
}

// Coordinator drives the create-or-reuse-item, capture-snapshot, upload,
// persist pipeline. It does not guard against concurrent invocation for the
// same URL: that guard lives at the dispatch boundary via the
// InFlightRegistry, so a caller can choose to await a running save instead
// of starting another.
type Coordinator struct {
	store     *Store
	clients   map[BackendID]BackendClient
	directory *ProjectDirectory
	capture   CaptureProvider
	notifier  Notifier
	now       func() time.Time
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	clients := map[BackendID]BackendClient{}
	for _, client := range opts.Clients {
		if client == nil {
			continue
		}
		clients[client.Backend()] = client
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:     opts.Store,
		clients:   clients,
		directory: opts.Directory,
		capture:   opts.Capture,
		notifier:  notifier,
		now:       now,
	}
}

// Client returns the configured client for a backend.
func (c *Coordinator) Client(backend BackendID) (BackendClient, bool) {
	client, ok := c.clients[backend]
	return client, ok
}

// AnnotationClient returns the backend that holds annotations.
func (c *Coordinator) AnnotationClient() (BackendClient, bool) {
	for _, client := range c.clients {
		if client.SupportsAnnotations() {
			return client, true
		}
	}
	return nil, false
}

func (c *Coordinator) SavePage(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	pageURL := NormalizeURL(req.URL)
	if pageURL == "" || IsInternalURL(pageURL) {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidInput, req.URL)
	}
	title := req.Title
	if title == "" {
		title = pageURL
	}

	result := &SaveResult{URL: pageURL, Title: title}

	targets, unknown := c.resolveTargets(req.Projects)
	for _, id := range unknown {
		result.Targets = append(result.Targets, TargetResult{
			ProjectIDs: []string{id},
			Error:      fmt.Sprintf("%v: %s (resync the project directory)", ErrProjectNotFound, id),
		})
	}
	if len(targets) == 0 {
		if len(unknown) > 0 {
			return result, fmt.Errorf("%w: no resolvable targets", ErrProjectNotFound)
		}
		return nil, fmt.Errorf("%w: no targets", ErrInvalidInput)
	}

	content := req.PrecapturedHTML
	if content == "" && c.capture != nil {
		captured, err := c.capture.CapturePageHTML(ctx, pageURL, req.TabID)
		if err != nil {
			result.CaptureError = err.Error()
		} else {
			content = captured
		}
	}
	if content == "" && result.CaptureError == "" {
		result.CaptureError = ErrCaptureUnavailable.Error()
	}

	backends := make([]BackendID, 0, len(targets))
	for backend := range targets {
		backends = append(backends, backend)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })

	var firstErr error
	for _, backend := range backends {
		target := c.saveToTarget(ctx, backend, targets[backend], pageURL, title, content)
		result.Targets = append(result.Targets, target)
		if target.Error != "" && firstErr == nil {
			firstErr = fmt.Errorf("save to %s failed: %s", backend, target.Error)
		}
		if target.SnapshotSaved {
			result.SnapshotSaved = true
		}
	}

	if len(result.Succeeded()) == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: all targets failed", ErrRemoteCreateFailed)
		}
		return result, firstErr
	}
	c.notifier.Notify(NewEvent(EventPageSaved, result))
	return result, nil
}

// resolveTargets groups requested projects by owning backend. With no
// projects requested the save goes to the annotation-capable backend,
// unfiled.
func (c *Coordinator) resolveTargets(projectIDs []string) (map[BackendID][]string, []string) {
	if len(projectIDs) == 0 {
		if client, ok := c.AnnotationClient(); ok {
			return map[BackendID][]string{client.Backend(): nil}, nil
		}
		return map[BackendID][]string{}, nil
	}
	if c.directory == nil {
		return map[BackendID][]string{}, append([]string(nil), projectIDs...)
	}
	return c.directory.Resolve(projectIDs)
}

func (c *Coordinator) saveToTarget(ctx context.Context, backend BackendID, projects []string, pageURL, title, content string) TargetResult {
	target := TargetResult{Backend: backend, ProjectIDs: projects}
	client, ok := c.clients[backend]
	if !ok {
		target.Error = fmt.Sprintf("no client configured for backend %s", backend)
		return target
	}

	item, reused, err := c.resolveItem(ctx, client, pageURL, title, projects)
	if err != nil {
		target.Error = err.Error()
		return target
	}
	target.ItemKey = item.Key
	target.Reused = reused
	// The backend is authoritative about membership: record what it
	// confirmed, not what was requested.
	target.ConfirmedProjects = item.ConfirmedProjects

	snapshotSaved := false
	if content != "" {
		if err := c.attachSnapshot(ctx, client, item, pageURL, title, content); err != nil {
			target.Error = err.Error()
			return target
		}
		snapshotSaved = true
	}
	target.SnapshotSaved = snapshotSaved

	page := SavedPage{
		URL:           pageURL,
		Backend:       backend,
		ItemKey:       item.Key,
		Title:         title,
		Projects:      item.ConfirmedProjects,
		SnapshotSaved: snapshotSaved,
		Version:       item.Version,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.store.PutPage(page); err != nil {
		target.Error = fmt.Sprintf("persist saved page: %v", err)
	}
	return target
}

// resolveItem is the central dedup fallback: local cache first, re-fetched
// to tolerate out-of-band remote deletion; then remote search by URL; only
// then a create. Repeated saves of one URL converge on one remote item.
func (c *Coordinator) resolveItem(ctx context.Context, client BackendClient, pageURL, title string, projects []string) (*Item, bool, error) {
	for _, page := range c.store.PagesForBackend(pageURL, client.Backend()) {
		item, err := client.GetItem(ctx, page.ItemKey)
		if err == nil && item != nil {
			return item, true, nil
		}
		// Fetch failure means the cached key may be stale; fall through
		// to search rather than failing the save.
	}

	item, err := client.FindItemByURL(ctx, pageURL)
	if err != nil {
		return nil, false, fmt.Errorf("%w: search: %v", ErrRemoteCreateFailed, err)
	}
	if item != nil {
		return item, true, nil
	}

	item, err = client.CreateItem(ctx, pageURL, title, projects)
	if err != nil {
		return nil, false, err
	}
	return item, false, nil
}

func (c *Coordinator) attachSnapshot(ctx context.Context, client BackendClient, item *Item, pageURL, title, content string) error {
	data := []byte(content)
	hash := ContentHash(data)

	existing, err := client.ListChildSnapshots(ctx, item.Key)
	if err != nil {
		// Listing only feeds name collision avoidance; an empty list is
		// a safe fallback.
		existing = nil
	}
	used := map[string]struct{}{}
	for _, snap := range existing {
		used[snap.Title] = struct{}{}
	}
	name := snapshotName(used)

	attachment, err := client.CreateChildAttachment(ctx, item.Key, pageURL, name)
	if err != nil {
		return fmt.Errorf("%w: create attachment: %v", ErrUploadFailed, err)
	}
	if err := client.UploadBinary(ctx, attachment.Key, data, "snapshot.html", hash); err != nil {
		return err
	}
	return nil
}

// snapshotName numbers snapshots, skipping names already used among the
// item's existing snapshots.
func snapshotName(used map[string]struct{}) string {
	if _, taken := used["Snapshot"]; !taken {
		return "Snapshot"
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("Snapshot %d", i)
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
}

// RunGuardedSave is the register-or-await pattern every save caller uses:
// if a save for the URL is already in flight, await its outcome; otherwise
// register, run the pipeline, and release unconditionally. Once registered,
// a save is not cancellable: it persists its result regardless of what
// happens to the caller that started it.
func RunGuardedSave(ctx context.Context, registry *InFlightRegistry, coordinator *Coordinator, req SaveRequest) (*SaveResult, error) {
	pageURL := NormalizeURL(req.URL)
	handle, err := registry.Register(pageURL)
	if err != nil {
		outcome, awaitErr := handle.Await(ctx)
		if awaitErr != nil {
			return nil, awaitErr
		}
		return outcome.Result, outcome.Err
	}

	var (
		result  *SaveResult
		saveErr error
	)
	defer func() {
		registry.Release(pageURL, SaveOutcome{Result: result, Err: saveErr})
	}()
	// The registered save runs to completion even when the initiating
	// caller disconnects: other callers may be awaiting its outcome, so
	// only the Await path above honors cancellation.
	result, saveErr = coordinator.SavePage(context.WithoutCancel(ctx), req)
	return result, saveErr
}
