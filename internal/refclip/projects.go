package refclip

import (
	"context"
	"fmt"
)

// ProjectDirectory resolves project ids to their owning backend from the
// locally cached directory and refreshes that cache from the backends.
type ProjectDirectory struct {
	store    *Store
	clients  []BackendClient
	notifier Notifier
}

func NewProjectDirectory(store *Store, clients []BackendClient, notifier Notifier) *ProjectDirectory {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ProjectDirectory{store: store, clients: clients, notifier: notifier}
}

// Resync replaces the cached directory per backend with what each backend
// reports. A backend that fails to list leaves its cached entries alone so a
// flaky network cannot wipe the directory.
func (d *ProjectDirectory) Resync(ctx context.Context) error {
	var firstErr error
	for _, client := range d.clients {
		collections, err := client.ListCollections(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("resync %s: %w", client.Backend(), err)
			}
			continue
		}
		projects := make([]Project, 0, len(collections))
		for _, c := range collections {
			projects = append(projects, Project{
				ID:         c.ID,
				Backend:    client.Backend(),
				Name:       c.Name,
				ParentID:   c.ParentID,
				ItemCount:  c.ItemCount,
				Version:    c.Version,
				ModifiedAt: c.ModifiedAt,
			})
		}
		if err := d.store.ReplaceProjects(client.Backend(), projects); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.notifier.Notify(NewEvent(EventProjectsRefreshed, nil))
	return firstErr
}

// Resolve groups the requested project ids by owning backend. Ids missing
// from the directory come back in unknown; the caller fails those targets
// with ErrProjectNotFound and the user triggers a resync.
func (d *ProjectDirectory) Resolve(projectIDs []string) (map[BackendID][]string, []string) {
	resolved := map[BackendID][]string{}
	var unknown []string
	for _, id := range projectIDs {
		if id == "" {
			continue
		}
		project, ok := d.store.ProjectByID(id)
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		resolved[project.Backend] = append(resolved[project.Backend], id)
	}
	return resolved, unknown
}
