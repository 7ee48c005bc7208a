package refclip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Item is a remote backend item, the thing a SavedPage binds to.
type Item struct {
	Key               string
	Version           string
	Title             string
	ConfirmedProjects []string
}

// Snapshot is a child attachment holding captured page content.
type Snapshot struct {
	Key     string
	Title   string
	URL     string
	AddedAt time.Time
}

type Attachment struct {
	Key     string
	Version string
}

// Collection is a remote collection or incident a page can be filed under.
type Collection struct {
	ID         string
	Name       string
	ParentID   string
	ItemCount  int
	Version    string
	ModifiedAt string
}

// BackendClient is the closed capability contract both remote systems
// implement. The Save Coordinator iterates resolved clients instead of
// branching on backend names.
type BackendClient interface {
	Backend() BackendID

	// SupportsAnnotations reports whether the backend can hold highlight
	// annotations. Only the bibliographic backend does.
	SupportsAnnotations() bool

	// FindItemByURL searches the backend for an item bound to url.
	// Returns (nil, nil) when nothing matches.
	FindItemByURL(ctx context.Context, url string) (*Item, error)

	CreateItem(ctx context.Context, url, title string, projects []string) (*Item, error)

	// GetItem fails with ErrItemNotFound when the item was deleted remotely.
	GetItem(ctx context.Context, key string) (*Item, error)

	// ListChildSnapshots returns snapshots newest-first.
	ListChildSnapshots(ctx context.Context, itemKey string) ([]Snapshot, error)

	CreateChildAttachment(ctx context.Context, itemKey, url, title string) (*Attachment, error)

	// UploadBinary is idempotent keyed by contentHash; a server-side
	// "already exists" reply counts as success.
	UploadBinary(ctx context.Context, attachmentKey string, data []byte, filename, contentHash string) error

	CreateAnnotationComment(ctx context.Context, parentKey, text, comment string, color HighlightColor, position Position) (string, error)

	ListCollections(ctx context.Context) ([]Collection, error)
}

// AccessTokenProvider supplies the current auth token; token refresh is an
// external capability.
type AccessTokenProvider func(ctx context.Context) (string, error)

func StaticToken(token string) AccessTokenProvider {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

// ContentHash is the dedup key the remote upload protocols use.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HTTPError carries the remote status for error-taxonomy decisions.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoffDelay(base, max time.Duration, attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > max {
			return max
		}
		return retryAfter
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
