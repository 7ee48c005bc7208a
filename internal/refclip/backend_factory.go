package refclip

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StoreBackendFactory func(dsn string) (StoreBackend, error)

var storeBackendFactories = struct {
	mu        sync.RWMutex
	factories map[string]StoreBackendFactory
}{
	factories: map[string]StoreBackendFactory{},
}

// RegisterStoreBackendFactory lets callers hook additional persistence
// schemes into BuildStoreBackendFromDSN.
func RegisterStoreBackendFactory(scheme string, factory StoreBackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeBackendFactories.mu.Lock()
	defer storeBackendFactories.mu.Unlock()
	storeBackendFactories.factories[scheme] = factory
}

func lookupStoreBackendFactory(scheme string) (StoreBackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeBackendFactories.mu.RLock()
	defer storeBackendFactories.mu.RUnlock()
	factory, ok := storeBackendFactories.factories[scheme]
	return factory, ok
}

// BuildStoreBackendFromDSN picks a persistence backend by DSN scheme:
// bare paths and file:// mean the JSON file backend, memory:// an in-memory
// backend, postgres:// and sqlite:// the database backends.
func BuildStoreBackendFromDSN(dsn string) (StoreBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStoreBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStoreBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStoreBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStoreBackend(dsn)
	case "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStoreBackend(path)
	default:
		return nil, fmt.Errorf("unsupported store backend scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Opaque
	if path == "" {
		path = parsed.Path
		if parsed.Host != "" {
			path = parsed.Host + path
		}
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: dsn %q has no path", ErrInvalidInput, raw)
	}
	return path, nil
}
