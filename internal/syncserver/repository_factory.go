package syncserver

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type RepositoryFactory func(dsn string, registry *Registry) (Repository, error)

var repositoryFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RepositoryFactory
}{
	factories: map[string]RepositoryFactory{},
}

func RegisterRepositoryFactory(scheme string, factory RepositoryFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	repositoryFactoryRegistry.mu.Lock()
	defer repositoryFactoryRegistry.mu.Unlock()
	repositoryFactoryRegistry.factories[scheme] = factory
}

func lookupRepositoryFactory(scheme string) (RepositoryFactory, bool) {
	scheme = normalizeScheme(scheme)
	repositoryFactoryRegistry.mu.RLock()
	defer repositoryFactoryRegistry.mu.RUnlock()
	factory, ok := repositoryFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildRepositoryFromDSN opens the entity store. An empty DSN yields an
// in-memory repository.
func BuildRepositoryFromDSN(dsn string, registry *Registry) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRepository(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupRepositoryFactory(scheme); ok {
		return factory(dsn, registry)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryRepository(), nil
	case "postgres", "postgresql":
		return NewPostgresRepository(dsn, registry)
	case "sqlite", "sqlite3", "file", "":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteRepository(path, registry)
	case "mysql":
		return nil, fmt.Errorf("%w: repository backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported repository scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
