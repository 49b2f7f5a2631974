package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"smartlibrarian-backend/storage"

	"go.uber.org/zap"
)

// CatalogLoader loads the catalog from storage at most once and caches it for
// the life of the process. Reload replaces the snapshot explicitly.
type CatalogLoader struct {
	store  storage.Storage
	key    string
	logger *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[Catalog]
}

// NewCatalogLoader creates a loader for the JSON catalog stored under key
func NewCatalogLoader(store storage.Storage, key string, logger *zap.Logger) *CatalogLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogLoader{
		store:  store,
		key:    key,
		logger: logger,
	}
}

// Catalog returns the cached catalog, loading it on first use.
// A failed load is not cached.
func (l *CatalogLoader) Catalog(ctx context.Context) (*Catalog, error) {
	if c := l.current.Load(); c != nil {
		return c, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if c := l.current.Load(); c != nil {
		return c, nil
	}

	c, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	l.current.Store(c)
	return c, nil
}

// Reload reads the store again and swaps in the new snapshot.
// On failure the previous snapshot stays in place.
func (l *CatalogLoader) Reload(ctx context.Context) (*Catalog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	l.current.Store(c)
	return c, nil
}

func (l *CatalogLoader) load(ctx context.Context) (*Catalog, error) {
	rc, err := l.store.Download(ctx, l.key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: full summaries not found at %s", ErrCatalogConfig, l.key)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCatalogConfig, l.key, err)
	}
	defer rc.Close()

	c, err := ParseCatalog(rc)
	if err != nil {
		return nil, err
	}

	l.logger.Info("catalog loaded", zap.String("key", l.key), zap.Int("titles", c.Len()))
	return c, nil
}
