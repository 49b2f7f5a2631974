package resolver

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"smartlibrarian-backend/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	mu        sync.Mutex
	body      string
	err       error
	downloads atomic.Int32
}

func (s *countingStore) set(body string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body, s.err = body, err
}

func (s *countingStore) Upload(ctx context.Context, key string, data io.Reader) error {
	return errors.New("read-only")
}

func (s *countingStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	s.downloads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.body)), nil
}

func (s *countingStore) Delete(ctx context.Context, key string) error {
	return nil
}

func TestCatalogLoader_LoadsOnceUnderConcurrency(t *testing.T) {
	store := &countingStore{body: `{"Dune": "desert planet"}`}
	loader := NewCatalogLoader(store, "book_summaries_full.json", nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := loader.Catalog(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 1, c.Len())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), store.downloads.Load())
}

func TestCatalogLoader_MissingStoreIsConfigError(t *testing.T) {
	store := &countingStore{err: storage.ErrObjectNotFound}
	loader := NewCatalogLoader(store, "missing.json", nil)

	_, err := loader.Catalog(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCatalogConfig)
}

func TestCatalogLoader_EmptyStoreIsConfigError(t *testing.T) {
	loader := NewCatalogLoader(&countingStore{body: `{}`}, "empty.json", nil)

	_, err := loader.Catalog(context.Background())
	assert.ErrorIs(t, err, ErrCatalogConfig)
}

func TestCatalogLoader_FailedLoadIsNotCached(t *testing.T) {
	store := &countingStore{err: storage.ErrObjectNotFound}
	loader := NewCatalogLoader(store, "catalog.json", nil)

	_, err := loader.Catalog(context.Background())
	require.Error(t, err)

	store.set(`{"Dune": "desert"}`, nil)
	c, err := loader.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Dune"}, c.Titles())
}

func TestCatalogLoader_Reload(t *testing.T) {
	store := &countingStore{body: `{"Dune": "v1"}`}
	loader := NewCatalogLoader(store, "catalog.json", nil)

	_, err := loader.Catalog(context.Background())
	require.NoError(t, err)

	store.set(`{"Dune": "v2", "Emma": "e"}`, nil)
	c, err := loader.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	cached, err := loader.Catalog(context.Background())
	require.NoError(t, err)
	s, _ := cached.Summary("Dune")
	assert.Equal(t, "v2", s)
}

func TestCatalogLoader_FailedReloadKeepsSnapshot(t *testing.T) {
	store := &countingStore{body: `{"Dune": "v1"}`}
	loader := NewCatalogLoader(store, "catalog.json", nil)
	_, err := loader.Catalog(context.Background())
	require.NoError(t, err)

	store.set(`not json`, nil)
	_, err = loader.Reload(context.Background())
	require.ErrorIs(t, err, ErrCatalogConfig)

	c, err := loader.Catalog(context.Background())
	require.NoError(t, err)
	s, _ := c.Summary("Dune")
	assert.Equal(t, "v1", s)
}
