package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"smartlibrarian-backend/llm"
	"smartlibrarian-backend/models"
	"smartlibrarian-backend/repository"
	"smartlibrarian-backend/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultBatchSize   = 64
	DefaultConcurrency = 4
)

// Manifest records what an ingest run wrote
type Manifest struct {
	Collection string `json:"collection"`
	Count      int    `json:"count"`
	DataFile   string `json:"data_file"`
	Index      string `json:"index"`
}

// ManifestKey is the storage key of a collection's manifest
func ManifestKey(collection string) string {
	return collection + "_manifest.json"
}

// Pipeline parses, embeds and upserts book summaries
type Pipeline struct {
	embedder    llm.Embedder
	index       repository.Index
	store       storage.Storage
	indexName   string
	collection  string
	batchSize   int
	concurrency int
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// PipelineOption is a functional option for Pipeline
type PipelineOption func(*Pipeline)

// PipelineWithEmbedder sets the embedding capability
func PipelineWithEmbedder(e llm.Embedder) PipelineOption {
	return func(p *Pipeline) { p.embedder = e }
}

// PipelineWithIndex sets the target index and the name recorded in the manifest
func PipelineWithIndex(idx repository.Index, name string) PipelineOption {
	return func(p *Pipeline) {
		p.index = idx
		p.indexName = name
	}
}

// PipelineWithStorage sets where the manifest is written
func PipelineWithStorage(s storage.Storage) PipelineOption {
	return func(p *Pipeline) { p.store = s }
}

// PipelineWithCollection sets the target collection
func PipelineWithCollection(name string) PipelineOption {
	return func(p *Pipeline) { p.collection = name }
}

// PipelineWithBatchSize sets how many texts go in one embedding request
func PipelineWithBatchSize(n int) PipelineOption {
	return func(p *Pipeline) { p.batchSize = n }
}

// PipelineWithConcurrency sets how many embedding requests run at once
func PipelineWithConcurrency(n int) PipelineOption {
	return func(p *Pipeline) { p.concurrency = n }
}

// PipelineWithRateLimit caps embedding requests per second
func PipelineWithRateLimit(perSecond float64) PipelineOption {
	return func(p *Pipeline) { p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// PipelineWithLogger sets the logger
func PipelineWithLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates an ingest pipeline with the given options
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		collection:  repository.DefaultCollection,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultConcurrency
	}
	return p
}

// Run ingests the summaries file read from r. dataFile names it in metadata and the manifest.
func (p *Pipeline) Run(ctx context.Context, dataFile string, r io.Reader) (*Manifest, error) {
	entries, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if len(entries) < MinEntries {
		return nil, fmt.Errorf("%w: expected at least %d, found %d", ErrTooFewEntries, MinEntries, len(entries))
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = BuildDocument(e)
	}

	vectors, err := p.embedAll(ctx, texts)
	if err != nil {
		return nil, err
	}

	source := filepath.Base(dataFile)
	docs := make([]models.CatalogDocument, len(entries))
	for i, e := range entries {
		docs[i] = models.CatalogDocument{
			ID:         Slugify(e.Title),
			Collection: p.collection,
			Document:   texts[i],
			Title:      e.Title,
			Themes:     e.ThemesString(),
			Source:     source,
			Embedding:  vectors[i],
		}
	}

	if err := p.index.Upsert(ctx, docs); err != nil {
		return nil, fmt.Errorf("failed to upsert documents: %w", err)
	}
	p.logger.Info("upserted documents",
		zap.Int("count", len(docs)),
		zap.String("collection", p.collection),
	)

	manifest := &Manifest{
		Collection: p.collection,
		Count:      len(entries),
		DataFile:   dataFile,
		Index:      p.indexName,
	}
	p.writeManifest(ctx, manifest)
	return manifest, nil
}

// embedAll embeds texts in batches, concurrently, keeping input order
func (p *Pipeline) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for start := 0; start < len(texts); start += p.batchSize {
		end := min(start+p.batchSize, len(texts))
		g.Go(func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
			out, err := p.embedder.Embed(ctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("failed to embed batch %d-%d: %w", start, end, err)
			}
			if len(out) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(out), end-start)
			}
			copy(vectors[start:end], out)
			p.logger.Debug("embedded batch", zap.Int("start", start), zap.Int("end", end))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// writeManifest is best effort; a failed write is logged and skipped
func (p *Pipeline) writeManifest(ctx context.Context, m *Manifest) {
	if p.store == nil {
		return
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		p.logger.Warn("manifest write skipped", zap.Error(err))
		return
	}
	key := ManifestKey(m.Collection)
	if err := p.store.Upload(ctx, key, bytes.NewReader(data)); err != nil {
		p.logger.Warn("manifest write skipped", zap.String("key", key), zap.Error(err))
		return
	}
	p.logger.Info("wrote manifest", zap.String("key", key))
}

// ReadManifest loads a collection's manifest from storage
func ReadManifest(ctx context.Context, store storage.Storage, collection string) (*Manifest, error) {
	rc, err := store.Download(ctx, ManifestKey(collection))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}
