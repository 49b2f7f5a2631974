// Package app wires configuration into the services the binaries run.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"smartlibrarian-backend/config"
	"smartlibrarian-backend/ingest"
	"smartlibrarian-backend/llm"
	"smartlibrarian-backend/repository"
	"smartlibrarian-backend/resolver"
	"smartlibrarian-backend/service"
	"smartlibrarian-backend/storage"
	"smartlibrarian-backend/tools"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Provider is a language model backend offering both chat and embeddings
type Provider interface {
	llm.ChatClient
	llm.Embedder
}

// App holds the wired components
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store     storage.Storage
	Chat      llm.ChatClient
	Embedder  llm.Embedder
	Index     repository.Index
	IndexName string

	Catalog    *resolver.CatalogLoader
	Resolver   *resolver.Resolver
	Dispatcher *tools.Dispatcher
	Retrieval  *service.RetrievalService
	Chain      *service.ChainService
	Metrics    *service.Metrics

	closers []func()
}

// New builds every component from cfg. reg may be nil to skip metrics.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Store = store

	provider, err := a.initProvider(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Chat = llm.WithChatRetry(provider, cfg.Retry, logger)
	a.Embedder = llm.WithEmbedRetry(provider, cfg.Retry, logger)

	if err := a.initIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Catalog = resolver.NewCatalogLoader(store, cfg.CatalogPath, logger)
	a.Resolver = resolver.NewResolver(a.Catalog)
	a.Dispatcher = tools.NewDispatcher(a.Resolver)

	a.Retrieval = service.NewRetrievalService(
		service.RetrievalWithEmbedder(a.Embedder),
		service.RetrievalWithIndex(a.Index),
		service.RetrievalWithCollection(cfg.Collection),
		service.RetrievalWithRetryPolicy(cfg.Retry),
		service.RetrievalWithLogger(logger),
	)

	if reg != nil {
		a.Metrics = service.NewMetrics(reg)
	}
	a.Chain = service.NewChainService(
		service.ChainWithRetriever(a.Retrieval),
		service.ChainWithChatClient(a.Chat),
		service.ChainWithDispatcher(a.Dispatcher),
		service.ChainWithTopK(cfg.TopK),
		service.ChainWithTemperature(cfg.Temperature),
		service.ChainWithMetrics(a.Metrics),
		service.ChainWithLogger(logger),
	)
	return a, nil
}

func (a *App) initProvider(ctx context.Context) (Provider, error) {
	cfg := a.Config
	switch cfg.Provider {
	case config.ProviderOpenAI:
		a.Logger.Info("using OpenAI-compatible provider", zap.String("chat_model", cfg.OpenAIChatModel))
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			ChatModel:      cfg.OpenAIChatModel,
			EmbeddingModel: cfg.OpenAIEmbeddingModel,
			Temperature:    cfg.Temperature,
		}), nil
	case config.ProviderGemini:
		client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:         cfg.GeminiAPIKey,
			ChatModel:      cfg.GeminiChatModel,
			EmbeddingModel: cfg.GeminiEmbeddingModel,
			Temperature:    cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.Logger.Info("Gemini client initialized", zap.String("chat_model", cfg.GeminiChatModel))
		return client, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", config.ErrInvalidConfig, cfg.Provider)
	}
}

func (a *App) initIndex(ctx context.Context) error {
	switch a.Config.VectorBackend {
	case config.VectorBackendMemory:
		a.Index = repository.NewMemoryIndex()
		a.IndexName = string(config.VectorBackendMemory)
		return nil
	case config.VectorBackendPgvector:
		pool, err := initPostgres(ctx, a.Config.DatabaseURL, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.Index = repository.NewCatalogDocumentRepository(pool)
		a.IndexName = string(config.VectorBackendPgvector)
		return nil
	default:
		return fmt.Errorf("%w: unknown vector backend %q", config.ErrInvalidConfig, a.Config.VectorBackend)
	}
}

func initPostgres(ctx context.Context, connString string, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		logger.Warn("failed to create pgvector extension, it may already exist or need superuser", zap.Error(err))
	}
	logger.Info("Postgres connection established with pgvector support")
	return pool, nil
}

// Ingest runs the ingest pipeline over the configured data file
func (a *App) Ingest(ctx context.Context, opts ...ingest.PipelineOption) (*ingest.Manifest, error) {
	rc, err := a.Store.Download(ctx, a.Config.DataFile)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("data file not found: %s", a.Config.DataFile)
		}
		return nil, err
	}
	defer rc.Close()

	base := []ingest.PipelineOption{
		ingest.PipelineWithEmbedder(a.Embedder),
		ingest.PipelineWithIndex(a.Index, a.IndexName),
		ingest.PipelineWithStorage(a.Store),
		ingest.PipelineWithCollection(a.Config.Collection),
		ingest.PipelineWithLogger(a.Logger),
	}
	return ingest.NewPipeline(append(base, opts...)...).Run(ctx, a.Config.DataFile, rc)
}

// EnsureIndexed seeds an empty in-memory index, since it does not survive restarts
func (a *App) EnsureIndexed(ctx context.Context) error {
	if a.Config.VectorBackend != config.VectorBackendMemory {
		return nil
	}
	n, err := a.Index.Count(ctx, a.Config.Collection)
	if err != nil || n > 0 {
		return err
	}
	m, err := a.Ingest(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed in-memory index: %w", err)
	}
	a.Logger.Info("seeded in-memory index", zap.Int("count", m.Count))
	return nil
}

// Close releases connections in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// SignalContext is cancelled on SIGINT or SIGTERM
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
