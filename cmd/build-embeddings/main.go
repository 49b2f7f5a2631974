package main

import (
	"os"
	"strconv"

	"smartlibrarian-backend/app"
	"smartlibrarian-backend/config"
	"smartlibrarian-backend/ingest"
	"smartlibrarian-backend/logging"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Must("info", "console").Fatal("Failed to load configuration", zap.Error(err))
	}

	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync() //nolint:errcheck

	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close()

	// Verify the target table is reachable before spending embedding quota
	before, err := a.Index.Count(ctx, cfg.Collection)
	if err != nil {
		logger.Fatal("Index not ready, run cmd/create-schema first", zap.Error(err))
	}
	logger.Info("Building embeddings",
		zap.String("data_file", cfg.DataFile),
		zap.String("collection", cfg.Collection),
		zap.String("index", a.IndexName),
		zap.Int("existing_documents", before),
	)

	manifest, err := a.Ingest(ctx,
		ingest.PipelineWithBatchSize(envInt("EMBED_BATCH_SIZE", ingest.DefaultBatchSize)),
		ingest.PipelineWithConcurrency(envInt("EMBED_CONCURRENCY", ingest.DefaultConcurrency)),
		ingest.PipelineWithRateLimit(envFloat("EMBED_REQUESTS_PER_SECOND", 2)),
	)
	if err != nil {
		logger.Fatal("Embedding build failed", zap.Error(err))
	}

	logger.Info("Embedding build complete",
		zap.String("collection", manifest.Collection),
		zap.Int("count", manifest.Count),
		zap.String("manifest", ingest.ManifestKey(manifest.Collection)),
	)
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
		return v
	}
	return fallback
}
