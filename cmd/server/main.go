package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"smartlibrarian-backend/app"
	"smartlibrarian-backend/config"
	"smartlibrarian-backend/handlers"
	"smartlibrarian-backend/logging"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close()

	if err := a.EnsureIndexed(ctx); err != nil {
		logger.Fatal("Failed to prepare index", zap.Error(err))
	}

	// Warm the catalog. A missing one is logged and can be fixed by upload or reload
	if _, err := a.Catalog.Catalog(ctx); err != nil {
		logger.Warn("Catalog not loaded, tool lookups will fail until reload", zap.Error(err))
	}

	recommendHandler := handlers.NewRecommendHandler(a.Chain, logger)
	catalogHandler := handlers.NewCatalogHandler(a.Catalog, a.Resolver, a.Store, cfg.Collection, logger)
	uploadHandler := handlers.NewUploadHandler(a.Store, a.Catalog, a, cfg.CatalogPath, cfg.DataFile, logger)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// API routes
	api := r.Group("/api")
	{
		api.POST("/recommend", recommendHandler.Recommend)

		api.POST("/catalog/reload", catalogHandler.Reload)
		api.GET("/catalog/resolve", catalogHandler.Resolve)
		api.POST("/catalog/upload", uploadHandler.UploadCatalog)
		api.POST("/summaries/upload", uploadHandler.UploadSummaries)

		api.GET("/manifest", catalogHandler.Manifest)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Server starting", zap.String("port", cfg.Port), zap.String("provider", string(cfg.Provider)))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
	logger.Info("Server stopped")
}
