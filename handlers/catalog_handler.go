package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"smartlibrarian-backend/ingest"
	"smartlibrarian-backend/resolver"
	"smartlibrarian-backend/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CatalogReloader swaps in a freshly loaded catalog
type CatalogReloader interface {
	Reload(ctx context.Context) (*resolver.Catalog, error)
}

// TitleResolver resolves a title against the catalog
type TitleResolver interface {
	Resolve(ctx context.Context, title string) (*resolver.Resolution, error)
}

// CatalogHandler handles HTTP requests for the catalog and the index manifest
type CatalogHandler struct {
	loader     CatalogReloader
	titles     TitleResolver
	store      storage.Storage
	collection string
	logger     *zap.Logger
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(
	loader CatalogReloader,
	titles TitleResolver,
	store storage.Storage,
	collection string,
	logger *zap.Logger,
) *CatalogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogHandler{
		loader:     loader,
		titles:     titles,
		store:      store,
		collection: collection,
		logger:     logger,
	}
}

// Reload handles POST /api/catalog/reload
func (h *CatalogHandler) Reload(c *gin.Context) {
	catalog, err := h.loader.Reload(c.Request.Context())
	if err != nil {
		h.logger.Error("catalog reload failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "CATALOG_UNAVAILABLE",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"entries": catalog.Len(),
		},
	})
}

// Resolve handles GET /api/catalog/resolve?title=
func (h *CatalogHandler) Resolve(c *gin.Context) {
	title := c.Query("title")
	if strings.TrimSpace(title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_REQUEST",
				"message": "title query parameter is required",
			},
		})
		return
	}

	res, err := h.titles.Resolve(c.Request.Context(), title)
	if err != nil {
		var notFound *resolver.NotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error": gin.H{
					"code":       "TITLE_NOT_FOUND",
					"message":    err.Error(),
					"best_score": notFound.BestScore,
				},
			})
			return
		}
		h.logger.Error("title resolution failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "CATALOG_UNAVAILABLE",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"title":   res.Title,
			"summary": res.Summary,
			"score":   res.Score,
		},
	})
}

// Manifest handles GET /api/manifest
func (h *CatalogHandler) Manifest(c *gin.Context) {
	manifest, err := ingest.ReadManifest(c.Request.Context(), h.store, h.collection)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "NOT_FOUND",
					"message": "Manifest not found, run build-embeddings first",
				},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "MANIFEST_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    manifest,
	})
}
