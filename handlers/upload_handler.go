package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"smartlibrarian-backend/ingest"
	"smartlibrarian-backend/resolver"
	"smartlibrarian-backend/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Ingester rebuilds the index from the stored summaries file
type Ingester interface {
	Ingest(ctx context.Context, opts ...ingest.PipelineOption) (*ingest.Manifest, error)
}

// UploadHandler handles HTTP uploads of the catalog and the summaries file
type UploadHandler struct {
	store       storage.Storage
	loader      CatalogReloader
	ingester    Ingester
	catalogKey  string
	dataFileKey string
	maxFileSize int64
	logger      *zap.Logger
}

// NewUploadHandler creates a new upload handler. ingester may be nil to only store the summaries file.
func NewUploadHandler(
	store storage.Storage,
	loader CatalogReloader,
	ingester Ingester,
	catalogKey, dataFileKey string,
	logger *zap.Logger,
) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{
		store:       store,
		loader:      loader,
		ingester:    ingester,
		catalogKey:  catalogKey,
		dataFileKey: dataFileKey,
		maxFileSize: 10 * 1024 * 1024, // 10MB
		logger:      logger,
	}
}

// UploadCatalog handles POST /api/catalog/upload (multipart field "file", a title -> summary JSON object)
func (h *UploadHandler) UploadCatalog(c *gin.Context) {
	data, ok := h.readFile(c, ".json")
	if !ok {
		return
	}

	// Reject a bad catalog before it replaces the good one
	catalog, err := resolver.ParseCatalog(bytes.NewReader(data))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_CATALOG",
				"message": err.Error(),
			},
		})
		return
	}

	rollback, ok := h.replace(c, h.catalogKey, data)
	if !ok {
		return
	}

	if _, err := h.loader.Reload(c.Request.Context()); err != nil {
		h.logger.Error("catalog reload after upload failed", zap.Error(err))
		rollback()
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "CATALOG_UNAVAILABLE",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"key":     h.catalogKey,
			"entries": catalog.Len(),
		},
	})
}

// UploadSummaries handles POST /api/summaries/upload (multipart field "file", the markdown summaries)
func (h *UploadHandler) UploadSummaries(c *gin.Context) {
	data, ok := h.readFile(c, ".md", ".txt")
	if !ok {
		return
	}

	entries, err := ingest.Parse(bytes.NewReader(data))
	if err != nil || len(entries) < ingest.MinEntries {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_SUMMARIES",
				"message": fmt.Sprintf("Expected at least %d book entries, found %d", ingest.MinEntries, len(entries)),
			},
		})
		return
	}

	rollback, ok := h.replace(c, h.dataFileKey, data)
	if !ok {
		return
	}

	result := gin.H{
		"key":     h.dataFileKey,
		"entries": len(entries),
	}
	if h.ingester != nil {
		manifest, err := h.ingester.Ingest(c.Request.Context())
		if err != nil {
			h.logger.Error("ingest after upload failed", zap.Error(err))
			rollback()
			c.JSON(http.StatusBadGateway, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "INGEST_FAILED",
					"message": err.Error(),
				},
			})
			return
		}
		result["manifest"] = manifest
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    result,
	})
}

// replace stores data under key and returns a func that puts back what was
// there before, deleting the key when it did not exist
func (h *UploadHandler) replace(c *gin.Context, key string, data []byte) (func(), bool) {
	ctx := c.Request.Context()

	previous, err := h.read(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "UPLOAD_FAILED",
				"message": fmt.Sprintf("Failed to read current file: %v", err),
			},
		})
		return nil, false
	}

	if err := h.store.Upload(ctx, key, bytes.NewReader(data)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "UPLOAD_FAILED",
				"message": fmt.Sprintf("Failed to upload file: %v", err),
			},
		})
		return nil, false
	}

	rollback := func() {
		// The request context may already be cancelled
		ctx := context.WithoutCancel(ctx)
		var err error
		if previous == nil {
			err = h.store.Delete(ctx, key)
		} else {
			err = h.store.Upload(ctx, key, bytes.NewReader(previous))
		}
		if err != nil {
			h.logger.Error("failed to roll back upload", zap.String("key", key), zap.Error(err))
		}
	}
	return rollback, true
}

func (h *UploadHandler) read(ctx context.Context, key string) ([]byte, error) {
	rc, err := h.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// readFile reads the "file" form field, enforcing size and extension
func (h *UploadHandler) readFile(c *gin.Context, allowedExt ...string) ([]byte, bool) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "MISSING_FILE",
				"message": "File is required",
			},
		})
		return nil, false
	}

	// Validate file size
	if fileHeader.Size > h.maxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_TOO_LARGE",
				"message": fmt.Sprintf("File size exceeds maximum of %d bytes", h.maxFileSize),
			},
		})
		return nil, false
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	allowed := false
	for _, a := range allowedExt {
		if ext == a {
			allowed = true
			break
		}
	}
	if !allowed {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_FILE_TYPE",
				"message": fmt.Sprintf("File type not allowed. Allowed types: %s", strings.Join(allowedExt, ", ")),
			},
		})
		return nil, false
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_OPEN_ERROR",
				"message": err.Error(),
			},
		})
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxFileSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_READ_ERROR",
				"message": err.Error(),
			},
		})
		return nil, false
	}
	return data, true
}
