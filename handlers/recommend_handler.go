package handlers

import (
	"context"
	"errors"
	"net/http"

	"smartlibrarian-backend/models"
	"smartlibrarian-backend/resolver"
	"smartlibrarian-backend/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ChainRunner runs one recommendation
type ChainRunner interface {
	Run(ctx context.Context, req service.RunRequest) (*models.ChainResult, error)
}

// RecommendHandler handles HTTP requests for recommendations
type RecommendHandler struct {
	chain  ChainRunner
	logger *zap.Logger
}

// NewRecommendHandler creates a new recommend handler
func NewRecommendHandler(chain ChainRunner, logger *zap.Logger) *RecommendHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecommendHandler{chain: chain, logger: logger}
}

// RecommendRequest represents the request body for a recommendation
type RecommendRequest struct {
	Query string `json:"query" binding:"required"`
	TopK  int    `json:"top_k" binding:"omitempty,min=1,max=10"`
	Model string `json:"model"`
}

// Recommend handles POST /api/recommend
func (h *RecommendHandler) Recommend(c *gin.Context) {
	var req RecommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_REQUEST",
				"message": err.Error(),
			},
		})
		return
	}

	result, err := h.chain.Run(c.Request.Context(), service.RunRequest{
		Query: req.Query,
		TopK:  req.TopK,
		Model: req.Model,
	})
	if err != nil {
		status, code := classifyChainError(err)
		h.logger.Error("recommendation failed", zap.String("code", code), zap.Error(err))
		c.JSON(status, gin.H{
			"success": false,
			"error": gin.H{
				"code":    code,
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}

func classifyChainError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, resolver.ErrCatalogConfig):
		return http.StatusServiceUnavailable, "CATALOG_UNAVAILABLE"
	case errors.Is(err, service.ErrChainExecution):
		var chainErr *service.ChainError
		if errors.As(err, &chainErr) {
			switch chainErr.Stage {
			case service.StageTool:
				return http.StatusBadGateway, "TOOL_FAILED"
			case service.StageRetrieve:
				return http.StatusBadGateway, "RETRIEVAL_FAILED"
			}
		}
		return http.StatusBadGateway, "MODEL_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
