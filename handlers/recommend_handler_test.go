package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"smartlibrarian-backend/models"
	"smartlibrarian-backend/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	got    service.RunRequest
	result *models.ChainResult
	err    error
}

func (f *fakeChain) Run(_ context.Context, req service.RunRequest) (*models.ChainResult, error) {
	f.got = req
	return f.result, f.err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string  `json:"code"`
		Message string  `json:"message"`
		Score   float64 `json:"best_score"`
	} `json:"error"`
}

func init() {
	gin.SetMode(gin.TestMode)
}

func postRecommend(t *testing.T, chain ChainRunner, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	r := gin.New()
	r.POST("/api/recommend", NewRecommendHandler(chain, nil).Recommend)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/recommend", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func TestRecommend_Success(t *testing.T) {
	title := "Dune"
	score := 1.0
	chain := &fakeChain{result: &models.ChainResult{
		Content:        "Read Dune.",
		ChosenTitle:    &title,
		ToolMatchScore: &score,
		Retrieval:      []models.RetrievalView{{Title: "Dune", Distance: 0.12}},
	}}

	w, env := postRecommend(t, chain, `{"query":"desert politics","top_k":3,"model":"gpt-4o"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Equal(t, service.RunRequest{Query: "desert politics", TopK: 3, Model: "gpt-4o"}, chain.got)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "Dune", data["chosen_title"])
	assert.Nil(t, data["full_summary"])
	assert.Equal(t, 1.0, data["tool_match_score"])
	assert.Len(t, data["retrieval"], 1)
}

func TestRecommend_BadRequests(t *testing.T) {
	for _, body := range []string{`{}`, `{"query":"x","top_k":11}`, `not json`} {
		w, env := postRecommend(t, &fakeChain{}, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.False(t, env.Success)
		assert.Equal(t, "INVALID_REQUEST", env.Error.Code)
	}
}

func TestRecommend_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&service.ChainError{Stage: service.StageFirstTurn, Err: errors.New("503")}, http.StatusBadGateway, "MODEL_FAILED"},
		{&service.ChainError{Stage: service.StageTool, Err: errors.New("lookup")}, http.StatusBadGateway, "TOOL_FAILED"},
		{&service.ChainError{Stage: service.StageRetrieve, Err: errors.New("db")}, http.StatusBadGateway, "RETRIEVAL_FAILED"},
		{&service.ChainError{Stage: service.StageFinalTurn, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "TIMEOUT"},
		{service.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w, env := postRecommend(t, &fakeChain{err: tt.err}, `{"query":"q"}`)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}
