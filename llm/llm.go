// Package llm adapts language-model chat and embedding services.
package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"smartlibrarian-backend/models"
	"smartlibrarian-backend/retry"

	"go.uber.org/zap"
)

var (
	// ErrEmptyInput is returned by Embed when no texts are given
	ErrEmptyInput = errors.New("texts must be a non-empty list of strings")

	// ErrNoChoices is returned when the service answers without a message
	ErrNoChoices = errors.New("model returned no choices")
)

// ChatRequest is one chat completion call
type ChatRequest struct {
	Messages    []models.Message
	Tools       []models.ToolDeclaration
	Model       string   // optional override
	Temperature *float32 // optional override
}

// ChatResponse is the assistant message and why generation stopped
type ChatResponse struct {
	Message      models.Message
	FinishReason string
}

// ChatClient is the language-model chat capability
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Embedder is the embedding capability: one vector per input, order preserved
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// classifyStatus marks HTTP statuses worth retrying.
// 400/401/403 and other client errors are permanent.
func classifyStatus(code int, err error) error {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return retry.Transient(err)
	default:
		return err
	}
}

type retryingChat struct {
	next   ChatClient
	policy retry.Policy
}

// WithChatRetry wraps a chat client in the retry policy
func WithChatRetry(next ChatClient, policy retry.Policy, logger *zap.Logger) ChatClient {
	return &retryingChat{next: next, policy: withRetryLogging(policy, logger, "chat")}
}

func (c *retryingChat) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (*ChatResponse, error) {
		return c.next.Chat(ctx, req)
	})
}

type retryingEmbedder struct {
	next   Embedder
	policy retry.Policy
}

// WithEmbedRetry wraps an embedder in the retry policy
func WithEmbedRetry(next Embedder, policy retry.Policy, logger *zap.Logger) Embedder {
	return &retryingEmbedder{next: next, policy: withRetryLogging(policy, logger, "embed")}
}

func (e *retryingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	return retry.DoValue(ctx, e.policy, func(ctx context.Context) ([][]float32, error) {
		return e.next.Embed(ctx, texts)
	})
}

func withRetryLogging(policy retry.Policy, logger *zap.Logger, op string) retry.Policy {
	if logger == nil || policy.OnRetry != nil {
		return policy
	}
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("retrying language model call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	return policy
}
