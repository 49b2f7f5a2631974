package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"smartlibrarian-backend/llm"
	"smartlibrarian-backend/models"
	"smartlibrarian-backend/repository"
	"smartlibrarian-backend/retry"

	"go.uber.org/zap"
)

const (
	// ShortSummaryLimit is the rune cap for a context block summary
	ShortSummaryLimit = 800

	summaryMarker = "Summary:"
	themesMarker  = "Themes:"
	ellipsis      = "…"
)

var (
	ErrEmbeddingFailed = errors.New("failed to generate query embedding")
	ErrIndexMismatch   = errors.New("index returned sequences of unequal length")
)

// RetrievalService embeds queries and fetches nearest catalog documents
type RetrievalService struct {
	embedder   llm.Embedder
	index      repository.Index
	collection string
	policy     retry.Policy
	logger     *zap.Logger
}

// RetrievalServiceOption is a functional option for RetrievalService
type RetrievalServiceOption func(*RetrievalService)

// RetrievalWithEmbedder sets the embedding capability
func RetrievalWithEmbedder(e llm.Embedder) RetrievalServiceOption {
	return func(s *RetrievalService) {
		s.embedder = e
	}
}

// RetrievalWithIndex sets the similarity index
func RetrievalWithIndex(idx repository.Index) RetrievalServiceOption {
	return func(s *RetrievalService) {
		s.index = idx
	}
}

// RetrievalWithCollection sets the index collection to query
func RetrievalWithCollection(name string) RetrievalServiceOption {
	return func(s *RetrievalService) {
		s.collection = name
	}
}

// RetrievalWithRetryPolicy sets the retry policy for index queries
func RetrievalWithRetryPolicy(p retry.Policy) RetrievalServiceOption {
	return func(s *RetrievalService) {
		s.policy = p
	}
}

// RetrievalWithLogger sets the logger
func RetrievalWithLogger(l *zap.Logger) RetrievalServiceOption {
	return func(s *RetrievalService) {
		s.logger = l
	}
}

// NewRetrievalService creates a retrieval service with the given options
func NewRetrievalService(opts ...RetrievalServiceOption) *RetrievalService {
	s := &RetrievalService{
		collection: repository.DefaultCollection,
		policy:     retry.Default(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retrieve returns up to topK items in index order (ascending distance).
// No matches is an empty slice, not an error.
func (s *RetrievalService) Retrieve(ctx context.Context, query string, topK int) ([]models.RetrievedItem, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: expected 1 vector, got %d", ErrEmbeddingFailed, len(vectors))
	}

	res, err := retry.DoValue(ctx, s.queryPolicy(), func(ctx context.Context) (*repository.QueryResult, error) {
		return s.index.Nearest(ctx, s.collection, vectors[0], topK)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}

	items, err := zipResult(res)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("retrieved catalog documents",
		zap.String("collection", s.collection),
		zap.Int("top_k", topK),
		zap.Int("hits", len(items)),
	)
	return items, nil
}

func (s *RetrievalService) queryPolicy() retry.Policy {
	p := s.policy
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, delay time.Duration, err error) {
			s.logger.Warn("retrying index query",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}
	}
	return p
}

func zipResult(res *repository.QueryResult) ([]models.RetrievedItem, error) {
	if res == nil {
		return []models.RetrievedItem{}, nil
	}
	n := len(res.IDs)
	if len(res.Documents) != n || len(res.Metadatas) != n || len(res.Distances) != n {
		return nil, fmt.Errorf("%w: ids=%d documents=%d metadatas=%d distances=%d",
			ErrIndexMismatch, n, len(res.Documents), len(res.Metadatas), len(res.Distances))
	}

	items := make([]models.RetrievedItem, n)
	for i := range n {
		md := res.Metadatas[i]
		items[i] = models.RetrievedItem{
			ID:       res.IDs[i],
			Document: res.Documents[i],
			Title:    md.Title,
			Themes:   md.Themes,
			Source:   md.Source,
			Distance: res.Distances[i],
		}
	}
	return items, nil
}

// FormatContext renders retrieved items as the prompt context block.
// An empty slice yields an empty string.
func FormatContext(items []models.RetrievedItem) string {
	groups := make([]string, len(items))
	for i, it := range items {
		title := it.Title
		if title == "" {
			title = "(unknown)"
		}
		themes := "N/A"
		if it.Themes != nil && *it.Themes != "" {
			themes = *it.Themes
		}
		groups[i] = fmt.Sprintf("- Title: %s\n  Themes: %s\n  Short Summary: %s",
			title, themes, ExtractShortSummary(it.Document))
	}
	return strings.Join(groups, "\n")
}

// ExtractShortSummary returns the text between "Summary:" and "Themes:".
// Documents without a summary marker are returned trimmed.
func ExtractShortSummary(doc string) string {
	if doc == "" {
		return ""
	}
	_, after, found := strings.Cut(doc, summaryMarker)
	if !found {
		return strings.TrimSpace(doc)
	}

	summary, _, _ := strings.Cut(strings.TrimSpace(after), themesMarker)
	summary = strings.TrimSpace(summary)

	if utf8.RuneCountInString(summary) > ShortSummaryLimit {
		runes := []rune(summary)
		summary = strings.TrimRightFunc(string(runes[:ShortSummaryLimit]), unicode.IsSpace) + ellipsis
	}
	return summary
}
