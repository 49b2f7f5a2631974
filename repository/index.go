package repository

import (
	"context"
	"errors"

	"smartlibrarian-backend/models"
)

// DefaultCollection is the collection populated by the ingest pipeline
const DefaultCollection = "books_v1"

// MaxTopK is the largest number of neighbours a single query may ask for
const MaxTopK = 10

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the stored ones
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidTopK is returned for non-positive result limits
	ErrInvalidTopK = errors.New("topK must be positive")
)

// DocumentMetadata is the metadata stored alongside each indexed document
type DocumentMetadata struct {
	Title  string  `json:"title"`
	Themes *string `json:"themes"`
	Source string  `json:"source"`
}

// QueryResult holds parallel slices ordered by ascending distance
type QueryResult struct {
	IDs       []string
	Documents []string
	Metadatas []DocumentMetadata
	Distances []float64
}

// Len returns the number of hits
func (q *QueryResult) Len() int {
	return len(q.IDs)
}

func (q *QueryResult) append(doc models.CatalogDocument, distance float64) {
	q.IDs = append(q.IDs, doc.ID)
	q.Documents = append(q.Documents, doc.Document)
	q.Metadatas = append(q.Metadatas, DocumentMetadata{Title: doc.Title, Themes: doc.Themes, Source: doc.Source})
	q.Distances = append(q.Distances, distance)
}

// Index is the similarity index over catalog documents
type Index interface {
	Upsert(ctx context.Context, docs []models.CatalogDocument) error
	Nearest(ctx context.Context, collection string, embedding []float32, topK int) (*QueryResult, error)
	Count(ctx context.Context, collection string) (int, error)
}
