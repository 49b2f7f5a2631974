package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"smartlibrarian-backend/models"
	"smartlibrarian-backend/retry"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CatalogDocumentRepository is the pgvector-backed similarity index
type CatalogDocumentRepository struct {
	db *pgxpool.Pool
}

// NewCatalogDocumentRepository creates a new catalog document repository
func NewCatalogDocumentRepository(db *pgxpool.Pool) *CatalogDocumentRepository {
	return &CatalogDocumentRepository{db: db}
}

// formatVector formats an embedding vector as a pgvector literal
func formatVector(embedding []float32) string {
	if len(embedding) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Upsert inserts or replaces documents keyed by (collection, id) in one transaction
func (r *CatalogDocumentRepository) Upsert(ctx context.Context, docs []models.CatalogDocument) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `
		INSERT INTO catalog_documents (id, collection, document, title, themes, source, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector)
		ON CONFLICT (collection, id) DO UPDATE SET
			document = EXCLUDED.document,
			title = EXCLUDED.title,
			themes = EXCLUDED.themes,
			source = EXCLUDED.source,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()`

	for _, doc := range docs {
		_, err := tx.Exec(ctx, query,
			doc.ID,
			doc.Collection,
			doc.Document,
			doc.Title,
			doc.Themes,
			doc.Source,
			formatVector(doc.Embedding),
		)
		if err != nil {
			return classifyPgError(fmt.Errorf("failed to upsert document %s: %w", doc.ID, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("failed to commit documents: %w", err))
	}
	return nil
}

// Nearest returns the topK documents closest to embedding by cosine distance
func (r *CatalogDocumentRepository) Nearest(
	ctx context.Context,
	collection string,
	embedding []float32,
	topK int,
) (*QueryResult, error) {
	if topK <= 0 {
		return nil, ErrInvalidTopK
	}

	query := `
		SELECT
			id,
			document,
			title,
			themes,
			source,
			embedding <=> $1::vector AS distance
		FROM catalog_documents
		WHERE collection = $2
		ORDER BY embedding <=> $1::vector, id
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, formatVector(embedding), collection, topK)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to query catalog documents: %w", err))
	}
	defer rows.Close()

	result := &QueryResult{}
	for rows.Next() {
		var doc models.CatalogDocument
		var distance float64
		if err := rows.Scan(&doc.ID, &doc.Document, &doc.Title, &doc.Themes, &doc.Source, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan catalog document: %w", err)
		}
		result.append(doc, distance)
	}

	if err := rows.Err(); err != nil {
		return nil, classifyPgError(fmt.Errorf("error iterating catalog documents: %w", err))
	}

	return result, nil
}

// Count returns the number of documents in a collection
func (r *CatalogDocumentRepository) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM catalog_documents WHERE collection = $1`, collection).Scan(&n)
	if err != nil {
		return 0, classifyPgError(fmt.Errorf("failed to count catalog documents: %w", err))
	}
	return n, nil
}

// classifyPgError marks connection-level failures as transient.
// Constraint and syntax errors from the server are permanent.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 53: insufficient resources, 57P: operator intervention
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") || strings.HasPrefix(pgErr.Code, "57P") {
			return retry.Transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return retry.Transient(err)
	}
	return err
}
