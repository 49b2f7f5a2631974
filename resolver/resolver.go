// Package resolver maps an imprecise title string to a canonical catalog title
// with a confidence score.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Scores and thresholds of the matching passes
const (
	ExactScore          = 1.0
	NormalizedScore     = 0.98
	SimilarityThreshold = 0.72
	ContainmentFloor    = 0.66
)

// ErrNotFound is matched by every NotFoundError
var ErrNotFound = errors.New("no matching title found")

// NotFoundError reports a failed resolution and the best similarity seen
type NotFoundError struct {
	Query     string
	BestScore float64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no matching title found for %q (best similarity %.4f)", e.Query, e.BestScore)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Match is a successful resolution
type Match struct {
	Title string
	Score float64
}

// BestMatch resolves query against the catalog. Passes run in order and the
// first one that accepts wins:
//
//  1. exact, case-insensitive            -> 1.0
//  2. normalized exact                   -> 0.98
//  3. best similarity ratio >= 0.72      -> ratio
//  4. normalized containment either way  -> max(best ratio, 0.66)
//
// Ties keep the title that was loaded first.
func BestMatch(c *Catalog, query string) (Match, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return Match{}, &NotFoundError{Query: query}
	}

	for _, t := range c.titles {
		if strings.EqualFold(t, q) {
			return Match{Title: t, Score: ExactScore}, nil
		}
	}

	qNorm := Normalize(q)
	if qNorm == "" {
		return Match{}, &NotFoundError{Query: query}
	}

	for i, tNorm := range c.normalized {
		if tNorm == qNorm {
			return Match{Title: c.titles[i], Score: NormalizedScore}, nil
		}
	}

	qChars := splitChars(qNorm)
	best := -1
	bestScore := 0.0
	for i, tNorm := range c.normalized {
		s := difflib.NewMatcher(qChars, splitChars(tNorm)).Ratio()
		if s > bestScore {
			bestScore = s
			best = i
		}
	}
	if best >= 0 && bestScore >= SimilarityThreshold {
		return Match{Title: c.titles[best], Score: bestScore}, nil
	}

	for i, tNorm := range c.normalized {
		if strings.Contains(tNorm, qNorm) || (tNorm != "" && strings.Contains(qNorm, tNorm)) {
			return Match{Title: c.titles[i], Score: max(bestScore, ContainmentFloor)}, nil
		}
	}

	return Match{}, &NotFoundError{Query: query, BestScore: bestScore}
}

func splitChars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// CatalogSource yields the currently loaded catalog snapshot
type CatalogSource interface {
	Catalog(ctx context.Context) (*Catalog, error)
}

// Resolution is a match together with the catalog summary it points at
type Resolution struct {
	Title   string
	Summary string
	Score   float64
}

// Resolver resolves titles against a lazily loaded catalog
type Resolver struct {
	source CatalogSource
}

// NewResolver creates a resolver over the given catalog source
func NewResolver(source CatalogSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve maps title to a canonical catalog entry. Catalog load failures
// are returned as-is (ErrCatalogConfig) and are distinct from ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, title string) (*Resolution, error) {
	catalog, err := r.source.Catalog(ctx)
	if err != nil {
		return nil, err
	}

	m, err := BestMatch(catalog, title)
	if err != nil {
		return nil, err
	}

	summary, _ := catalog.Summary(m.Title)
	return &Resolution{
		Title:   m.Title,
		Summary: summary,
		Score:   m.Score,
	}, nil
}
