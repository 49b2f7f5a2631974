package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"smartlibrarian-backend/models"
)

// ErrCatalogConfig is a fatal configuration error: the catalog store is
// missing, empty or malformed.
var ErrCatalogConfig = errors.New("catalog configuration error")

// Catalog is an immutable title -> full summary mapping that remembers the
// order in which titles were loaded. Safe for concurrent reads.
type Catalog struct {
	titles     []string
	normalized []string
	summaries  map[string]string
}

// NewCatalog builds a catalog from entries in load order. A repeated title
// keeps its first position and its last summary.
func NewCatalog(entries []models.CatalogEntry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: catalog must contain at least one entry", ErrCatalogConfig)
	}

	c := &Catalog{
		titles:     make([]string, 0, len(entries)),
		normalized: make([]string, 0, len(entries)),
		summaries:  make(map[string]string, len(entries)),
	}
	for _, e := range entries {
		if _, seen := c.summaries[e.Title]; !seen {
			c.titles = append(c.titles, e.Title)
			c.normalized = append(c.normalized, Normalize(e.Title))
		}
		c.summaries[e.Title] = e.FullSummary
	}
	return c, nil
}

// ParseCatalog decodes a JSON object {title: summary, ...}, preserving key order
func ParseCatalog(r io.Reader) (*Catalog, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid catalog JSON: %v", ErrCatalogConfig, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: catalog JSON must be an object {title: summary}", ErrCatalogConfig)
	}

	var entries []models.CatalogEntry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: invalid catalog JSON: %v", ErrCatalogConfig, err)
		}
		title, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: invalid catalog key %v", ErrCatalogConfig, keyTok)
		}

		var summary string
		if err := dec.Decode(&summary); err != nil {
			return nil, fmt.Errorf("%w: summary for %q must be a string: %v", ErrCatalogConfig, title, err)
		}
		entries = append(entries, models.CatalogEntry{Title: title, FullSummary: summary})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: invalid catalog JSON: %v", ErrCatalogConfig, err)
	}

	return NewCatalog(entries)
}

// Len returns the number of titles
func (c *Catalog) Len() int {
	return len(c.titles)
}

// Titles returns the titles in load order
func (c *Catalog) Titles() []string {
	out := make([]string, len(c.titles))
	copy(out, c.titles)
	return out
}

// Summary returns the full summary for an exact catalog title
func (c *Catalog) Summary(title string) (string, bool) {
	s, ok := c.summaries[title]
	return s, ok
}
