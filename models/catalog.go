package models

// CatalogEntry is one title -> full summary pair from the catalog store
type CatalogEntry struct {
	Title       string `json:"title"`
	FullSummary string `json:"full_summary"`
}

// CatalogDocument is an indexed catalog document with its embedding.
// It is the row shape written by the ingestion pipeline.
type CatalogDocument struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Document   string    `json:"document"`
	Title      string    `json:"title"`
	Themes     *string   `json:"themes,omitempty"`
	Source     string    `json:"source"`
	Embedding  []float32 `json:"-"`
}
