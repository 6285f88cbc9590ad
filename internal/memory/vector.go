// Package memory is the document store behind the knowledge expert.
package memory

import "context"

// Document is one stored piece of knowledge.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is a document with its relevance to a query.
type Result struct {
	Document
	Score float32 `json:"score"`
	// Dims is the length of the stored embedding, 0 when there is none.
	// Only SearchText fills it.
	Dims int `json:"-"`
}

// VectorStore persists documents and ranks them against a query.
type VectorStore interface {
	// EnsureCollection makes sure the storage exists.
	EnsureCollection(ctx context.Context) error

	// Upsert stores doc, replacing any row with the same id. A nil vector
	// stores the document for lexical search only.
	Upsert(ctx context.Context, doc Document, vector []float32) error

	// Search finds the items most similar to vector.
	Search(ctx context.Context, vector []float32, limit int) ([]Result, error)

	// SearchText ranks documents by term overlap with query.
	SearchText(ctx context.Context, query string, limit int) ([]Result, error)

	Get(ctx context.Context, id string) (Document, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int, error)
}
