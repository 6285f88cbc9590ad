package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/smolitux/smolit/internal/provider"
)

// DefaultQueryLimit is how many results Query returns when limit <= 0.
const DefaultQueryLimit = 3

// QueryResult is one entry of a query answer. A failed query is a single
// entry with only Error set.
type QueryResult struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    *float32       `json:"score,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Stats describes the store.
type Stats struct {
	Count      int    `json:"document_count"`
	Collection string `json:"collection_name"`
	Path       string `json:"persist_directory,omitempty"`
	Error      string `json:"error,omitempty"`
}

type describedStore interface {
	Collection() string
	Path() string
}

// KnowledgeBase is the document store gateway. No method returns an error:
// faults are logged and reported in the result shape.
type KnowledgeBase struct {
	store    VectorStore
	embedder provider.Embedder
	logger   *slog.Logger
}

// NewKnowledgeBase creates a knowledge base. A nil embedder means every
// query is ranked lexically.
func NewKnowledgeBase(store VectorStore, embedder provider.Embedder, logger *slog.Logger) *KnowledgeBase {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeBase{store: store, embedder: embedder, logger: logger}
}

// DocumentID derives the id for content. Identical content always maps to
// the same id, so re-adding it replaces the stored row.
func DocumentID(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])[:16]
}

// Add stores content and returns its id, or "" on failure.
func (k *KnowledgeBase) Add(ctx context.Context, content string, metadata map[string]any) string {
	if strings.TrimSpace(content) == "" {
		k.logger.Warn("Knowledge add skipped: empty content")
		return ""
	}
	id := DocumentID(content)
	if err := k.store.Upsert(ctx, Document{ID: id, Content: content, Metadata: metadata}, k.embed(ctx, content)); err != nil {
		k.logger.Error("Knowledge add failed", "id", id, "error", err)
		return ""
	}
	k.logger.Debug("Knowledge added", "id", id, "chars", len(content))
	return id
}

// AddDocuments adds each text and returns the ids of those that were stored.
func (k *KnowledgeBase) AddDocuments(ctx context.Context, contents []string) []string {
	ids := make([]string, 0, len(contents))
	for _, c := range contents {
		if id := k.Add(ctx, c, map[string]any{"source": "user"}); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Query returns at most limit documents ordered by decreasing relevance.
// An empty slice means nothing matched; a store fault yields one entry with
// Error set.
func (k *KnowledgeBase) Query(ctx context.Context, text string, limit int) []QueryResult {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	results, err := k.search(ctx, text, limit)
	if err != nil {
		k.logger.Error("Knowledge query failed", "error", err)
		return []QueryResult{{Error: err.Error()}}
	}

	out := make([]QueryResult, 0, len(results))
	for _, r := range results {
		score := r.Score
		out = append(out, QueryResult{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Score:    &score,
		})
	}
	return out
}

// Relevant returns the content of the k most relevant documents, skipping
// failures. It feeds the knowledge expert's prompt.
func (k *KnowledgeBase) Relevant(ctx context.Context, query string, n int) []string {
	var docs []string
	for _, r := range k.Query(ctx, query, n) {
		if r.Error == "" {
			docs = append(docs, r.Content)
		}
	}
	return docs
}

func (k *KnowledgeBase) search(ctx context.Context, text string, limit int) ([]Result, error) {
	vec := k.embed(ctx, text)
	if vec == nil {
		return k.searchText(ctx, text, limit)
	}
	results, err := k.store.Search(ctx, vec, limit)
	if err != nil {
		k.logger.Warn("Vector search failed, using text search", "error", err)
		return k.searchText(ctx, text, limit)
	}
	if len(results) == 0 {
		return k.searchText(ctx, text, limit)
	}

	// Rows stored without a comparable vector are invisible to Search.
	lexical, err := k.store.SearchText(ctx, text, limit)
	if err != nil {
		k.logger.Warn("Text search failed, using vector results only", "error", err)
		return results, nil
	}
	for _, r := range lexical {
		if r.Dims != len(vec) {
			results = append(results, r)
		}
	}
	return topK(results, limit), nil
}

func (k *KnowledgeBase) searchText(ctx context.Context, text string, limit int) ([]Result, error) {
	results, err := k.store.SearchText(ctx, text, limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	return results, nil
}

// embed returns nil when no embedder is configured or embedding fails.
func (k *KnowledgeBase) embed(ctx context.Context, text string) []float32 {
	if k.embedder == nil {
		return nil
	}
	resp, err := k.embedder.Embed(ctx, &provider.EmbeddingRequest{Input: text})
	if err != nil {
		k.logger.Warn("Embedding failed", "error", err)
		return nil
	}
	return resp.Vector
}

// Delete removes a document. It reports false for unknown ids and faults.
func (k *KnowledgeBase) Delete(ctx context.Context, id string) bool {
	ok, err := k.store.Delete(ctx, id)
	if err != nil {
		k.logger.Error("Knowledge delete failed", "id", id, "error", err)
		return false
	}
	return ok
}

// Update replaces the content and metadata stored under an existing id.
func (k *KnowledgeBase) Update(ctx context.Context, id, content string, metadata map[string]any) bool {
	_, found, err := k.store.Get(ctx, id)
	if err != nil {
		k.logger.Error("Knowledge update lookup failed", "id", id, "error", err)
		return false
	}
	if !found {
		return false
	}
	if err := k.store.Upsert(ctx, Document{ID: id, Content: content, Metadata: metadata}, k.embed(ctx, content)); err != nil {
		k.logger.Error("Knowledge update failed", "id", id, "error", err)
		return false
	}
	return true
}

// Get returns a stored document.
func (k *KnowledgeBase) Get(ctx context.Context, id string) (Document, bool) {
	doc, ok, err := k.store.Get(ctx, id)
	if err != nil {
		k.logger.Error("Knowledge get failed", "id", id, "error", err)
		return Document{}, false
	}
	return doc, ok
}

// Stats reports the document count and where the store lives.
func (k *KnowledgeBase) Stats(ctx context.Context) Stats {
	var st Stats
	if d, ok := k.store.(describedStore); ok {
		st.Collection = d.Collection()
		st.Path = d.Path()
	}
	n, err := k.store.Count(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Count = n
	return st
}
