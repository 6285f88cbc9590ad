package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	_ "modernc.org/sqlite"
)

// DefaultCollection names the document set when none is configured.
const DefaultCollection = "knowledge_base"

const knowledgeSchema = `
CREATE TABLE IF NOT EXISTS knowledge_docs (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	embedding BLOB,
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, id)
);`

// SQLiteStore implements VectorStore on SQLite. Embeddings are stored as
// BLOBs (little-endian float32 arrays) and cosine similarity is computed in
// Go, which is fast enough for a desktop-sized knowledge base.
type SQLiteStore struct {
	db         *sql.DB
	path       string
	collection string
	ownsDB     bool
}

// NewSQLiteStore uses an already open database.
func NewSQLiteStore(db *sql.DB, collection string) *SQLiteStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &SQLiteStore{db: db, collection: collection}
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// ensures the schema. ":memory:" gives a private in-memory store.
func OpenSQLiteStore(ctx context.Context, path, collection string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s := NewSQLiteStore(db, collection)
	s.path = path
	s.ownsDB = true
	if err := s.EnsureCollection(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database if this store opened it.
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Path is the database file, or "" when the store was handed a *sql.DB.
func (s *SQLiteStore) Path() string { return s.path }

// Collection is the document set this store reads and writes.
func (s *SQLiteStore) Collection() string { return s.collection }

// EnsureCollection creates the table if it does not exist.
func (s *SQLiteStore) EnsureCollection(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, knowledgeSchema); err != nil {
		return fmt.Errorf("create knowledge schema: %w", err)
	}
	return nil
}

// Upsert stores or replaces a document.
func (s *SQLiteStore) Upsert(ctx context.Context, doc Document, vector []float32) error {
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	var blob any
	if len(vector) > 0 {
		blob = encodeFloat32s(vector)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_docs (collection, id, content, metadata, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			version = knowledge_docs.version + 1,
			updated_at = CURRENT_TIMESTAMP
	`, s.collection, doc.ID, doc.Content, meta, blob)
	return err
}

// Get returns a single document.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Document, bool, error) {
	var content, meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT content, metadata FROM knowledge_docs WHERE collection = ? AND id = ?`,
		s.collection, id,
	).Scan(&content, &meta)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return Document{ID: id, Content: content, Metadata: decodeMetadata(meta)}, true, nil
}

// Delete removes a document and reports whether it existed.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge_docs WHERE collection = ? AND id = ?`, s.collection, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the number of documents in the collection.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_docs WHERE collection = ?`, s.collection).Scan(&n)
	return n, err
}

// Search finds the top-k most similar documents by cosine similarity.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, limit int) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, metadata, embedding
		FROM knowledge_docs
		WHERE collection = ? AND embedding IS NOT NULL
		ORDER BY rowid
	`, s.collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Result
	for rows.Next() {
		var id, content, meta string
		var blob []byte
		if err := rows.Scan(&id, &content, &meta, &blob); err != nil {
			return nil, err
		}
		stored := decodeFloat32s(blob)
		if len(stored) != len(vector) {
			continue
		}
		candidates = append(candidates, Result{
			Document: Document{ID: id, Content: content, Metadata: decodeMetadata(meta)},
			Score:    cosineSimilarity(vector, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topK(candidates, limit), nil
}

// SearchText scores each document by the share of query terms it contains.
// Documents sharing no term with the query are left out.
func (s *SQLiteStore) SearchText(ctx context.Context, query string, limit int) ([]Result, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return []Result{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, metadata, COALESCE(length(embedding), 0)
		FROM knowledge_docs
		WHERE collection = ?
		ORDER BY rowid
	`, s.collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := []Result{}
	for rows.Next() {
		var id, content, meta string
		var size int
		if err := rows.Scan(&id, &content, &meta, &size); err != nil {
			return nil, err
		}
		score := termOverlap(terms, tokenize(content))
		if score == 0 {
			continue
		}
		candidates = append(candidates, Result{
			Document: Document{ID: id, Content: content, Metadata: decodeMetadata(meta)},
			Score:    score,
			Dims:     size / 4,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topK(candidates, limit), nil
}

func topK(candidates []Result, limit int) []Result {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

func tokenize(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func termOverlap(query, doc map[string]struct{}) float32 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hits++
		}
	}
	return float32(hits) / float32(len(query))
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]any {
	m := map[string]any{}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

// encodeFloat32s converts a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s converts little-endian bytes back to a float32 slice.
func decodeFloat32s(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
