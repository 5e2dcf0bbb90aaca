// Package store is the SQLite document store behind retrieval: indexed
// knowledge chunks with dense embeddings, plus the semantic answer cache.
// The ingestion collaborator writes documents; query-time access is
// read-mostly with a shared long-lived connection.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"knowledgehub/internal/logging"
)

// Document statuses.
const (
	StatusPublished = "published"
	StatusDraft     = "draft"
)

// Document is one indexed knowledge chunk.
type Document struct {
	ID            int64             `json:"id"`
	Content       string            `json:"page_content"`
	Status        string            `json:"status"`
	ChunkID       string            `json:"chunk_id"`
	IsSynthetic   bool              `json:"is_synthetic"`
	ParentChunkID string            `json:"parent_chunk_id,omitempty"`
	PayloadID     string            `json:"payload_id"`
	Extra         map[string]string `json:"metadata,omitempty"`
}

// ScoredDocument is a search hit with its cosine similarity.
type ScoredDocument struct {
	Document
	Similarity float64 `json:"similarity"`
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStore opens (creating if needed) the database at path and applies
// migrations.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("document store ready at %s", path)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'published',
			chunk_id TEXT NOT NULL,
			is_synthetic INTEGER NOT NULL DEFAULT 0,
			parent_chunk_id TEXT,
			payload_id TEXT NOT NULL DEFAULT '',
			extra TEXT,
			embedding TEXT,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_chunk ON documents(chunk_id)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_parent ON documents(parent_chunk_id)`,
		`CREATE TABLE IF NOT EXISTS semantic_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			query TEXT NOT NULL,
			answer TEXT NOT NULL,
			sources TEXT NOT NULL,
			embedding TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_semantic_expiry ON semantic_cache(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// UpsertDocument inserts or replaces a document by chunk_id.
func (s *Store) UpsertDocument(ctx context.Context, doc Document, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	extra, err := json.Marshal(doc.Extra)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	vec, err := encodeVector(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (content, status, chunk_id, is_synthetic, parent_chunk_id, payload_id, extra, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status,
			is_synthetic = excluded.is_synthetic,
			parent_chunk_id = excluded.parent_chunk_id,
			payload_id = excluded.payload_id,
			extra = excluded.extra,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`,
		doc.Content, doc.Status, doc.ChunkID, boolToInt(doc.IsSynthetic),
		nullable(doc.ParentChunkID), doc.PayloadID, string(extra), vec,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// VectorSearch returns the top K documents by cosine similarity to the
// query vector, brute-force over all embedded rows. Draft documents are
// included; the retriever filters by status at the boundary.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]ScoredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, status, chunk_id, is_synthetic, parent_chunk_id, payload_id, extra, embedding
		FROM documents
		WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("vector search query failed: %w", err)
	}
	defer rows.Close()

	var hits []ScoredDocument
	for rows.Next() {
		doc, vec, err := scanDocument(rows)
		if err != nil {
			logging.StoreDebug("skipping unscannable row: %v", err)
			continue
		}
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			continue
		}
		hits = append(hits, ScoredDocument{Document: doc, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// ParentChunks loads all non-synthetic documents keyed by chunk_id; the
// parent resolver holds this map in memory.
func (s *Store) ParentChunks(ctx context.Context) (map[string]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, status, chunk_id, is_synthetic, parent_chunk_id, payload_id, extra, embedding
		FROM documents
		WHERE is_synthetic = 0 AND chunk_id != ''`)
	if err != nil {
		return nil, fmt.Errorf("parent chunk query failed: %w", err)
	}
	defer rows.Close()

	parents := make(map[string]Document)
	for rows.Next() {
		doc, _, err := scanDocument(rows)
		if err != nil {
			continue
		}
		parents[doc.ChunkID] = doc
	}
	return parents, rows.Err()
}

// AllDocuments returns every document; used by the FAQ refresh job and
// admin listings.
func (s *Store) AllDocuments(ctx context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, status, chunk_id, is_synthetic, parent_chunk_id, payload_id, extra, embedding
		FROM documents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, _, err := scanDocument(rows)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CountDocuments reports the corpus size, for readiness checks.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(rows rowScanner) (Document, []float32, error) {
	var (
		doc          Document
		isSynthetic  int
		parentChunk  sql.NullString
		extraJSON    sql.NullString
		embeddingCol sql.NullString
	)
	err := rows.Scan(&doc.ID, &doc.Content, &doc.Status, &doc.ChunkID,
		&isSynthetic, &parentChunk, &doc.PayloadID, &extraJSON, &embeddingCol)
	if err != nil {
		return Document{}, nil, err
	}
	doc.IsSynthetic = isSynthetic != 0
	doc.ParentChunkID = parentChunk.String
	if extraJSON.Valid && extraJSON.String != "" {
		if err := json.Unmarshal([]byte(extraJSON.String), &doc.Extra); err != nil {
			doc.Extra = nil
		}
	}

	var vec []float32
	if embeddingCol.Valid && embeddingCol.String != "" {
		vec, err = decodeVector(embeddingCol.String)
		if err != nil {
			return Document{}, nil, err
		}
	}
	return doc, vec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
