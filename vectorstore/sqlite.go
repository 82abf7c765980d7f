package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/c360studio/elicit/retrieval"
)

// SQLiteStore keeps fragment embeddings in SQLite and ranks them by
// brute-force cosine similarity per tenant.
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
	mu       sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStore(path string, embedder Embedder) (*SQLiteStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db, embedder: embedder}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fragment_vectors (
		tenant_id TEXT NOT NULL,
		fragment_id TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, fragment_id)
	);
	CREATE INDEX IF NOT EXISTS idx_fragment_vectors_tenant ON fragment_vectors(tenant_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Embed delegates to the configured embedder.
func (s *SQLiteStore) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.Embed(ctx, text)
}

// Upsert stores or replaces the embedding for a fragment.
func (s *SQLiteStore) Upsert(ctx context.Context, tenantID, fragmentID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fragment_vectors (tenant_id, fragment_id, embedding) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, fragment_id) DO UPDATE SET embedding = excluded.embedding`,
		tenantID, fragmentID, encodeVector(embedding))
	if err != nil {
		return fmt.Errorf("upsert fragment %s: %w", fragmentID, err)
	}
	return nil
}

// SimilaritySearch returns the k most similar fragments of the tenant,
// ordered by score descending and fragment ID ascending.
func (s *SQLiteStore) SimilaritySearch(ctx context.Context, tenantID string, embedding []float32, k int) ([]retrieval.Match, error) {
	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT fragment_id, embedding FROM fragment_vectors WHERE tenant_id = ?`, tenantID)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("query vectors: %w", err)
	}

	var matches []retrieval.Match
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		vec, err := decodeVector(raw)
		if err != nil {
			continue
		}
		score, err := Cosine(embedding, vec)
		if err != nil {
			continue
		}
		matches = append(matches, retrieval.Match{FragmentID: id, Score: score})
	}
	err = rows.Err()
	rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].FragmentID < matches[j].FragmentID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// encodeVector packs a vector as little-endian float32 values.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes is not a float32 vector", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vec, nil
}

var _ retrieval.VectorStore = (*SQLiteStore)(nil)
