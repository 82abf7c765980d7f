package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"), NewHashEmbedder(256))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func upsertText(t *testing.T, s *SQLiteStore, tenant, id, text string) {
	t.Helper()
	ctx := context.Background()
	vec, err := s.Embed(ctx, text)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, tenant, id, vec))
}

func TestSQLiteStore_RanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	upsertText(t, s, "acme", "latency", "checkout latency must stay under two seconds")
	upsertText(t, s, "acme", "colors", "the brand palette uses teal and orange")
	upsertText(t, s, "acme", "latency2", "payment latency under two seconds at peak")

	ctx := context.Background()
	q, err := s.Embed(ctx, "latency under two seconds")
	require.NoError(t, err)

	matches, err := s.SimilaritySearch(ctx, "acme", q, 10)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "colors", matches[2].FragmentID)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)

	top, err := s.SimilaritySearch(ctx, "acme", q, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestSQLiteStore_TenantScoped(t *testing.T) {
	s := newTestStore(t)
	upsertText(t, s, "acme", "a1", "shared words")
	upsertText(t, s, "globex", "g1", "shared words")

	ctx := context.Background()
	q, err := s.Embed(ctx, "shared words")
	require.NoError(t, err)

	matches, err := s.SimilaritySearch(ctx, "acme", q, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a1", matches[0].FragmentID)
}

func TestSQLiteStore_UpsertReplaces(t *testing.T) {
	s := newTestStore(t)
	upsertText(t, s, "acme", "f1", "alpha")
	upsertText(t, s, "acme", "f1", "beta")

	ctx := context.Background()
	q, err := s.Embed(ctx, "beta")
	require.NoError(t, err)
	matches, err := s.SimilaritySearch(ctx, "acme", q, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", NewHashEmbedder(16))
	require.NoError(t, err)
	defer s.Close()
	upsertText(t, s, "acme", "f1", "hello world")
	q, _ := s.Embed(context.Background(), "hello")
	matches, err := s.SimilaritySearch(context.Background(), "acme", q, 5)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestNewSQLiteStore_RequiresEmbedder(t *testing.T) {
	_, err := NewSQLiteStore(":memory:", nil)
	assert.Error(t, err)
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(32)
	a, err := e.Embed(context.Background(), "Checkout, must be FAST")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "checkout must be fast")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestCosine(t *testing.T) {
	score, err := Cosine([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)

	score, err = Cosine([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, score, 1e-9)

	score, err = Cosine([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, score)

	_, err = Cosine([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestVectorBlobEncoding(t *testing.T) {
	vec := []float32{1, -0.5, 3.25}
	blob := encodeVector(vec)
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, blob[:4])

	got, err := decodeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		if req.Prompt == "fail" {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL+"/", "nomic-embed-text", 0)
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)

	_, err = e.Embed(context.Background(), "fail")
	assert.ErrorContains(t, err, "503")
}
