package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/elicit/conversation"
)

// stubStore returns fixed scores per fragment ID regardless of the query.
type stubStore struct {
	mu        sync.Mutex
	scores    map[string]float64
	tenants   map[string]string
	searchErr error
	embedErr  error
	searches  int
}

func newStubStore() *stubStore {
	return &stubStore{scores: map[string]float64{}, tenants: map[string]string{}}
}

func (s *stubStore) Embed(_ context.Context, text string) ([]float32, error) {
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	return []float32{float32(len(text))}, nil
}

func (s *stubStore) SimilaritySearch(_ context.Context, tenantID string, _ []float32, k int) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches++
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	var out []Match
	// Map iteration order is random; ranking must not depend on it.
	for id, score := range s.scores {
		if s.tenants[id] == tenantID {
			out = append(out, Match{FragmentID: id, Score: score})
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *stubStore) Upsert(_ context.Context, tenantID, fragmentID string, _ []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[fragmentID] = tenantID
	if _, ok := s.scores[fragmentID]; !ok {
		s.scores[fragmentID] = 0.1
	}
	return nil
}

func (s *stubStore) setScore(id string, score float64) {
	s.mu.Lock()
	s.scores[id] = score
	s.mu.Unlock()
}

func index(t *testing.T, m *Manager, id, session string, tokens int, at time.Time) {
	t.Helper()
	require.NoError(t, m.Index(context.Background(), conversation.ContextFragment{
		ID:        id,
		TenantID:  "acme",
		SessionID: session,
		Text:      "fragment " + id,
		Tokens:    tokens,
		CreatedAt: at,
	}))
}

func TestRetrieve_SkipsFragmentThatDoesNotFit(t *testing.T) {
	store := newStubStore()
	m := NewManager(store)
	base := time.Now()
	index(t, m, "A", "s1", 200, base)
	index(t, m, "B", "s1", 250, base)
	index(t, m, "C", "s1", 100, base)
	store.setScore("A", 0.9)
	store.setScore("B", 0.8)
	store.setScore("C", 0.7)

	res, err := m.Retrieve(context.Background(), Query{TenantID: "acme", SessionID: "s1", Text: "q", Budget: 500})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, res.IDs())
	assert.Equal(t, 450, res.TokensUsed)
	assert.Equal(t, 1, res.Skipped)
	assert.False(t, res.Degraded)
}

func TestRetrieve_ContinuesPastSkippedFragment(t *testing.T) {
	store := newStubStore()
	m := NewManager(store)
	base := time.Now()
	index(t, m, "A", "s1", 300, base)
	index(t, m, "B", "s1", 300, base)
	index(t, m, "C", "s1", 150, base)
	store.setScore("A", 0.9)
	store.setScore("B", 0.8)
	store.setScore("C", 0.7)

	res, err := m.Retrieve(context.Background(), Query{TenantID: "acme", Text: "q", Budget: 500})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, res.IDs())
}

func TestRetrieve_Deterministic(t *testing.T) {
	store := newStubStore()
	m := NewManager(store)
	base := time.Now()
	for _, id := range []string{"e", "d", "c", "b", "a"} {
		index(t, m, id, "s1", 10, base)
		store.setScore(id, 0.5)
	}
	store.setScore("c", 0.9)

	q := Query{TenantID: "acme", SessionID: "s1", Text: "same question", Budget: 1000}
	first, err := m.Retrieve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b", "d", "e"}, first.IDs())

	for i := 0; i < 20; i++ {
		again, err := m.Retrieve(context.Background(), q)
		require.NoError(t, err)
		if diff := cmp.Diff(first.IDs(), again.IDs()); diff != "" {
			t.Fatalf("ranking changed on call %d (-first +again):\n%s", i, diff)
		}
	}
}

func TestRetrieve_TenantIsolation(t *testing.T) {
	store := newStubStore()
	m := NewManager(store)
	index(t, m, "mine", "s1", 10, time.Now())
	require.NoError(t, m.Index(context.Background(), conversation.ContextFragment{
		ID: "theirs", TenantID: "globex", SessionID: "s9", Text: "secret", Tokens: 10,
	}))
	// A misbehaving store that leaks another tenant's ID must not leak the text.
	store.tenants["theirs"] = "acme"

	res, err := m.Retrieve(context.Background(), Query{TenantID: "acme", Text: "q", Budget: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, res.IDs())
}

func TestRetrieve_DegradedOnStoreFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*stubStore)
	}{
		{"search fails", func(s *stubStore) { s.searchErr = errors.New("connection refused") }},
		{"embed fails", func(s *stubStore) { s.embedErr = errors.New("model unloaded") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStubStore()
			m := NewManager(store)
			base := time.Now()
			index(t, m, "m1", "s1", 40, base)
			index(t, m, "m2", "s1", 40, base.Add(time.Second))
			index(t, m, "m3", "s1", 40, base.Add(2*time.Second))
			index(t, m, "other", "s2", 10, base.Add(3*time.Second))
			tt.setup(store)

			res, err := m.Retrieve(context.Background(), Query{TenantID: "acme", SessionID: "s1", Text: "q", Budget: 90})
			require.NoError(t, err)
			assert.True(t, res.Degraded)
			assert.Equal(t, []string{"m2", "m3"}, res.IDs(), "newest that fit, oldest first")
		})
	}
}

func TestRetrieve_NilStoreIsDegraded(t *testing.T) {
	m := NewManager(nil)
	index(t, m, "m1", "s1", 5, time.Now())
	res, err := m.Retrieve(context.Background(), Query{TenantID: "acme", SessionID: "s1", Budget: 10})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"m1"}, res.IDs())
}

func TestRetrieve_InvalidQuery(t *testing.T) {
	m := NewManager(newStubStore())
	_, err := m.Retrieve(context.Background(), Query{Budget: 10})
	assert.ErrorIs(t, err, conversation.ErrInvalidInput)
	_, err = m.Retrieve(context.Background(), Query{TenantID: "acme", Budget: -1})
	assert.ErrorIs(t, err, conversation.ErrInvalidInput)
}

func TestIndex_EstimatesTokensAndIgnoresDuplicates(t *testing.T) {
	m := NewManager(newStubStore())
	msg := &conversation.Message{ID: "m1", TenantID: "acme", SessionID: "s1", Author: "alice", Content: "Checkout must finish in 2s"}
	require.NoError(t, m.IndexMessage(context.Background(), msg))
	require.NoError(t, m.IndexMessage(context.Background(), msg))

	res, err := m.Retrieve(context.Background(), Query{TenantID: "acme", SessionID: "s1", Budget: 1000})
	require.NoError(t, err)
	require.Len(t, res.Fragments, 1)
	assert.Equal(t, m.Estimate("alice: Checkout must finish in 2s"), res.Fragments[0].Tokens)
	assert.Equal(t, "m1", res.Fragments[0].SourceMessageID)
}

func TestTokenEstimator(t *testing.T) {
	e := NewTokenEstimator()
	assert.Equal(t, 0, e.Estimate(""))
	assert.Equal(t, 1, e.Estimate("hi"))
	assert.Equal(t, 3, e.Estimate("twelve chars"))
	assert.Equal(t, 250, e.Estimate(string(make([]byte, 1000))))
}

func TestIndex_FailedEmbedIsRetried(t *testing.T) {
	store := newStubStore()
	store.embedErr = errors.New("model unloaded")
	m := NewManager(store)
	f := conversation.ContextFragment{ID: "m1", TenantID: "acme", SessionID: "s1", Text: "Checkout must finish in 2s", Tokens: 5}

	require.Error(t, m.Index(context.Background(), f))
	m.mu.RLock()
	assert.NotContains(t, m.fragments, "m1", "not searchable until the store accepts it")
	m.mu.RUnlock()

	res, err := m.Retrieve(context.Background(), Query{TenantID: "acme", SessionID: "s1", Budget: 10})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"m1"}, res.IDs(), "session history still serves degraded mode")

	store.embedErr = nil
	require.NoError(t, m.Index(context.Background(), f))
	store.setScore("m1", 0.9)
	res, err = m.Retrieve(context.Background(), Query{TenantID: "acme", SessionID: "other", Budget: 10})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{"m1"}, res.IDs())
}

func TestForgetSession_DropsHistory(t *testing.T) {
	store := newStubStore()
	m := NewManager(store)
	index(t, m, "m1", "s1", 5, time.Now())
	m.ForgetSession("s1")

	m.mu.RLock()
	assert.Empty(t, m.history)
	m.mu.RUnlock()

	store.searchErr = errors.New("connection refused")
	res, err := m.Retrieve(context.Background(), Query{TenantID: "acme", SessionID: "s1", Budget: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Fragments)
}

func TestIndex_EvictsOldestBeyondLimit(t *testing.T) {
	m := NewManager(newStubStore(), WithConfig(Config{MaxFragments: 2}))
	base := time.Now()
	index(t, m, "m1", "s1", 5, base)
	index(t, m, "m2", "s1", 5, base.Add(time.Second))
	index(t, m, "m3", "s1", 5, base.Add(2*time.Second))

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Len(t, m.fragments, 2)
	assert.NotContains(t, m.fragments, "m1")
	assert.Contains(t, m.fragments, "m3")
}
