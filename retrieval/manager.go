// Package retrieval assembles budget-bounded conversation context from a
// vector store, falling back to recent in-session history when the store is
// unavailable.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/metrics"
)

// Match is one vector store hit.
type Match struct {
	FragmentID string
	Score      float64
}

// VectorStore embeds text and finds similar fragments within a tenant.
type VectorStore interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	SimilaritySearch(ctx context.Context, tenantID string, embedding []float32, k int) ([]Match, error)
	Upsert(ctx context.Context, tenantID, fragmentID string, embedding []float32) error
}

// Query describes one retrieval.
type Query struct {
	TenantID  string
	SessionID string
	Text      string
	// Budget is the token ceiling for the packed fragments.
	Budget int
}

// Result is an ordered, budget-bounded fragment list.
type Result struct {
	Fragments  []conversation.ContextFragment `json:"fragments"`
	TokensUsed int                            `json:"tokens_used"`
	Budget     int                            `json:"budget"`
	Skipped    int                            `json:"skipped"`
	Degraded   bool                           `json:"degraded"`
}

// IDs returns the fragment IDs in result order.
func (r *Result) IDs() []string {
	ids := make([]string, len(r.Fragments))
	for i, f := range r.Fragments {
		ids[i] = f.ID
	}
	return ids
}

// Config holds retrieval tunables.
type Config struct {
	// TopK is the number of candidates requested from the vector store.
	TopK int
	// RecentLimit caps how many recent fragments degraded mode considers.
	RecentLimit int
	// MaxFragments caps the searchable fragments held in memory. The oldest
	// are evicted first.
	MaxFragments int
}

// DefaultConfig returns the default retrieval tunables.
func DefaultConfig() Config {
	return Config{TopK: 20, RecentLimit: 50, MaxFragments: 100000}
}

// Manager indexes context fragments and retrieves them for new exchanges.
type Manager struct {
	store     VectorStore
	config    Config
	estimator *TokenEstimator
	logger    *slog.Logger
	metrics   *metrics.Collectors
	now       func() time.Time

	mu sync.RWMutex
	// fragments holds embedded fragments; order lists their IDs oldest first.
	fragments map[string]*conversation.ContextFragment
	order     []string
	// history holds each open session's fragments for degraded retrieval.
	history map[string]*sessionHistory
}

type sessionHistory struct {
	seen      map[string]bool
	fragments []conversation.ContextFragment
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metric collectors.
func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithConfig overrides the tunables.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		if cfg.TopK > 0 {
			m.config.TopK = cfg.TopK
		}
		if cfg.RecentLimit > 0 {
			m.config.RecentLimit = cfg.RecentLimit
		}
		if cfg.MaxFragments > 0 {
			m.config.MaxFragments = cfg.MaxFragments
		}
	}
}

// NewManager creates a manager over the given vector store. A nil store
// leaves the manager permanently in degraded mode.
func NewManager(store VectorStore, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		config:    DefaultConfig(),
		estimator: NewTokenEstimator(),
		logger:    slog.Default(),
		metrics:   metrics.Noop(),
		now:       time.Now,
		fragments: make(map[string]*conversation.ContextFragment),
		history:   make(map[string]*sessionHistory),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Estimate returns the token estimate used for budgeting.
func (m *Manager) Estimate(text string) int {
	return m.estimator.Estimate(text)
}

// Index upserts a fragment's embedding and records it as searchable once the
// store accepts it. A failed embed or upsert leaves it unrecorded so indexing
// the same ID again retries. Fragments are immutable once recorded.
func (m *Manager) Index(ctx context.Context, f conversation.ContextFragment) error {
	if f.ID == "" || f.TenantID == "" {
		return fmt.Errorf("%w: fragment id and tenant are required", conversation.ErrInvalidInput)
	}
	if f.Tokens == 0 {
		f.Tokens = m.estimator.Estimate(f.Text)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = m.now()
	}
	f.Score = 0

	m.mu.Lock()
	m.remember(f)
	_, indexed := m.fragments[f.ID]
	m.mu.Unlock()

	if indexed || m.store == nil {
		return nil
	}
	vec, err := m.store.Embed(ctx, f.Text)
	if err != nil {
		return fmt.Errorf("embed fragment %s: %w", f.ID, err)
	}
	if err := m.store.Upsert(ctx, f.TenantID, f.ID, vec); err != nil {
		return fmt.Errorf("upsert fragment %s: %w", f.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.fragments[f.ID]; exists {
		return nil
	}
	stored := f
	m.fragments[f.ID] = &stored
	m.order = append(m.order, f.ID)
	for len(m.fragments) > m.config.MaxFragments && len(m.order) > 0 {
		delete(m.fragments, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

// remember adds f to its session's history. Caller holds mu.
func (m *Manager) remember(f conversation.ContextFragment) {
	if f.SessionID == "" {
		return
	}
	h, ok := m.history[f.SessionID]
	if !ok {
		h = &sessionHistory{seen: make(map[string]bool)}
		m.history[f.SessionID] = h
	}
	if h.seen[f.ID] {
		return
	}
	h.seen[f.ID] = true
	h.fragments = append(h.fragments, f)
}

// IndexMessage records a conversation message as a context fragment.
func (m *Manager) IndexMessage(ctx context.Context, msg *conversation.Message) error {
	return m.Index(ctx, conversation.ContextFragment{
		ID:              msg.ID,
		TenantID:        msg.TenantID,
		SessionID:       msg.SessionID,
		SourceMessageID: msg.ID,
		Text:            msg.Author + ": " + msg.Content,
		CreatedAt:       msg.CreatedAt,
	})
}

// ForgetSession drops the history of a closed session. Embedded fragments
// stay searchable for later sessions of the same tenant.
func (m *Manager) ForgetSession(sessionID string) {
	m.mu.Lock()
	delete(m.history, sessionID)
	m.mu.Unlock()
}

// Retrieve returns fragments ranked by relevance and packed into the budget.
// Vector store failures degrade to recent in-session history.
func (m *Manager) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if q.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", conversation.ErrInvalidInput)
	}
	if q.Budget < 0 {
		return nil, fmt.Errorf("%w: negative budget", conversation.ErrInvalidInput)
	}

	ranked, err := m.semantic(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("Vector store unavailable, using recent session history",
			"session_id", q.SessionID,
			"tenant_id", q.TenantID,
			"error", err)
		m.metrics.Retrievals.WithLabelValues("degraded").Inc()
		return m.recent(q), nil
	}

	m.metrics.Retrievals.WithLabelValues("semantic").Inc()
	res := pack(ranked, q.Budget)
	return res, nil
}

func (m *Manager) semantic(ctx context.Context, q Query) ([]conversation.ContextFragment, error) {
	if m.store == nil {
		return nil, fmt.Errorf("no vector store configured")
	}
	vec, err := m.store.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := m.store.SimilaritySearch(ctx, q.TenantID, vec, m.config.TopK)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	m.mu.RLock()
	seen := make(map[string]int, len(matches))
	ranked := make([]conversation.ContextFragment, 0, len(matches))
	for _, match := range matches {
		f, ok := m.fragments[match.FragmentID]
		if !ok || f.TenantID != q.TenantID {
			continue
		}
		if i, dup := seen[f.ID]; dup {
			if match.Score > ranked[i].Score {
				ranked[i].Score = match.Score
			}
			continue
		}
		c := *f
		c.Score = match.Score
		seen[f.ID] = len(ranked)
		ranked = append(ranked, c)
	}
	m.mu.RUnlock()

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked, nil
}

// recent packs the newest in-session fragments and returns them oldest first.
func (m *Manager) recent(q Query) *Result {
	m.mu.RLock()
	var frags []conversation.ContextFragment
	if h, ok := m.history[q.SessionID]; ok {
		frags = h.fragments
	}
	start := 0
	if len(frags) > m.config.RecentLimit {
		start = len(frags) - m.config.RecentLimit
	}
	newest := make([]conversation.ContextFragment, 0, len(frags)-start)
	for i := len(frags) - 1; i >= start; i-- {
		if frags[i].TenantID == q.TenantID {
			newest = append(newest, frags[i])
		}
	}
	m.mu.RUnlock()

	res := pack(newest, q.Budget)
	for i, j := 0, len(res.Fragments)-1; i < j; i, j = i+1, j-1 {
		res.Fragments[i], res.Fragments[j] = res.Fragments[j], res.Fragments[i]
	}
	res.Degraded = true
	return res
}

// pack adds fragments greedily in order, skipping any that no longer fit.
func pack(candidates []conversation.ContextFragment, total int) *Result {
	budget := NewBudget(total)
	res := &Result{Budget: total, Fragments: []conversation.ContextFragment{}}
	for _, f := range candidates {
		if err := budget.Allocate(f.Tokens); err != nil {
			res.Skipped++
			continue
		}
		res.Fragments = append(res.Fragments, f)
	}
	res.TokensUsed = budget.Allocated
	return res
}
