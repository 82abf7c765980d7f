// Package inconsistency detects conflicting requirement statements and
// tracks each conflict through review.
//
// The conflict predicate is delegated to a Classifier. The engine owns
// deduplication by statement set, the review state machine, and the rule
// that resolved or rejected records never change again.
package inconsistency

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/metrics"
)

// DefaultConfidenceThreshold is used when no threshold is configured.
const DefaultConfidenceThreshold = 0.7

// Candidate is a conflict proposed by a classifier.
type Candidate struct {
	StatementIDs []string `json:"statement_ids"`
	Confidence   float64  `json:"confidence"`
	Kind         string   `json:"kind,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
}

// Classifier decides which existing statements conflict with a new one.
type Classifier interface {
	Classify(ctx context.Context, newStmt conversation.Statement, existing []conversation.Statement) ([]Candidate, error)
}

// Sink receives every created or updated record for durable storage.
type Sink interface {
	AppendInconsistency(ctx context.Context, rec *conversation.Inconsistency) error
}

// CheckRequest asks whether a new statement conflicts with existing ones.
type CheckRequest struct {
	TenantID  string
	ProductID string
	SessionID string
	New       conversation.Statement
	Existing  []conversation.Statement
}

// book holds one product's records. Its mutex makes each product single-writer.
type book struct {
	mu         sync.Mutex
	tenantID   string
	records    map[string]*conversation.Inconsistency
	byPair     map[string]string
	statements []conversation.Statement
	stmtIndex  map[string]bool
}

func newBook(tenantID string) *book {
	return &book{
		tenantID:  tenantID,
		records:   make(map[string]*conversation.Inconsistency),
		byPair:    make(map[string]string),
		stmtIndex: make(map[string]bool),
	}
}

// Engine records inconsistencies per product.
type Engine struct {
	classifier Classifier
	sink       Sink
	logger     *slog.Logger
	metrics    *metrics.Collectors
	now        func() time.Time

	mu        sync.RWMutex
	threshold float64
	books     map[string]*book
	owner     map[string]*book
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold sets the minimum confidence for a candidate to be recorded.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithSink sets the durable sink.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metric collectors.
func WithMetrics(c *metrics.Collectors) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. A nil classifier disables Check and Scan but
// still allows Raise and transitions.
func NewEngine(classifier Classifier, opts ...Option) *Engine {
	e := &Engine{
		classifier: classifier,
		logger:     slog.Default(),
		metrics:    metrics.Noop(),
		now:        time.Now,
		threshold:  DefaultConfidenceThreshold,
		books:      make(map[string]*book),
		owner:      make(map[string]*book),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetThreshold changes the confidence threshold at runtime.
func (e *Engine) SetThreshold(t float64) {
	e.mu.Lock()
	e.threshold = t
	e.mu.Unlock()
}

// Threshold returns the current confidence threshold.
func (e *Engine) Threshold() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.threshold
}

func bookKey(tenantID, productID string) string {
	return tenantID + "/" + productID
}

func (e *Engine) book(tenantID, productID string) *book {
	key := bookKey(tenantID, productID)
	e.mu.RLock()
	b, ok := e.books[key]
	e.mu.RUnlock()
	if ok {
		return b
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[key]; !ok {
		b = newBook(tenantID)
		e.books[key] = b
	}
	return b
}

// PairKey returns the canonical identity of a statement set.
func PairKey(statementIDs []string) string {
	ids := normalizeIDs(statementIDs)
	return strings.Join(ids, "|")
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RecordStatement adds a statement to the product's history. Statements are
// recorded once by ID.
func (e *Engine) RecordStatement(tenantID, productID string, stmt conversation.Statement) {
	b := e.book(tenantID, productID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stmtIndex[stmt.ID] {
		return
	}
	b.stmtIndex[stmt.ID] = true
	b.statements = append(b.statements, stmt)
}

// Statements returns the product's recorded statements in insertion order.
func (e *Engine) Statements(tenantID, productID string) []conversation.Statement {
	b := e.book(tenantID, productID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]conversation.Statement(nil), b.statements...)
}

// Candidate discard reasons.
const (
	DiscardMalformed = "malformed"
	DiscardUnknown   = "unknown_statement"
)

// Check classifies the new statement against existing ones and records every
// candidate above the threshold that is not already known. Only newly
// created records are returned.
func (e *Engine) Check(ctx context.Context, req CheckRequest) ([]*conversation.Inconsistency, error) {
	candidates, err := e.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	e.RecordStatement(req.TenantID, req.ProductID, req.New)
	return e.Commit(ctx, req, candidates), nil
}

// Evaluate asks the classifier about the new statement without recording
// anything. Candidates naming fewer than two distinct statements, or a
// statement outside the request, are logged and dropped.
func (e *Engine) Evaluate(ctx context.Context, req CheckRequest) ([]Candidate, error) {
	if e.classifier == nil || len(req.Existing) == 0 {
		return nil, nil
	}

	candidates, err := e.classifier.Classify(ctx, req.New, req.Existing)
	if err != nil {
		return nil, fmt.Errorf("classify statement %s: %w", req.New.ID, err)
	}

	known := make(map[string]bool, len(req.Existing)+1)
	known[req.New.ID] = true
	for _, s := range req.Existing {
		known[s.ID] = true
	}

	out := candidates[:0:0]
	for _, c := range candidates {
		if reason := e.discardReason(c, known); reason != "" {
			e.metrics.CandidatesDiscarded.WithLabelValues(reason).Inc()
			e.logger.Warn("Discarding classifier candidate",
				"product_id", req.ProductID,
				"statement_id", req.New.ID,
				"statement_ids", c.StatementIDs,
				"reason", reason)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) discardReason(c Candidate, known map[string]bool) string {
	if len(normalizeIDs(c.StatementIDs)) < 2 {
		return DiscardMalformed
	}
	for _, id := range c.StatementIDs {
		if !known[id] {
			return DiscardUnknown
		}
	}
	return ""
}

// Commit records evaluated candidates and returns the newly created records.
// A candidate that cannot be recorded is logged and skipped.
func (e *Engine) Commit(ctx context.Context, req CheckRequest, candidates []Candidate) []*conversation.Inconsistency {
	var created []*conversation.Inconsistency
	for _, c := range candidates {
		rec, isNew, err := e.Raise(ctx, req.TenantID, req.ProductID, req.SessionID, c)
		if err != nil {
			e.metrics.CandidatesDiscarded.WithLabelValues(DiscardMalformed).Inc()
			e.logger.Warn("Failed to record candidate",
				"product_id", req.ProductID,
				"statement_ids", c.StatementIDs,
				"error", err)
			continue
		}
		if isNew {
			created = append(created, rec)
		}
	}
	return created
}

// Raise records a candidate unless its confidence is below the threshold or
// the same statement set already has an open or rejected record. It returns
// the record and whether it was newly created.
func (e *Engine) Raise(ctx context.Context, tenantID, productID, sessionID string, c Candidate) (*conversation.Inconsistency, bool, error) {
	ids := normalizeIDs(c.StatementIDs)
	if len(ids) < 2 {
		return nil, false, fmt.Errorf("%w: an inconsistency needs two distinct statements", conversation.ErrInvalidInput)
	}
	if c.Confidence < e.Threshold() {
		return nil, false, nil
	}
	key := strings.Join(ids, "|")

	b := e.book(tenantID, productID)
	b.mu.Lock()
	if id, ok := b.byPair[key]; ok {
		existing := b.records[id]
		if existing.Status.IsOpen() || existing.Status == conversation.InconsistencyRejected {
			rec := existing.Clone()
			b.mu.Unlock()
			return rec, false, nil
		}
	}
	now := e.now()
	rec := &conversation.Inconsistency{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		ProductID:    productID,
		SessionID:    sessionID,
		StatementIDs: ids,
		PairKey:      key,
		Kind:         c.Kind,
		Rationale:    c.Rationale,
		Confidence:   c.Confidence,
		Status:       conversation.InconsistencyIdentified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	b.records[rec.ID] = rec
	b.byPair[key] = rec.ID
	out := rec.Clone()
	b.mu.Unlock()

	e.mu.Lock()
	e.owner[rec.ID] = b
	e.mu.Unlock()

	e.metrics.InconsistenciesRaised.Inc()
	e.logger.Info("Inconsistency identified",
		"inconsistency_id", out.ID,
		"product_id", productID,
		"statement_ids", ids,
		"confidence", c.Confidence)
	e.persist(ctx, out)
	return out, true, nil
}

// Get returns a copy of the record, enforcing tenant isolation.
func (e *Engine) Get(tenantID, id string) (*conversation.Inconsistency, error) {
	b, err := e.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records[id].Clone(), nil
}

// List returns the product's records, oldest first. An empty status matches all.
func (e *Engine) List(tenantID, productID string, status conversation.InconsistencyStatus) []*conversation.Inconsistency {
	b := e.book(tenantID, productID)
	b.mu.Lock()
	out := make([]*conversation.Inconsistency, 0, len(b.records))
	for _, rec := range b.records {
		if status == "" || rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AssignReviewer moves IDENTIFIED to UNDER_REVIEW.
func (e *Engine) AssignReviewer(ctx context.Context, tenantID, id, reviewer string) (*conversation.Inconsistency, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", conversation.ErrInvalidInput)
	}
	return e.transition(ctx, tenantID, id, conversation.InconsistencyUnderReview, func(rec *conversation.Inconsistency) {
		rec.Reviewer = reviewer
	})
}

// Resolve moves UNDER_REVIEW to RESOLVED.
func (e *Engine) Resolve(ctx context.Context, tenantID, id, note string) (*conversation.Inconsistency, error) {
	return e.transition(ctx, tenantID, id, conversation.InconsistencyResolved, func(rec *conversation.Inconsistency) {
		rec.ResolutionNote = note
	})
}

// Reject moves UNDER_REVIEW to REJECTED.
func (e *Engine) Reject(ctx context.Context, tenantID, id, note string) (*conversation.Inconsistency, error) {
	return e.transition(ctx, tenantID, id, conversation.InconsistencyRejected, func(rec *conversation.Inconsistency) {
		rec.ResolutionNote = note
	})
}

func (e *Engine) transition(ctx context.Context, tenantID, id string, target conversation.InconsistencyStatus, apply func(*conversation.Inconsistency)) (*conversation.Inconsistency, error) {
	b, err := e.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	rec := b.records[id]
	if !rec.Status.CanTransitionTo(target) {
		from := rec.Status
		b.mu.Unlock()
		return nil, fmt.Errorf("inconsistency %s %s -> %s: %w", id, from, target, conversation.ErrIllegalTransition)
	}
	rec.Status = target
	rec.UpdatedAt = e.now()
	apply(rec)
	out := rec.Clone()
	b.mu.Unlock()

	e.metrics.InconsistencyDecision.WithLabelValues(string(target)).Inc()
	e.logger.Info("Inconsistency transitioned",
		"inconsistency_id", id,
		"status", target)
	e.persist(ctx, out)
	return out, nil
}

func (e *Engine) lookup(tenantID, id string) (*book, error) {
	e.mu.RLock()
	b, ok := e.owner[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inconsistency %s: %w", id, conversation.ErrNotFound)
	}
	if b.tenantID != tenantID {
		return nil, fmt.Errorf("inconsistency %s: %w", id, conversation.ErrCrossTenantAccess)
	}
	return b, nil
}

func (e *Engine) persist(ctx context.Context, rec *conversation.Inconsistency) {
	if e.sink == nil {
		return
	}
	if err := e.sink.AppendInconsistency(ctx, rec); err != nil {
		e.logger.Warn("Failed to persist inconsistency",
			"inconsistency_id", rec.ID,
			"status", rec.Status,
			"error", err)
	}
}

// ScanProgress is called after each statement is checked during a scan.
type ScanProgress func(checked, total int)

// Scan re-checks every recorded statement of the product against the
// statements recorded before it. Up to parallelism classifier calls run at once.
func (e *Engine) Scan(ctx context.Context, tenantID, productID, sessionID string, parallelism int, progress ScanProgress) ([]*conversation.Inconsistency, error) {
	stmts := e.Statements(tenantID, productID)
	if len(stmts) < 2 {
		return nil, nil
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	total := len(stmts) - 1
	var (
		mu      sync.Mutex
		created []*conversation.Inconsistency
		checked int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i := 1; i < len(stmts); i++ {
		req := CheckRequest{
			TenantID:  tenantID,
			ProductID: productID,
			SessionID: sessionID,
			New:       stmts[i],
			Existing:  stmts[:i],
		}
		g.Go(func() error {
			recs, err := e.Check(gctx, req)
			mu.Lock()
			created = append(created, recs...)
			checked++
			done := checked
			mu.Unlock()
			if err != nil {
				return err
			}
			if progress != nil {
				progress(done, total)
			}
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(created, func(i, j int) bool { return created[i].PairKey < created[j].PairKey })
	return created, err
}
