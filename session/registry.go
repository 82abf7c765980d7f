// Package session owns the tenant-scoped table of live conversation sessions.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/metrics"
)

// DefaultTTL is used when a session is opened without an explicit TTL.
const DefaultTTL = 30 * time.Minute

// CloseListener is notified once a session reaches COMPLETED or EXPIRED.
// Listeners run outside registry and session locks.
type CloseListener func(s *conversation.Session)

// OpenRequest holds the parameters for opening a session.
type OpenRequest struct {
	// ID is optional; a UUID is generated when empty.
	ID           string
	TenantID     string
	ProductID    string
	Type         conversation.SessionType
	Participants []string
	TTL          time.Duration
}

// Validate checks the request for required fields.
func (r *OpenRequest) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", conversation.ErrInvalidInput)
	}
	if r.ProductID == "" {
		return fmt.Errorf("%w: product_id is required", conversation.ErrInvalidInput)
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("%w: unknown session type %q", conversation.ErrInvalidInput, r.Type)
	}
	if len(r.Participants) == 0 {
		return fmt.Errorf("%w: at least one participant is required", conversation.ErrInvalidInput)
	}
	if r.TTL < 0 {
		return fmt.Errorf("%w: ttl must not be negative", conversation.ErrInvalidInput)
	}
	return nil
}

// maxTombstones bounds how many finished session IDs are remembered.
const maxTombstones = 4096

// tombstone remembers a finished session so later lookups report it closed.
type tombstone struct {
	tenantID string
	seq      uint64
}

type tombstoneRef struct {
	id  string
	seq uint64
}

// Registry is the single owner of live sessions. Entries are created by Open
// and removed by Close, lazy expiry in Get, or Sweep.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Handle
	closed     map[string]tombstone
	closedFIFO []tombstoneRef
	closedSeq  uint64
	listeners  []CloseListener
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Collectors
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTTL sets the TTL used when OpenRequest.TTL is zero.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.defaultTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithMetrics records opened and closed sessions.
func WithMetrics(m *metrics.Collectors) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:   make(map[string]*Handle),
		closed:     make(map[string]tombstone),
		defaultTTL: DefaultTTL,
		now:        time.Now,
		logger:     slog.Default(),
		metrics:    metrics.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnClose registers a listener for session close and expiry.
func (r *Registry) OnClose(l CloseListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Open creates a new ACTIVE session.
func (r *Registry) Open(req OpenRequest) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = r.defaultTTL
	}
	now := r.now()

	h := newHandle(&conversation.Session{
		ID:           id,
		TenantID:     req.TenantID,
		ProductID:    req.ProductID,
		Type:         req.Type,
		Status:       conversation.StatusActive,
		Participants: append([]string(nil), req.Participants...),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}, ttl)

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, conversation.ErrAlreadyExists)
	}
	r.sessions[id] = h
	delete(r.closed, id)
	r.mu.Unlock()
	r.metrics.SessionsOpened.Inc()

	r.logger.Info("Session opened",
		"session_id", id,
		"tenant_id", req.TenantID,
		"product_id", req.ProductID,
		"type", req.Type,
		"ttl", ttl)
	return h, nil
}

// Get returns the live session for the tenant. An overdue session is expired
// on access and reported as closed, as is a recently finished one.
func (r *Registry) Get(tenantID, sessionID string) (*Handle, error) {
	r.mu.RLock()
	h, ok := r.sessions[sessionID]
	dead, wasClosed := r.closed[sessionID]
	r.mu.RUnlock()
	if !ok {
		switch {
		case !wasClosed:
			return nil, fmt.Errorf("session %s: %w", sessionID, conversation.ErrNotFound)
		case dead.tenantID != tenantID:
			return nil, fmt.Errorf("session %s: %w", sessionID, conversation.ErrCrossTenantAccess)
		default:
			return nil, fmt.Errorf("session %s: %w", sessionID, conversation.ErrSessionClosed)
		}
	}
	if h.tenantID != tenantID {
		return nil, fmt.Errorf("session %s: %w", sessionID, conversation.ErrCrossTenantAccess)
	}
	if h.overdue(r.now()) {
		r.finish(h, conversation.StatusExpired, "expired")
		return nil, fmt.Errorf("session %s: %w", sessionID, conversation.ErrSessionClosed)
	}
	return h, nil
}

// Touch pushes the session's expiry to now plus its TTL.
func (r *Registry) Touch(tenantID, sessionID string) error {
	h, err := r.Get(tenantID, sessionID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.session.ExpiresAt = r.now().Add(h.ttl)
	h.mu.Unlock()
	return nil
}

// Close marks the session COMPLETED and removes it from the registry.
func (r *Registry) Close(tenantID, sessionID, reason string) error {
	h, err := r.Get(tenantID, sessionID)
	if err != nil {
		return err
	}
	if !r.finish(h, conversation.StatusCompleted, reason) {
		return fmt.Errorf("session %s: %w", sessionID, conversation.ErrSessionClosed)
	}
	return nil
}

// Pause stops the session from accepting new exchanges.
func (r *Registry) Pause(tenantID, sessionID string) error {
	return r.transition(tenantID, sessionID, conversation.StatusPaused)
}

// Resume reactivates a paused session.
func (r *Registry) Resume(tenantID, sessionID string) error {
	return r.transition(tenantID, sessionID, conversation.StatusActive)
}

func (r *Registry) transition(tenantID, sessionID string, target conversation.SessionStatus) error {
	h, err := r.Get(tenantID, sessionID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.session.Status.CanTransitionTo(target) {
		return fmt.Errorf("session %s %s -> %s: %w",
			sessionID, h.session.Status, target, conversation.ErrIllegalTransition)
	}
	h.session.Status = target
	return nil
}

// CloseTenant completes every session of the tenant and returns how many were closed.
func (r *Registry) CloseTenant(tenantID, reason string) int {
	return r.closeMatching(func(h *Handle) bool { return h.tenantID == tenantID }, reason)
}

// CloseAll completes every live session, as on shutdown.
func (r *Registry) CloseAll(reason string) int {
	return r.closeMatching(func(*Handle) bool { return true }, reason)
}

func (r *Registry) closeMatching(match func(*Handle) bool, reason string) int {
	r.mu.RLock()
	var owned []*Handle
	for _, h := range r.sessions {
		if match(h) {
			owned = append(owned, h)
		}
	}
	r.mu.RUnlock()

	closed := 0
	for _, h := range owned {
		if r.finish(h, conversation.StatusCompleted, reason) {
			closed++
		}
	}
	return closed
}

// Sweep expires every session whose expiry is at or before now.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	var overdue []*Handle
	for _, h := range r.sessions {
		if h.overdue(now) {
			overdue = append(overdue, h)
		}
	}
	r.mu.RUnlock()

	expired := 0
	for _, h := range overdue {
		if r.finish(h, conversation.StatusExpired, "expired") {
			expired++
		}
	}
	return expired
}

// bury records a tombstone, evicting the oldest past maxTombstones.
// Callers hold r.mu.
func (r *Registry) bury(id, tenantID string) {
	r.closedSeq++
	r.closed[id] = tombstone{tenantID: tenantID, seq: r.closedSeq}
	r.closedFIFO = append(r.closedFIFO, tombstoneRef{id: id, seq: r.closedSeq})
	for len(r.closedFIFO) > maxTombstones {
		old := r.closedFIFO[0]
		r.closedFIFO = r.closedFIFO[1:]
		if cur, ok := r.closed[old.id]; ok && cur.seq == old.seq {
			delete(r.closed, old.id)
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// finish moves the session to a terminal status, removes it, and notifies
// listeners. It returns false if another caller already finished it.
func (r *Registry) finish(h *Handle, status conversation.SessionStatus, reason string) bool {
	h.mu.Lock()
	if h.session.Status.IsTerminal() {
		h.mu.Unlock()
		return false
	}
	h.session.Status = status
	h.session.ClosedReason = reason
	snapshot := h.session.Clone()
	h.mu.Unlock()

	r.mu.Lock()
	if cur, ok := r.sessions[snapshot.ID]; ok && cur == h {
		delete(r.sessions, snapshot.ID)
		r.bury(snapshot.ID, snapshot.TenantID)
	}
	listeners := append([]CloseListener(nil), r.listeners...)
	r.mu.Unlock()

	h.cancel()
	r.metrics.SessionsClosed.WithLabelValues(string(status)).Inc()

	r.logger.Info("Session closed",
		"session_id", snapshot.ID,
		"tenant_id", snapshot.TenantID,
		"status", status,
		"reason", reason)

	for _, l := range listeners {
		l(snapshot)
	}
	return true
}
