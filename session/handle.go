package session

import (
	"sync"
	"time"

	"github.com/c360studio/elicit/conversation"
)

// Handle is the registry's live view of one session. The exported accessors
// that do not take the lock themselves must be called between Lock and Unlock.
type Handle struct {
	mu       sync.Mutex
	session  *conversation.Session
	tenantID string
	ttl      time.Duration

	claimed   bool
	claimTask string
	lastOrder uint64

	done      chan struct{}
	closeOnce sync.Once
}

func newHandle(s *conversation.Session, ttl time.Duration) *Handle {
	return &Handle{
		session:  s,
		tenantID: s.TenantID,
		ttl:      ttl,
		done:     make(chan struct{}),
	}
}

// ID returns the session ID.
func (h *Handle) ID() string {
	return h.session.ID
}

// TenantID returns the owning tenant.
func (h *Handle) TenantID() string {
	return h.tenantID
}

// Lock acquires the session's exclusive lock.
func (h *Handle) Lock() { h.mu.Lock() }

// Unlock releases the session's exclusive lock.
func (h *Handle) Unlock() { h.mu.Unlock() }

// Session returns the mutable session record. Caller must hold the lock.
func (h *Handle) Session() *conversation.Session {
	return h.session
}

// Snapshot returns a copy of the session record.
func (h *Handle) Snapshot() *conversation.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session.Clone()
}

// Claimed reports whether an exchange currently holds the session. Caller must hold the lock.
func (h *Handle) Claimed() bool {
	return h.claimed
}

// ClaimedBy returns the task holding the exchange claim. Caller must hold the lock.
func (h *Handle) ClaimedBy() string {
	return h.claimTask
}

// Claim takes the exchange claim for taskID. It returns false if the claim
// is already held. Caller must hold the lock.
func (h *Handle) Claim(taskID string) bool {
	if h.claimed {
		return false
	}
	h.claimed = true
	h.claimTask = taskID
	return true
}

// SetClaimTask records the task ID once it is known. Caller must hold the lock.
func (h *Handle) SetClaimTask(taskID string) {
	if h.claimed {
		h.claimTask = taskID
	}
}

// Release drops the exchange claim if taskID holds it, or unconditionally
// when taskID is empty. Caller must hold the lock.
func (h *Handle) Release(taskID string) {
	if taskID != "" && h.claimTask != taskID {
		return
	}
	h.claimed = false
	h.claimTask = ""
}

// NextOrder reserves the next message order number. Caller must hold the lock.
func (h *Handle) NextOrder() uint64 {
	h.lastOrder++
	return h.lastOrder
}

// Done is closed once the session is completed or expired.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Closed reports whether Done has been closed.
func (h *Handle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) cancel() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Handle) overdue(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.session.Status.IsTerminal() && !now.Before(h.session.ExpiresAt)
}
