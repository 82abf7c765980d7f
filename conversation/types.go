// Package conversation defines the records shared by the session orchestrator:
// sessions, messages, context fragments, inconsistencies, and progress events.
package conversation

import (
	"encoding/json"
	"time"
)

// SessionType identifies what a conversation is eliciting.
type SessionType string

const (
	SessionVision         SessionType = "vision"
	SessionEpic           SessionType = "epic"
	SessionFeature        SessionType = "feature"
	SessionStory          SessionType = "story"
	SessionDomainModeling SessionType = "domain-modeling"
)

// IsValid returns true if the session type is known.
func (t SessionType) IsValid() bool {
	switch t {
	case SessionVision, SessionEpic, SessionFeature, SessionStory, SessionDomainModeling:
		return true
	default:
		return false
	}
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	// StatusActive sessions accept new exchanges.
	StatusActive SessionStatus = "ACTIVE"
	// StatusPaused sessions are live but reject new exchanges.
	StatusPaused SessionStatus = "PAUSED"
	// StatusCompleted sessions were closed explicitly.
	StatusCompleted SessionStatus = "COMPLETED"
	// StatusExpired sessions passed their expiry without activity.
	StatusExpired SessionStatus = "EXPIRED"
)

func (s SessionStatus) String() string {
	return string(s)
}

// IsTerminal returns true for COMPLETED and EXPIRED.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	switch s {
	case StatusActive:
		return target == StatusPaused || target == StatusCompleted || target == StatusExpired
	case StatusPaused:
		return target == StatusActive || target == StatusCompleted || target == StatusExpired
	default:
		return false
	}
}

// Session is a live conversation bound to one tenant and one product.
type Session struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	ProductID         string        `json:"product_id"`
	Type              SessionType   `json:"type"`
	Status            SessionStatus `json:"status"`
	Participants      []string      `json:"participants"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	ContextTokensUsed int           `json:"context_tokens_used"`
	ClosedReason      string        `json:"closed_reason,omitempty"`
}

// HasParticipant reports whether id is one of the session's participants.
func (s *Session) HasParticipant(id string) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the session lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Participants = append([]string(nil), s.Participants...)
	return &c
}

// Well-known message authors besides participant IDs.
const (
	AuthorSystem = "system"
	AuthorAI     = "ai"
)

// Message is one immutable turn of a conversation.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Order     uint64    `json:"order"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextFragment is a retrievable chunk of prior conversation or research.
// Score is only meaningful within a single retrieval result.
type ContextFragment struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	SessionID       string    `json:"session_id"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	Text            string    `json:"text"`
	Tokens          int       `json:"tokens"`
	Score           float64   `json:"score,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Statement is a requirement statement that can take part in an inconsistency.
// Statements are derived from messages, so the ID is the source message ID.
type Statement struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// InconsistencyStatus is the review state of a detected conflict.
type InconsistencyStatus string

const (
	InconsistencyIdentified  InconsistencyStatus = "IDENTIFIED"
	InconsistencyUnderReview InconsistencyStatus = "UNDER_REVIEW"
	InconsistencyResolved    InconsistencyStatus = "RESOLVED"
	InconsistencyRejected    InconsistencyStatus = "REJECTED"
)

// IsTerminal returns true for RESOLVED and REJECTED.
func (s InconsistencyStatus) IsTerminal() bool {
	return s == InconsistencyResolved || s == InconsistencyRejected
}

// IsOpen returns true while the inconsistency still awaits a decision.
func (s InconsistencyStatus) IsOpen() bool {
	return s == InconsistencyIdentified || s == InconsistencyUnderReview
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s InconsistencyStatus) CanTransitionTo(target InconsistencyStatus) bool {
	switch s {
	case InconsistencyIdentified:
		return target == InconsistencyUnderReview
	case InconsistencyUnderReview:
		return target == InconsistencyResolved || target == InconsistencyRejected
	default:
		return false
	}
}

// Inconsistency records a detected conflict between requirement statements.
type Inconsistency struct {
	ID             string              `json:"id"`
	TenantID       string              `json:"tenant_id"`
	ProductID      string              `json:"product_id"`
	SessionID      string              `json:"session_id"`
	StatementIDs   []string            `json:"statement_ids"`
	PairKey        string              `json:"pair_key"`
	Kind           string              `json:"kind,omitempty"`
	Rationale      string              `json:"rationale,omitempty"`
	Confidence     float64             `json:"confidence"`
	Status         InconsistencyStatus `json:"status"`
	Reviewer       string              `json:"reviewer,omitempty"`
	ResolutionNote string              `json:"resolution_note,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Clone returns a deep copy.
func (i *Inconsistency) Clone() *Inconsistency {
	c := *i
	c.StatementIDs = append([]string(nil), i.StatementIDs...)
	return &c
}

// EventKind is the type of a progress event.
type EventKind string

const (
	EventStarted            EventKind = "STARTED"
	EventProgress           EventKind = "PROGRESS"
	EventInconsistencyFound EventKind = "INCONSISTENCY_FOUND"
	EventCompleted          EventKind = "COMPLETED"
	EventFailed             EventKind = "FAILED"

	// EventsMissed marks a run of events dropped from a slow subscriber's queue.
	EventsMissed EventKind = "EVENTS_MISSED"
	// EventCatchUp summarizes history older than the replay window.
	EventCatchUp EventKind = "CATCH_UP"
)

// IsTerminal returns true for COMPLETED and FAILED.
func (k EventKind) IsTerminal() bool {
	return k == EventCompleted || k == EventFailed
}

// IsSynthetic returns true for delivery markers that carry no sequence of their own.
func (k EventKind) IsSynthetic() bool {
	return k == EventsMissed || k == EventCatchUp
}

// Event is an immutable progress record delivered to session subscribers.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Kind      EventKind       `json:"kind"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// OperationKind identifies a background operation.
type OperationKind string

const (
	OpAIExchange        OperationKind = "AI_EXCHANGE"
	OpResearch          OperationKind = "RESEARCH"
	OpInconsistencyScan OperationKind = "INCONSISTENCY_SCAN"
)
