package dispatch

import (
	"context"
	"fmt"

	"github.com/c360studio/elicit/conversation"
)

// Operation kinds accepted by the dispatcher.
const (
	KindAIExchange        = conversation.OpAIExchange
	KindResearch          = conversation.OpResearch
	KindInconsistencyScan = conversation.OpInconsistencyScan
)

// ExchangeRequest asks for one AI exchange answering a participant message.
type ExchangeRequest struct {
	MessageID     string `json:"message_id"`
	ParticipantID string `json:"participant_id"`
	Content       string `json:"content"`
}

// ResearchRequest asks for external material to be fetched into session context.
type ResearchRequest struct {
	ParticipantID string   `json:"participant_id"`
	URLs          []string `json:"urls"`
	Topic         string   `json:"topic,omitempty"`
}

// ScanRequest asks for a full inconsistency scan of a product.
type ScanRequest struct {
	ProductID   string `json:"product_id"`
	Parallelism int    `json:"parallelism,omitempty"`
}

// TerminalHook runs when a task finishes. It must call publish exactly once;
// the terminal event is emitted inside that call, so the hook can make the
// emission atomic with its own bookkeeping.
type TerminalHook func(t *Task, out Outcome, publish func())

// Operation is a unit of background work. Exactly one of Exchange, Research
// or Scan is set, matching Kind.
type Operation struct {
	Kind      conversation.OperationKind
	TenantID  string
	SessionID string

	// TaskID pre-assigns the task ID. Empty means the dispatcher generates one.
	TaskID string

	Exchange *ExchangeRequest
	Research *ResearchRequest
	Scan     *ScanRequest

	OnTerminal TerminalHook
}

// Validate checks that the payload matches the kind.
func (o Operation) Validate() error {
	if o.TenantID == "" || o.SessionID == "" {
		return fmt.Errorf("%w: operation needs tenant and session", conversation.ErrInvalidInput)
	}
	var ok bool
	switch o.Kind {
	case KindAIExchange:
		ok = o.Exchange != nil && o.Research == nil && o.Scan == nil
	case KindResearch:
		ok = o.Research != nil && o.Exchange == nil && o.Scan == nil && len(o.Research.URLs) > 0
	case KindInconsistencyScan:
		ok = o.Scan != nil && o.Exchange == nil && o.Research == nil && o.Scan.ProductID != ""
	default:
		return fmt.Errorf("%w: unknown operation kind %q", conversation.ErrInvalidInput, o.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match %s", conversation.ErrInvalidInput, o.Kind)
	}
	return nil
}

// Handlers executes each operation kind. A handler is called once per
// attempt and must be safe to call again after a transient failure.
type Handlers interface {
	RunExchange(ctx context.Context, t *Task, req *ExchangeRequest) (any, error)
	RunResearch(ctx context.Context, t *Task, req *ResearchRequest) (any, error)
	RunScan(ctx context.Context, t *Task, req *ScanRequest) (any, error)
}

func invoke(ctx context.Context, h Handlers, t *Task) (any, error) {
	switch t.Op.Kind {
	case KindAIExchange:
		return h.RunExchange(ctx, t, t.Op.Exchange)
	case KindResearch:
		return h.RunResearch(ctx, t, t.Op.Research)
	case KindInconsistencyScan:
		return h.RunScan(ctx, t, t.Op.Scan)
	default:
		return nil, fmt.Errorf("%w: unknown operation kind %q", conversation.ErrInvalidInput, t.Op.Kind)
	}
}
