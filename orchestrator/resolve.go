package orchestrator

import (
	"context"
	"fmt"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/events"
)

// Decision is a reviewer action on an inconsistency.
type Decision string

// Decisions accepted by ResolveInconsistency.
const (
	DecisionAssign  Decision = "assign"
	DecisionResolve Decision = "resolve"
	DecisionReject  Decision = "reject"
)

// IsValid returns true if the decision is known.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionAssign, DecisionResolve, DecisionReject:
		return true
	default:
		return false
	}
}

// ResolveInconsistency applies a reviewer decision. Assign takes the record
// under review with the participant as reviewer; resolve and reject close it
// with the note. The originating session, if still live, receives a PROGRESS
// event with the updated record.
func (o *Orchestrator) ResolveInconsistency(ctx context.Context, tenantID, participantID, id string, decision Decision, note string) (*conversation.Inconsistency, error) {
	if !decision.IsValid() {
		return nil, fmt.Errorf("%w: unknown decision %q", conversation.ErrInvalidInput, decision)
	}
	rec, err := o.engine.Get(tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := o.authorizer.Authorize(ctx, participantID, rec.SessionID, ActionResolveInconsistency); err != nil {
		return nil, err
	}

	var updated *conversation.Inconsistency
	switch decision {
	case DecisionAssign:
		updated, err = o.engine.AssignReviewer(ctx, tenantID, id, participantID)
	case DecisionResolve:
		updated, err = o.engine.Resolve(ctx, tenantID, id, note)
	case DecisionReject:
		updated, err = o.engine.Reject(ctx, tenantID, id, note)
	}
	if err != nil {
		return nil, err
	}

	o.announceDecision(ctx, updated, participantID, decision)
	return updated, nil
}

func (o *Orchestrator) announceDecision(ctx context.Context, rec *conversation.Inconsistency, participantID string, decision Decision) {
	h, err := o.registry.Get(rec.TenantID, rec.SessionID)
	if err != nil {
		return
	}
	h.Lock()
	defer h.Unlock()
	if h.Session().Status.IsTerminal() {
		return
	}
	_, err = o.hub.Publish(ctx, rec.SessionID, events.Draft{
		Kind: conversation.EventProgress,
		Payload: map[string]any{
			"decision":      decision,
			"decided_by":    participantID,
			"inconsistency": rec,
		},
	})
	if err != nil {
		o.logger.Warn("Failed to publish decision",
			"session_id", rec.SessionID,
			"inconsistency_id", rec.ID,
			"error", err)
	}
}

// Inconsistencies lists a product's records, optionally filtered by status.
func (o *Orchestrator) Inconsistencies(tenantID, productID string, status conversation.InconsistencyStatus) []*conversation.Inconsistency {
	return o.engine.List(tenantID, productID, status)
}
