package orchestrator

import (
	"context"
	"fmt"

	"github.com/c360studio/elicit/conversation"
)

// Action is something a participant asks the orchestrator to do.
type Action string

// Actions checked against the Authorizer.
const (
	ActionSubmitMessage        Action = "submit_message"
	ActionResearch             Action = "research"
	ActionScan                 Action = "scan"
	ActionResolveInconsistency Action = "resolve_inconsistency"
	ActionCloseSession         Action = "close_session"
)

// Authorizer decides whether a participant may act on a session.
// Role resolution lives outside this service.
type Authorizer interface {
	Authorize(ctx context.Context, participantID, sessionID string, action Action) error
}

// AllowAll permits every action.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, string, string, Action) error { return nil }

// RoleAuthorizer restricts inconsistency decisions to a fixed set of approvers.
// An empty set allows any participant to decide.
type RoleAuthorizer struct {
	approvers map[string]bool
}

// NewRoleAuthorizer creates an authorizer from the approver IDs.
func NewRoleAuthorizer(approvers []string) *RoleAuthorizer {
	set := make(map[string]bool, len(approvers))
	for _, a := range approvers {
		set[a] = true
	}
	return &RoleAuthorizer{approvers: set}
}

// Authorize implements Authorizer.
func (a *RoleAuthorizer) Authorize(_ context.Context, participantID, _ string, action Action) error {
	if participantID == "" {
		return fmt.Errorf("%w: anonymous participant", conversation.ErrDenied)
	}
	if action == ActionResolveInconsistency && len(a.approvers) > 0 && !a.approvers[participantID] {
		return fmt.Errorf("%w: %s is not an approver", conversation.ErrDenied, participantID)
	}
	return nil
}
