package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{StatusActive, StatusPaused, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusExpired, true},
		{StatusPaused, StatusActive, true},
		{StatusPaused, StatusExpired, true},
		{StatusCompleted, StatusActive, false},
		{StatusExpired, StatusActive, false},
		{StatusCompleted, StatusExpired, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestInconsistencyStatus_CanTransitionTo(t *testing.T) {
	all := []InconsistencyStatus{
		InconsistencyIdentified, InconsistencyUnderReview,
		InconsistencyResolved, InconsistencyRejected,
	}
	allowed := map[[2]InconsistencyStatus]bool{
		{InconsistencyIdentified, InconsistencyUnderReview}: true,
		{InconsistencyUnderReview, InconsistencyResolved}:   true,
		{InconsistencyUnderReview, InconsistencyRejected}:   true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]InconsistencyStatus{from, to}], from.CanTransitionTo(to),
				"%s -> %s", from, to)
		}
	}
	assert.True(t, InconsistencyResolved.IsTerminal())
	assert.True(t, InconsistencyRejected.IsTerminal())
	assert.True(t, InconsistencyUnderReview.IsOpen())
}

func TestEventKind(t *testing.T) {
	assert.True(t, EventCompleted.IsTerminal())
	assert.True(t, EventFailed.IsTerminal())
	assert.False(t, EventProgress.IsTerminal())
	assert.True(t, EventsMissed.IsSynthetic())
	assert.True(t, EventCatchUp.IsSynthetic())
	assert.False(t, EventStarted.IsSynthetic())
}

func TestSession_CloneIsDeep(t *testing.T) {
	s := &Session{ID: "s1", Participants: []string{"alice"}}
	c := s.Clone()
	c.Participants[0] = "mallory"
	assert.Equal(t, "alice", s.Participants[0])
	assert.True(t, s.HasParticipant("alice"))
	assert.False(t, s.HasParticipant("bob"))
}

func TestClassify(t *testing.T) {
	errBackend := errors.New("backend busy")
	transient := func(err error) bool { return errors.Is(err, errBackend) }

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"session closed", fmt.Errorf("checkpoint: %w", ErrSessionClosed), ClassSessionClosed},
		{"deadline the checker rejects", context.DeadlineExceeded, ClassService},
		{"transient", fmt.Errorf("generate: %w", errBackend), ClassTransientBackend},
		{"other", errors.New("boom"), ClassService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err, transient))
		})
	}

	withDeadlines := func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }
	assert.Equal(t, ClassTransientBackend, Classify(context.DeadlineExceeded, withDeadlines))
}
