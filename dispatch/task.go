package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/events"
)

// Outcome is how a task ended.
type Outcome struct {
	Kind           conversation.EventKind `json:"kind"`
	Result         any                    `json:"result,omitempty"`
	Err            error                  `json:"-"`
	Classification string                 `json:"classification,omitempty"`
	Attempts       int                    `json:"attempts"`
	Event          conversation.Event     `json:"event"`
}

// Succeeded reports whether the task completed.
func (o Outcome) Succeeded() bool {
	return o.Kind == conversation.EventCompleted
}

// Task is an admitted operation.
type Task struct {
	ID          string
	Op          Operation
	SubmittedAt time.Time

	d       *Dispatcher
	signal  context.Context
	cancel  context.CancelCauseFunc
	attempt atomic.Int32
	done    chan struct{}
	outcome Outcome
}

// Attempt returns the current attempt number, starting at 1.
func (t *Task) Attempt() int {
	return int(t.attempt.Load())
}

// Checkpoint returns a non-nil error once the task has been cancelled.
// Handlers call it between stages.
func (t *Task) Checkpoint() error {
	return context.Cause(t.signal)
}

// Cancelled is closed when the task is cancelled.
func (t *Task) Cancelled() <-chan struct{} {
	return t.signal.Done()
}

// Emit publishes an intermediate event for the task. Only PROGRESS and
// INCONSISTENCY_FOUND may be emitted by handlers.
func (t *Task) Emit(ctx context.Context, kind conversation.EventKind, payload any) error {
	if kind != conversation.EventProgress && kind != conversation.EventInconsistencyFound {
		return fmt.Errorf("%w: handlers cannot emit %s", conversation.ErrInvalidInput, kind)
	}
	_, err := t.d.publisher.Publish(ctx, t.Op.SessionID, events.Draft{
		Kind:    kind,
		TaskID:  t.ID,
		Payload: payload,
	})
	return err
}

// Progress emits a PROGRESS event.
func (t *Task) Progress(ctx context.Context, payload any) error {
	return t.Emit(ctx, conversation.EventProgress, payload)
}

// Done is closed after the terminal event has been published.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
