// Package dispatch runs background operations on a bounded worker pool.
//
// Admission is checked synchronously in Submit: a tenant at its concurrency
// cap is refused and STARTED is published before Submit returns. Each task
// then waits for a worker, runs its handler, and retries transient failures
// with exponential backoff. Every admitted task ends with exactly one
// COMPLETED or FAILED event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/events"
	"github.com/c360studio/elicit/llm"
	"github.com/c360studio/elicit/metrics"
)

// Defaults for Config.
const (
	DefaultWorkers      = 8
	DefaultPerTenantCap = 4
)

var errStopped = errors.New("dispatcher stopped")

// Publisher receives the events tasks produce.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, d events.Draft) (conversation.Event, error)
}

// Config sizes the pool and sets retry behavior per kind.
type Config struct {
	Workers      int                                        `json:"workers" yaml:"workers"`
	PerTenantCap int                                        `json:"per_tenant_cap" yaml:"per_tenant_cap"`
	Retry        map[conversation.OperationKind]RetryPolicy `json:"retry" yaml:"retry"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      DefaultWorkers,
		PerTenantCap: DefaultPerTenantCap,
		Retry: map[conversation.OperationKind]RetryPolicy{
			KindAIExchange:        DefaultRetryPolicy(),
			KindResearch:          DefaultRetryPolicy(),
			KindInconsistencyScan: DefaultRetryPolicy(),
		},
	}
}

// Dispatcher admits and runs tasks.
type Dispatcher struct {
	handlers  Handlers
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Collectors
	transient conversation.TransientChecker
	now       func() time.Time

	sem *semaphore.Weighted

	mu        sync.Mutex
	cfg       Config
	running   bool
	startTime time.Time
	runCtx    context.Context
	stop      context.CancelCauseFunc
	perTenant map[string]int
	bySession map[string]map[string]*Task
	wg        sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig sets pool size, tenant cap, and retry policies.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metric collectors.
func WithMetrics(c *metrics.Collectors) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithTransientChecker overrides which errors are retried.
func WithTransientChecker(fn conversation.TransientChecker) Option {
	return func(d *Dispatcher) { d.transient = fn }
}

// NewDispatcher creates a dispatcher. Call Start before Submit.
func NewDispatcher(handlers Handlers, publisher Publisher, opts ...Option) (*Dispatcher, error) {
	if handlers == nil {
		return nil, fmt.Errorf("handlers are required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	d := &Dispatcher{
		handlers:  handlers,
		publisher: publisher,
		logger:    slog.Default(),
		metrics:   metrics.Noop(),
		transient: llm.IsTransient,
		now:       time.Now,
		cfg:       DefaultConfig(),
		perTenant: make(map[string]int),
		bySession: make(map[string]map[string]*Task),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.Workers <= 0 {
		d.cfg.Workers = DefaultWorkers
	}
	if d.cfg.PerTenantCap <= 0 {
		d.cfg.PerTenantCap = DefaultPerTenantCap
	}
	d.sem = semaphore.NewWeighted(int64(d.cfg.Workers))
	return d, nil
}

// Start enables Submit. Tasks run until ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.runCtx, d.stop = context.WithCancelCause(ctx)
	d.running = true
	d.startTime = d.now()
	d.logger.Info("Dispatcher started",
		"workers", d.cfg.Workers,
		"per_tenant_cap", d.cfg.PerTenantCap)
	return nil
}

// Stop refuses new work, cancels running tasks, and waits up to timeout for
// their terminal events.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.stop(errStopped)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("Dispatcher stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher stop timed out after %s", timeout)
	}
}

// SetPerTenantCap changes the tenant admission cap for future submissions.
func (d *Dispatcher) SetPerTenantCap(n int) {
	if n <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.PerTenantCap = n
	d.mu.Unlock()
}

// Policy returns the retry policy for kind.
func (d *Dispatcher) Policy(kind conversation.OperationKind) RetryPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.cfg.Retry[kind]; ok {
		return p.normalized()
	}
	return DefaultRetryPolicy()
}

// Active returns the number of unfinished tasks of tenantID.
func (d *Dispatcher) Active(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.perTenant[tenantID]
}

// SessionTasks returns the unfinished tasks of a session.
func (d *Dispatcher) SessionTasks(sessionID string) []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Task, 0, len(d.bySession[sessionID]))
	for _, t := range d.bySession[sessionID] {
		out = append(out, t)
	}
	return out
}

// Submit admits op and returns its task once STARTED is published.
func (d *Dispatcher) Submit(ctx context.Context, op Operation) (*Task, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil, fmt.Errorf("submit %s: %w", op.Kind, errStopped)
	}
	if d.perTenant[op.TenantID] >= d.cfg.PerTenantCap {
		limit := d.cfg.PerTenantCap
		d.mu.Unlock()
		d.metrics.TasksRejected.WithLabelValues("tenant_cap").Inc()
		return nil, fmt.Errorf("tenant %s at %d tasks: %w", op.TenantID, limit, conversation.ErrTooManyConcurrentTasks)
	}

	id := op.TaskID
	if id == "" {
		id = uuid.New().String()
	}
	signal, cancel := context.WithCancelCause(d.runCtx)
	t := &Task{
		ID:          id,
		Op:          op,
		SubmittedAt: d.now(),
		d:           d,
		signal:      signal,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	d.perTenant[op.TenantID]++
	if d.bySession[op.SessionID] == nil {
		d.bySession[op.SessionID] = make(map[string]*Task)
	}
	d.bySession[op.SessionID][t.ID] = t
	d.wg.Add(1)
	d.mu.Unlock()

	if _, err := d.publisher.Publish(ctx, op.SessionID, events.Draft{
		Kind:    conversation.EventStarted,
		TaskID:  t.ID,
		Payload: map[string]any{"kind": op.Kind},
	}); err != nil {
		d.unregister(t)
		cancel(nil)
		d.wg.Done()
		return nil, fmt.Errorf("publish started event: %w", err)
	}

	d.metrics.TasksSubmitted.WithLabelValues(string(op.Kind)).Inc()
	d.metrics.TasksActive.Inc()
	d.logger.Debug("Task admitted",
		"task_id", t.ID,
		"kind", op.Kind,
		"tenant_id", op.TenantID,
		"session_id", op.SessionID)

	go d.run(t)
	return t, nil
}

// CancelSession signals every unfinished task of the session. Tasks notice at
// their next checkpoint and fail with SessionClosed.
func (d *Dispatcher) CancelSession(sessionID string) []*Task {
	tasks := d.SessionTasks(sessionID)
	cause := fmt.Errorf("session %s: %w", sessionID, conversation.ErrSessionClosed)
	for _, t := range tasks {
		t.cancel(cause)
	}
	if len(tasks) > 0 {
		d.logger.Info("Cancelled session tasks", "session_id", sessionID, "tasks", len(tasks))
	}
	return tasks
}

func (d *Dispatcher) unregister(t *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.perTenant[t.Op.TenantID]--; d.perTenant[t.Op.TenantID] <= 0 {
		delete(d.perTenant, t.Op.TenantID)
	}
	if m := d.bySession[t.Op.SessionID]; m != nil {
		delete(m, t.ID)
		if len(m) == 0 {
			delete(d.bySession, t.Op.SessionID)
		}
	}
}

func (d *Dispatcher) run(t *Task) {
	defer d.wg.Done()
	defer t.cancel(nil)

	result, attempts, err := d.execute(t)

	out := Outcome{Kind: conversation.EventCompleted, Result: result, Attempts: attempts}
	payload := map[string]any{"kind": t.Op.Kind, "attempts": attempts}
	if err != nil {
		out = Outcome{
			Kind:           conversation.EventFailed,
			Err:            err,
			Classification: conversation.Classify(err, d.retryable),
			Attempts:       attempts,
		}
		payload["classification"] = out.Classification
		payload["error"] = err.Error()
	} else if result != nil {
		payload["result"] = result
	}

	d.unregister(t)

	var once sync.Once
	publish := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(d.runCtx), 10*time.Second)
			defer cancel()
			ev, perr := d.publisher.Publish(ctx, t.Op.SessionID, events.Draft{
				Kind:    out.Kind,
				TaskID:  t.ID,
				Payload: payload,
			})
			if perr != nil {
				d.logger.Error("Failed to publish terminal event",
					"task_id", t.ID,
					"kind", out.Kind,
					"error", perr)
			}
			out.Event = ev
		})
	}
	if t.Op.OnTerminal != nil {
		t.Op.OnTerminal(t, out, publish)
	}
	publish()

	t.outcome = out
	close(t.done)

	d.metrics.TasksActive.Dec()
	d.metrics.TasksFinished.WithLabelValues(string(t.Op.Kind), string(out.Kind)).Inc()
	d.metrics.TaskDuration.WithLabelValues(string(t.Op.Kind)).Observe(d.now().Sub(t.SubmittedAt).Seconds())

	if err != nil {
		d.logger.Warn("Task failed",
			"task_id", t.ID,
			"kind", t.Op.Kind,
			"session_id", t.Op.SessionID,
			"attempts", attempts,
			"classification", out.Classification,
			"error", err)
		return
	}
	d.logger.Info("Task completed",
		"task_id", t.ID,
		"kind", t.Op.Kind,
		"session_id", t.Op.SessionID,
		"attempts", attempts)
}

// execute runs the attempt loop. A worker slot is held only while the
// handler runs, not during backoff.
func (d *Dispatcher) execute(t *Task) (any, int, error) {
	policy := d.Policy(t.Op.Kind)
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := t.Checkpoint(); err != nil {
			return nil, attempts, err
		}
		if err := d.sem.Acquire(t.signal, 1); err != nil {
			return nil, attempts, d.cause(t, err)
		}
		attempts = attempt
		t.attempt.Store(int32(attempt))

		result, err := d.attempt(t, policy)
		d.sem.Release(1)

		if cause := t.Checkpoint(); cause != nil {
			// The session went away mid-call; the result is discarded.
			return nil, attempts, cause
		}
		if err == nil {
			return result, attempts, nil
		}
		lastErr = err
		if !d.retryable(err) || attempt == policy.MaxAttempts {
			break
		}

		wait := policy.Backoff(attempt)
		d.metrics.TaskRetries.WithLabelValues(string(t.Op.Kind)).Inc()
		d.logger.Debug("Task attempt failed, retrying",
			"task_id", t.ID,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"backoff", wait,
			"error", err)

		timer := time.NewTimer(wait)
		select {
		case <-t.signal.Done():
			timer.Stop()
			return nil, attempts, d.cause(t, t.signal.Err())
		case <-timer.C:
		}
	}
	return nil, attempts, lastErr
}

func (d *Dispatcher) attempt(t *Task, policy RetryPolicy) (any, error) {
	ctx := d.runCtx
	if policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		defer cancel()
	}
	return invoke(ctx, d.handlers, t)
}

func (d *Dispatcher) retryable(err error) bool {
	if d.transient(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && d.runCtx.Err() == nil
}

func (d *Dispatcher) cause(t *Task, err error) error {
	if c := context.Cause(t.signal); c != nil {
		return c
	}
	return err
}
