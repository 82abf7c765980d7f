// Package orchestrator coordinates conversational elicitation sessions.
//
// The Orchestrator is the only component collaborators address directly. It
// owns per-session transcripts, serializes exchanges with an exclusive claim
// on each session, and runs every exchange as a background AI_EXCHANGE task
// with the fixed sequence retrieve, generate, check, finalize. Task progress
// reaches subscribers through the event hub.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/dispatch"
	"github.com/c360studio/elicit/events"
	"github.com/c360studio/elicit/inconsistency"
	"github.com/c360studio/elicit/llm"
	"github.com/c360studio/elicit/research"
	"github.com/c360studio/elicit/retrieval"
	"github.com/c360studio/elicit/session"
	"github.com/c360studio/elicit/storage"
)

// Defaults for Config.
const (
	DefaultTokenBudget     = 4000
	DefaultHistoryMessages = 12
	DefaultScanParallelism = 4
)

// Generator produces AI responses.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Researcher fetches one external document split into chunks.
type Researcher interface {
	Research(ctx context.Context, rawURL string) (*research.Result, error)
}

// Config holds orchestrator tunables.
type Config struct {
	// TokenBudget bounds the retrieved context of one exchange.
	TokenBudget int
	// HistoryMessages is how many recent transcript messages go into the prompt.
	HistoryMessages int
	// ScanParallelism bounds classifier calls during an inconsistency scan.
	ScanParallelism int
	// Dispatch sizes the background worker pool.
	Dispatch dispatch.Config
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		TokenBudget:     DefaultTokenBudget,
		HistoryMessages: DefaultHistoryMessages,
		ScanParallelism: DefaultScanParallelism,
		Dispatch:        dispatch.DefaultConfig(),
	}
}

// Deps are the components the orchestrator coordinates.
type Deps struct {
	Registry        *session.Registry
	Retrieval       *retrieval.Manager
	Inconsistencies *inconsistency.Engine
	Hub             *events.Hub
	Generator       Generator

	// Optional.
	Researcher Researcher
	Authorizer Authorizer
	Store      storage.Store
}

// Receipt acknowledges an accepted message.
type Receipt struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
	Order     uint64 `json:"order"`
}

// transcript is the message log of one session. It is guarded by the
// session handle's lock.
type transcript struct {
	messages []*conversation.Message
}

// Orchestrator runs elicitation sessions.
type Orchestrator struct {
	registry   *session.Registry
	retrieval  *retrieval.Manager
	engine     *inconsistency.Engine
	hub        *events.Hub
	generator  Generator
	researcher Researcher
	authorizer Authorizer
	store      storage.Store
	dispatcher *dispatch.Dispatcher

	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	transcripts map[string]*transcript
	exchanges   map[string]*exchange
	research    map[string]map[string]DocumentOutcome

	closers sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	dispatchOps []dispatch.Option
}

// WithConfig sets the tunables.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithDispatchOptions passes extra options to the internal dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(o *options) { o.dispatchOps = append(o.dispatchOps, opts...) }
}

// New wires an orchestrator and its dispatcher. Call Start before use.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Retrieval == nil || deps.Inconsistencies == nil || deps.Hub == nil {
		return nil, fmt.Errorf("registry, retrieval, inconsistencies and hub are required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	o := options{cfg: DefaultConfig(), logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg.TokenBudget <= 0 {
		o.cfg.TokenBudget = DefaultTokenBudget
	}
	if o.cfg.HistoryMessages <= 0 {
		o.cfg.HistoryMessages = DefaultHistoryMessages
	}
	if o.cfg.ScanParallelism <= 0 {
		o.cfg.ScanParallelism = DefaultScanParallelism
	}
	if deps.Authorizer == nil {
		deps.Authorizer = AllowAll{}
	}

	orch := &Orchestrator{
		registry:    deps.Registry,
		retrieval:   deps.Retrieval,
		engine:      deps.Inconsistencies,
		hub:         deps.Hub,
		generator:   deps.Generator,
		researcher:  deps.Researcher,
		authorizer:  deps.Authorizer,
		store:       deps.Store,
		cfg:         o.cfg,
		logger:      o.logger,
		now:         o.now,
		transcripts: make(map[string]*transcript),
		exchanges:   make(map[string]*exchange),
		research:    make(map[string]map[string]DocumentOutcome),
	}

	dopts := append([]dispatch.Option{
		dispatch.WithConfig(o.cfg.Dispatch),
		dispatch.WithLogger(o.logger),
	}, o.dispatchOps...)
	d, err := dispatch.NewDispatcher(orch, deps.Hub, dopts...)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	orch.dispatcher = d

	deps.Registry.OnClose(orch.sessionClosed)
	return orch, nil
}

// Start starts the dispatcher.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.dispatcher.Start(ctx)
}

// Stop stops the dispatcher and waits for session teardown to finish.
func (o *Orchestrator) Stop(timeout time.Duration) error {
	err := o.dispatcher.Stop(timeout)

	done := make(chan struct{})
	go func() {
		o.closers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		if err == nil {
			err = fmt.Errorf("session teardown did not finish within %v", timeout)
		}
	}
	return err
}

// Tune applies tunables that may change at runtime.
func (o *Orchestrator) Tune(perTenantCap int, threshold float64) {
	if perTenantCap > 0 {
		o.dispatcher.SetPerTenantCap(perTenantCap)
	}
	o.engine.SetThreshold(threshold)
}

// Dispatcher exposes the task dispatcher for inspection.
func (o *Orchestrator) Dispatcher() *dispatch.Dispatcher {
	return o.dispatcher
}

// OpenSession creates a session.
func (o *Orchestrator) OpenSession(_ context.Context, req session.OpenRequest) (*conversation.Session, error) {
	h, err := o.registry.Open(req)
	if err != nil {
		return nil, err
	}
	o.hub.Open(h.ID())
	o.mu.Lock()
	o.transcripts[h.ID()] = &transcript{}
	o.mu.Unlock()
	return h.Snapshot(), nil
}

// Session returns a snapshot of a live session.
func (o *Orchestrator) Session(tenantID, sessionID string) (*conversation.Session, error) {
	h, err := o.registry.Get(tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	return h.Snapshot(), nil
}

// SubmitRequest is one participant message.
type SubmitRequest struct {
	TenantID      string
	SessionID     string
	ParticipantID string
	Content       string
	ReplyTo       string
}

// SubmitMessage appends the participant's message and starts the exchange
// that answers it. At most one exchange per session is in flight; a second
// submission before the first one's terminal event fails with
// ErrExchangeInProgress. Exchange outcomes arrive only as events.
func (o *Orchestrator) SubmitMessage(ctx context.Context, req SubmitRequest) (*Receipt, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", conversation.ErrInvalidInput)
	}
	h, err := o.admit(ctx, req.TenantID, req.SessionID, req.ParticipantID, ActionSubmitMessage)
	if err != nil {
		return nil, err
	}

	msg := &conversation.Message{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		TenantID:  req.TenantID,
		Author:    req.ParticipantID,
		Content:   req.Content,
		ReplyTo:   req.ReplyTo,
	}
	taskID := uuid.New().String()

	h.Lock()
	if err := o.acceptingLocked(h); err != nil {
		h.Unlock()
		return nil, err
	}
	if req.ReplyTo != "" && o.findLocked(h.ID(), req.ReplyTo) == nil {
		h.Unlock()
		return nil, fmt.Errorf("%w: reply_to %s is not in this session", conversation.ErrInvalidInput, req.ReplyTo)
	}
	if !h.Claim(taskID) {
		holder := h.ClaimedBy()
		h.Unlock()
		return nil, fmt.Errorf("session %s busy with task %s: %w", req.SessionID, holder, conversation.ErrExchangeInProgress)
	}

	_, err = o.dispatcher.Submit(ctx, dispatch.Operation{
		Kind:      dispatch.KindAIExchange,
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		TaskID:    taskID,
		Exchange: &dispatch.ExchangeRequest{
			MessageID:     msg.ID,
			ParticipantID: req.ParticipantID,
			Content:       req.Content,
		},
		OnTerminal: o.releaseExchange(h),
	})
	if err != nil {
		h.Release(taskID)
		h.Unlock()
		return nil, err
	}

	msg.Order = h.NextOrder()
	msg.CreatedAt = o.now()
	o.appendLocked(h.ID(), msg)
	h.Unlock()

	if err := o.registry.Touch(req.TenantID, req.SessionID); err != nil {
		o.logger.Debug("Touch after submit failed", "session_id", req.SessionID, "error", err)
	}
	o.persistMessage(ctx, msg)

	o.logger.Info("Message accepted",
		"session_id", req.SessionID,
		"message_id", msg.ID,
		"task_id", taskID,
		"order", msg.Order)
	return &Receipt{SessionID: req.SessionID, MessageID: msg.ID, TaskID: taskID, Order: msg.Order}, nil
}

// releaseExchange publishes the terminal event and drops the claim under the
// session lock, so a new submission never overtakes the previous terminal event.
func (o *Orchestrator) releaseExchange(h *session.Handle) dispatch.TerminalHook {
	return func(t *dispatch.Task, _ dispatch.Outcome, publish func()) {
		h.Lock()
		publish()
		h.Release(t.ID)
		h.Unlock()

		o.mu.Lock()
		delete(o.exchanges, t.ID)
		o.mu.Unlock()
	}
}

// SubmitResearch starts a RESEARCH task for the session.
func (o *Orchestrator) SubmitResearch(ctx context.Context, tenantID, sessionID, participantID string, urls []string, topic string) (*dispatch.Task, error) {
	if o.researcher == nil {
		return nil, fmt.Errorf("%w: research is not configured", conversation.ErrInvalidInput)
	}
	urls = uniqueURLs(urls)
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", conversation.ErrInvalidInput)
	}
	h, err := o.admit(ctx, tenantID, sessionID, participantID, ActionResearch)
	if err != nil {
		return nil, err
	}
	h.Lock()
	defer h.Unlock()
	if err := o.acceptingLocked(h); err != nil {
		return nil, err
	}
	return o.dispatcher.Submit(ctx, dispatch.Operation{
		Kind:      dispatch.KindResearch,
		TenantID:  tenantID,
		SessionID: sessionID,
		Research: &dispatch.ResearchRequest{
			ParticipantID: participantID,
			URLs:          urls,
			Topic:         topic,
		},
		OnTerminal: o.forgetResearch,
	})
}

// SubmitScan starts an INCONSISTENCY_SCAN of the session's product.
func (o *Orchestrator) SubmitScan(ctx context.Context, tenantID, sessionID, participantID string) (*dispatch.Task, error) {
	h, err := o.admit(ctx, tenantID, sessionID, participantID, ActionScan)
	if err != nil {
		return nil, err
	}
	h.Lock()
	defer h.Unlock()
	if err := o.acceptingLocked(h); err != nil {
		return nil, err
	}
	return o.dispatcher.Submit(ctx, dispatch.Operation{
		Kind:      dispatch.KindInconsistencyScan,
		TenantID:  tenantID,
		SessionID: sessionID,
		Scan: &dispatch.ScanRequest{
			ProductID:   h.Session().ProductID,
			Parallelism: o.cfg.ScanParallelism,
		},
	})
}

// Messages returns the session transcript in order.
func (o *Orchestrator) Messages(tenantID, sessionID string) ([]*conversation.Message, error) {
	h, err := o.registry.Get(tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	h.Lock()
	defer h.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	tr := o.transcripts[sessionID]
	if tr == nil {
		return []*conversation.Message{}, nil
	}
	out := make([]*conversation.Message, len(tr.messages))
	for i, m := range tr.messages {
		c := *m
		out[i] = &c
	}
	return out, nil
}

// Subscribe attaches to the session's event stream. A non-nil cursor replays
// events after it.
func (o *Orchestrator) Subscribe(tenantID, sessionID, subscriberID string, cursor *uint64) (*events.Subscription, error) {
	if _, err := o.registry.Get(tenantID, sessionID); err != nil {
		return nil, err
	}
	return o.hub.Subscribe(sessionID, subscriberID, cursor)
}

// CloseSession completes the session. Pending tasks fail with SessionClosed
// and subscriptions end once their terminal events are delivered.
func (o *Orchestrator) CloseSession(ctx context.Context, tenantID, sessionID, participantID, reason string) error {
	if participantID != "" {
		if err := o.authorizer.Authorize(ctx, participantID, sessionID, ActionCloseSession); err != nil {
			return err
		}
	}
	if reason == "" {
		reason = "closed"
	}
	return o.registry.Close(tenantID, sessionID, reason)
}

// PauseSession stops the session from accepting exchanges.
func (o *Orchestrator) PauseSession(tenantID, sessionID string) error {
	return o.registry.Pause(tenantID, sessionID)
}

// ResumeSession reactivates a paused session.
func (o *Orchestrator) ResumeSession(tenantID, sessionID string) error {
	return o.registry.Resume(tenantID, sessionID)
}

// DeactivateTenant closes every session of the tenant.
func (o *Orchestrator) DeactivateTenant(tenantID, reason string) int {
	if reason == "" {
		reason = "tenant deactivated"
	}
	n := o.registry.CloseTenant(tenantID, reason)
	o.logger.Info("Tenant deactivated", "tenant_id", tenantID, "sessions_closed", n)
	return n
}

// sessionClosed runs for every close and expiry. Tasks are cancelled now;
// the event stream is closed after their terminal events are out.
func (o *Orchestrator) sessionClosed(s *conversation.Session) {
	tasks := o.dispatcher.CancelSession(s.ID)

	o.closers.Add(1)
	go func() {
		defer o.closers.Done()
		for _, t := range tasks {
			<-t.Done()
		}
		o.hub.CloseSession(s.ID)
		o.retrieval.ForgetSession(s.ID)
		o.mu.Lock()
		delete(o.transcripts, s.ID)
		o.mu.Unlock()
		o.logger.Debug("Session torn down", "session_id", s.ID, "tasks", len(tasks))
	}()
}

// admit resolves the session and checks membership and authorization.
func (o *Orchestrator) admit(ctx context.Context, tenantID, sessionID, participantID string, action Action) (*session.Handle, error) {
	h, err := o.registry.Get(tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	snap := h.Snapshot()
	if !snap.HasParticipant(participantID) {
		return nil, fmt.Errorf("%w: %s is not a participant of session %s", conversation.ErrDenied, participantID, sessionID)
	}
	if err := o.authorizer.Authorize(ctx, participantID, sessionID, action); err != nil {
		return nil, err
	}
	return h, nil
}

// acceptingLocked reports why the session cannot take new work. Caller holds the lock.
func (o *Orchestrator) acceptingLocked(h *session.Handle) error {
	switch status := h.Session().Status; {
	case status == conversation.StatusPaused:
		return fmt.Errorf("session %s: %w", h.ID(), conversation.ErrSessionPaused)
	case status.IsTerminal():
		return fmt.Errorf("session %s: %w", h.ID(), conversation.ErrSessionClosed)
	}
	return nil
}

// appendLocked adds msg to the transcript. Caller holds the session lock.
func (o *Orchestrator) appendLocked(sessionID string, msg *conversation.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tr := o.transcripts[sessionID]
	if tr == nil {
		tr = &transcript{}
		o.transcripts[sessionID] = tr
	}
	tr.messages = append(tr.messages, msg)
}

// findLocked returns a transcript message by ID. Caller holds the session lock.
func (o *Orchestrator) findLocked(sessionID, messageID string) *conversation.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	if tr := o.transcripts[sessionID]; tr != nil {
		for _, m := range tr.messages {
			if m.ID == messageID {
				return m
			}
		}
	}
	return nil
}

// recentLocked returns up to n of the newest messages, oldest first, excluding skipID.
func (o *Orchestrator) recentLocked(sessionID string, n int, skipID string) []*conversation.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	tr := o.transcripts[sessionID]
	if tr == nil {
		return nil
	}
	var out []*conversation.Message
	for i := len(tr.messages) - 1; i >= 0 && len(out) < n; i-- {
		if m := tr.messages[i]; m.ID != skipID {
			out = append(out, m)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (o *Orchestrator) persistMessage(ctx context.Context, msg *conversation.Message) {
	if o.store == nil {
		return
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		o.logger.Warn("Failed to persist message",
			"session_id", msg.SessionID,
			"message_id", msg.ID,
			"error", err)
	}
}

// uniqueURLs drops empty and repeated URLs, keeping first occurrences.
func uniqueURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}
