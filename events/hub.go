// Package events delivers per-session progress events to subscribers.
//
// Every session has one stream. Publish assigns the next sequence number
// under the stream lock, keeps the event in a bounded replay window and
// hands it to each subscriber's queue without blocking. Subscribers that
// reconnect with a cursor receive only events with a higher sequence.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/metrics"
)

// Defaults for Config.
const (
	DefaultReplayWindow = 256
	DefaultQueueSize    = 256
	DefaultPersistQueue = 1024
)

// persistTimeout bounds one sink write.
const persistTimeout = 10 * time.Second

// maxClosedStreams bounds how many closed session IDs the hub remembers.
const maxClosedStreams = 4096

// ErrClosed is returned by Next once a subscription has ended and its queue is drained.
var ErrClosed = errors.New("subscription closed")

// Draft is an event before the hub assigns its sequence.
type Draft struct {
	Kind    conversation.EventKind
	TaskID  string
	Payload any
}

// Sink durably mirrors published events.
type Sink interface {
	AppendEvent(ctx context.Context, ev conversation.Event) error
}

// Config bounds the hub's memory use.
type Config struct {
	ReplayWindow int `json:"replay_window" yaml:"replay_window"`
	QueueSize    int `json:"queue_size" yaml:"queue_size"`
	// PersistQueue bounds events waiting for the sink.
	PersistQueue int `json:"persist_queue" yaml:"persist_queue"`
}

func (c Config) withDefaults() Config {
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PersistQueue <= 0 {
		c.PersistQueue = DefaultPersistQueue
	}
	return c
}

// evictedSummary accumulates what fell out of the replay window.
type evictedSummary struct {
	count        int
	through      uint64
	byKind       map[conversation.EventKind]int
	lastTerminal *conversation.Event
}

type stream struct {
	mu        sync.Mutex
	sessionID string
	seq       uint64
	ring      []conversation.Event
	evicted   evictedSummary
	subs      map[string]*Subscription
}

// Hub owns every session stream. Sink writes happen on a hub-owned
// goroutine so Publish never waits on storage.
type Hub struct {
	cfg     Config
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Collectors
	now     func() time.Time

	mu         sync.Mutex
	streams    map[string]*stream
	closed     map[string]bool
	closedFIFO []string

	persistMu   sync.RWMutex
	persistCh   chan conversation.Event
	persistDone chan struct{}
	stopped     bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithConfig sets window and queue sizes.
func WithConfig(cfg Config) Option {
	return func(h *Hub) { h.cfg = cfg }
}

// WithSink mirrors every published event to s.
func WithSink(s Sink) Option {
	return func(h *Hub) { h.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics sets the metric collectors.
func WithMetrics(c *metrics.Collectors) Option {
	return func(h *Hub) { h.metrics = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub creates a hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:  slog.Default(),
		metrics: metrics.Noop(),
		now:     time.Now,
		streams: make(map[string]*stream),
		closed:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.cfg = h.cfg.withDefaults()
	if h.sink != nil {
		h.persistCh = make(chan conversation.Event, h.cfg.PersistQueue)
		h.persistDone = make(chan struct{})
		go h.persistLoop()
	}
	return h
}

// Close stops accepting sink writes and waits for queued ones to finish.
// Publishing still delivers to subscribers afterwards.
func (h *Hub) Close() {
	h.persistMu.Lock()
	if h.persistCh == nil || h.stopped {
		h.persistMu.Unlock()
		return
	}
	h.stopped = true
	close(h.persistCh)
	h.persistMu.Unlock()
	<-h.persistDone
}

func (h *Hub) persistLoop() {
	defer close(h.persistDone)
	for ev := range h.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := h.sink.AppendEvent(ctx, ev)
		cancel()
		if err != nil {
			h.logger.Warn("Failed to persist event",
				"session_id", ev.SessionID,
				"sequence", ev.Sequence,
				"error", err)
		}
	}
}

func (h *Hub) persist(ev conversation.Event) {
	h.persistMu.RLock()
	defer h.persistMu.RUnlock()
	if h.persistCh == nil || h.stopped {
		return
	}
	select {
	case h.persistCh <- ev:
	default:
		h.logger.Warn("Persist queue full, event not persisted",
			"session_id", ev.SessionID,
			"sequence", ev.Sequence)
	}
}

// Open starts a fresh stream for the session, forgetting an earlier close of
// the same ID.
func (h *Hub) Open(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.closed, sessionID)
	if _, ok := h.streams[sessionID]; !ok {
		h.streams[sessionID] = newStream(sessionID)
	}
}

func newStream(sessionID string) *stream {
	return &stream{
		sessionID: sessionID,
		subs:      make(map[string]*Subscription),
		evicted:   evictedSummary{byKind: make(map[conversation.EventKind]int)},
	}
}

// stream returns the session's stream, creating it on first use. A session
// whose stream was closed reports ErrSessionClosed instead of starting over
// at sequence zero.
func (h *Hub) stream(sessionID string) (*stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[sessionID]; ok {
		return s, nil
	}
	if h.closed[sessionID] {
		return nil, fmt.Errorf("session %s: %w", sessionID, conversation.ErrSessionClosed)
	}
	s := newStream(sessionID)
	h.streams[sessionID] = s
	return s, nil
}

// Publish stamps the draft with the session's next sequence and delivers it.
func (h *Hub) Publish(_ context.Context, sessionID string, d Draft) (conversation.Event, error) {
	if sessionID == "" {
		return conversation.Event{}, fmt.Errorf("%w: session ID is required", conversation.ErrInvalidInput)
	}
	if d.Kind.IsSynthetic() {
		return conversation.Event{}, fmt.Errorf("%w: %s is assigned by the hub", conversation.ErrInvalidInput, d.Kind)
	}
	payload, err := marshalPayload(d.Payload)
	if err != nil {
		return conversation.Event{}, fmt.Errorf("marshal %s payload: %w", d.Kind, err)
	}

	s, err := h.stream(sessionID)
	if err != nil {
		return conversation.Event{}, err
	}
	s.mu.Lock()
	s.seq++
	ev := conversation.Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sequence:  s.seq,
		Kind:      d.Kind,
		TaskID:    d.TaskID,
		Payload:   payload,
		EmittedAt: h.now(),
	}
	s.ring = append(s.ring, ev)
	if over := len(s.ring) - h.cfg.ReplayWindow; over > 0 {
		for _, old := range s.ring[:over] {
			s.evicted.count++
			s.evicted.through = old.Sequence
			s.evicted.byKind[old.Kind]++
			if old.Kind.IsTerminal() {
				t := old
				s.evicted.lastTerminal = &t
			}
		}
		s.ring = append([]conversation.Event(nil), s.ring[over:]...)
	}
	dropped := 0
	for _, sub := range s.subs {
		dropped += sub.push(ev)
	}
	s.mu.Unlock()

	h.metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	if dropped > 0 {
		h.metrics.EventsDropped.Add(float64(dropped))
	}

	h.persist(ev)
	return ev, nil
}

func marshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// Subscribe attaches subscriberID to the session's stream. A nil cursor
// delivers only future events. With a cursor, retained events with a higher
// sequence are replayed first, preceded by one CATCH_UP snapshot when part of
// the requested history is no longer retained. An existing subscription with
// the same subscriberID is replaced.
func (h *Hub) Subscribe(sessionID, subscriberID string, cursor *uint64) (*Subscription, error) {
	if sessionID == "" || subscriberID == "" {
		return nil, fmt.Errorf("%w: session and subscriber IDs are required", conversation.ErrInvalidInput)
	}

	s, err := h.stream(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := newSubscription(h, s, subscriberID, h.cfg.QueueSize)
	if cursor != nil {
		c := *cursor
		if s.evicted.count > 0 && s.evicted.through > c {
			sub.queue = append(sub.queue, item{ev: h.catchUp(s, c)})
		}
		for _, ev := range s.ring {
			if ev.Sequence > c {
				sub.queue = append(sub.queue, item{ev: ev})
			}
		}
	}

	if prev, ok := s.subs[subscriberID]; ok {
		prev.terminate()
		h.logger.Debug("Replaced subscription",
			"session_id", sessionID,
			"subscriber_id", subscriberID)
	} else {
		h.metrics.Subscribers.Inc()
	}
	s.subs[subscriberID] = sub
	return sub, nil
}

// catchUp builds the snapshot for history the window no longer holds.
// Caller holds the stream lock.
func (h *Hub) catchUp(s *stream, cursor uint64) conversation.Event {
	kinds := make(map[string]int, len(s.evicted.byKind))
	for k, n := range s.evicted.byKind {
		kinds[string(k)] = n
	}
	snap := map[string]any{
		"after_sequence":   cursor,
		"through_sequence": s.evicted.through,
		"evicted":          s.evicted.count,
		"by_kind":          kinds,
	}
	if t := s.evicted.lastTerminal; t != nil {
		snap["last_terminal"] = map[string]any{
			"sequence": t.Sequence,
			"kind":     t.Kind,
			"task_id":  t.TaskID,
		}
	}
	payload, _ := json.Marshal(snap)
	return conversation.Event{
		ID:        uuid.New().String(),
		SessionID: s.sessionID,
		Sequence:  s.evicted.through,
		Kind:      conversation.EventCatchUp,
		Payload:   payload,
		EmittedAt: h.now(),
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	s := sub.stream
	s.mu.Lock()
	if cur, ok := s.subs[sub.ID]; ok && cur == sub {
		delete(s.subs, sub.ID)
		h.metrics.Subscribers.Dec()
	}
	s.mu.Unlock()
}

// LastSequence returns the highest sequence published for the session, or
// ErrSessionClosed once its stream is gone.
func (h *Hub) LastSequence(sessionID string) (uint64, error) {
	h.mu.Lock()
	s, ok := h.streams[sessionID]
	wasClosed := h.closed[sessionID]
	h.mu.Unlock()
	switch {
	case ok:
	case wasClosed:
		return 0, fmt.Errorf("session %s: %w", sessionID, conversation.ErrSessionClosed)
	default:
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

// CloseSession ends every subscription of the session once its queue drains
// and discards the stream.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	s, ok := h.streams[sessionID]
	delete(h.streams, sessionID)
	h.markClosed(sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	for id, sub := range s.subs {
		sub.finish()
		delete(s.subs, id)
		h.metrics.Subscribers.Dec()
	}
	s.mu.Unlock()
	h.logger.Debug("Closed event stream", "session_id", sessionID, "last_sequence", s.seq)
}

// markClosed remembers a closed session ID. Caller holds h.mu.
func (h *Hub) markClosed(sessionID string) {
	if h.closed[sessionID] {
		return
	}
	h.closed[sessionID] = true
	h.closedFIFO = append(h.closedFIFO, sessionID)
	for len(h.closedFIFO) > maxClosedStreams {
		delete(h.closed, h.closedFIFO[0])
		h.closedFIFO = h.closedFIFO[1:]
	}
}
