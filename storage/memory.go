package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/c360studio/elicit/conversation"
)

// Memory is an in-process Store. It is the default when no NATS server is
// configured and doubles as a test double.
type Memory struct {
	mu              sync.RWMutex
	seen            map[string]bool
	messages        map[string][]*conversation.Message
	events          map[string][]conversation.Event
	inconsistencies map[string]*conversation.Inconsistency
	history         map[string][]conversation.InconsistencyStatus
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		seen:            make(map[string]bool),
		messages:        make(map[string][]*conversation.Message),
		events:          make(map[string][]conversation.Event),
		inconsistencies: make(map[string]*conversation.Inconsistency),
		history:         make(map[string][]conversation.InconsistencyStatus),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) firstTime(key string) bool {
	if m.seen[key] {
		return false
	}
	m.seen[key] = true
	return true
}

// AppendMessage implements Store.
func (m *Memory) AppendMessage(_ context.Context, msg *conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.firstTime(MessageKey(msg)) {
		return nil
	}
	cp := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &cp)
	return nil
}

// AppendInconsistency implements Store.
func (m *Memory) AppendInconsistency(_ context.Context, rec *conversation.Inconsistency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.firstTime(InconsistencyKey(rec)) {
		return nil
	}
	m.inconsistencies[rec.ID] = rec.Clone()
	m.history[rec.ID] = append(m.history[rec.ID], rec.Status)
	return nil
}

// AppendEvent implements Store.
func (m *Memory) AppendEvent(_ context.Context, ev conversation.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.firstTime(EventKey(ev)) {
		return nil
	}
	m.events[ev.SessionID] = append(m.events[ev.SessionID], ev)
	return nil
}

// Messages returns the session's stored messages in order.
func (m *Memory) Messages(sessionID string) []*conversation.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*conversation.Message, 0, len(m.messages[sessionID]))
	for _, msg := range m.messages[sessionID] {
		cp := *msg
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Events returns the session's stored events ordered by sequence.
func (m *Memory) Events(sessionID string) []conversation.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]conversation.Event(nil), m.events[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Inconsistency returns the latest stored state of a record.
func (m *Memory) Inconsistency(id string) (*conversation.Inconsistency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.inconsistencies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// StatusHistory returns every distinct status stored for a record, in append order.
func (m *Memory) StatusHistory(id string) []conversation.InconsistencyStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]conversation.InconsistencyStatus(nil), m.history[id]...)
}
