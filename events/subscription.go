package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/c360studio/elicit/conversation"
)

// missedRange describes a run of events dropped from one queue.
type missedRange struct {
	first uint64
	last  uint64
	count int
}

type item struct {
	ev     conversation.Event
	missed *missedRange
}

func (it item) droppable() bool {
	return it.missed == nil && !it.ev.Kind.IsTerminal() && !it.ev.Kind.IsSynthetic()
}

// Subscription is one subscriber's bounded view of a session stream.
type Subscription struct {
	ID        string
	SessionID string

	hub    *Hub
	stream *stream
	limit  int

	mu       sync.Mutex
	queue    []item
	notify   chan struct{}
	finished bool // no more events will arrive; drain then ErrClosed
	dead     bool // replaced or closed; discard immediately
}

func newSubscription(h *Hub, s *stream, id string, limit int) *Subscription {
	return &Subscription{
		ID:        id,
		SessionID: s.sessionID,
		hub:       h,
		stream:    s,
		limit:     limit,
		notify:    make(chan struct{}, 1),
	}
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// push enqueues ev and returns how many queued events were dropped to make room.
func (s *Subscription) push(ev conversation.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.dead {
		return 0
	}

	dropped := 0
	for len(s.queue) >= s.limit {
		n, ok := s.dropOldest()
		dropped += n
		if !ok {
			break
		}
	}

	if len(s.queue) >= s.limit && !ev.Kind.IsTerminal() {
		s.foldIntoTail(ev)
		dropped++
	} else {
		s.queue = append(s.queue, item{ev: ev})
	}
	s.wake()
	return dropped
}

// dropOldest replaces the oldest droppable event with a missed marker,
// merging with an adjacent marker when there is one. It reports how many
// events were dropped and whether anything changed.
func (s *Subscription) dropOldest() (int, bool) {
	i := -1
	for idx, it := range s.queue {
		if it.droppable() {
			i = idx
			break
		}
	}
	if i < 0 {
		return 0, false
	}
	seq := s.queue[i].ev.Sequence

	switch {
	case i > 0 && s.queue[i-1].missed != nil:
		m := s.queue[i-1].missed
		m.last = seq
		m.count++
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
	case i+1 < len(s.queue) && s.queue[i+1].missed != nil:
		m := s.queue[i+1].missed
		m.first = seq
		m.count++
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
	default:
		s.queue[i] = item{missed: &missedRange{first: seq, last: seq, count: 1}}
	}
	return 1, true
}

func (s *Subscription) foldIntoTail(ev conversation.Event) {
	if n := len(s.queue); n > 0 && s.queue[n-1].missed != nil {
		m := s.queue[n-1].missed
		m.last = ev.Sequence
		m.count++
		return
	}
	s.queue = append(s.queue, item{missed: &missedRange{first: ev.Sequence, last: ev.Sequence, count: 1}})
}

func (s *Subscription) marker(m *missedRange) conversation.Event {
	payload, _ := json.Marshal(map[string]any{
		"first_sequence": m.first,
		"last_sequence":  m.last,
		"count":          m.count,
	})
	return conversation.Event{
		ID:        uuid.New().String(),
		SessionID: s.SessionID,
		Sequence:  m.last,
		Kind:      conversation.EventsMissed,
		Payload:   payload,
		EmittedAt: s.hub.now(),
	}
}

// Next blocks until an event is available, the subscription ends, or ctx is done.
func (s *Subscription) Next(ctx context.Context) (conversation.Event, error) {
	for {
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			return conversation.Event{}, ErrClosed
		}
		if len(s.queue) > 0 {
			it := s.queue[0]
			s.queue[0] = item{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			if it.missed != nil {
				return s.marker(it.missed), nil
			}
			return it.ev, nil
		}
		if s.finished {
			s.mu.Unlock()
			return conversation.Event{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return conversation.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Pending returns the number of queued items.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription and discards anything still queued.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
	s.terminate()
}

func (s *Subscription) terminate() {
	s.mu.Lock()
	s.dead = true
	s.queue = nil
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}
