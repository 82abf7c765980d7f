// Package events tests cover sequencing, replay, and slow-subscriber handling.
//
// Test Coverage:
//   - Strictly increasing sequences under concurrent publishers
//   - Cursor replay never re-delivers events at or below the cursor
//   - CATCH_UP snapshot when the cursor predates the replay window
//   - Overflow replaces the oldest non-terminal event with one merged marker
//   - Terminal events survive overflow
//   - Re-subscribe replaces, CloseSession drains then ends
//   - Durable sink mirroring off the publish path
//   - Closed streams stay closed until reopened
//   - SSE framing and Last-Event-ID resume
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360studio/elicit/conversation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func progress(n int) Draft {
	return Draft{Kind: conversation.EventProgress, TaskID: "t1", Payload: map[string]int{"n": n}}
}

func publishN(t *testing.T, h *Hub, session string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.Publish(context.Background(), session, progress(i))
		require.NoError(t, err)
	}
}

func drain(t *testing.T, sub *Subscription) []conversation.Event {
	t.Helper()
	var out []conversation.Event
	for sub.Pending() > 0 {
		ev, err := sub.Next(context.Background())
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func u64(v uint64) *uint64 { return &v }

func TestPublish_SequencesStrictlyIncrease(t *testing.T) {
	h := NewHub()
	sub, err := h.Subscribe("s1", "watcher", nil)
	require.NoError(t, err)
	defer sub.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := h.Publish(context.Background(), "s1", progress(i))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got := drain(t, sub)
	require.Len(t, got, 160)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Sequence, got[i-1].Sequence)
	}
	last, err := h.LastSequence("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(160), last)
}

func TestPublish_SessionsAreIndependent(t *testing.T) {
	h := NewHub()
	a, err := h.Publish(context.Background(), "s1", progress(0))
	require.NoError(t, err)
	b, err := h.Publish(context.Background(), "s2", progress(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Sequence)
	assert.Equal(t, uint64(1), b.Sequence)
}

func TestPublish_RejectsSyntheticKinds(t *testing.T) {
	h := NewHub()
	_, err := h.Publish(context.Background(), "s1", Draft{Kind: conversation.EventsMissed})
	assert.ErrorIs(t, err, conversation.ErrInvalidInput)
	_, err = h.Publish(context.Background(), "", progress(0))
	assert.ErrorIs(t, err, conversation.ErrInvalidInput)
}

func TestSubscribe_CursorReplay(t *testing.T) {
	h := NewHub()
	publishN(t, h, "s1", 10)

	for _, cursor := range []uint64{0, 3, 9, 10, 42} {
		sub, err := h.Subscribe("s1", "client", u64(cursor))
		require.NoError(t, err)
		for _, ev := range drain(t, sub) {
			assert.Greater(t, ev.Sequence, cursor)
		}
		sub.Close()
	}

	sub, err := h.Subscribe("s1", "client", u64(7))
	require.NoError(t, err)
	defer sub.Close()
	got := drain(t, sub)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(8), got[0].Sequence)
}

func TestSubscribe_NilCursorIsLiveOnly(t *testing.T) {
	h := NewHub()
	publishN(t, h, "s1", 5)
	sub, err := h.Subscribe("s1", "client", nil)
	require.NoError(t, err)
	defer sub.Close()
	assert.Zero(t, sub.Pending())

	publishN(t, h, "s1", 1)
	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), ev.Sequence)
}

func TestSubscribe_CatchUpBeyondWindow(t *testing.T) {
	h := NewHub(WithConfig(Config{ReplayWindow: 4, QueueSize: 16}))
	_, err := h.Publish(context.Background(), "s1", Draft{Kind: conversation.EventStarted, TaskID: "t1"})
	require.NoError(t, err)
	_, err = h.Publish(context.Background(), "s1", Draft{Kind: conversation.EventCompleted, TaskID: "t1"})
	require.NoError(t, err)
	publishN(t, h, "s1", 8)

	sub, err := h.Subscribe("s1", "client", u64(1))
	require.NoError(t, err)
	defer sub.Close()
	got := drain(t, sub)
	require.Len(t, got, 5)

	assert.Equal(t, conversation.EventCatchUp, got[0].Kind)
	assert.Equal(t, uint64(6), got[0].Sequence)
	var snap struct {
		Through      uint64         `json:"through_sequence"`
		Evicted      int            `json:"evicted"`
		ByKind       map[string]int `json:"by_kind"`
		LastTerminal struct {
			Kind   string `json:"kind"`
			TaskID string `json:"task_id"`
		} `json:"last_terminal"`
	}
	require.NoError(t, json.Unmarshal(got[0].Payload, &snap))
	assert.Equal(t, uint64(6), snap.Through)
	assert.Equal(t, 6, snap.Evicted)
	assert.Equal(t, 1, snap.ByKind["COMPLETED"])
	assert.Equal(t, "COMPLETED", snap.LastTerminal.Kind)
	assert.Equal(t, "t1", snap.LastTerminal.TaskID)

	for i, ev := range got[1:] {
		assert.Equal(t, uint64(7+i), ev.Sequence)
	}

	// A cursor inside the window needs no snapshot.
	sub2, err := h.Subscribe("s1", "other", u64(8))
	require.NoError(t, err)
	defer sub2.Close()
	got = drain(t, sub2)
	require.Len(t, got, 2)
	assert.Equal(t, conversation.EventProgress, got[0].Kind)
}

func TestOverflow_MergesMissedMarkersAndKeepsTerminals(t *testing.T) {
	h := NewHub(WithConfig(Config{QueueSize: 4}))
	sub, err := h.Subscribe("s1", "slow", nil)
	require.NoError(t, err)
	defer sub.Close()

	_, err = h.Publish(context.Background(), "s1", Draft{Kind: conversation.EventStarted, TaskID: "t1"})
	require.NoError(t, err)
	publishN(t, h, "s1", 6)
	_, err = h.Publish(context.Background(), "s1", Draft{Kind: conversation.EventCompleted, TaskID: "t1"})
	require.NoError(t, err)

	got := drain(t, sub)
	require.LessOrEqual(t, len(got), 4)

	var kinds []conversation.EventKind
	markers := 0
	for _, ev := range got {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == conversation.EventsMissed {
			markers++
		}
	}
	assert.Equal(t, 1, markers, "adjacent drops merge into one marker: %v", kinds)
	assert.Equal(t, conversation.EventCompleted, got[len(got)-1].Kind)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].Sequence, got[i-1].Sequence)
	}

	var missed struct {
		First uint64 `json:"first_sequence"`
		Last  uint64 `json:"last_sequence"`
		Count int    `json:"count"`
	}
	for _, ev := range got {
		if ev.Kind == conversation.EventsMissed {
			require.NoError(t, json.Unmarshal(ev.Payload, &missed))
		}
	}
	assert.Equal(t, int(missed.Last-missed.First)+1, missed.Count)
	assert.Equal(t, 8-(len(got)-1), missed.Count)
}

func TestOverflow_TerminalsNeverDropped(t *testing.T) {
	h := NewHub(WithConfig(Config{QueueSize: 2}))
	sub, err := h.Subscribe("s1", "slow", nil)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 4; i++ {
		_, err := h.Publish(context.Background(), "s1", Draft{Kind: conversation.EventFailed, TaskID: "t"})
		require.NoError(t, err)
	}
	publishN(t, h, "s1", 3)

	terminals := 0
	for _, ev := range drain(t, sub) {
		if ev.Kind.IsTerminal() {
			terminals++
		}
	}
	assert.Equal(t, 4, terminals)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := NewHub(WithConfig(Config{QueueSize: 2}))
	slow, err := h.Subscribe("s1", "slow", nil)
	require.NoError(t, err)
	defer slow.Close()
	fast, err := h.Subscribe("s1", "fast", nil)
	require.NoError(t, err)
	defer fast.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 50; i++ {
		_, err := h.Publish(ctx, "s1", progress(i))
		require.NoError(t, err)
		ev, err := fast.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	assert.LessOrEqual(t, slow.Pending(), 2)
}

func TestSubscribe_ReplacesSameSubscriber(t *testing.T) {
	h := NewHub()
	first, err := h.Subscribe("s1", "tab", nil)
	require.NoError(t, err)
	second, err := h.Subscribe("s1", "tab", nil)
	require.NoError(t, err)
	defer second.Close()

	_, err = first.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	publishN(t, h, "s1", 1)
	ev, err := second.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence)

	first.Close()
	publishN(t, h, "s1", 1)
	assert.Equal(t, 1, second.Pending(), "closing the replaced subscription leaves the new one attached")
}

func TestCloseSession_DrainsThenEnds(t *testing.T) {
	h := NewHub()
	sub, err := h.Subscribe("s1", "client", nil)
	require.NoError(t, err)
	publishN(t, h, "s1", 2)
	h.CloseSession("s1")

	for i := 0; i < 2; i++ {
		_, err := sub.Next(context.Background())
		require.NoError(t, err)
	}
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	h.CloseSession("s1")
}

func TestNext_HonoursContext(t *testing.T) {
	h := NewHub()
	sub, err := h.Subscribe("s1", "client", nil)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type memSink struct {
	mu   sync.Mutex
	evs  []conversation.Event
	fail bool
}

func (m *memSink) AppendEvent(_ context.Context, ev conversation.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.evs = append(m.evs, ev)
	return nil
}

func TestPublish_MirrorsToSink(t *testing.T) {
	sink := &memSink{}
	h := NewHub(WithSink(sink))
	publishN(t, h, "s1", 3)
	h.Close()
	require.Len(t, sink.evs, 3)
	assert.Equal(t, uint64(3), sink.evs[2].Sequence)

	failing := NewHub(WithSink(&memSink{fail: true}))
	defer failing.Close()
	_, err := failing.Publish(context.Background(), "s1", progress(9))
	assert.NoError(t, err, "sink failures do not fail publication")
}

// stalledSink blocks every write until released.
type stalledSink struct {
	release chan struct{}
	mu      sync.Mutex
	evs     []conversation.Event
}

func (s *stalledSink) AppendEvent(_ context.Context, ev conversation.Event) error {
	<-s.release
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()
	return nil
}

func TestPublish_DoesNotWaitForSink(t *testing.T) {
	sink := &stalledSink{release: make(chan struct{})}
	h := NewHub(WithSink(sink))

	done := make(chan struct{})
	go func() {
		defer close(done)
		publishN(t, h, "s1", 3)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on the sink")
	}

	close(sink.release)
	h.Close()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.evs, 3)
	assert.Equal(t, uint64(1), sink.evs[0].Sequence)
}

func TestClosedStreamIsNotRecreated(t *testing.T) {
	h := NewHub()
	publishN(t, h, "s1", 4)
	h.CloseSession("s1")

	_, err := h.Subscribe("s1", "late", u64(0))
	assert.ErrorIs(t, err, conversation.ErrSessionClosed)
	_, err = h.Publish(context.Background(), "s1", progress(0))
	assert.ErrorIs(t, err, conversation.ErrSessionClosed)
	_, err = h.LastSequence("s1")
	assert.ErrorIs(t, err, conversation.ErrSessionClosed)

	// A session ID opened again starts a new stream.
	h.Open("s1")
	ev, err := h.Publish(context.Background(), "s1", progress(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence)
	h.CloseSession("s1")
}

func readSSE(t *testing.T, sc *bufio.Scanner, n int) []map[string]string {
	t.Helper()
	var frames []map[string]string
	cur := map[string]string{}
	for len(frames) < n && sc.Scan() {
		line := sc.Text()
		if line == "" {
			frames = append(frames, cur)
			cur = map[string]string{}
			continue
		}
		k, v, _ := strings.Cut(line, ": ")
		cur[k] = v
	}
	return frames
}

func TestServeSSE(t *testing.T) {
	h := NewHub()
	publishN(t, h, "s1", 3)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor, err := ParseCursor(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sub, err := h.Subscribe("s1", "browser", cursor)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ServeSSE(w, r, sub, time.Hour, nil)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readSSE(t, bufio.NewScanner(resp.Body), 3)
	require.Len(t, frames, 3)
	assert.Equal(t, SSEEventConnected, frames[0]["event"])
	assert.Equal(t, "2", frames[1]["id"])
	assert.Equal(t, "PROGRESS", frames[1]["event"])
	assert.Equal(t, "3", frames[2]["id"])

	var ev conversation.Event
	require.NoError(t, json.Unmarshal([]byte(frames[2]["data"]), &ev))
	assert.Equal(t, "s1", ev.SessionID)

	h.CloseSession("s1")
}

func TestParseCursor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?cursor=12", nil)
	c, err := ParseCursor(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), *c)

	r = httptest.NewRequest(http.MethodGet, "/?cursor=12", nil)
	r.Header.Set("Last-Event-ID", "15")
	c, err = ParseCursor(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), *c)

	c, err = ParseCursor(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = ParseCursor(httptest.NewRequest(http.MethodGet, "/?cursor=abc", nil))
	assert.ErrorIs(t, err, conversation.ErrInvalidInput)
}
