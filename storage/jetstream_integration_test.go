//go:build integration

package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/elicit/conversation"
)

// Run with: NATS_URL=nats://localhost:4222 go test -tags integration ./storage/
func newIntegrationStore(t *testing.T) (*JetStreamStore, jetstream.JetStream) {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Skipf("NATS not available at %s: %v", url, err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := NewJetStreamStore(ctx, js)
	require.NoError(t, err)
	return s, js
}

func TestJetStreamStore_DuplicateAppendsStoredOnce(t *testing.T) {
	s, js := newIntegrationStore(t)
	ctx := context.Background()
	session := uuid.New().String()

	msg := &conversation.Message{ID: uuid.New().String(), SessionID: session, TenantID: "acme", Author: "alice", Content: "hi", Order: 1}
	require.NoError(t, s.AppendMessage(ctx, msg))

	// A fresh store has an empty seen-set, so the broker's dedup window is exercised.
	fresh, err := NewJetStreamStore(ctx, js)
	require.NoError(t, err)
	require.NoError(t, fresh.AppendMessage(ctx, msg))

	stream, err := js.Stream(ctx, StreamName)
	require.NoError(t, err)
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(subject(KindMessage, "acme", session)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Subjects[subject(KindMessage, "acme", session)])
}

func TestJetStreamStore_InconsistencyLatestState(t *testing.T) {
	s, _ := newIntegrationStore(t)
	ctx := context.Background()

	rec := &conversation.Inconsistency{
		ID:           uuid.New().String(),
		TenantID:     "acme",
		ProductID:    "checkout",
		StatementIDs: []string{"m1", "m2"},
		Status:       conversation.InconsistencyIdentified,
	}
	require.NoError(t, s.AppendInconsistency(ctx, rec))
	rec.Status = conversation.InconsistencyUnderReview
	require.NoError(t, s.AppendInconsistency(ctx, rec))

	got, err := s.Inconsistency(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.InconsistencyUnderReview, got.Status)

	_, err = s.Inconsistency(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
