package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/elicit/conversation"
)

// Stream and bucket names.
const (
	StreamName            = "ELICIT"
	SubjectPrefix         = "elicit"
	BucketInconsistencies = "ELICIT_INCONSISTENCIES"
)

// DefaultSeenLimit bounds the client-side dedup set.
const DefaultSeenLimit = 10000

// JetStreamStore appends records to a JetStream stream. The broker drops
// duplicates inside its window by Nats-Msg-Id and the store also remembers
// recently appended keys. The latest state of every inconsistency is kept in
// a KV bucket.
type JetStreamStore struct {
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	logger *slog.Logger

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	seenLimit int
}

var _ Store = (*JetStreamStore)(nil)

// JetStreamOption configures a JetStreamStore.
type JetStreamOption func(*JetStreamStore)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) JetStreamOption {
	return func(s *JetStreamStore) { s.logger = l }
}

// WithSeenLimit bounds the client-side dedup set.
func WithSeenLimit(n int) JetStreamOption {
	return func(s *JetStreamStore) {
		if n > 0 {
			s.seenLimit = n
		}
	}
}

// NewJetStreamStore ensures the stream and bucket exist.
func NewJetStreamStore(ctx context.Context, js jetstream.JetStream, opts ...JetStreamOption) (*JetStreamStore, error) {
	s := &JetStreamStore{
		js:        js,
		logger:    slog.Default(),
		seen:      make(map[string]struct{}),
		seenLimit: DefaultSeenLimit,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Elicit conversation audit log",
		Subjects:    []string{SubjectPrefix + ".>"},
		Storage:     jetstream.FileStorage,
		Duplicates:  2 * time.Minute,
	}); err != nil {
		return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	kv, err := getOrCreateBucket(ctx, js, BucketInconsistencies)
	if err != nil {
		return nil, fmt.Errorf("create inconsistencies bucket: %w", err)
	}
	s.kv = kv
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Elicit %s", strings.ToLower(name)),
		History:     5,
	})
}

// subjectToken makes an ID safe for use as one subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

func subject(kind, tenantID, sessionID string) string {
	return strings.Join([]string{SubjectPrefix, kind, subjectToken(tenantID), subjectToken(sessionID)}, ".")
}

func (s *JetStreamStore) alreadySeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

func (s *JetStreamStore) remember(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.seenOrder = append(s.seenOrder, key)
	if over := len(s.seenOrder) - s.seenLimit; over > 0 {
		for _, k := range s.seenOrder[:over] {
			delete(s.seen, k)
		}
		s.seenOrder = append([]string(nil), s.seenOrder[over:]...)
	}
}

func (s *JetStreamStore) append(ctx context.Context, subj, key string, v any) error {
	if s.alreadySeen(key) {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		if _, err := s.js.Publish(ctx, subj, data, jetstream.WithMsgID(key)); err != nil {
			if ctx.Err() != nil {
				return retry.NonRetryable(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to append record",
			"subject", subj,
			"key", key,
			"error", err,
			"retryable", !retry.IsNonRetryable(err))
		return fmt.Errorf("append %s: %w", key, err)
	}
	s.remember(key)
	return nil
}

// AppendMessage implements Store.
func (s *JetStreamStore) AppendMessage(ctx context.Context, msg *conversation.Message) error {
	return s.append(ctx, subject(KindMessage, msg.TenantID, msg.SessionID), MessageKey(msg), msg)
}

// AppendInconsistency implements Store. The latest state is also written to
// the inconsistencies bucket.
func (s *JetStreamStore) AppendInconsistency(ctx context.Context, rec *conversation.Inconsistency) error {
	key := InconsistencyKey(rec)
	if err := s.append(ctx, subject(KindInconsistency, rec.TenantID, rec.ProductID), key, rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal inconsistency: %w", err)
	}
	if _, err := s.kv.Put(ctx, rec.ID, data); err != nil {
		return fmt.Errorf("store inconsistency %s: %w", rec.ID, err)
	}
	return nil
}

// AppendEvent implements Store.
func (s *JetStreamStore) AppendEvent(ctx context.Context, ev conversation.Event) error {
	return s.append(ctx, subject(KindEvent, "events", ev.SessionID), EventKey(ev), ev)
}

// Inconsistency returns the latest stored state of a record.
func (s *JetStreamStore) Inconsistency(ctx context.Context, id string) (*conversation.Inconsistency, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get inconsistency: %w", err)
	}
	var rec conversation.Inconsistency
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal inconsistency: %w", err)
	}
	return &rec, nil
}
