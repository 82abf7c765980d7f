// Package storage durably appends conversation records.
//
// Appends are at-least-once: a caller may append the same record more than
// once and every implementation deduplicates by record key. Inconsistencies
// are keyed by ID and status so each review step is kept once.
package storage

import (
	"context"

	"github.com/c360studio/elicit/conversation"
)

// Store is the durable append log.
type Store interface {
	AppendMessage(ctx context.Context, msg *conversation.Message) error
	AppendInconsistency(ctx context.Context, rec *conversation.Inconsistency) error
	AppendEvent(ctx context.Context, ev conversation.Event) error
}

// Record kinds, also used as subject tokens.
const (
	KindMessage       = "message"
	KindInconsistency = "inconsistency"
	KindEvent         = "event"
)

// MessageKey is the dedup key of a message.
func MessageKey(msg *conversation.Message) string {
	return KindMessage + "." + msg.ID
}

// InconsistencyKey is the dedup key of one state of an inconsistency.
func InconsistencyKey(rec *conversation.Inconsistency) string {
	return KindInconsistency + "." + rec.ID + "." + string(rec.Status)
}

// EventKey is the dedup key of an event.
func EventKey(ev conversation.Event) string {
	return KindEvent + "." + ev.ID
}
