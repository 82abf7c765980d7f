package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/c360studio/elicit/conversation"
)

// DefaultHeartbeat is the SSE keepalive interval.
const DefaultHeartbeat = 30 * time.Second

// SSE control event names.
const (
	SSEEventConnected = "connected"
	SSEEventHeartbeat = "heartbeat"
	SSEEventClosed    = "closed"
)

// ParseCursor reads the resume cursor from the Last-Event-ID header or the
// cursor query parameter. No cursor yields nil.
func ParseCursor(r *http.Request) (*uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	if raw == "" {
		return nil, nil
	}
	c, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: cursor %q", conversation.ErrInvalidInput, raw)
	}
	return &c, nil
}

// ServeSSE streams sub to w until the client goes away or the subscription
// ends. Real events carry their sequence as the SSE id so a reconnecting
// client resumes from the last one it saw. Missed markers carry no id.
func ServeSSE(w http.ResponseWriter, r *http.Request, sub *Subscription, heartbeat time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeSSE(w, flusher, "", SSEEventConnected, map[string]string{"session_id": sub.SessionID}); err != nil {
		return
	}

	ctx := r.Context()
	type result struct {
		ev  conversation.Event
		err error
	}
	next := make(chan result)
	go func() {
		defer close(next)
		for {
			ev, err := sub.Next(ctx)
			select {
			case next <- result{ev, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeSSE(w, flusher, "", SSEEventHeartbeat, map[string]any{}); err != nil {
				logger.Debug("Client disconnected during heartbeat", "session_id", sub.SessionID, "error", err)
				return
			}
		case res, ok := <-next:
			if !ok {
				return
			}
			if res.err != nil {
				if errors.Is(res.err, ErrClosed) {
					_ = writeSSE(w, flusher, "", SSEEventClosed, map[string]string{"session_id": sub.SessionID})
				}
				return
			}
			id := ""
			if res.ev.Kind != conversation.EventsMissed {
				id = strconv.FormatUint(res.ev.Sequence, 10)
			}
			if err := writeSSE(w, flusher, id, string(res.ev.Kind), res.ev); err != nil {
				logger.Debug("Client disconnected during event", "session_id", sub.SessionID, "error", err)
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, id, event string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write event type: %w", err)
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}
	flusher.Flush()
	return nil
}
