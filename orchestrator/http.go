package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/events"
	"github.com/c360studio/elicit/session"
)

// maxRequestBodySize limits JSON request bodies.
const maxRequestBodySize = 1 << 20 // 1 MB

// Request headers carrying caller identity, set by the auth proxy.
const (
	HeaderTenantID     = "X-Tenant-ID"
	HeaderUserID       = "X-User-ID"
	HeaderSubscriberID = "X-Subscriber-ID"
)

// HTTPHandler exposes the orchestrator over HTTP with an SSE event stream.
type HTTPHandler struct {
	orch      *Orchestrator
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewHTTPHandler creates the HTTP adapter.
func NewHTTPHandler(orch *Orchestrator, heartbeat time.Duration, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{orch: orch, heartbeat: heartbeat, logger: logger}
}

// RegisterHTTPHandlers registers the session and inconsistency endpoints
// under prefix (for example "/api", without trailing slash).
func (h *HTTPHandler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("POST "+prefix+"/sessions", h.handleOpen)
	mux.HandleFunc("GET "+prefix+"/sessions/{id}", h.handleGetSession)
	mux.HandleFunc("POST "+prefix+"/sessions/{id}/messages", h.handleSubmit)
	mux.HandleFunc("GET "+prefix+"/sessions/{id}/messages", h.handleMessages)
	mux.HandleFunc("GET "+prefix+"/sessions/{id}/events", h.handleEvents)
	mux.HandleFunc("POST "+prefix+"/sessions/{id}/close", h.handleClose)
	mux.HandleFunc("POST "+prefix+"/sessions/{id}/pause", h.handlePause)
	mux.HandleFunc("POST "+prefix+"/sessions/{id}/resume", h.handleResume)
	mux.HandleFunc("POST "+prefix+"/sessions/{id}/research", h.handleResearch)
	mux.HandleFunc("POST "+prefix+"/sessions/{id}/scan", h.handleScan)

	mux.HandleFunc("GET "+prefix+"/inconsistencies", h.handleListInconsistencies)
	mux.HandleFunc("POST "+prefix+"/inconsistencies/{id}/decision", h.handleDecision)
}

// OpenSessionRequest is the body of POST /sessions.
type OpenSessionRequest struct {
	ID           string   `json:"id,omitempty"`
	ProductID    string   `json:"product_id"`
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
	TTLSeconds   int      `json:"ttl_seconds,omitempty"`
}

// SubmitMessageRequest is the body of POST /sessions/{id}/messages.
type SubmitMessageRequest struct {
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// CloseSessionRequest is the body of POST /sessions/{id}/close.
type CloseSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResearchRequest is the body of POST /sessions/{id}/research.
type ResearchRequest struct {
	URLs  []string `json:"urls"`
	Topic string   `json:"topic,omitempty"`
}

// TaskResponse acknowledges a background task.
type TaskResponse struct {
	TaskID    string                     `json:"task_id"`
	SessionID string                     `json:"session_id"`
	Kind      conversation.OperationKind `json:"kind"`
}

// DecisionRequest is the body of POST /inconsistencies/{id}/decision.
type DecisionRequest struct {
	Decision Decision `json:"decision"`
	Note     string   `json:"note,omitempty"`
}

// ListInconsistenciesResponse is the response for GET /inconsistencies.
type ListInconsistenciesResponse struct {
	Inconsistencies []*conversation.Inconsistency `json:"inconsistencies"`
	Total           int                           `json:"total"`
}

func (h *HTTPHandler) handleOpen(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req OpenSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	participants := req.Participants
	if user := r.Header.Get(HeaderUserID); user != "" && !slices.Contains(participants, user) {
		participants = append(participants, user)
	}
	sess, err := h.orch.OpenSession(r.Context(), session.OpenRequest{
		ID:           req.ID,
		TenantID:     tenantID,
		ProductID:    req.ProductID,
		Type:         conversation.SessionType(req.Type),
		Participants: participants,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeErr(w, "open session", err)
		return
	}
	h.logger.Info("Session opened via HTTP", "session_id", sess.ID, "tenant_id", tenantID)
	h.writeJSON(w, http.StatusCreated, sess)
}

func (h *HTTPHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	sess, err := h.orch.Session(tenantID, r.PathValue("id"))
	if err != nil {
		h.writeErr(w, "get session", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *HTTPHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req SubmitMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	receipt, err := h.orch.SubmitMessage(r.Context(), SubmitRequest{
		TenantID:      tenantID,
		SessionID:     r.PathValue("id"),
		ParticipantID: r.Header.Get(HeaderUserID),
		Content:       req.Content,
		ReplyTo:       req.ReplyTo,
	})
	if err != nil {
		h.writeErr(w, "submit message", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, receipt)
}

func (h *HTTPHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	msgs, err := h.orch.Messages(tenantID, r.PathValue("id"))
	if err != nil {
		h.writeErr(w, "list messages", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": len(msgs)})
}

// handleEvents streams session events as SSE. Resume with Last-Event-ID or ?cursor=.
func (h *HTTPHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	cursor, err := events.ParseCursor(r)
	if err != nil {
		h.writeErr(w, "parse cursor", err)
		return
	}
	subscriberID := r.Header.Get(HeaderSubscriberID)
	if subscriberID == "" {
		subscriberID = uuid.New().String()
	}
	sub, err := h.orch.Subscribe(tenantID, r.PathValue("id"), subscriberID, cursor)
	if err != nil {
		h.writeErr(w, "subscribe", err)
		return
	}
	events.ServeSSE(w, r, sub, h.heartbeat, h.logger)
}

func (h *HTTPHandler) handleClose(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req CloseSessionRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := h.orch.CloseSession(r.Context(), tenantID, id, r.Header.Get(HeaderUserID), req.Reason); err != nil {
		h.writeErr(w, "close session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	if err := h.orch.PauseSession(tenantID, r.PathValue("id")); err != nil {
		h.writeErr(w, "pause session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	if err := h.orch.ResumeSession(tenantID, r.PathValue("id")); err != nil {
		h.writeErr(w, "resume session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleResearch(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req ResearchRequest
	if !h.decode(w, r, &req) {
		return
	}
	sessionID := r.PathValue("id")
	task, err := h.orch.SubmitResearch(r.Context(), tenantID, sessionID, r.Header.Get(HeaderUserID), req.URLs, req.Topic)
	if err != nil {
		h.writeErr(w, "submit research", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: task.ID, SessionID: sessionID, Kind: task.Op.Kind})
}

func (h *HTTPHandler) handleScan(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("id")
	task, err := h.orch.SubmitScan(r.Context(), tenantID, sessionID, r.Header.Get(HeaderUserID))
	if err != nil {
		h.writeErr(w, "submit scan", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: task.ID, SessionID: sessionID, Kind: task.Op.Kind})
}

// handleListInconsistencies handles GET /inconsistencies.
// Query parameters:
//   - product: product ID (required)
//   - status: IDENTIFIED, UNDER_REVIEW, RESOLVED, REJECTED (default: all)
func (h *HTTPHandler) handleListInconsistencies(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	productID := r.URL.Query().Get("product")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "product is required")
		return
	}
	status := conversation.InconsistencyStatus(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case "", conversation.InconsistencyIdentified, conversation.InconsistencyUnderReview,
		conversation.InconsistencyResolved, conversation.InconsistencyRejected:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	recs := h.orch.Inconsistencies(tenantID, productID, status)
	h.writeJSON(w, http.StatusOK, ListInconsistenciesResponse{Inconsistencies: recs, Total: len(recs)})
}

func (h *HTTPHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.orch.ResolveInconsistency(r.Context(), tenantID, r.Header.Get(HeaderUserID),
		r.PathValue("id"), req.Decision, req.Note)
	if err != nil {
		h.writeErr(w, "decide inconsistency", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.Header.Get(HeaderTenantID)
	if tenantID == "" {
		h.writeError(w, http.StatusBadRequest, HeaderTenantID+" header is required")
		return "", false
	}
	return tenantID, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// StatusCode maps an orchestrator error onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrCrossTenantAccess), errors.Is(err, conversation.ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrAlreadyExists),
		errors.Is(err, conversation.ErrExchangeInProgress),
		errors.Is(err, conversation.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrTooManyConcurrentTasks):
		return http.StatusTooManyRequests
	case errors.Is(err, conversation.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, conversation.ErrSessionPaused):
		return http.StatusLocked
	case errors.Is(err, conversation.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeErr(w http.ResponseWriter, op string, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "op", op, "error", err)
		h.writeError(w, status, "internal error")
		return
	}
	h.writeError(w, status, err.Error())
}

// writeJSON writes a JSON response.
func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
