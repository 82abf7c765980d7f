package mockserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxRequestBodySize bounds an incoming completion request.
const maxRequestBodySize = 4 << 20

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CapturedRequest records one served request for test verification.
type CapturedRequest struct {
	Rule      string        `json:"rule"`
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-rule call number
	Status    int           `json:"status"`
	Timestamp int64         `json:"timestamp"`
}

// Stats summarizes served calls.
type Stats struct {
	TotalCalls  int64            `json:"total_calls"`
	CallsByRule map[string]int64 `json:"calls_by_rule"`
}

// defaultRule names calls answered by Script.Default.
const defaultRule = "default"

// Server answers /v1/chat/completions from a Script.
type Server struct {
	script *Script
	logger *slog.Logger
	calls  atomic.Int64

	mu        sync.Mutex
	ruleCalls map[string]int
	requests  []CapturedRequest
}

// New creates a server for a compiled script.
func New(script *Script, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		script:    script,
		logger:    logger,
		ruleCalls: make(map[string]int),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	return mux
}

// Stats returns call counts.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRule := make(map[string]int64, len(s.ruleCalls))
	for name, n := range s.ruleCalls {
		byRule[name] = int64(n)
	}
	return Stats{TotalCalls: s.calls.Load(), CallsByRule: byRule}
}

// Requests returns captured requests, optionally for one rule.
func (s *Server) Requests(rule string) []CapturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CapturedRequest
	for _, r := range s.requests {
		if rule == "" || r.Rule == rule {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	callNum := s.calls.Add(1)

	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	text := strings.Join(parts, "\n")

	name, content, status := s.answer(text)
	s.capture(name, req, status)

	if name == "" {
		s.logger.Warn("No rule matched", "call", callNum, "model", req.Model)
		writeError(w, http.StatusNotFound, "not_found_error", "no rule matched the request")
		return
	}
	if status != http.StatusOK {
		s.logger.Info("Injected failure", "call", callNum, "rule", name, "status", status)
		writeError(w, status, "scripted_failure", http.StatusText(status))
		return
	}

	s.logger.Debug("Served completion", "call", callNum, "rule", name, "model", req.Model, "bytes", len(content))
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      "mock-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(text) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(text) + len(content)) / 4,
		},
	})
}

// answer picks the reply for text and advances the rule's call counter.
func (s *Server) answer(text string) (rule, content string, status int) {
	r := s.script.match(text)

	s.mu.Lock()
	defer s.mu.Unlock()
	if r == nil {
		if s.script.Default == "" {
			return "", "", http.StatusNotFound
		}
		s.ruleCalls[defaultRule]++
		return defaultRule, s.script.Default, http.StatusOK
	}

	idx := s.ruleCalls[r.Name]
	s.ruleCalls[r.Name]++
	if idx < r.Failures {
		return r.Name, "", r.Status
	}
	idx -= r.Failures
	if idx >= len(r.Replies) {
		idx = len(r.Replies) - 1
	}
	return r.Name, r.Replies[idx], http.StatusOK
}

func (s *Server) capture(rule string, req chatRequest, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, CapturedRequest{
		Rule:      rule,
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: s.ruleCalls[rule],
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleModels lists one model per rule (Ollama-compatible).
func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := make([]modelEntry, 0, len(s.script.Rules))
	for _, r := range s.script.Rules {
		models = append(models, modelEntry{ID: r.Name, Object: "model", OwnedBy: "mock-model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

// handleRequests returns captured requests.
// Query params:
//   - rule: filter by rule name (optional)
//   - call: filter by call index, 1-indexed (optional)
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	reqs := s.Requests(r.URL.Query().Get("rule"))
	if callParam := r.URL.Query().Get("call"); callParam != "" {
		callIdx, err := strconv.Atoi(callParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "call must be an integer")
			return
		}
		filtered := reqs[:0]
		for _, c := range reqs {
			if c.CallIndex == callIdx {
				filtered = append(filtered, c)
			}
		}
		reqs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"type": kind, "message": msg},
	})
}
