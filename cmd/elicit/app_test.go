package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/elicit/config"
	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/llm/mockserver"
	"github.com/c360studio/elicit/orchestrator"
	"github.com/c360studio/elicit/session"
)

const appScript = `
default: "Which payment methods must checkout accept?"
rules:
  - name: classifier
    match: "(?i)contradictions"
    replies: ["[]"]
`

func startApp(t *testing.T) *App {
	t.Helper()
	script, err := mockserver.ParseScript([]byte(appScript))
	require.NoError(t, err)
	model := httptest.NewServer(mockserver.New(script, nil).Handler())
	t.Cleanup(model.Close)

	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Model.Provider = "openai"
	cfg.Model.Endpoint = model.URL + "/v1"
	cfg.Model.Name = "mock"
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(cfg, nil, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() { app.Shutdown(5 * time.Second) })
	return app
}

func TestApp_ExchangeOverHTTP(t *testing.T) {
	app := startApp(t)
	api := httptest.NewServer(app.Handler())
	defer api.Close()

	post := func(path string, body any) *http.Response {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, api.URL+path, bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set(orchestrator.HeaderTenantID, "acme")
		req.Header.Set(orchestrator.HeaderUserID, "alice")
		resp, err := api.Client().Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("/api/sessions", orchestrator.OpenSessionRequest{
		ID:        "s1",
		ProductID: "checkout",
		Type:      string(conversation.SessionFeature),
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var zero uint64
	sub, err := app.orch.Subscribe("acme", "s1", "test", &zero)
	require.NoError(t, err)

	resp = post("/api/sessions/s1/messages", orchestrator.SubmitMessageRequest{Content: "Checkout should accept cards"})
	var receipt orchestrator.Receipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		if ev.TaskID == receipt.TaskID && ev.Kind.IsTerminal() {
			require.Equal(t, conversation.EventCompleted, ev.Kind, string(ev.Payload))
			break
		}
	}

	msgs, err := app.orch.Messages("acme", "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Which payment methods must checkout accept?", msgs[1].Content)

	health, err := api.Client().Get(api.URL + "/healthz")
	require.NoError(t, err)
	var hr HealthResponse
	require.NoError(t, json.NewDecoder(health.Body).Decode(&hr))
	health.Body.Close()
	assert.Equal(t, "ok", hr.Status)
	assert.True(t, hr.Model.Available)

	metricsResp, err := api.Client().Get(api.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(metricsResp.Body)
	metricsResp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "elicit_sessions_opened_total 1")
	assert.Contains(t, string(body), `elicit_dispatcher_tasks_submitted_total{kind="AI_EXCHANGE"} 1`)
}

func TestApp_ShutdownClosesSessions(t *testing.T) {
	app := startApp(t)
	_, err := app.orch.OpenSession(context.Background(), sessionRequest("s1"))
	require.NoError(t, err)

	app.Shutdown(5 * time.Second)
	assert.Equal(t, 0, app.registry.Len())

	_, err = app.orch.Session("acme", "s1")
	assert.True(t, errors.Is(err, conversation.ErrSessionClosed))
}

func sessionRequest(id string) session.OpenRequest {
	return session.OpenRequest{
		ID:           id,
		TenantID:     "acme",
		ProductID:    "checkout",
		Type:         conversation.SessionStory,
		Participants: []string{"alice"},
	}
}

func TestWrapNATSError(t *testing.T) {
	err := wrapNATSError(errors.New("nats: no servers available for connection"), "nats://localhost:4222")
	assert.Contains(t, err.Error(), "NATS is not running at nats://localhost:4222")

	err = wrapNATSError(errors.New("nats: authorization violation"), "nats://localhost:4222")
	assert.Equal(t, "NATS connection failed: nats: authorization violation", err.Error())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "session_id", "s1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "s1", line["session_id"])
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elicit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o644))

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "show", "--config", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "9999")
	assert.Contains(t, out.String(), "provider: ollama")
}
