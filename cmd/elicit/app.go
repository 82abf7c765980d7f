package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/elicit/config"
	"github.com/c360studio/elicit/dispatch"
	"github.com/c360studio/elicit/events"
	"github.com/c360studio/elicit/inconsistency"
	"github.com/c360studio/elicit/llm"
	"github.com/c360studio/elicit/metrics"
	"github.com/c360studio/elicit/orchestrator"
	"github.com/c360studio/elicit/research"
	"github.com/c360studio/elicit/retrieval"
	"github.com/c360studio/elicit/session"
	"github.com/c360studio/elicit/storage"
	"github.com/c360studio/elicit/vectorstore"

	// Register LLM providers via init()
	_ "github.com/c360studio/elicit/llm/providers"
)

const defaultOllamaURL = "http://localhost:11434"

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	loader *config.Loader
	logger *slog.Logger

	// NATS
	natsConn *nats.Conn
	js       jetstream.JetStream

	promRegistry *prometheus.Registry
	metrics      *metrics.Collectors

	store    storage.Store
	vectors  *vectorstore.SQLiteStore
	model    *llm.Client
	hub      *events.Hub
	registry *session.Registry
	sweeper  *session.Sweeper
	orch     *orchestrator.Orchestrator
	watcher  *config.Watcher

	server   *http.Server
	serveCh  chan error
	shutdown sync.Once
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, loader *config.Loader, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &App{
		cfg:          cfg,
		loader:       loader,
		logger:       logger,
		promRegistry: reg,
		metrics:      metrics.New(reg),
		serveCh:      make(chan error, 1),
	}, nil
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	if err := a.startStorage(ctx); err != nil {
		return err
	}

	embedder, err := a.newEmbedder()
	if err != nil {
		return err
	}
	vectors, err := vectorstore.NewSQLiteStore(a.cfg.VectorStore.Path, embedder)
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	a.vectors = vectors

	model, err := a.newModel()
	if err != nil {
		return fmt.Errorf("create model client: %w", err)
	}
	a.model = model

	retriever := retrieval.NewManager(vectors,
		retrieval.WithConfig(retrieval.Config{
			TopK:         a.cfg.Retrieval.TopK,
			RecentLimit:  a.cfg.Retrieval.RecentLimit,
			MaxFragments: a.cfg.Retrieval.MaxFragments,
		}),
		retrieval.WithMetrics(a.metrics),
		retrieval.WithLogger(a.logger.With("component", "retrieval")))

	engine := inconsistency.NewEngine(
		inconsistency.NewLLMClassifier(model, a.logger.With("component", "classifier")),
		inconsistency.WithThreshold(a.cfg.Inconsistency.ConfidenceThreshold),
		inconsistency.WithSink(a.store),
		inconsistency.WithMetrics(a.metrics),
		inconsistency.WithLogger(a.logger.With("component", "inconsistency")))

	hub := events.NewHub(
		events.WithConfig(events.Config{
			ReplayWindow: a.cfg.Events.ReplayWindow,
			QueueSize:    a.cfg.Events.QueueSize,
			PersistQueue: a.cfg.Events.PersistQueue,
		}),
		events.WithSink(a.store),
		events.WithMetrics(a.metrics),
		events.WithLogger(a.logger.With("component", "events")))
	a.hub = hub

	a.registry = session.NewRegistry(
		session.WithDefaultTTL(a.cfg.Sessions.DefaultTTL),
		session.WithMetrics(a.metrics),
		session.WithLogger(a.logger.With("component", "sessions")))

	deps := orchestrator.Deps{
		Registry:        a.registry,
		Retrieval:       retriever,
		Inconsistencies: engine,
		Hub:             hub,
		Generator:       model,
		Authorizer:      orchestrator.NewRoleAuthorizer(a.cfg.Access.Approvers),
		Store:           a.store,
	}
	if len(a.cfg.Research.Allow) > 0 {
		researcher, err := research.NewWebResearcher(research.Config{
			Allow:      a.cfg.Research.Allow,
			Timeout:    a.cfg.Research.Timeout,
			MaxBytes:   a.cfg.Research.MaxBytes,
			ChunkChars: a.cfg.Research.ChunkChars,
		}, a.logger.With("component", "research"))
		if err != nil {
			return fmt.Errorf("create researcher: %w", err)
		}
		deps.Researcher = researcher
	}

	orch, err := orchestrator.New(deps,
		orchestrator.WithConfig(orchestrator.Config{
			TokenBudget:     a.cfg.Retrieval.TokenBudget,
			HistoryMessages: orchestrator.DefaultHistoryMessages,
			ScanParallelism: a.cfg.Inconsistency.ScanParallelism,
			Dispatch:        a.cfg.DispatchConfig(),
		}),
		orchestrator.WithDispatchOptions(dispatch.WithMetrics(a.metrics)),
		orchestrator.WithLogger(a.logger.With("component", "orchestrator")))
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	a.orch = orch

	sweeper, err := session.NewSweeper(a.registry, a.cfg.Sessions.SweepInterval, a.logger.With("component", "sweeper"))
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	a.sweeper = sweeper

	if err := a.startWatcher(ctx); err != nil {
		a.logger.Warn("Config watcher disabled", "error", err)
	}

	a.startHTTP()
	return nil
}

func (a *App) startStorage(ctx context.Context) error {
	if a.cfg.NATS.URL == "" {
		a.logger.Info("Using in-memory persistence")
		a.store = storage.NewMemory()
		return nil
	}

	a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
	conn, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			a.logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}))
	if err != nil {
		return wrapNATSError(err, a.cfg.NATS.URL)
	}
	a.natsConn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	store, err := storage.NewJetStreamStore(ctx, js,
		storage.WithSeenLimit(a.cfg.NATS.SeenLimit),
		storage.WithLogger(a.logger.With("component", "storage")))
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store
	a.logger.Info("Connected to NATS", "url", a.cfg.NATS.URL)
	return nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker run -d -p 4222:4222 nats:latest -js

Or clear nats.url to use in-memory persistence.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func (a *App) newEmbedder() (vectorstore.Embedder, error) {
	e := a.cfg.Embedding
	switch e.Provider {
	case "hash":
		return vectorstore.NewHashEmbedder(e.Dims), nil
	case "ollama":
		endpoint := e.Endpoint
		if endpoint == "" {
			endpoint = defaultOllamaURL
		}
		return vectorstore.NewOllamaEmbedder(endpoint, e.Model, e.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", e.Provider)
	}
}

func (a *App) newModel() (*llm.Client, error) {
	m := a.cfg.Model
	temperature := m.Temperature
	return llm.NewClient(llm.Endpoint{
		Provider:    m.Provider,
		URL:         m.Endpoint,
		Model:       m.Name,
		MaxTokens:   m.MaxTokens,
		Temperature: &temperature,
	}, llm.WithLogger(a.logger.With("component", "llm")))
}

func (a *App) startWatcher(ctx context.Context) error {
	if a.loader == nil || len(a.loader.Paths()) == 0 {
		return nil
	}
	w, err := config.NewWatcher(a.loader, config.DefaultDebounce, a.applyConfig, a.logger.With("component", "config"))
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// applyConfig applies the settings that can change without a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.orch.Tune(cfg.Dispatcher.PerTenantCap, cfg.Inconsistency.ConfidenceThreshold)
	a.logger.Info("Configuration reloaded",
		"per_tenant_cap", cfg.Dispatcher.PerTenantCap,
		"confidence_threshold", cfg.Inconsistency.ConfidenceThreshold)
}

// Handler returns the HTTP routes served by the app.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	orchestrator.NewHTTPHandler(a.orch, a.cfg.Events.Heartbeat, a.logger.With("component", "http")).
		RegisterHTTPHandlers("/api", mux)
	mux.Handle("GET /metrics", metrics.Handler(a.promRegistry))
	mux.HandleFunc("GET /healthz", a.handleHealth)
	return mux
}

// HealthResponse reports liveness and the model endpoint's breaker state.
type HealthResponse struct {
	Status  string             `json:"status"`
	Version string             `json:"version"`
	Model   llm.EndpointHealth `json:"model"`
	NATS    string             `json:"nats,omitempty"`
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Version: Version, Model: a.model.Health()}
	if a.natsConn != nil {
		resp.NATS = a.natsConn.Status().String()
		if !a.natsConn.IsConnected() {
			resp.Status = "degraded"
		}
	}
	if resp.Model.CircuitOpen {
		resp.Status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *App) startHTTP() {
	a.server = &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("HTTP server listening", "addr", a.cfg.Server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveCh <- fmt.Errorf("http server: %w", err)
		}
		close(a.serveCh)
	}()
}

// Wait blocks until ctx is done or the HTTP server fails.
func (a *App) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-a.serveCh:
		return err
	}
}

// Shutdown gracefully stops all components in reverse start order. Later
// calls are no-ops.
func (a *App) Shutdown(timeout time.Duration) {
	a.shutdown.Do(func() { a.stop(timeout) })
}

func (a *App) stop(timeout time.Duration) {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
		cancel()
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("Failed to stop config watcher", "error", err)
		}
	}
	if a.sweeper != nil {
		if err := a.sweeper.Stop(timeout); err != nil {
			a.logger.Warn("Failed to stop sweeper", "error", err)
		}
	}
	if a.registry != nil {
		if n := a.registry.CloseAll("shutdown"); n > 0 {
			a.logger.Info("Closed open sessions", "count", n)
		}
	}
	if a.orch != nil {
		if err := a.orch.Stop(timeout); err != nil {
			a.logger.Warn("Failed to stop orchestrator", "error", err)
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			a.logger.Warn("Failed to close vector store", "error", err)
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("Failed to drain NATS", "error", err)
		}
		a.natsConn.Close()
	}
}

func writeYAML(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
