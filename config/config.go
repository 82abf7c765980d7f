// Package config provides configuration loading and management for elicit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/dispatch"
)

// Config represents the complete elicit configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	NATS          NATSConfig          `yaml:"nats"`
	Model         ModelConfig         `yaml:"model"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	VectorStore   VectorStoreConfig   `yaml:"vector_store"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Inconsistency InconsistencyConfig `yaml:"inconsistency"`
	Dispatcher    DispatcherConfig    `yaml:"dispatcher"`
	Events        EventsConfig        `yaml:"events"`
	Access        AccessConfig        `yaml:"access"`
	Research      ResearchConfig      `yaml:"research"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Addr is the listen address (default: ":8080")
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig configures durable persistence
type NATSConfig struct {
	// URL is the NATS server URL (empty = in-memory persistence)
	URL string `yaml:"url"`
	// SeenLimit bounds the client-side dedup set
	SeenLimit int `yaml:"seen_limit"`
}

// ModelConfig configures the AI backend
type ModelConfig struct {
	// Provider is one of ollama, openai, anthropic
	Provider string `yaml:"provider"`
	// Endpoint is the API base URL (empty = provider default)
	Endpoint string `yaml:"endpoint"`
	// Name is the model identifier (e.g., "qwen2.5:14b")
	Name string `yaml:"name"`
	// Temperature controls randomness (0.0-1.0, default: 0.3)
	Temperature float64 `yaml:"temperature"`
	// MaxTokens caps the response length (0 = provider default)
	MaxTokens int `yaml:"max_tokens"`
}

// EmbeddingConfig configures how text is embedded for similarity search
type EmbeddingConfig struct {
	// Provider is "hash" (local, deterministic) or "ollama"
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	// Dims is the vector size for the hash embedder
	Dims    int           `yaml:"dims"`
	Timeout time.Duration `yaml:"timeout"`
}

// VectorStoreConfig configures the SQLite vector store
type VectorStoreConfig struct {
	// Path is the database file (":memory:" for a process-local store)
	Path string `yaml:"path"`
}

// SessionsConfig configures session lifetime
type SessionsConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RetrievalConfig configures context retrieval
type RetrievalConfig struct {
	TopK        int `yaml:"top_k"`
	RecentLimit int `yaml:"recent_limit"`
	// MaxFragments caps searchable fragments held in memory
	MaxFragments int `yaml:"max_fragments"`
	// TokenBudget is the context budget for each exchange
	TokenBudget int `yaml:"token_budget"`
}

// InconsistencyConfig configures contradiction detection
type InconsistencyConfig struct {
	// ConfidenceThreshold drops candidates below this confidence (0.0-1.0)
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// ScanParallelism bounds concurrent classifier calls during a scan
	ScanParallelism int `yaml:"scan_parallelism"`
}

// DispatcherConfig sizes the background worker pool
type DispatcherConfig struct {
	Workers      int                             `yaml:"workers"`
	PerTenantCap int                             `yaml:"per_tenant_cap"`
	Retry        map[string]dispatch.RetryPolicy `yaml:"retry"`
}

// EventsConfig configures event delivery
type EventsConfig struct {
	ReplayWindow int           `yaml:"replay_window"`
	QueueSize    int           `yaml:"queue_size"`
	PersistQueue int           `yaml:"persist_queue"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
}

// AccessConfig configures authorization
type AccessConfig struct {
	// Approvers may resolve inconsistencies (empty = anyone in the tenant)
	Approvers []string `yaml:"approvers"`
}

// ResearchConfig configures external document research
type ResearchConfig struct {
	// Allow lists doublestar "host/path" patterns (empty = research disabled)
	Allow      []string      `yaml:"allow"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxBytes   int64         `yaml:"max_bytes"`
	ChunkChars int           `yaml:"chunk_chars"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	retry := make(map[string]dispatch.RetryPolicy)
	for kind, p := range dispatch.DefaultConfig().Retry {
		retry[string(kind)] = p
	}
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		NATS: NATSConfig{
			URL:       "", // In-memory persistence
			SeenLimit: 10000,
		},
		Model: ModelConfig{
			Provider:    "ollama",
			Name:        "qwen2.5:14b",
			Temperature: 0.3,
		},
		Embedding: EmbeddingConfig{
			Provider: "hash",
			Dims:     256,
			Timeout:  30 * time.Second,
		},
		VectorStore: VectorStoreConfig{
			Path: ":memory:",
		},
		Sessions: SessionsConfig{
			DefaultTTL:    30 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:         20,
			RecentLimit:  50,
			MaxFragments: 100000,
			TokenBudget:  4000,
		},
		Inconsistency: InconsistencyConfig{
			ConfidenceThreshold: 0.7,
			ScanParallelism:     4,
		},
		Dispatcher: DispatcherConfig{
			Workers:      dispatch.DefaultWorkers,
			PerTenantCap: dispatch.DefaultPerTenantCap,
			Retry:        retry,
		},
		Events: EventsConfig{
			ReplayWindow: 256,
			QueueSize:    256,
			PersistQueue: 1024,
			Heartbeat:    30 * time.Second,
		},
		Research: ResearchConfig{
			Timeout:    30 * time.Second,
			MaxBytes:   5 << 20,
			ChunkChars: 2000,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "ollama", "openai", "anthropic":
	default:
		return fmt.Errorf("model.provider must be one of ollama, openai, anthropic (got %q)", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	switch c.Embedding.Provider {
	case "hash":
		if c.Embedding.Dims <= 0 {
			return fmt.Errorf("embedding.dims must be positive")
		}
	case "ollama":
		if c.Embedding.Model == "" {
			return fmt.Errorf("embedding.model is required for the ollama embedder")
		}
	default:
		return fmt.Errorf("embedding.provider must be hash or ollama (got %q)", c.Embedding.Provider)
	}
	if c.VectorStore.Path == "" {
		return fmt.Errorf("vector_store.path is required")
	}
	if c.Sessions.DefaultTTL <= 0 {
		return fmt.Errorf("sessions.default_ttl must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive")
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.TokenBudget <= 0 {
		return fmt.Errorf("retrieval.top_k and retrieval.token_budget must be positive")
	}
	if t := c.Inconsistency.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("inconsistency.confidence_threshold must be between 0 and 1")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive")
	}
	if c.Dispatcher.PerTenantCap <= 0 {
		return fmt.Errorf("dispatcher.per_tenant_cap must be positive")
	}
	for kind, p := range c.Dispatcher.Retry {
		switch kind {
		case string(dispatch.KindAIExchange), string(dispatch.KindResearch), string(dispatch.KindInconsistencyScan):
		default:
			return fmt.Errorf("dispatcher.retry: unknown operation kind %q", kind)
		}
		if p.MaxAttempts < 1 {
			return fmt.Errorf("dispatcher.retry.%s.max_attempts must be at least 1", kind)
		}
	}
	if c.Events.ReplayWindow <= 0 || c.Events.QueueSize <= 0 {
		return fmt.Errorf("events.replay_window and events.queue_size must be positive")
	}
	return nil
}

// DispatchConfig converts the dispatcher section for dispatch.NewDispatcher.
func (c *Config) DispatchConfig() dispatch.Config {
	out := dispatch.DefaultConfig()
	out.Workers = c.Dispatcher.Workers
	out.PerTenantCap = c.Dispatcher.PerTenantCap
	for kind, p := range c.Dispatcher.Retry {
		out.Retry[conversation.OperationKind(kind)] = p
	}
	return out
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// loadOverlay reads a file without defaults so that Merge only applies the
// values the file actually sets.
func loadOverlay(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	setString(&c.Server.Addr, other.Server.Addr)
	setValue(&c.Server.ShutdownTimeout, other.Server.ShutdownTimeout)

	setString(&c.NATS.URL, other.NATS.URL)
	setValue(&c.NATS.SeenLimit, other.NATS.SeenLimit)

	setString(&c.Model.Provider, other.Model.Provider)
	setString(&c.Model.Endpoint, other.Model.Endpoint)
	setString(&c.Model.Name, other.Model.Name)
	setValue(&c.Model.Temperature, other.Model.Temperature)
	setValue(&c.Model.MaxTokens, other.Model.MaxTokens)

	setString(&c.Embedding.Provider, other.Embedding.Provider)
	setString(&c.Embedding.Endpoint, other.Embedding.Endpoint)
	setString(&c.Embedding.Model, other.Embedding.Model)
	setValue(&c.Embedding.Dims, other.Embedding.Dims)
	setValue(&c.Embedding.Timeout, other.Embedding.Timeout)

	setString(&c.VectorStore.Path, other.VectorStore.Path)

	setValue(&c.Sessions.DefaultTTL, other.Sessions.DefaultTTL)
	setValue(&c.Sessions.SweepInterval, other.Sessions.SweepInterval)

	setValue(&c.Retrieval.TopK, other.Retrieval.TopK)
	setValue(&c.Retrieval.RecentLimit, other.Retrieval.RecentLimit)
	setValue(&c.Retrieval.MaxFragments, other.Retrieval.MaxFragments)
	setValue(&c.Retrieval.TokenBudget, other.Retrieval.TokenBudget)

	setValue(&c.Inconsistency.ConfidenceThreshold, other.Inconsistency.ConfidenceThreshold)
	setValue(&c.Inconsistency.ScanParallelism, other.Inconsistency.ScanParallelism)

	setValue(&c.Dispatcher.Workers, other.Dispatcher.Workers)
	setValue(&c.Dispatcher.PerTenantCap, other.Dispatcher.PerTenantCap)
	for kind, p := range other.Dispatcher.Retry {
		if c.Dispatcher.Retry == nil {
			c.Dispatcher.Retry = make(map[string]dispatch.RetryPolicy)
		}
		merged := c.Dispatcher.Retry[kind]
		setValue(&merged.MaxAttempts, p.MaxAttempts)
		setValue(&merged.BackoffBase, p.BackoffBase)
		setValue(&merged.BackoffMultiplier, p.BackoffMultiplier)
		setValue(&merged.MaxBackoff, p.MaxBackoff)
		setValue(&merged.Jitter, p.Jitter)
		setValue(&merged.AttemptTimeout, p.AttemptTimeout)
		c.Dispatcher.Retry[kind] = merged
	}

	setValue(&c.Events.ReplayWindow, other.Events.ReplayWindow)
	setValue(&c.Events.QueueSize, other.Events.QueueSize)
	setValue(&c.Events.PersistQueue, other.Events.PersistQueue)
	setValue(&c.Events.Heartbeat, other.Events.Heartbeat)

	if len(other.Access.Approvers) > 0 {
		c.Access.Approvers = other.Access.Approvers
	}

	if len(other.Research.Allow) > 0 {
		c.Research.Allow = other.Research.Allow
	}
	setValue(&c.Research.Timeout, other.Research.Timeout)
	setValue(&c.Research.MaxBytes, other.Research.MaxBytes)
	setValue(&c.Research.ChunkChars, other.Research.ChunkChars)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setValue[T int | int64 | float64 | time.Duration](dst *T, v T) {
	if v != 0 {
		*dst = v
	}
}
