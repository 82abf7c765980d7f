package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/elicit/dispatch"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model.Provider != "ollama" {
		t.Errorf("expected default provider ollama, got %s", cfg.Model.Provider)
	}
	if cfg.Inconsistency.ConfidenceThreshold != 0.7 {
		t.Errorf("expected default threshold 0.7, got %f", cfg.Inconsistency.ConfidenceThreshold)
	}
	if cfg.NATS.URL != "" {
		t.Error("expected in-memory persistence by default")
	}
	if len(cfg.Dispatcher.Retry) != 3 {
		t.Errorf("expected retry policies for 3 kinds, got %d", len(cfg.Dispatcher.Retry))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown provider",
			modify:  func(c *Config) { c.Model.Provider = "bard" },
			wantErr: true,
		},
		{
			name:    "missing model name",
			modify:  func(c *Config) { c.Model.Name = "" },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Model.Temperature = 1.1 },
			wantErr: true,
		},
		{
			name:    "ollama embedder without model",
			modify:  func(c *Config) { c.Embedding.Provider = "ollama" },
			wantErr: true,
		},
		{
			name:    "threshold above one",
			modify:  func(c *Config) { c.Inconsistency.ConfidenceThreshold = 1.5 },
			wantErr: true,
		},
		{
			name:    "zero per-tenant cap",
			modify:  func(c *Config) { c.Dispatcher.PerTenantCap = 0 },
			wantErr: true,
		},
		{
			name: "unknown retry kind",
			modify: func(c *Config) {
				c.Dispatcher.Retry["COMPILE"] = dispatch.DefaultRetryPolicy()
			},
			wantErr: true,
		},
		{
			name: "retry without attempts",
			modify: func(c *Config) {
				c.Dispatcher.Retry[string(dispatch.KindAIExchange)] = dispatch.RetryPolicy{}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
model:
  provider: anthropic
  name: claude-test
inconsistency:
  confidence_threshold: 0.85
dispatcher:
  per_tenant_cap: 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Model.Provider != "anthropic" || cfg.Model.Name != "claude-test" {
		t.Errorf("unexpected model section: %+v", cfg.Model)
	}
	if cfg.Inconsistency.ConfidenceThreshold != 0.85 {
		t.Errorf("expected threshold 0.85, got %f", cfg.Inconsistency.ConfidenceThreshold)
	}
	if cfg.Dispatcher.PerTenantCap != 2 {
		t.Errorf("expected cap 2, got %d", cfg.Dispatcher.PerTenantCap)
	}
	// Unset values keep their defaults.
	if cfg.Events.ReplayWindow != 256 {
		t.Errorf("expected default replay window, got %d", cfg.Events.ReplayWindow)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("model: [unclosed"), 0644)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Access.Approvers = []string{"lead-1"}
	cfg.Sessions.DefaultTTL = 2 * time.Hour

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if len(loaded.Access.Approvers) != 1 || loaded.Access.Approvers[0] != "lead-1" {
		t.Errorf("approvers not preserved: %v", loaded.Access.Approvers)
	}
	if loaded.Sessions.DefaultTTL != 2*time.Hour {
		t.Errorf("ttl not preserved: %v", loaded.Sessions.DefaultTTL)
	}
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Model:    ModelConfig{Name: "override"},
		Research: ResearchConfig{Allow: []string{"docs.example.com/**"}},
		Dispatcher: DispatcherConfig{
			Retry: map[string]dispatch.RetryPolicy{
				string(dispatch.KindResearch): {MaxAttempts: 2},
			},
		},
	})

	if base.Model.Name != "override" {
		t.Errorf("expected merged name, got %s", base.Model.Name)
	}
	if base.Model.Provider != "ollama" {
		t.Errorf("zero values must not override, got provider %s", base.Model.Provider)
	}
	if len(base.Research.Allow) != 1 {
		t.Errorf("expected merged allowlist, got %v", base.Research.Allow)
	}
	p := base.Dispatcher.Retry[string(dispatch.KindResearch)]
	if p.MaxAttempts != 2 {
		t.Errorf("expected max attempts 2, got %d", p.MaxAttempts)
	}
	if p.BackoffBase != dispatch.DefaultRetryPolicy().BackoffBase {
		t.Errorf("partial retry override should keep backoff base, got %v", p.BackoffBase)
	}

	base.Merge(nil)
}

func TestLoader_Layers(t *testing.T) {
	home := t.TempDir()
	work := filepath.Join(t.TempDir(), "product", "sub")
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}

	userPath := filepath.Join(home, UserConfigDir, UserConfigFile)
	_ = os.MkdirAll(filepath.Dir(userPath), 0755)
	_ = os.WriteFile(userPath, []byte("model:\n  name: user-model\nserver:\n  addr: \":9000\"\n"), 0644)

	// Project file sits in a parent of the working directory.
	projectPath := filepath.Join(filepath.Dir(work), ProjectConfigFile)
	_ = os.WriteFile(projectPath, []byte("server:\n  addr: \":9100\"\n"), 0644)

	env := map[string]string{
		"ELICIT_PER_TENANT_CAP":       "7",
		"ELICIT_CONFIDENCE_THRESHOLD": "0.5",
	}
	loader := NewLoader(nil,
		WithDirs(work, home),
		WithEnv(func(k string) string { return env[k] }))

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Name != "user-model" {
		t.Errorf("project layer must not reset user values, got %s", cfg.Model.Name)
	}
	if cfg.Server.Addr != ":9100" {
		t.Errorf("project layer should win over user, got %s", cfg.Server.Addr)
	}
	if cfg.Dispatcher.PerTenantCap != 7 {
		t.Errorf("env should win, got %d", cfg.Dispatcher.PerTenantCap)
	}
	if cfg.Inconsistency.ConfidenceThreshold != 0.5 {
		t.Errorf("env threshold not applied, got %f", cfg.Inconsistency.ConfidenceThreshold)
	}
	if paths := loader.Paths(); len(paths) != 2 {
		t.Errorf("expected user and project paths, got %v", paths)
	}
}

func TestLoader_BadEnv(t *testing.T) {
	loader := NewLoader(nil,
		WithDirs(t.TempDir(), t.TempDir()),
		WithEnv(func(k string) string {
			if k == "ELICIT_WORKERS" {
				return "many"
			}
			return ""
		}))
	if _, err := loader.Load(); err == nil {
		t.Error("expected error for non-numeric ELICIT_WORKERS")
	}
}

func TestLoader_EnsureUserConfig(t *testing.T) {
	home := t.TempDir()
	loader := NewLoader(nil, WithDirs(t.TempDir(), home))

	path, err := loader.EnsureUserConfig()
	if err != nil {
		t.Fatalf("EnsureUserConfig: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config at %s: %v", path, err)
	}
	if _, err := loader.EnsureUserConfig(); err != nil {
		t.Errorf("second call should be a no-op: %v", err)
	}
}

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elicit.yaml")
	if err := os.WriteFile(path, []byte("dispatcher:\n  per_tenant_cap: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	loader := NewLoader(nil, WithFile(path), WithEnv(func(string) string { return "" }))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(loader, 20*time.Millisecond, func(c *Config) { changes <- c }, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// An invalid edit is skipped.
	_ = os.WriteFile(path, []byte("dispatcher:\n  per_tenant_cap: -1\n"), 0644)
	time.Sleep(100 * time.Millisecond)
	_ = os.WriteFile(path, []byte("dispatcher:\n  per_tenant_cap: 9\n"), 0644)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Dispatcher.PerTenantCap == 9 {
				return
			}
			t.Errorf("unexpected reload with cap %d", c.Dispatcher.PerTenantCap)
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
