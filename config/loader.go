package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "elicit.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/elicit"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "ELICIT_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	// explicit replaces the user/project search when set
	explicit string
	getenv   func(string) string
	workDir  string
	homeDir  string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFile loads exactly one file instead of searching user and project locations.
func WithFile(path string) LoaderOption {
	return func(l *Loader) { l.explicit = path }
}

// WithEnv overrides the environment lookup.
func WithEnv(getenv func(string) string) LoaderOption {
	return func(l *Loader) { l.getenv = getenv }
}

// WithDirs overrides the working and home directories used for the search.
func WithDirs(workDir, homeDir string) LoaderOption {
	return func(l *Loader) {
		l.workDir = workDir
		l.homeDir = homeDir
	}
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger, getenv: os.Getenv}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/elicit/config.yaml), or the WithFile path
// 3. Project config (elicit.yaml in current or parent directories)
// 4. ELICIT_* environment variables
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	if l.explicit != "" {
		overlay, err := loadOverlay(l.explicit)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", l.explicit, err)
		}
		l.logger.Debug("Loaded config", "path", l.explicit)
		config.Merge(overlay)
	} else {
		l.mergeUser(config)
		l.mergeProject(config)
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Paths returns the files Load reads, in precedence order.
func (l *Loader) Paths() []string {
	if l.explicit != "" {
		return []string{l.explicit}
	}
	var paths []string
	if p := l.UserConfigPath(); p != "" {
		paths = append(paths, p)
	}
	if p := l.findProjectConfig(); p != "" {
		paths = append(paths, p)
	}
	return paths
}

func (l *Loader) mergeUser(config *Config) {
	path := l.UserConfigPath()
	if path == "" {
		return
	}
	overlay, err := loadOverlay(path)
	switch {
	case err == nil:
		l.logger.Debug("Loaded user config", "path", path)
		config.Merge(overlay)
	case !os.IsNotExist(err):
		l.logger.Warn("Failed to load user config", "path", path, "error", err)
	}
}

func (l *Loader) mergeProject(config *Config) {
	path := l.findProjectConfig()
	if path == "" {
		l.logger.Debug("No project config found")
		return
	}
	overlay, err := loadOverlay(path)
	if err != nil {
		l.logger.Warn("Failed to load project config", "path", path, "error", err)
		return
	}
	l.logger.Debug("Loaded project config", "path", path)
	config.Merge(overlay)
}

// applyEnv applies ELICIT_* overrides for the settings most often changed per deployment.
func (l *Loader) applyEnv(c *Config) error {
	strs := map[string]*string{
		"SERVER_ADDR":        &c.Server.Addr,
		"NATS_URL":           &c.NATS.URL,
		"MODEL_PROVIDER":     &c.Model.Provider,
		"MODEL_ENDPOINT":     &c.Model.Endpoint,
		"MODEL_NAME":         &c.Model.Name,
		"EMBEDDING_PROVIDER": &c.Embedding.Provider,
		"EMBEDDING_ENDPOINT": &c.Embedding.Endpoint,
		"EMBEDDING_MODEL":    &c.Embedding.Model,
		"VECTOR_STORE_PATH":  &c.VectorStore.Path,
	}
	for key, dst := range strs {
		if v := l.getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKERS":        &c.Dispatcher.Workers,
		"PER_TENANT_CAP": &c.Dispatcher.PerTenantCap,
		"TOKEN_BUDGET":   &c.Retrieval.TokenBudget,
	}
	for key, dst := range ints {
		v := l.getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	if v := l.getenv(EnvPrefix + "CONFIDENCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sCONFIDENCE_THRESHOLD: %w", EnvPrefix, err)
		}
		c.Inconsistency.ConfidenceThreshold = f
	}
	if v := l.getenv(EnvPrefix + "SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSESSION_TTL: %w", EnvPrefix, err)
		}
		c.Sessions.DefaultTTL = d
	}
	if v := l.getenv(EnvPrefix + "RESEARCH_ALLOW"); v != "" {
		c.Research.Allow = strings.Split(v, ",")
	}
	return nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() (string, error) {
	path := l.UserConfigPath()
	if path == "" {
		return "", fmt.Errorf("cannot determine home directory")
	}

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := DefaultConfig().SaveToFile(path); err != nil {
		return "", err
	}

	l.logger.Info("Created default user config", "path", path)
	return path, nil
}

// UserConfigPath returns the path to the user config file
func (l *Loader) UserConfigPath() string {
	home := l.homeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for elicit.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	dir := l.workDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
