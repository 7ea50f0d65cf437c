// Package config loads the runtime configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	Session  SessionConfig  `yaml:"session"`
	Tools    ToolsConfig    `yaml:"tools"`
	Features FeaturesConfig `yaml:"features"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ProviderConfig selects and configures the model backend.
type ProviderConfig struct {
	// Name is "anthropic" or "openai".
	Name string `yaml:"name"`

	// APIKey supports ${ENV} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the default model identifier.
	Model string `yaml:"model"`

	// ContextWindow is the model's context window in tokens.
	ContextWindow int `yaml:"context_window"`
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	SystemPrompt     string        `yaml:"system_prompt"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseRetryDelay   time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay"`
	ToolParallelism  int           `yaml:"tool_parallelism"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	CompactThreshold float64       `yaml:"compact_threshold"`
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	WorkingDir       string        `yaml:"working_dir"`
}

// SessionConfig selects the persistence backend.
type SessionConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// AutoSaveDir, when set, receives JSON transcript exports.
	AutoSaveDir string `yaml:"auto_save_dir"`
}

// ToolsConfig filters the tool pool.
type ToolsConfig struct {
	Disabled []string `yaml:"disabled"`
}

// FeaturesConfig toggles optional behaviours.
type FeaturesConfig struct {
	TitleGeneration *bool `yaml:"title_generation"`
	DebugLog        *bool `yaml:"debug_log"`
	SubAgents       *bool `yaml:"sub_agents"`
	MCP             *bool `yaml:"mcp"`
	Skills          *bool `yaml:"skills"`
}

// Enabled reads a feature pointer with its default.
func (f FeaturesConfig) Enabled(flag *bool, def bool) bool {
	if flag == nil {
		return def
	}
	return *flag
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file, expanding ${ENV} references
// and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Provider.ContextWindow == 0 {
		cfg.Provider.ContextWindow = 200000
	}
	if cfg.Agent.MaxRetries == 0 {
		cfg.Agent.MaxRetries = 3
	}
	if cfg.Agent.BaseRetryDelay == 0 {
		cfg.Agent.BaseRetryDelay = 2 * time.Second
	}
	if cfg.Agent.MaxRetryDelay == 0 {
		cfg.Agent.MaxRetryDelay = 60 * time.Second
	}
	if cfg.Agent.ToolParallelism == 0 {
		cfg.Agent.ToolParallelism = 4
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 60 * time.Second
	}
	if cfg.Agent.CompactThreshold == 0 {
		cfg.Agent.CompactThreshold = 0.80
	}
	if cfg.Agent.StallTimeout == 0 {
		cfg.Agent.StallTimeout = 10 * time.Second
	}
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}
