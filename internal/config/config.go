// Package config loads the condense configuration from the data directory's
// config.yaml, falling back to defaults when no file exists.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loopworks/condense/internal/llm"
)

// Config holds the full service configuration.
type Config struct {
	// DataDir holds the database, models.yaml, and config.yaml.
	DataDir string `yaml:"data_dir"`

	Compaction CompactionConfig `yaml:"compaction"`
	Sweep      SweepConfig      `yaml:"sweep"`

	// Providers maps provider name to credentials and limits.
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// CompactionConfig holds the engine policy defaults.
type CompactionConfig struct {
	// Model pins the compaction model for every conversation. Empty means
	// each conversation compacts with its own model.
	Model              string  `yaml:"model"`
	Threshold          float64 `yaml:"threshold"`           // fraction of context window (default: 0.7)
	EmergencyThreshold float64 `yaml:"emergency_threshold"` // fraction of context window (default: 0.95)
	SummaryRatio       float64 `yaml:"summary_ratio"`       // target output size vs original (default: 0.3)
}

// SweepConfig holds the periodic sweep settings.
type SweepConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression or @every duration
}

// ProviderConfig holds credentials and advertised limits for one provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`  // supports ${ENV_VAR} expansion
	BaseURL string `yaml:"base_url,omitempty"` // for ollama (default: http://localhost:11434)
	Model   string `yaml:"model,omitempty"`    // default model for this provider

	// Per-minute limits used by the pre-flight rate-limit guard.
	InputTokensPerMinute int `yaml:"input_tokens_per_minute,omitempty"`
	RequestsPerMinute    int `yaml:"requests_per_minute,omitempty"`
}

// RateLimits converts the configured limits for the guard. Zero values mean
// the provider advertises no limits.
func (p ProviderConfig) RateLimits() llm.RateLimitInfo {
	if p.InputTokensPerMinute <= 0 && p.RequestsPerMinute <= 0 {
		return llm.RateLimitInfo{}
	}
	return llm.RateLimitInfo{
		HasLimits:            true,
		InputTokensPerMinute: p.InputTokensPerMinute,
		RequestsPerMinute:    p.RequestsPerMinute,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Compaction: CompactionConfig{
			Threshold:          0.7,
			EmergencyThreshold: 0.95,
			SummaryRatio:       0.3,
		},
		Sweep: SweepConfig{
			Enabled:  false,
			Schedule: "@every 5m",
		},
		Providers: map[string]ProviderConfig{},
	}
}

// DefaultDataDir returns the platform data directory for condense.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".condense"
	}
	return filepath.Join(home, ".condense")
}

// Load loads config from the default data directory's config.yaml. A missing
// file is not an error; defaults apply.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// LoadFrom loads config from a specific path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes the config to the data directory's config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0600)
}

// DBPath returns the path to the SQLite database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "condense.db")
}

// ModelsPath returns the path to the models.yaml limits catalog.
func (c *Config) ModelsPath() string {
	return filepath.Join(c.DataDir, "models.yaml")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0700)
}

// Provider returns the named provider config and whether it exists.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// normalize expands env vars and tilde paths and backfills zero thresholds.
func (c *Config) normalize() {
	if strings.HasPrefix(c.DataDir, "~/") {
		home, _ := os.UserHomeDir()
		c.DataDir = filepath.Join(home, c.DataDir[2:])
	}
	for name, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		c.Providers[name] = p
	}
	if c.Compaction.Threshold <= 0 {
		c.Compaction.Threshold = 0.7
	}
	if c.Compaction.EmergencyThreshold <= 0 {
		c.Compaction.EmergencyThreshold = 0.95
	}
	if c.Compaction.SummaryRatio <= 0 {
		c.Compaction.SummaryRatio = 0.3
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 5m"
	}
}
