package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for the meep daemon.
//
// NOTE: This file may contain provider API keys. Always keep it chmod 0600.
type Config struct {
	// DBPath is the SQLite checkpoint database location.
	// If empty, a default under the user home dir is used.
	DBPath string `yaml:"db_path,omitempty"`

	Provider ProviderConfig `yaml:"provider"`

	Confirmation ConfirmationConfig `yaml:"confirmation,omitempty"`
	Cull         CullConfig         `yaml:"cull,omitempty"`
	Tasks        TasksConfig        `yaml:"tasks,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

// ProviderConfig selects and configures the LLM backend.
type ProviderConfig struct {
	// Kind is "openai" or "anthropic".
	Kind   string `yaml:"kind"`
	Model  string `yaml:"model,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	// APIKeyEnv names an environment variable holding the key; it takes
	// precedence over APIKey when set.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// ConfirmationConfig controls the human approval gate.
type ConfirmationConfig struct {
	// Approvers maps channel id to the identities allowed to decide
	// confirmations raised on that channel.
	Approvers map[string][]string `yaml:"approvers,omitempty"`
	// DeadlineSeconds is how long a confirmation stays open before it is
	// auto-denied as expired.
	DeadlineSeconds int `yaml:"deadline_seconds,omitempty"`
}

// CullConfig controls history summarization thresholds.
type CullConfig struct {
	// MaxChannelChars triggers culling when a channel's message text
	// exceeds it.
	MaxChannelChars int `yaml:"max_channel_chars,omitempty"`
	// SummarizeChars is the approximate size of the prefix folded into one
	// summary per pass.
	SummarizeChars int `yaml:"summarize_chars,omitempty"`
	// KeepRecent is the minimum number of trailing messages never culled.
	KeepRecent int `yaml:"keep_recent,omitempty"`
	// MaxAgeDays culls messages older than this even under the size cap.
	MaxAgeDays int `yaml:"max_age_days,omitempty"`
}

// TasksConfig controls the async execution plane.
type TasksConfig struct {
	// MaxConcurrent bounds async tool workers across all threads.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
}

const (
	defaultDeadlineSeconds = 600
	defaultMaxChannelChars = 20000
	defaultSummarizeChars  = 4000
	defaultKeepRecent      = 8
	defaultMaxAgeDays      = 5
	defaultMaxConcurrent   = 8
)

// Default returns a config with all tunables at their defaults.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{Kind: "openai"},
		Confirmation: ConfirmationConfig{
			DeadlineSeconds: defaultDeadlineSeconds,
		},
		Cull: CullConfig{
			MaxChannelChars: defaultMaxChannelChars,
			SummarizeChars:  defaultSummarizeChars,
			KeepRecent:      defaultKeepRecent,
			MaxAgeDays:      defaultMaxAgeDays,
		},
		Tasks:     TasksConfig{MaxConcurrent: defaultMaxConcurrent},
		LogFormat: "text",
		LogLevel:  "info",
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(c.Provider.Kind) {
	case "openai", "anthropic":
	case "":
		return errors.New("missing provider.kind")
	default:
		return fmt.Errorf("unknown provider.kind %q", c.Provider.Kind)
	}
	if c.Confirmation.DeadlineSeconds < 0 {
		return errors.New("confirmation.deadline_seconds must be >= 0")
	}
	if c.Cull.MaxChannelChars < 0 || c.Cull.SummarizeChars < 0 || c.Cull.KeepRecent < 0 || c.Cull.MaxAgeDays < 0 {
		return errors.New("cull thresholds must be >= 0")
	}
	if c.Tasks.MaxConcurrent < 0 {
		return errors.New("tasks.max_concurrent must be >= 0")
	}
	return nil
}

// Normalize fills zero-valued tunables with defaults.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	def := Default()
	if c.Confirmation.DeadlineSeconds == 0 {
		c.Confirmation.DeadlineSeconds = def.Confirmation.DeadlineSeconds
	}
	if c.Cull.MaxChannelChars == 0 {
		c.Cull.MaxChannelChars = def.Cull.MaxChannelChars
	}
	if c.Cull.SummarizeChars == 0 {
		c.Cull.SummarizeChars = def.Cull.SummarizeChars
	}
	if c.Cull.KeepRecent == 0 {
		c.Cull.KeepRecent = def.Cull.KeepRecent
	}
	if c.Cull.MaxAgeDays == 0 {
		c.Cull.MaxAgeDays = def.Cull.MaxAgeDays
	}
	if c.Tasks.MaxConcurrent == 0 {
		c.Tasks.MaxConcurrent = def.Tasks.MaxConcurrent
	}
	if strings.TrimSpace(c.LogFormat) == "" {
		c.LogFormat = def.LogFormat
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = def.LogLevel
	}
}

// ResolveAPIKey returns the provider API key, preferring the env indirection.
func (c *Config) ResolveAPIKey() string {
	if c == nil {
		return ""
	}
	if env := strings.TrimSpace(c.Provider.APIKeyEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(c.Provider.APIKey)
}

// ApproversFor returns the approver identities configured for the channel.
func (c *Config) ApproversFor(channelID string) []string {
	if c == nil {
		return nil
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil
	}
	out := make([]string, 0, len(c.Confirmation.Approvers[channelID]))
	for _, id := range c.Confirmation.Approvers[channelID] {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// DefaultConfigPath returns the default config path:
//
//	~/.meep/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "meep.config.yaml"
	}
	return filepath.Join(home, ".meep", "config.yaml")
}

// DefaultDBPath returns the default checkpoint database path.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "meep.db"
	}
	return filepath.Join(home, ".meep", "meep.db")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
