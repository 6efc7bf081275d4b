package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models stride.yml.
type Config struct {
	LLM struct {
		Model       string          `yaml:"model" json:"model"`
		Temperature float64         `yaml:"temperature" json:"temperature"`
		MaxTokens   int             `yaml:"max_tokens" json:"max_tokens"`
		Primary     TransportConfig `yaml:"primary" json:"primary"`
		Secondary   TransportConfig `yaml:"secondary" json:"secondary"`
	} `yaml:"llm" json:"llm"`
	Coach struct {
		HistoryLimit             int      `yaml:"history_limit" json:"history_limit"`
		RequireConfirmationNonce bool     `yaml:"require_confirmation_nonce" json:"require_confirmation_nonce"`
		Encouragements           []string `yaml:"encouragements" json:"encouragements"`
		EncouragementMemory      int      `yaml:"encouragement_memory" json:"encouragement_memory"`
		EncouragementTTL         string   `yaml:"encouragement_ttl" json:"encouragement_ttl"`
	} `yaml:"coach" json:"coach"`
	Blueprint struct {
		DefaultTaskLabel string `yaml:"default_task_label" json:"default_task_label"`
		DefaultColor     string `yaml:"default_color" json:"default_color"`
	} `yaml:"blueprint" json:"blueprint"`
	Database struct {
		BusyTimeout string `yaml:"busy_timeout" json:"busy_timeout"`
		JournalMode string `yaml:"journal_mode" json:"journal_mode"`
	} `yaml:"database" json:"database"`
	Logging struct {
		Level string `yaml:"level" json:"level"`
		JSON  bool   `yaml:"json" json:"json"`
	} `yaml:"logging" json:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// TransportConfig describes one OpenAI-compatible streaming endpoint.
type TransportConfig struct {
	Name      string `yaml:"name" json:"name"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
	Model     string `yaml:"model" json:"model,omitempty"`
	Timeout   string `yaml:"timeout" json:"timeout"`
}

// Enabled reports whether the transport has an endpoint configured.
func (t TransportConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != ""
}

// APIKey resolves the credential from the environment.
func (t TransportConfig) APIKey() string {
	if t.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(t.APIKeyEnv)
}

// TimeoutDuration parses Timeout, defaulting to two minutes.
func (t TransportConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(t.Timeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Events  []string `yaml:"events" json:"events,omitempty"`
	Enabled *bool    `yaml:"enabled" json:"enabled,omitempty"`
	Secret  string   `yaml:"secret" json:"-"`
}

// EncouragementTTLDuration parses the de-dup window, defaulting to 24h.
func (c *Config) EncouragementTTLDuration() time.Duration {
	d, err := time.ParseDuration(c.Coach.EncouragementTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// BusyTimeoutDuration parses the SQLite busy timeout; zero means the db default.
func (c *Config) BusyTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Database.BusyTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("config.llm.model is required")
	}
	if !c.LLM.Primary.Enabled() {
		return fmt.Errorf("config.llm.primary.endpoint is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("config.llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("config.llm.max_tokens must be positive")
	}
	for name, t := range map[string]TransportConfig{"primary": c.LLM.Primary, "secondary": c.LLM.Secondary} {
		if t.Timeout == "" {
			continue
		}
		if _, err := time.ParseDuration(t.Timeout); err != nil {
			return fmt.Errorf("config.llm.%s.timeout invalid: %w", name, err)
		}
	}
	if c.Coach.HistoryLimit < 0 {
		return fmt.Errorf("config.coach.history_limit must not be negative")
	}
	if c.Coach.EncouragementTTL != "" {
		if _, err := time.ParseDuration(c.Coach.EncouragementTTL); err != nil {
			return fmt.Errorf("config.coach.encouragement_ttl invalid: %w", err)
		}
	}
	if strings.TrimSpace(c.Blueprint.DefaultTaskLabel) == "" {
		return fmt.Errorf("config.blueprint.default_task_label is required")
	}
	if strings.TrimSpace(c.Blueprint.DefaultColor) == "" {
		return fmt.Errorf("config.blueprint.default_color is required")
	}
	if c.Database.BusyTimeout != "" {
		if _, err := time.ParseDuration(c.Database.BusyTimeout); err != nil {
			return fmt.Errorf("config.database.busy_timeout invalid: %w", err)
		}
	}
	switch strings.ToLower(c.Database.JournalMode) {
	case "", "delete", "truncate", "persist", "memory", "wal", "off":
	default:
		return fmt.Errorf("config.database.journal_mode %q is not a SQLite journal mode", c.Database.JournalMode)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stride.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with stride config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `llm:
  model: gpt-4o-mini
  temperature: 0.7
  max_tokens: 2048
  primary:
    name: primary
    endpoint: https://api.openai.com/v1/chat/completions
    api_key_env: STRIDE_PRIMARY_API_KEY
    timeout: 90s
  secondary:
    name: secondary
    endpoint: ""
    api_key_env: STRIDE_SECONDARY_API_KEY
    timeout: 90s

coach:
  history_limit: 20
  require_confirmation_nonce: false
  encouragement_memory: 16
  encouragement_ttl: 24h
  encouragements:
    - "One small step today is still a step forward."
    - "You showed up yesterday. Show up again today."
    - "Progress, not perfection."
    - "The plan is yours. Today's task is the next brick."
    - "Consistency beats intensity."
    - "Future you is already grateful."

blueprint:
  default_task_label: "今日任务"
  default_color: "FFD700"

database:
  busy_timeout: 5s
  journal_mode: wal

logging:
  level: info
  json: false
`
