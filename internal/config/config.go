package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradeloop/internal/notify"
)

// Config models tradeloop.yml.
type Config struct {
	Store struct {
		Root  string `yaml:"root"`
		Host  string `yaml:"host"`
		Index bool   `yaml:"index"`
		Prune struct {
			Enabled       bool `yaml:"enabled"`
			MaxAgeDays    int  `yaml:"max_age_days"`
			MaxCount      int  `yaml:"max_count"`
			IntervalHours int  `yaml:"interval_hours"`
		} `yaml:"prune"`
	} `yaml:"store"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Scheduler struct {
		TickSeconds        int `yaml:"tick_seconds"`
		HealthSeconds      int `yaml:"health_seconds"`
		MaintenanceSeconds int `yaml:"maintenance_seconds"`
	} `yaml:"scheduler"`
	Frequency struct {
		WindowDays         int     `yaml:"window_days"`
		MinIntervalSeconds int     `yaml:"min_interval_seconds"`
		BufferFactor       float64 `yaml:"buffer_factor"`
		MinSamples         int     `yaml:"min_samples"`
	} `yaml:"frequency"`
	Optimizer struct {
		Schedule string `yaml:"schedule"`
		At       string `yaml:"at"`
	} `yaml:"optimizer"`
	Organizer struct {
		BatchSize int    `yaml:"batch_size"`
		DelayMS   int    `yaml:"delay_ms"`
		Cache     string `yaml:"cache"`
		CacheSize int    `yaml:"cache_size"`
		RedisURL  string `yaml:"redis_url"`
		CacheTTL  int    `yaml:"cache_ttl_hours"`
	} `yaml:"organizer"`
	Decision struct {
		Symbols []string `yaml:"symbols"`
		Execute bool     `yaml:"execute"`
	} `yaml:"decision"`
	LLM struct {
		Provider       string `yaml:"provider"`
		BaseURL        string `yaml:"base_url"`
		Model          string `yaml:"model"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"llm"`
	Brokerage struct {
		Provider     string  `yaml:"provider"`
		StartingCash float64 `yaml:"starting_cash"`
		Seed         int64   `yaml:"seed"`
	} `yaml:"brokerage"`
	Notify struct {
		MinSeverity string                 `yaml:"min_severity"`
		Webhooks    []notify.WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

var (
	llmProviders       = []string{"mock", "openai"}
	brokerageProviders = []string{"sim"}
	cacheProviders     = []string{"none", "memory", "redis"}
	schedules          = []string{"", "daily", "weekly"}
	severities         = []string{"info", "warning", "error", "critical"}
	logFormats         = []string{"text", "json"}
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Root) == "" {
		return fmt.Errorf("config.store.root is required")
	}
	if c.Store.Prune.Enabled && c.Store.Prune.IntervalHours <= 0 {
		return fmt.Errorf("config.store.prune.interval_hours must be positive")
	}
	if err := oneOf("logging.format", c.Logging.Format, logFormats); err != nil {
		return err
	}
	if c.Scheduler.TickSeconds <= 0 || c.Scheduler.HealthSeconds <= 0 || c.Scheduler.MaintenanceSeconds <= 0 {
		return fmt.Errorf("config.scheduler intervals must be positive")
	}
	if c.Frequency.WindowDays <= 0 {
		return fmt.Errorf("config.frequency.window_days must be positive")
	}
	if c.Frequency.MinIntervalSeconds <= 0 {
		return fmt.Errorf("config.frequency.min_interval_seconds must be positive")
	}
	if c.Frequency.BufferFactor <= 1.0 {
		return fmt.Errorf("config.frequency.buffer_factor must be greater than 1.0")
	}
	if c.Frequency.MinSamples < 1 {
		return fmt.Errorf("config.frequency.min_samples must be at least 1")
	}
	if err := oneOf("optimizer.schedule", c.Optimizer.Schedule, schedules); err != nil {
		return err
	}
	if c.Optimizer.Schedule != "" {
		if err := validClock(c.Optimizer.At); err != nil {
			return fmt.Errorf("config.optimizer.at: %w", err)
		}
	}
	if c.Organizer.BatchSize < 1 {
		return fmt.Errorf("config.organizer.batch_size must be at least 1")
	}
	if c.Organizer.DelayMS < 0 {
		return fmt.Errorf("config.organizer.delay_ms must not be negative")
	}
	if err := oneOf("organizer.cache", c.Organizer.Cache, cacheProviders); err != nil {
		return err
	}
	if c.Organizer.Cache == "redis" && c.Organizer.RedisURL == "" {
		return fmt.Errorf("config.organizer.redis_url is required for the redis cache")
	}
	for _, s := range c.Decision.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("config.decision.symbols contains an empty symbol")
		}
	}
	if err := oneOf("llm.provider", c.LLM.Provider, llmProviders); err != nil {
		return err
	}
	if c.LLM.Provider == "openai" && c.LLM.Model == "" {
		return fmt.Errorf("config.llm.model is required for the openai provider")
	}
	if err := oneOf("brokerage.provider", c.Brokerage.Provider, brokerageProviders); err != nil {
		return err
	}
	if err := oneOf("notify.min_severity", c.Notify.MinSeverity, severities); err != nil {
		return err
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		for _, sev := range hook.Severities {
			if err := oneOf(fmt.Sprintf("notify.webhooks[%d].severities", i), sev, severities); err != nil {
				return err
			}
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

func oneOf(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config.%s must be one of %s (got %q)", field, strings.Join(nonEmpty(allowed), ", "), value)
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func validClock(s string) error {
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return nil
}

// StoreRoot resolves the store root against workspace.
func (c *Config) StoreRoot(workspace string) string {
	if filepath.IsAbs(c.Store.Root) {
		return c.Store.Root
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Store.Root)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tradeloop.yml")
}

// Template returns the default config YAML.
func Template() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
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

const defaultTemplate = `store:
  root: memory
  host: ""
  index: true
  prune:
    enabled: true
    max_age_days: 90
    max_count: 50000
    interval_hours: 24

logging:
  level: info
  format: text

scheduler:
  tick_seconds: 1
  health_seconds: 300
  maintenance_seconds: 60

frequency:
  window_days: 7
  min_interval_seconds: 60
  buffer_factor: 1.5
  min_samples: 10

optimizer:
  schedule: daily
  at: "02:00"

organizer:
  batch_size: 100
  delay_ms: 100
  cache: memory
  cache_size: 1024
  redis_url: ""
  cache_ttl_hours: 24

decision:
  symbols: [AAPL, MSFT, SPY]
  # execution_latency is only recorded for submitted orders; the adaptive
  # interval needs both latency series, so it stays at the floor when false.
  execute: true

llm:
  provider: mock
  base_url: ""
  model: ""
  api_key: ""
  timeout_seconds: 60

brokerage:
  provider: sim
  starting_cash: 100000
  seed: 1

notify:
  min_severity: warning
  webhooks: []

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
`
