package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models syncline.yml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Client      ClientConfig      `yaml:"client"`
	Store       StoreConfig       `yaml:"store"`
	Kanban      KanbanConfig      `yaml:"kanban"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
	Projections ProjectionsConfig `yaml:"projections"`
	Auth        AuthConfig        `yaml:"auth"`
	Webhooks    []WebhookConfig   `yaml:"webhooks"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type RealtimeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ReplayCapacity    int           `yaml:"replay_capacity"`
	SnapshotPageSize  int           `yaml:"snapshot_page_size"`
	SendBuffer        int           `yaml:"send_buffer"`
}

// HeartbeatTimeout is how long a session may stay silent before the sweep
// closes it.
func (r RealtimeConfig) HeartbeatTimeout() time.Duration {
	return 2 * r.HeartbeatInterval
}

type ClientConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	Backoff              BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxExponent int           `yaml:"max_exponent"`
	Jitter      float64       `yaml:"jitter"`
}

type StoreConfig struct {
	BusyTimeout    time.Duration `yaml:"busy_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

type KanbanConfig struct {
	Editable bool `yaml:"editable"`
}

type SimulatorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type ProjectionsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type WebhookConfig struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxAttempts    int      `yaml:"max_attempts"`
	Enabled        *bool    `yaml:"enabled"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace. A missing file yields the
// defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("config.realtime.heartbeat_interval must be positive")
	}
	if c.Realtime.SweepInterval <= 0 {
		return fmt.Errorf("config.realtime.sweep_interval must be positive")
	}
	if c.Realtime.ReplayCapacity < 1 {
		return fmt.Errorf("config.realtime.replay_capacity must be at least 1")
	}
	if c.Realtime.SnapshotPageSize < 1 {
		return fmt.Errorf("config.realtime.snapshot_page_size must be at least 1")
	}
	if c.Realtime.SendBuffer < 1 {
		return fmt.Errorf("config.realtime.send_buffer must be at least 1")
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config.client.max_reconnect_attempts must not be negative")
	}
	if c.Client.Backoff.Base <= 0 || c.Client.Backoff.Max < c.Client.Backoff.Base {
		return fmt.Errorf("config.client.backoff requires 0 < base <= max")
	}
	if c.Client.Backoff.Jitter < 0 || c.Client.Backoff.Jitter > 1 {
		return fmt.Errorf("config.client.backoff.jitter must be within [0,1]")
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("config.store.max_retries must not be negative")
	}
	if c.Simulator.Enabled && c.Simulator.Interval <= 0 {
		return fmt.Errorf("config.simulator.interval must be positive when enabled")
	}
	seen := map[string]bool{}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.ID != "" {
			if seen[hook.ID] {
				return fmt.Errorf("config.webhooks has duplicate id %s", hook.ID)
			}
			seen[hook.ID] = true
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "syncline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// the document keep their default values.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api/v1

realtime:
  heartbeat_interval: 15s
  sweep_interval: 1s
  replay_capacity: 1000
  snapshot_page_size: 200
  send_buffer: 64

client:
  max_reconnect_attempts: 10
  heartbeat_interval: 15s
  backoff:
    base: 500ms
    max: 30s
    max_exponent: 10
    jitter: 0.2

store:
  busy_timeout: 2500ms
  max_retries: 4
  retry_base_delay: 25ms
  retry_max_delay: 1s

kanban:
  editable: false

simulator:
  enabled: false
  interval: 12s

projections:
  interval: 30s

auth:
  jwt_secret: ""

webhooks: []
`
