package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models classboard.yml.
type Config struct {
	Server struct {
		BaseURL    string `yaml:"base_url"`
		EventsPath string `yaml:"events_path"`
	} `yaml:"server"`
	Stream struct {
		ReconnectBase    time.Duration `yaml:"reconnect_base"`
		ReconnectMax     time.Duration `yaml:"reconnect_max"`
		MaxAttempts      int           `yaml:"max_attempts"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	} `yaml:"stream"`
	Poller struct {
		Enabled         bool          `yaml:"enabled"`
		Grace           time.Duration `yaml:"grace"`
		Interval        time.Duration `yaml:"interval"`
		MaxAuthFailures int           `yaml:"max_auth_failures"`
	} `yaml:"poller"`
	Commands struct {
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
	} `yaml:"commands"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards selected stream events to an HTTP endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		return fmt.Errorf("config.server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config.server.base_url must be an http(s) URL")
	}
	if !strings.HasPrefix(c.Server.EventsPath, "/") {
		return fmt.Errorf("config.server.events_path must start with /")
	}
	if c.Stream.ReconnectBase <= 0 {
		return fmt.Errorf("config.stream.reconnect_base must be positive")
	}
	if c.Stream.ReconnectMax < c.Stream.ReconnectBase {
		return fmt.Errorf("config.stream.reconnect_max must be >= reconnect_base")
	}
	if c.Stream.MaxAttempts < 0 {
		return fmt.Errorf("config.stream.max_attempts must not be negative")
	}
	if c.Poller.Enabled && c.Poller.Interval <= 0 {
		return fmt.Errorf("config.poller.interval must be positive")
	}
	if c.Poller.Grace < 0 {
		return fmt.Errorf("config.poller.grace must not be negative")
	}
	if c.Commands.Timeout <= 0 {
		return fmt.Errorf("config.commands.timeout must be positive")
	}
	if c.Commands.RequestsPerSecond < 0 {
		return fmt.Errorf("config.commands.requests_per_second must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhook %s has empty event name", hook.URL)
			}
		}
	}
	return nil
}

// EventsURL derives the ws(s):// endpoint from the REST base URL.
func (c *Config) EventsURL() string {
	base := strings.TrimRight(c.Server.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.Server.EventsPath
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "classboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(baseURL string) string {
	return fmt.Sprintf(defaultTemplate, baseURL)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("http://localhost:8000"))).Decode(&cfg)
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

const defaultTemplate = `server:
  base_url: %s
  events_path: /ws/events

stream:
  reconnect_base: 1s
  reconnect_max: 30s
  max_attempts: 5
  ping_interval: 30s
  handshake_timeout: 10s

poller:
  enabled: true
  grace: 3s
  interval: 10s
  max_auth_failures: 3

commands:
  timeout: 10s
  requests_per_second: 10
  burst: 20

log:
  level: info
  format: console
  output: stderr

webhooks: []
`
