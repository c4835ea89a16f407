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

// Config models crewline.yml.
type Config struct {
	Workspace string `yaml:"workspace"`
	Sessions  struct {
		TTL            time.Duration `yaml:"ttl"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
		JWTSecret      string        `yaml:"jwt_secret"`
		DefaultPurpose string        `yaml:"default_purpose"`
	} `yaml:"sessions"`
	Server struct {
		Addr           string `yaml:"addr"`
		BasePath       string `yaml:"base_path"`
		SupervisorAddr string `yaml:"supervisor_addr"`
		AdminAPIKey    string `yaml:"admin_api_key"`
	} `yaml:"server"`
	Admission AdmissionConfig `yaml:"admission"`
	Events    struct {
		AMQP     AMQPConfig      `yaml:"amqp"`
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"events"`
	Logging LoggingConfig `yaml:"logging"`
}

type AdmissionConfig struct {
	Backend string `yaml:"backend"`
	Redis   struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		LockTTL  time.Duration `yaml:"lock_ttl"`
		Prefix   string        `yaml:"prefix"`
	} `yaml:"redis"`
}

type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
	Secret  string   `yaml:"secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with crew config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("config.sessions.ttl must be positive")
	}
	if c.Sessions.IdleTimeout < 0 {
		return fmt.Errorf("config.sessions.idle_timeout must not be negative")
	}
	if c.Sessions.IdleTimeout > c.Sessions.TTL {
		return fmt.Errorf("config.sessions.idle_timeout must not exceed ttl")
	}
	if strings.TrimSpace(c.Sessions.DefaultPurpose) == "" {
		return fmt.Errorf("config.sessions.default_purpose is required")
	}
	switch c.Admission.Backend {
	case "", "local":
	case "redis":
		if c.Admission.Redis.Addr == "" {
			return fmt.Errorf("config.admission.redis.addr is required for backend redis")
		}
	default:
		return fmt.Errorf("config.admission.backend must be local or redis")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Events.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.events.webhooks[%d].url is required", i)
		}
	}
	if c.Events.AMQP.URL != "" && c.Events.AMQP.Exchange == "" {
		return fmt.Errorf("config.events.amqp.exchange is required when url is set")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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

const defaultTemplate = `workspace: .

sessions:
  ttl: 8h
  idle_timeout: 30m
  jwt_secret: ""
  default_purpose: worker

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  supervisor_addr: 127.0.0.1:8081
  admin_api_key: ""

admission:
  backend: local
  redis:
    addr: ""
    db: 0
    lock_ttl: 10s
    prefix: crewline:admission

events:
  amqp:
    url: ""
    exchange: crewline.events
    routing_key: state_change
  webhooks: []

logging:
  level: info
  format: text
`
