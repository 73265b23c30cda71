// Package config loads the runner configuration from a YAML file and
// RENFLOW_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Bus       BusConfig       `yaml:"bus"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Journal   JournalConfig   `yaml:"journal"`
	OneBot    OneBotConfig    `yaml:"onebot"`
	Templates TemplatesConfig `yaml:"templates"`
	Adapters  []AdapterConfig `yaml:"adapters"`
	Queues    []QueueConfig   `yaml:"queues"`
}

type LogConfig struct {
	Level  string `env:"RENFLOW_LOG_LEVEL"  yaml:"level"`
	Format string `env:"RENFLOW_LOG_FORMAT" yaml:"format"`
}

type BusConfig struct {
	RecentSize int           `env:"RENFLOW_BUS_RECENT_SIZE" yaml:"recent_size"`
	DedupeTTL  time.Duration `env:"RENFLOW_BUS_DEDUPE_TTL"  yaml:"dedupe_ttl"`
}

type GatewayConfig struct {
	Enabled bool   `env:"RENFLOW_GATEWAY_ENABLED" yaml:"enabled"`
	Host    string `env:"RENFLOW_GATEWAY_HOST"    yaml:"host"`
	Port    int    `env:"RENFLOW_GATEWAY_PORT"    yaml:"port"`
	APIKey  string `env:"RENFLOW_GATEWAY_API_KEY" yaml:"api_key"`
}

// Addr returns host:port for the HTTP listener.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type JournalConfig struct {
	Enabled bool   `env:"RENFLOW_JOURNAL_ENABLED" yaml:"enabled"`
	Path    string `env:"RENFLOW_JOURNAL_PATH"    yaml:"path"`
}

// OneBotConfig holds defaults applied to onebot adapters that do not set
// their own endpoint or token.
type OneBotConfig struct {
	URL         string `env:"RENFLOW_ONEBOT_URL"          yaml:"url"`
	AccessToken string `env:"RENFLOW_ONEBOT_ACCESS_TOKEN" yaml:"access_token"`
}

// TemplatesConfig points at a directory of YAML adapter templates.
type TemplatesConfig struct {
	Dir string `env:"RENFLOW_TEMPLATES_DIR" yaml:"dir"`
}

// AdapterConfig declares one bot adapter to create at startup.
type AdapterConfig struct {
	ID          string         `yaml:"id"`
	Kind        string         `yaml:"kind"`
	AutoConnect bool           `yaml:"auto_connect"`
	Options     map[string]any `yaml:"options"`
}

// QueueConfig declares one queue to create at startup.
type QueueConfig struct {
	ID          string        `yaml:"id"`
	Kind        string        `yaml:"kind"`
	Concurrency int           `yaml:"concurrency"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// Default returns a configuration with no adapters.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bus: BusConfig{
			RecentSize: 200,
			DedupeTTL:  30 * time.Second,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18790,
		},
		Journal: JournalConfig{
			Path: "renflow-events.db",
		},
		Templates: TemplatesConfig{
			Dir: "templates/adapters",
		},
	}
}

// Load reads path over Default and applies environment overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv parses each scalar section on its own so the adapter and queue
// lists never see environment variables.
func applyEnv(cfg *Config) error {
	for _, section := range []any{&cfg.Log, &cfg.Bus, &cfg.Gateway, &cfg.Journal, &cfg.OneBot, &cfg.Templates} {
		if err := env.Parse(section); err != nil {
			return fmt.Errorf("environment overrides: %w", err)
		}
	}
	return nil
}

// Validate checks adapter and queue declarations and fills queue defaults.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, a := range c.Adapters {
		if strings.TrimSpace(a.Kind) == "" {
			return fmt.Errorf("adapters[%d]: kind is required", i)
		}
		if a.ID == "" {
			continue
		}
		if seen[a.ID] {
			return fmt.Errorf("adapters[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
	}
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.Kind == "" {
			q.Kind = "memory"
		}
		if q.ID == "" {
			continue
		}
		if seen[q.ID] {
			return fmt.Errorf("queues[%d]: duplicate id %q", i, q.ID)
		}
		seen[q.ID] = true
	}
	if c.Bus.RecentSize < 0 {
		return fmt.Errorf("bus.recent_size must not be negative")
	}
	return nil
}
