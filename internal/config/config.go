package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cascade/internal/version"
)

// FileName is the workspace config file.
const FileName = "cascade.yml"

// Config models cascade.yml.
type Config struct {
	Workspace struct {
		Members       []string `yaml:"members"`
		IgnoreDevDeps bool     `yaml:"ignore_dev_deps"`
	} `yaml:"workspace"`
	Registry struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
		Token   string        `yaml:"token"`
	} `yaml:"registry"`
	Retry struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BaseDelay   time.Duration `yaml:"base_delay"`
		Multiplier  float64       `yaml:"multiplier"`
	} `yaml:"retry"`
	Release struct {
		PinPolicy string   `yaml:"pin_policy"`
		Skip      []string `yaml:"skip"`
		FailFast  bool     `yaml:"fail_fast"`
	} `yaml:"release"`
	Readme struct {
		Template      string `yaml:"template"`
		Documentation string `yaml:"documentation"`
	} `yaml:"readme"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig receives run journal events while cascade serve runs.
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
			return nil, fmt.Errorf("config %s not found; create one with cascade init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the config file does not exist.
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
	if len(c.Workspace.Members) == 0 {
		return fmt.Errorf("config.workspace.members must not be empty")
	}
	for _, m := range c.Workspace.Members {
		if m == "" {
			return fmt.Errorf("config.workspace.members contains an empty pattern")
		}
		if _, err := filepath.Match(m, ""); err != nil {
			return fmt.Errorf("config.workspace.members: bad pattern %q: %w", m, err)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("config.retry.base_delay must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config.retry.multiplier must be at least 1")
	}
	if c.Registry.Timeout < 0 {
		return fmt.Errorf("config.registry.timeout must not be negative")
	}
	if _, err := version.ParsePinPolicy(c.Release.PinPolicy); err != nil {
		return fmt.Errorf("config.release.pin_policy: %w", err)
	}
	if !c.Release.FailFast {
		return fmt.Errorf("config.release.fail_fast: only fail-fast releases are supported")
	}
	seen := map[string]bool{}
	for _, name := range c.Release.Skip {
		if name == "" {
			return fmt.Errorf("config.release.skip contains an empty package name")
		}
		if seen[name] {
			return fmt.Errorf("config.release.skip lists %s twice", name)
		}
		seen[name] = true
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
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

const defaultTemplate = `workspace:
  members: ["*", "packages/*", "crates/*"]
  ignore_dev_deps: false

registry:
  url: http://localhost:8081
  timeout: 30s

retry:
  max_attempts: 5
  base_delay: 2s
  multiplier: 2.0

release:
  # reject: an exact pin that no longer matches fails planning
  # rewrite: exact pins are moved to the new version
  pin_policy: reject
  skip: []
  fail_fast: true

readme:
  template: README.tpl
  documentation: https://docs.rs/

log:
  level: info
  format: json

# webhooks:
#   - url: https://ci.example.com/hooks/cascade
#     events: [run.finished]
#     secret: change-me
webhooks: []
`
