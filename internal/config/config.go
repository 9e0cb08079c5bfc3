// Package config loads and validates the relay.yaml configuration file.
// Files may be YAML or JSON5, pull in fragments via $include, and use
// ${ENV_VAR} expansion for secrets.
package config

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/relay/internal/observability"
)

// Config is the root configuration for a relay process.
type Config struct {
	// DataDir holds local state such as the sqlite fallback database.
	DataDir string `yaml:"data_dir"`

	Logging  observability.LogConfig   `yaml:"logging"`
	Metrics  MetricsConfig             `yaml:"metrics"`
	Tracing  observability.TraceConfig `yaml:"tracing"`
	Language LanguageConfig            `yaml:"language"`

	Store      StoreConfig      `yaml:"store"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Modules    ModulesConfig    `yaml:"modules"`
	Sessions   SessionsConfig   `yaml:"sessions"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LanguageConfig selects the translator's language preference chain.
type LanguageConfig struct {
	// Default is a BCP 47 tag such as "en" or "ru".
	Default string `yaml:"default"`

	// Packs are extra langpack YAML files merged over the embedded ones.
	Packs []string `yaml:"packs"`
}

// Load reads, merges, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "data"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format)
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.Language.Default == "" {
		c.Language.Default = "en"
	}

	if err := c.Store.Validate(c.DataDir); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	if err := c.Modules.Validate(); err != nil {
		return fmt.Errorf("modules: %w", err)
	}
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	return nil
}
