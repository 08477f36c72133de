package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads news-recap.yaml at path, expands environment variables,
// merges it over DefaultConfig (non-zero values override), and
// validates the result. An empty or missing path is not an error: it
// returns the built-in defaults, validated as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configPath = path

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		raw = ExpandEnv(raw)

		var overlay Config
		if err := yaml.Unmarshal(raw, &overlay); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, &overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging config file %s over defaults: %w", path, err)
		}
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("configuration loaded",
		"path", path,
		"ingestion_sources", len(cfg.Ingestion.Sources),
		"default_agent", cfg.Routing.DefaultAgent,
	)
	return cfg, nil
}

// ResolvePassword reads the database password from the environment
// variable named by cfg.Database.PasswordEnv, returning "" if unset.
func (c *Config) ResolvePassword() string {
	if c.Database.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Database.PasswordEnv)
}

// ResolveSlackToken reads the Slack bot token from the environment
// variable named by cfg.Slack.TokenEnv, returning "" if unset.
func (c *Config) ResolveSlackToken() string {
	if c.Slack.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Slack.TokenEnv)
}
