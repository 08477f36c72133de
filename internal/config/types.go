// Package config loads and validates the news-recap.yaml configuration
// file, merging it over built-in defaults.
package config

import "time"

// Config is the umbrella configuration object returned by Load, used
// to construct every other package's dependencies at startup.
type Config struct {
	configPath string

	Database  DatabaseConfig  `yaml:"database"`
	Workdir   WorkdirConfig   `yaml:"workdir"`
	Queue     QueueConfig     `yaml:"queue"`
	Routing   RoutingConfig   `yaml:"routing"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Recap     RecapConfig     `yaml:"recap"`
	Slack     SlackConfig     `yaml:"slack"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ConfigPath returns the file path Load read this configuration from.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// DatabaseConfig mirrors internal/database.Config with YAML tags, plus
// a PasswordEnv field so the connection password never has to sit in
// the YAML file itself.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	PasswordEnv     string        `yaml:"password_env"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// WorkdirConfig locates the task workdir tree on disk.
type WorkdirConfig struct {
	Root string `yaml:"root"`
}

// QueueConfig sizes the worker's polling, retry, and timeout behavior.
type QueueConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	PollJitter         time.Duration `yaml:"poll_jitter"`
	RetryBase          time.Duration `yaml:"retry_base"`
	RetryMax           time.Duration `yaml:"retry_max"`
	TimeoutRetryCap    time.Duration `yaml:"timeout_retry_cap"`
	PreviewChars       int           `yaml:"preview_chars"`
	TransientExitCodes []int         `yaml:"transient_exit_codes"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	InputRatePerMillion  float64     `yaml:"input_rate_per_million"`
	OutputRatePerMillion float64     `yaml:"output_rate_per_million"`
}

// RoutingConfig feeds routing.Defaults: which agent/model backs each
// task-type profile, and the CLI command template per agent.
type RoutingConfig struct {
	DefaultAgent     string                       `yaml:"default_agent"`
	TaskTypeProfiles map[string]string            `yaml:"task_type_profiles"`
	CommandTemplates map[string]string            `yaml:"command_templates"`
	Models           map[string]map[string]string `yaml:"models"`
}

// RSSSourceConfig is one polled feed.
type RSSSourceConfig struct {
	Name        string        `yaml:"name"`
	FeedURL     string        `yaml:"feed_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// IngestionConfig lists the RSS sources to poll and how long an
// ingestion run's heartbeat may go stale before it is recovered.
type IngestionConfig struct {
	Sources    []RSSSourceConfig `yaml:"sources"`
	StaleAfter time.Duration     `yaml:"stale_after"`
}

// DedupConfig sizes the semantic dedup engine's clustering pass.
type DedupConfig struct {
	ModelName      string        `yaml:"model_name"`
	Threshold      float64       `yaml:"threshold"`
	EmbeddingTTL   time.Duration `yaml:"embedding_ttl"`
	CandidateWindow time.Duration `yaml:"candidate_window"`
}

// RecapConfig sizes the recap pipeline coordinator.
type RecapConfig struct {
	StaleAfter         time.Duration `yaml:"stale_after"`
	TaskTimeoutSeconds int           `yaml:"task_timeout_seconds"`
	TaskMaxAttempts    int           `yaml:"task_max_attempts"`
}

// SlackConfig enables failure/status notifications.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}
