package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/andgineer/news-recap/internal/routing"
)

// Validator validates a loaded Config one section at a time, stopping
// at the first problem.
type Validator struct {
	cfg *Config
}

// NewValidator returns a Validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates in dependency order: database, workdir, queue,
// routing, ingestion, dedup, recap, slack.
func (v *Validator) ValidateAll() error {
	if err := v.validateDatabase(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := v.validateWorkdir(); err != nil {
		return fmt.Errorf("workdir: %w", err)
	}
	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := v.validateRouting(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if err := v.validateIngestion(); err != nil {
		return fmt.Errorf("ingestion: %w", err)
	}
	if err := v.validateDedup(); err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	if err := v.validateRecap(); err != nil {
		return fmt.Errorf("recap: %w", err)
	}
	if err := v.validateSlack(); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	d := v.cfg.Database
	if d.Host == "" {
		return fmt.Errorf("host is required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("port %d is out of range", d.Port)
	}
	if d.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if d.MinConns > d.MaxConns {
		return fmt.Errorf("min_conns (%d) exceeds max_conns (%d)", d.MinConns, d.MaxConns)
	}
	return nil
}

func (v *Validator) validateWorkdir() error {
	if strings.TrimSpace(v.cfg.Workdir.Root) == "" {
		return fmt.Errorf("root is required")
	}
	return nil
}

func (v *Validator) validateQueue() error {
	q := v.cfg.Queue
	if q.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if q.RetryBase <= 0 || q.RetryMax <= 0 {
		return fmt.Errorf("retry_base and retry_max must be positive")
	}
	if q.RetryBase > q.RetryMax {
		return fmt.Errorf("retry_base (%s) exceeds retry_max (%s)", q.RetryBase, q.RetryMax)
	}
	if q.PreviewChars <= 0 {
		return fmt.Errorf("preview_chars must be positive")
	}
	return nil
}

func (v *Validator) validateRouting() error {
	r := v.cfg.Routing
	defaults := routing.Defaults{
		DefaultAgent:       r.DefaultAgent,
		TaskTypeProfileMap: r.TaskTypeProfiles,
		CommandTemplates:   r.CommandTemplates,
		Models:             r.Models,
	}
	if err := defaults.Validate(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateIngestion() error {
	seen := map[string]bool{}
	for _, s := range v.cfg.Ingestion.Sources {
		if s.Name == "" {
			return fmt.Errorf("source with feed_url %q is missing a name", s.FeedURL)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		if _, err := url.ParseRequestURI(s.FeedURL); err != nil {
			return fmt.Errorf("source %q has an invalid feed_url %q: %w", s.Name, s.FeedURL, err)
		}
	}
	return nil
}

func (v *Validator) validateDedup() error {
	d := v.cfg.Dedup
	if d.Threshold <= 0 || d.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %f", d.Threshold)
	}
	if strings.TrimSpace(d.ModelName) == "" {
		return fmt.Errorf("model_name is required")
	}
	return nil
}

func (v *Validator) validateRecap() error {
	r := v.cfg.Recap
	if r.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("task_timeout_seconds must be positive")
	}
	if r.TaskMaxAttempts <= 0 {
		return fmt.Errorf("task_max_attempts must be positive")
	}
	return nil
}

func (v *Validator) validateSlack() error {
	s := v.cfg.Slack
	if !s.Enabled {
		return nil
	}
	if s.TokenEnv == "" {
		return fmt.Errorf("token_env is required when slack is enabled")
	}
	if s.Channel == "" {
		return fmt.Errorf("channel is required when slack is enabled")
	}
	return nil
}
