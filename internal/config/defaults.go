package config

import "time"

// DefaultConfig returns the built-in configuration used when
// news-recap.yaml omits a section entirely, or as the base that a
// loaded file is merged over.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "news_recap",
			PasswordEnv:     "NEWS_RECAP_DB_PASSWORD",
			Database:        "news_recap",
			SSLMode:         "disable",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
		},
		Workdir: WorkdirConfig{
			Root: "/var/lib/news-recap/workdir",
		},
		Queue: QueueConfig{
			PollInterval:       5 * time.Second,
			PollJitter:         2 * time.Second,
			RetryBase:          5 * time.Second,
			RetryMax:           10 * time.Minute,
			TimeoutRetryCap:    30 * time.Minute,
			PreviewChars:       4000,
			TransientExitCodes: []int{137, 143},
			StaleAfter:         15 * time.Minute,
		},
		Routing: RoutingConfig{
			DefaultAgent:     "claude",
			TaskTypeProfiles: map[string]string{},
			CommandTemplates: map[string]string{
				"claude": "claude --model {model} --print {prompt}",
				"codex":  "codex exec --model {model} {prompt}",
				"gemini": "gemini --model {model} --prompt {prompt}",
			},
			Models: map[string]map[string]string{
				"claude": {"fast": "claude-haiku-4", "quality": "claude-opus-4"},
				"codex":  {"fast": "gpt-5-mini", "quality": "gpt-5"},
				"gemini": {"fast": "gemini-2.5-flash", "quality": "gemini-2.5-pro"},
			},
		},
		Ingestion: IngestionConfig{
			StaleAfter: 15 * time.Minute,
		},
		Dedup: DedupConfig{
			ModelName:       "text-embedding-3-small",
			Threshold:       0.86,
			EmbeddingTTL:    7 * 24 * time.Hour,
			CandidateWindow: 48 * time.Hour,
		},
		Recap: RecapConfig{
			StaleAfter:         30 * time.Minute,
			TaskTimeoutSeconds: 180,
			TaskMaxAttempts:    3,
		},
		Slack: SlackConfig{
			Enabled:  false,
			TokenEnv: "SLACK_BOT_TOKEN",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}
