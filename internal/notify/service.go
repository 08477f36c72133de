package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/andgineer/news-recap/internal/metrics"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// Service handles Slack notification delivery. Nil-safe: every method
// is a no-op when the service is nil, so callers can wire it in
// unconditionally and it only activates when Slack is configured.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a Service. Returns nil if Token or Channel is
// empty; notifications are optional.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "notify-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing against a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{client: client, logger: slog.Default().With("component", "notify-service")}
}

// NotifyRecapStarted sends a "recap started" notification. It always
// returns an empty string: the terminal notification finds this message
// by its run fingerprint, not by a returned timestamp.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyRecapStarted(ctx context.Context, runID, userID, businessDate string) string {
	if s == nil {
		return ""
	}

	blocks := BuildRecapStartedMessage(runID, userID, businessDate)
	if err := s.client.PostMessage(ctx, blocks, "", 5*time.Second); err != nil {
		s.logger.Error("failed to send recap start notification", "run_id", runID, "error", err)
		metrics.SlackNotificationSent("recap_started", "error")
		return ""
	}
	metrics.SlackNotificationSent("recap_started", "sent")
	return ""
}

// NotifyRecapTerminal sends a terminal recap run notification,
// threading onto the matching start notification when one is found.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyRecapTerminal(ctx context.Context, input RecapTerminalInput) {
	if s == nil {
		return
	}

	threadTS, err := s.client.FindMessageByFingerprint(ctx, runFingerprint(input.RunID))
	if err != nil {
		s.logger.Warn("failed to find recap thread", "run_id", input.RunID, "error", err)
	}

	blocks := BuildRecapTerminalMessage(input)
	if err := s.client.PostMessage(ctx, blocks, threadTS, 10*time.Second); err != nil {
		s.logger.Error("failed to send recap terminal notification", "run_id", input.RunID, "status", input.Status, "error", err)
		metrics.SlackNotificationSent("recap_terminal", "error")
		return
	}
	metrics.SlackNotificationSent("recap_terminal", "sent")
}

// NotifyIngestionFailed sends an ingestion run failure notification.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyIngestionFailed(ctx context.Context, runID, userID, source, errorSummary string) {
	if s == nil {
		return
	}

	blocks := BuildIngestionFailureMessage(runID, userID, source, errorSummary)
	if err := s.client.PostMessage(ctx, blocks, "", 10*time.Second); err != nil {
		s.logger.Error("failed to send ingestion failure notification", "run_id", runID, "source", source, "error", err)
		metrics.SlackNotificationSent("ingestion_failed", "error")
		return
	}
	metrics.SlackNotificationSent("ingestion_failed", "sent")
}
