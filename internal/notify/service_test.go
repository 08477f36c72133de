package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestService_NilReceiver(t *testing.T) {
	var s *Service

	t.Run("NotifyRecapStarted is no-op", func(t *testing.T) {
		result := s.NotifyRecapStarted(context.Background(), "run-1", "user-1", "2026-08-01")
		assert.Empty(t, result)
	})

	t.Run("NotifyRecapTerminal is no-op", func(_ *testing.T) {
		s.NotifyRecapTerminal(context.Background(), RecapTerminalInput{RunID: "run-1", Status: "succeeded"})
	})

	t.Run("NotifyIngestionFailed is no-op", func(_ *testing.T) {
		s.NotifyIngestionFailed(context.Background(), "run-1", "user-1", "hn", "boom")
	})
}

func TestNewService(t *testing.T) {
	t.Run("returns nil when token empty", func(t *testing.T) {
		svc := NewService(ServiceConfig{Token: "", Channel: "C123"})
		assert.Nil(t, svc)
	})

	t.Run("returns nil when channel empty", func(t *testing.T) {
		svc := NewService(ServiceConfig{Token: "xoxb-test", Channel: ""})
		assert.Nil(t, svc)
	})

	t.Run("returns service when configured", func(t *testing.T) {
		svc := NewService(ServiceConfig{Token: "xoxb-test", Channel: "C123"})
		assert.NotNil(t, svc)
	})
}
