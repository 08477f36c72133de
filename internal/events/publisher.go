package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// maxNotifyBytes is PostgreSQL's NOTIFY payload limit (8000 bytes);
// truncateIfNeeded stays comfortably under it.
const maxNotifyBytes = 7900

// Publisher broadcasts lifecycle payloads over Channel via pg_notify.
// Publishing is best-effort: a failed NOTIFY never fails the caller's
// write path, since events are a convenience fan-out, not the system
// of record (the llm_tasks/ingestion_runs/recap_runs tables are). A nil
// *Publisher is valid and every method is a no-op, so callers that run
// without a pool configured don't need to guard every call site.
type Publisher struct {
	pool *pgxpool.Pool
}

// NewPublisher returns a Publisher backed by pool.
func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// PublishTaskStatusChanged broadcasts a TaskStatusChanged payload.
func (p *Publisher) PublishTaskStatusChanged(ctx context.Context, payload TaskStatusChanged) error {
	if p == nil {
		return nil
	}
	payload.Type = TypeTaskStatusChanged
	return p.publish(ctx, payload)
}

// PublishIngestionRunStatus broadcasts an IngestionRunStatusChanged payload.
func (p *Publisher) PublishIngestionRunStatus(ctx context.Context, payload IngestionRunStatusChanged) error {
	if p == nil {
		return nil
	}
	payload.Type = TypeIngestionRunStatus
	return p.publish(ctx, payload)
}

// PublishRecapRunStatus broadcasts a RecapRunStatusChanged payload.
func (p *Publisher) PublishRecapRunStatus(ctx context.Context, payload RecapRunStatusChanged) error {
	if p == nil {
		return nil
	}
	payload.Type = TypeRecapRunStatus
	return p.publish(ctx, payload)
}

// PublishRoutingFallbackApplied broadcasts a RoutingFallbackApplied payload.
func (p *Publisher) PublishRoutingFallbackApplied(ctx context.Context, payload RoutingFallbackApplied) error {
	if p == nil {
		return nil
	}
	payload.Type = TypeRoutingFallbackApplied
	return p.publish(ctx, payload)
}

func (p *Publisher) publish(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	notifyPayload, err := truncateIfNeeded(raw)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify on %s: %w", Channel, err)
	}
	return nil
}

// truncateIfNeeded returns payload as-is if it fits PostgreSQL's NOTIFY
// limit, otherwise drops everything but its "type" discriminator,
// so an oversized payload still announces what happened.
func truncateIfNeeded(payload []byte) (string, error) {
	if len(payload) <= maxNotifyBytes {
		return string(payload), nil
	}

	var routing struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &routing); err != nil {
		return "", fmt.Errorf("extracting type for oversized event payload: %w", err)
	}
	truncated, err := json.Marshal(map[string]any{"type": routing.Type, "truncated": true})
	if err != nil {
		return "", fmt.Errorf("marshaling truncated event payload: %w", err)
	}
	return string(truncated), nil
}
