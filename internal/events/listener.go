package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener holds a dedicated connection LISTENing on Channel and
// dispatches each NOTIFY's raw payload to Handlers. Only one fixed
// channel is ever used, so there is no subscribe/unsubscribe
// machinery, just a receive loop and a registered handler list.
type Listener struct {
	pool     *pgxpool.Pool
	handlers []func(payload []byte)
}

// NewListener returns a Listener backed by pool. Register handlers
// with OnNotify before calling Run.
func NewListener(pool *pgxpool.Pool) *Listener {
	return &Listener{pool: pool}
}

// OnNotify registers a handler invoked for every NOTIFY received on
// Channel. Handlers run synchronously on the receive loop, in
// registration order; a slow handler delays the next notification.
func (l *Listener) OnNotify(handler func(payload []byte)) {
	l.handlers = append(l.handlers, handler)
}

// Run acquires a dedicated connection, issues LISTEN, and dispatches
// notifications until ctx is cancelled or the connection is lost.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTEN %s: %w", Channel, err)
	}
	slog.Info("events listener started", "channel", Channel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("waiting for notification on %s: %w", Channel, err)
		}
		for _, handler := range l.handlers {
			handler([]byte(notification.Payload))
		}
	}
}
