// Package notify delivers user-facing notifications through a transactional
// outbox: dispatch writes a row, the relay drains rows to the broker. A
// notification failure never fails the transition that produced it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"depositflow/gateway"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Outbox implements gateway.NotificationDispatcher by appending to the
// notification_outbox table.
type Outbox struct {
	q Querier
}

func NewOutbox(q Querier) *Outbox {
	return &Outbox{q: q}
}

// Notify enqueues one notification. Fire-and-forget per the dispatcher
// contract: failures are logged and swallowed.
func (o *Outbox) Notify(ctx context.Context, recipientID string, kind gateway.TemplateKind, payload map[string]any) {
	if err := o.enqueue(ctx, recipientID, kind, payload); err != nil {
		log.Printf("notify: enqueue %s for %s: %v", kind, recipientID, err)
	}
}

func (o *Outbox) enqueue(ctx context.Context, recipientID string, kind gateway.TemplateKind, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	const query = `
		INSERT INTO notification_outbox (recipient_id, template, payload)
		VALUES ($1, $2, $3::jsonb)`
	if _, err := o.q.Exec(ctx, query, recipientID, kind, body); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// LogDispatcher implements gateway.NotificationDispatcher by logging only.
// It stands in when no broker is configured.
type LogDispatcher struct{}

func (LogDispatcher) Notify(_ context.Context, recipientID string, kind gateway.TemplateKind, payload map[string]any) {
	log.Printf("notify: %s -> %s %v", kind, recipientID, payload)
}
