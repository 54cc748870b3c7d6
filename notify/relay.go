package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
)

const (
	relayBatchSize   = 100
	relayMaxAttempts = 5
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Writer is the broker surface the relay needs; *kafka.Writer satisfies it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Relay drains the notification outbox to the broker. Rows are claimed with
// SKIP LOCKED so concurrent relays never double-deliver; a row that keeps
// failing parks as dead after relayMaxAttempts.
type Relay struct {
	pool   TxBeginner
	writer Writer
}

func NewRelay(pool TxBeginner, writer Writer) *Relay {
	return &Relay{pool: pool, writer: writer}
}

// Run drains on the interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.RunOnce(ctx); err != nil {
				log.Printf("notify: relay cycle: %v", err)
			} else if n > 0 {
				log.Printf("notify: relayed %d notifications", n)
			}
		}
	}
}

type outboxRow struct {
	id          string
	recipientID string
	template    string
	payload     []byte
}

// RunOnce claims and publishes one batch, returning how many rows it
// delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id::text, recipient_id::text, template, payload
		FROM notification_outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, claimSQL, relayBatchSize)
	if err != nil {
		return 0, fmt.Errorf("notify: claim batch: %w", err)
	}
	batch := make([]outboxRow, 0, relayBatchSize)
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.recipientID, &row.template, &row.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan batch: %w", err)
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, len(batch))
	ids := make([]string, len(batch))
	for i, row := range batch {
		body, err := json.Marshal(map[string]any{
			"recipient_id": row.recipientID,
			"template":     row.template,
			"payload":      json.RawMessage(row.payload),
		})
		if err != nil {
			return 0, fmt.Errorf("notify: marshal message: %w", err)
		}
		msgs[i] = kafka.Message{Key: []byte(row.recipientID), Value: body}
		ids[i] = row.id
	}

	if werr := r.writer.WriteMessages(ctx, msgs...); werr != nil {
		const failSQL = `
			UPDATE notification_outbox
			SET attempts = attempts + 1,
			    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
			WHERE id = ANY($1)`
		if _, err := tx.Exec(ctx, failSQL, ids, relayMaxAttempts); err != nil {
			return 0, fmt.Errorf("notify: record failure: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("notify: commit failure: %w", err)
		}
		return 0, fmt.Errorf("notify: publish batch: %w", werr)
	}

	const sentSQL = `
		UPDATE notification_outbox
		SET status = 'sent', attempts = attempts + 1, processed_at = now()
		WHERE id = ANY($1)`
	if _, err := tx.Exec(ctx, sentSQL, ids); err != nil {
		return 0, fmt.Errorf("notify: mark sent: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit batch: %w", err)
	}
	return len(batch), nil
}
