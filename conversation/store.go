// Package conversation is the shared message thread between the two parties
// of a tenancy. Claims and disputes reference threads by id; one thread per
// tenant, landlord, and property triple.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("conversation: not found")

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Message is one entry in a thread.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      time.Time
}

// Store implements gateway.ConversationLink over Postgres.
type Store struct {
	q Querier
}

func NewStore(q Querier) *Store {
	return &Store{q: q}
}

// GetOrCreate returns the thread for the triple, creating it on first use.
// The upsert races cleanly: concurrent callers converge on one row.
func (s *Store) GetOrCreate(ctx context.Context, tenantID, landlordID, propertyID string) (string, error) {
	const query = `
		INSERT INTO conversations (tenant_id, landlord_id, property_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, landlord_id, property_id) DO UPDATE
		SET tenant_id = EXCLUDED.tenant_id
		RETURNING id::text`

	var id string
	if err := s.q.QueryRow(ctx, query, tenantID, landlordID, propertyID).Scan(&id); err != nil {
		return "", fmt.Errorf("conversation: get or create: %w", err)
	}
	return id, nil
}

// Append adds a message to a thread.
func (s *Store) Append(ctx context.Context, conversationID, senderID, body string) error {
	const query = `
		INSERT INTO conversation_messages (conversation_id, sender_id, body)
		VALUES ($1, $2, $3)`

	if _, err := s.q.Exec(ctx, query, conversationID, senderID, body); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("conversation: append: %w", err)
	}
	return nil
}

// List returns a thread's messages oldest first.
func (s *Store) List(ctx context.Context, conversationID string) ([]Message, error) {
	const query = `
		SELECT id::text, conversation_id::text, sender_id::text, body, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at, id`

	rows, err := s.q.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate: %w", err)
	}
	return out, nil
}
