package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrInvalidTransition signals the operation was attempted from the
	// wrong state; the caller must re-fetch.
	ErrInvalidTransition = errors.New("dispute: invalid transition")
	ErrValidation        = errors.New("dispute: validation failed")
	ErrForbidden         = errors.New("dispute: forbidden")
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const disputeColumns = `
	id::text, deposit_claim_id::text, tenant_response::text, tenant_counter_amount,
	status::text, conversation_id::text, final_amount, resolution_method,
	resolution_notes, resolved_by::text, escalation_reason, last_reminder_at,
	created_at, resolved_at, updated_at`

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.ClaimID, &d.TenantResponse, &d.TenantCounterAmount,
		&d.Status, &d.ConversationID, &d.FinalAmount, &d.ResolutionMethod,
		&d.ResolutionNotes, &d.ResolvedBy, &d.EscalationReason, &d.LastReminderAt,
		&d.CreatedAt, &d.ResolvedAt, &d.UpdatedAt,
	)
	return d, err
}

// Create opens a dispute straight into UNDER_MEDIATION; both parties are
// already engaged when a dispute comes out of a claim response. The partial
// unique index rejects a second live dispute on the same claim.
func (r *Repository) Create(ctx context.Context, q Querier, params OpenParams, conversationID *string) (Dispute, error) {
	const insertSQL = `
		INSERT INTO deposit_disputes
			(deposit_claim_id, tenant_response, tenant_counter_amount, conversation_id, status)
		VALUES ($1, $2::tenant_response, $3, $4, 'under_mediation')
		RETURNING` + disputeColumns

	var counter *decimal.Decimal
	if params.Response == ResponsePartialAccept {
		counter = &params.CounterAmount
	}

	d, err := scanDispute(q.QueryRow(ctx, insertSQL, params.ClaimID, params.Response, counter, conversationID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, fmt.Errorf("%w: claim already has a live dispute", ErrInvalidTransition)
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return d, nil
}

func (r *Repository) GetByID(ctx context.Context, q Querier, id string) (Dispute, error) {
	d, err := scanDispute(q.QueryRow(ctx, `SELECT`+disputeColumns+` FROM deposit_disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

// GetForUpdate locks the dispute row for the duration of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `SELECT`+disputeColumns+` FROM deposit_disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return d, nil
}

// SetConversation stores the lazily obtained conversation link.
func (r *Repository) SetConversation(ctx context.Context, q Querier, id, conversationID string) error {
	const query = `
		UPDATE deposit_disputes SET conversation_id = $2, updated_at = now()
		WHERE id = $1 AND conversation_id IS NULL`
	if _, err := q.Exec(ctx, query, id, conversationID); err != nil {
		return fmt.Errorf("dispute: set conversation: %w", err)
	}
	return nil
}

// SetAwaitingEvidence flips UNDER_MEDIATION -> AWAITING_EVIDENCE.
func (r *Repository) SetAwaitingEvidence(ctx context.Context, q Querier, id string) (Dispute, error) {
	return r.flip(ctx, q, id, StatusUnderMediation, StatusAwaitingEvidence, "request evidence")
}

// SetUnderMediation flips AWAITING_EVIDENCE -> UNDER_MEDIATION.
func (r *Repository) SetUnderMediation(ctx context.Context, q Querier, id string) (Dispute, error) {
	return r.flip(ctx, q, id, StatusAwaitingEvidence, StatusUnderMediation, "submit evidence")
}

func (r *Repository) flip(ctx context.Context, q Querier, id string, from, to Status, op string) (Dispute, error) {
	const query = `
		UPDATE deposit_disputes
		SET status = $3::dispute_status, updated_at = now()
		WHERE id = $1 AND status = $2::dispute_status
		RETURNING` + disputeColumns

	d, err := scanDispute(q.QueryRow(ctx, query, id, from, to))
	if err != nil {
		return Dispute{}, r.diagnose(ctx, q, id, err, op)
	}
	return d, nil
}

// Resolve closes the dispute with its final split.
func (r *Repository) Resolve(ctx context.Context, q Querier, id string, finalAmount decimal.Decimal, method Method, notes, resolvedBy string, now time.Time) (Dispute, error) {
	const query = `
		UPDATE deposit_disputes
		SET status = 'resolved', final_amount = $2, resolution_method = $3,
		    resolution_notes = $4, resolved_by = $5, resolved_at = $6, updated_at = now()
		WHERE id = $1 AND status IN ('under_mediation', 'awaiting_evidence', 'escalated')
		RETURNING` + disputeColumns

	d, err := scanDispute(q.QueryRow(ctx, query, id, finalAmount, method, notes, resolvedBy, now))
	if err != nil {
		return Dispute{}, r.diagnose(ctx, q, id, err, "resolve")
	}
	return d, nil
}

// Escalate marks the dispute unresolved past its escalation deadline.
func (r *Repository) Escalate(ctx context.Context, q Querier, id, reason string) (Dispute, error) {
	const query = `
		UPDATE deposit_disputes
		SET status = 'escalated', escalation_reason = $2, updated_at = now()
		WHERE id = $1 AND status IN ('under_mediation', 'awaiting_evidence')
		RETURNING` + disputeColumns

	d, err := scanDispute(q.QueryRow(ctx, query, id, reason))
	if err != nil {
		return Dispute{}, r.diagnose(ctx, q, id, err, "escalate")
	}
	return d, nil
}

// Cancel withdraws a live dispute.
func (r *Repository) Cancel(ctx context.Context, q Querier, id string) (Dispute, error) {
	const query = `
		UPDATE deposit_disputes
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status NOT IN ('resolved', 'cancelled')
		RETURNING` + disputeColumns

	d, err := scanDispute(q.QueryRow(ctx, query, id))
	if err != nil {
		return Dispute{}, r.diagnose(ctx, q, id, err, "cancel")
	}
	return d, nil
}

// MarkReminded stamps the reminder window; the guard makes it one reminder
// per interval no matter how many sweep cycles run.
func (r *Repository) MarkReminded(ctx context.Context, q Querier, id string, now time.Time) (bool, error) {
	const query = `
		UPDATE deposit_disputes
		SET last_reminder_at = $2, updated_at = now()
		WHERE id = $1
		  AND status IN ('under_mediation', 'awaiting_evidence')
		  AND (last_reminder_at IS NULL OR last_reminder_at <= $3)`

	tag, err := q.Exec(ctx, query, id, now, now.Add(-ReminderInterval))
	if err != nil {
		return false, fmt.Errorf("dispute: mark reminded: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListEscalationDue returns ids of live disputes past their escalation
// deadline as of now.
func (r *Repository) ListEscalationDue(ctx context.Context, q Querier, now time.Time) ([]string, error) {
	return r.listDue(ctx, q, now.Add(-(MediationWindow + EscalationGrace)), "escalation due")
}

// ListReminderDue returns ids of live disputes inside the reminder window.
func (r *Repository) ListReminderDue(ctx context.Context, q Querier, now time.Time) ([]string, error) {
	return r.listDue(ctx, q, now.Add(-(MediationWindow+EscalationGrace-ReminderLead)), "reminder due")
}

func (r *Repository) listDue(ctx context.Context, q Querier, createdBefore time.Time, op string) ([]string, error) {
	const query = `
		SELECT id::text
		FROM deposit_disputes
		WHERE status IN ('under_mediation', 'awaiting_evidence') AND created_at < $1
		ORDER BY created_at`

	rows, err := q.Query(ctx, query, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("dispute: list %s: %w", op, err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan %s: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate %s: %w", op, err)
	}
	return ids, nil
}

func (r *Repository) diagnose(ctx context.Context, q Querier, id string, err error, op string) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("dispute: %s: %w", op, err)
	}
	var status Status
	if ferr := q.QueryRow(ctx, `SELECT status::text FROM deposit_disputes WHERE id = $1`, id).Scan(&status); ferr != nil {
		if errors.Is(ferr, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("dispute: %s fetch: %w", op, ferr)
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, status)
}
