package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"depositflow/funds"
)

var (
	ErrNotFound = errors.New("claim: not found")
	// ErrInvalidTransition signals the operation was attempted from the
	// wrong state; the caller must re-fetch.
	ErrInvalidTransition = errors.New("claim: invalid transition")
	ErrValidation        = errors.New("claim: validation failed")
	ErrForbidden         = errors.New("claim: forbidden")
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

const claimColumns = `
	id::text, deposit_transaction_id::text, claim_type::text, claimed_amount,
	approved_amount, status::text, description, evidence, conversation_id::text,
	submitted_at, resolved_at, resolved_by::text, resolution_notes,
	created_at, updated_at`

func scanClaim(row pgx.Row) (Claim, error) {
	var (
		c        Claim
		evidence []byte
	)
	err := row.Scan(
		&c.ID, &c.TransactionID, &c.Type, &c.ClaimedAmount,
		&c.ApprovedAmount, &c.Status, &c.Description, &evidence, &c.ConversationID,
		&c.SubmittedAt, &c.ResolvedAt, &c.ResolvedBy, &c.ResolutionNotes,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Claim{}, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &c.Evidence); err != nil {
			return Claim{}, fmt.Errorf("claim: decode evidence: %w", err)
		}
	}
	return c, nil
}

// Create inserts a DRAFT claim.
func (r *Repository) Create(ctx context.Context, q Querier, params DraftParams) (Claim, error) {
	evidence, err := json.Marshal(params.Evidence)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: marshal evidence: %w", err)
	}
	if params.Evidence == nil {
		evidence = []byte("[]")
	}

	const insertSQL = `
		INSERT INTO deposit_claims
			(deposit_transaction_id, claim_type, claimed_amount, description, evidence, status)
		VALUES ($1, $2::claim_type, $3, $4, $5::jsonb, 'draft')
		RETURNING` + claimColumns

	c, err := scanClaim(q.QueryRow(ctx, insertSQL,
		params.TransactionID, params.Type, params.ClaimedAmount, params.Description, evidence,
	))
	if err != nil {
		return Claim{}, fmt.Errorf("claim: insert: %w", err)
	}
	return c, nil
}

func (r *Repository) GetByID(ctx context.Context, q Querier, id string) (Claim, error) {
	c, err := scanClaim(q.QueryRow(ctx, `SELECT`+claimColumns+` FROM deposit_claims WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, ErrNotFound
		}
		return Claim{}, fmt.Errorf("claim: get: %w", err)
	}
	return c, nil
}

// GetForUpdate locks the claim row for the duration of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Claim, error) {
	c, err := scanClaim(tx.QueryRow(ctx, `SELECT`+claimColumns+` FROM deposit_claims WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, ErrNotFound
		}
		return Claim{}, fmt.Errorf("claim: lock: %w", err)
	}
	return c, nil
}

// Submit starts the claim clock: DRAFT -> SUBMITTED.
func (r *Repository) Submit(ctx context.Context, q Querier, id string, now time.Time) (Claim, error) {
	const query = `
		UPDATE deposit_claims
		SET status = 'submitted', submitted_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'draft'
		RETURNING` + claimColumns

	c, err := scanClaim(q.QueryRow(ctx, query, id, now))
	if err != nil {
		return Claim{}, r.diagnose(ctx, q, id, err, "submit")
	}
	return c, nil
}

// SetConversation stores the lazily obtained conversation link.
func (r *Repository) SetConversation(ctx context.Context, q Querier, id, conversationID string) error {
	const query = `
		UPDATE deposit_claims SET conversation_id = $2, updated_at = now()
		WHERE id = $1 AND conversation_id IS NULL`
	if _, err := q.Exec(ctx, query, id, conversationID); err != nil {
		return fmt.Errorf("claim: set conversation: %w", err)
	}
	return nil
}

// MarkTenantNotified advances SUBMITTED -> TENANT_NOTIFIED once the
// notification is dispatched. A miss is benign.
func (r *Repository) MarkTenantNotified(ctx context.Context, q Querier, id string) error {
	const query = `
		UPDATE deposit_claims SET status = 'tenant_notified', updated_at = now()
		WHERE id = $1 AND status = 'submitted'`
	if _, err := q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("claim: mark tenant notified: %w", err)
	}
	return nil
}

// MarkAccepted settles the tenant response (or tenant silence, when auto is
// set): SUBMITTED/TENANT_NOTIFIED -> ACCEPTED with the approved amount.
func (r *Repository) MarkAccepted(ctx context.Context, q Querier, id string, approved decimal.Decimal, notes string, now time.Time) (Claim, error) {
	const query = `
		UPDATE deposit_claims
		SET status = 'accepted', approved_amount = $2, resolution_notes = $3,
		    resolved_at = $4, updated_at = now()
		WHERE id = $1 AND status IN ('submitted', 'tenant_notified')
		RETURNING` + claimColumns

	c, err := scanClaim(q.QueryRow(ctx, query, id, approved, notes, now))
	if err != nil {
		return Claim{}, r.diagnose(ctx, q, id, err, "accept")
	}
	return c, nil
}

// MarkDisputed records the tenant's rejection: SUBMITTED/TENANT_NOTIFIED ->
// DISPUTED. The dispute row itself is owned by the dispute package.
func (r *Repository) MarkDisputed(ctx context.Context, q Querier, id string) (Claim, error) {
	const query = `
		UPDATE deposit_claims
		SET status = 'disputed', updated_at = now()
		WHERE id = $1 AND status IN ('submitted', 'tenant_notified')
		RETURNING` + claimColumns

	c, err := scanClaim(q.QueryRow(ctx, query, id))
	if err != nil {
		return Claim{}, r.diagnose(ctx, q, id, err, "mark disputed")
	}
	return c, nil
}

// Resolve closes the claim with its final approved amount: ACCEPTED/DISPUTED
// -> RESOLVED.
func (r *Repository) Resolve(ctx context.Context, q Querier, id string, approved decimal.Decimal, notes, resolvedBy string, now time.Time) (Claim, error) {
	const query = `
		UPDATE deposit_claims
		SET status = 'resolved', approved_amount = $2, resolution_notes = $3,
		    resolved_by = $4, resolved_at = $5, updated_at = now()
		WHERE id = $1 AND status IN ('accepted', 'disputed')
		RETURNING` + claimColumns

	c, err := scanClaim(q.QueryRow(ctx, query, id, approved, notes, resolvedBy, now))
	if err != nil {
		return Claim{}, r.diagnose(ctx, q, id, err, "resolve")
	}
	return c, nil
}

// Close moves any non-terminal claim to EXPIRED or CANCELLED.
func (r *Repository) Close(ctx context.Context, q Querier, id string, to Status) (Claim, error) {
	if to != StatusExpired && to != StatusCancelled {
		return Claim{}, fmt.Errorf("%w: close target %s", ErrValidation, to)
	}
	const query = `
		UPDATE deposit_claims
		SET status = $2::claim_status, updated_at = now()
		WHERE id = $1 AND status NOT IN ('resolved', 'expired', 'cancelled')
		RETURNING` + claimColumns

	c, err := scanClaim(q.QueryRow(ctx, query, id, to))
	if err != nil {
		return Claim{}, r.diagnose(ctx, q, id, err, "close")
	}
	return c, nil
}

// SubmitDrafts submits every DRAFT claim of a transaction, starting their
// clocks. Used when the inspection window closes.
func (r *Repository) SubmitDrafts(ctx context.Context, q Querier, transactionID string, now time.Time) ([]Claim, error) {
	const query = `
		UPDATE deposit_claims
		SET status = 'submitted', submitted_at = $2, updated_at = now()
		WHERE deposit_transaction_id = $1 AND status = 'draft'
		RETURNING` + claimColumns

	rows, err := q.Query(ctx, query, transactionID, now)
	if err != nil {
		return nil, fmt.Errorf("claim: submit drafts: %w", err)
	}
	defer rows.Close()

	out := make([]Claim, 0, 4)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("claim: scan submitted draft: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate submitted drafts: %w", err)
	}
	return out, nil
}

// ListByTransaction returns every claim of a transaction in filing order.
func (r *Repository) ListByTransaction(ctx context.Context, q Querier, transactionID string) ([]Claim, error) {
	rows, err := q.Query(ctx, `SELECT`+claimColumns+` FROM deposit_claims WHERE deposit_transaction_id = $1 ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("claim: list: %w", err)
	}
	defer rows.Close()

	out := make([]Claim, 0, 4)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("claim: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate: %w", err)
	}
	return out, nil
}

// ListAutoApproveDue returns ids of claims past their auto-approve instant.
// The deadline is computed from the submitted_at anchor, so a policy change
// applies to claims already in flight.
func (r *Repository) ListAutoApproveDue(ctx context.Context, q Querier, now time.Time) ([]string, error) {
	const query = `
		SELECT id::text
		FROM deposit_claims
		WHERE status IN ('submitted', 'tenant_notified') AND submitted_at < $1
		ORDER BY submitted_at`

	rows, err := q.Query(ctx, query, now.Add(-(TenantResponseWindow + AutoApproveGrace)))
	if err != nil {
		return nil, fmt.Errorf("claim: list auto-approve due: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("claim: scan auto-approve due: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate auto-approve due: %w", err)
	}
	return ids, nil
}

// ListFacts projects a transaction's claims (with their live dispute, if
// any) into calculator facts, in filing order.
func (r *Repository) ListFacts(ctx context.Context, q Querier, transactionID string) ([]funds.ClaimFact, error) {
	const query = `
		SELECT c.status::text, c.claimed_amount, c.approved_amount, d.status::text
		FROM deposit_claims c
		LEFT JOIN deposit_disputes d
		  ON d.deposit_claim_id = c.id AND d.status NOT IN ('resolved', 'cancelled')
		WHERE c.deposit_transaction_id = $1
		ORDER BY c.created_at`

	rows, err := q.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("claim: list facts: %w", err)
	}
	defer rows.Close()

	facts := make([]funds.ClaimFact, 0, 4)
	for rows.Next() {
		var (
			status        Status
			claimed       decimal.Decimal
			approved      *decimal.Decimal
			disputeStatus *string
		)
		if err := rows.Scan(&status, &claimed, &approved, &disputeStatus); err != nil {
			return nil, fmt.Errorf("claim: scan fact: %w", err)
		}
		facts = append(facts, toFact(status, claimed, approved, disputeStatus))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate facts: %w", err)
	}
	return facts, nil
}

func toFact(status Status, claimed decimal.Decimal, approved *decimal.Decimal, disputeStatus *string) funds.ClaimFact {
	fact := funds.ClaimFact{Claimed: claimed}
	if approved != nil {
		fact.Approved = *approved
	}

	switch status {
	case StatusDraft, StatusSubmitted, StatusTenantNotified:
		fact.Phase = funds.PhasePending
	case StatusAccepted:
		fact.Phase = funds.PhaseAccepted
	case StatusDisputed:
		if disputeStatus != nil && *disputeStatus == "escalated" {
			fact.Phase = funds.PhaseEscalated
		} else {
			fact.Phase = funds.PhaseInMediation
		}
	case StatusResolved:
		fact.Phase = funds.PhaseResolved
	default:
		fact.Phase = funds.PhaseClosed
	}
	return fact
}

func (r *Repository) diagnose(ctx context.Context, q Querier, id string, err error, op string) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("claim: %s: %w", op, err)
	}
	var status Status
	if ferr := q.QueryRow(ctx, `SELECT status::text FROM deposit_claims WHERE id = $1`, id).Scan(&status); ferr != nil {
		if errors.Is(ferr, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("claim: %s fetch: %w", op, ferr)
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, status)
}
