package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no transaction row exists for the id.
	ErrNotFound = errors.New("deposit: not found")
	// ErrInvalidTransition signals the operation was attempted from the
	// wrong state, or a release/refund would exceed the deposit amount. The
	// caller must re-fetch before retrying.
	ErrInvalidTransition = errors.New("deposit: invalid transition")
	// ErrValidation signals a synchronously rejected input.
	ErrValidation = errors.New("deposit: validation failed")
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx; repository methods run
// against whichever boundary the caller owns.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const txColumns = `
	id::text, tenancy_agreement_id::text, property_id::text, tenant_id::text,
	landlord_id::text, amount, calculation_base, calculation_multiplier,
	status::text, payment_ref, escrow_ref, released_amount, refunded_amount,
	lease_end_date, paid_at, held_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID, &t.AgreementID, &t.PropertyID, &t.TenantID,
		&t.LandlordID, &t.Amount, &t.CalculationBase, &t.CalculationMultiplier,
		&t.Status, &t.PaymentRef, &t.EscrowRef, &t.ReleasedAmount, &t.RefundedAmount,
		&t.LeaseEndDate, &t.PaidAt, &t.HeldAt, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

// Create opens a PENDING deposit for a tenancy agreement.
func (r *Repository) Create(ctx context.Context, q Querier, params OpenParams) (Transaction, error) {
	const insertSQL = `
		INSERT INTO deposit_transactions
			(tenancy_agreement_id, property_id, tenant_id, landlord_id,
			 amount, calculation_base, calculation_multiplier, lease_end_date, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending')
		RETURNING` + txColumns

	t, err := scanTransaction(q.QueryRow(ctx, insertSQL,
		params.AgreementID, params.PropertyID, params.TenantID, params.LandlordID,
		params.Amount, params.CalculationBase, params.CalculationMultiplier, params.LeaseEndDate,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transaction{}, fmt.Errorf("%w: agreement already has a deposit", ErrValidation)
		}
		return Transaction{}, fmt.Errorf("deposit: insert: %w", err)
	}

	if err := r.appendEvent(ctx, q, t.ID, "DEPOSIT_OPENED", map[string]any{
		"amount": t.Amount.String(),
	}); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func (r *Repository) GetByID(ctx context.Context, q Querier, id string) (Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx, `SELECT`+txColumns+` FROM deposit_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("deposit: get: %w", err)
	}
	return t, nil
}

// GetForUpdate locks the transaction row for the duration of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `SELECT`+txColumns+` FROM deposit_transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("deposit: lock: %w", err)
	}
	return t, nil
}

// MarkPaid records the tenant payment: PENDING -> PAID.
func (r *Repository) MarkPaid(ctx context.Context, q Querier, id, paymentRef string) (Transaction, error) {
	const query = `
		UPDATE deposit_transactions
		SET status = 'paid', payment_ref = $2, paid_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING` + txColumns

	t, err := scanTransaction(q.QueryRow(ctx, query, id, paymentRef))
	if err != nil {
		return Transaction{}, r.diagnose(ctx, q, id, err, "mark paid")
	}
	if err := r.appendEvent(ctx, q, id, "DEPOSIT_PAID", map[string]any{"payment_ref": paymentRef}); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// HoldInEscrow records the escrow hold: PAID -> HELD_IN_ESCROW.
func (r *Repository) HoldInEscrow(ctx context.Context, q Querier, id, escrowRef string) (Transaction, error) {
	const query = `
		UPDATE deposit_transactions
		SET status = 'held_in_escrow', escrow_ref = $2, held_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'paid'
		RETURNING` + txColumns

	t, err := scanTransaction(q.QueryRow(ctx, query, id, escrowRef))
	if err != nil {
		return Transaction{}, r.diagnose(ctx, q, id, err, "hold in escrow")
	}
	if err := r.appendEvent(ctx, q, id, "DEPOSIT_HELD", map[string]any{"escrow_ref": escrowRef}); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// ApplyRelease books a release to the landlord. The guard rejects any
// release that would push released + refunded past the deposit amount, and
// the status rolls up in the same statement: fully consumed funds become
// terminal, otherwise a disputed transaction stays disputed.
func (r *Repository) ApplyRelease(ctx context.Context, q Querier, id string, amount decimal.Decimal, kind string) (Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: release amount must be positive", ErrValidation)
	}

	const query = `
		UPDATE deposit_transactions
		SET released_amount = released_amount + $2,
		    status = CASE
		        WHEN released_amount + $2 + refunded_amount = amount THEN
		            CASE WHEN refunded_amount = 0 THEN 'released'::deposit_status
		                 ELSE 'partially_released'::deposit_status END
		        WHEN status = 'disputed' THEN 'disputed'::deposit_status
		        ELSE 'partially_released'::deposit_status
		    END,
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('held_in_escrow', 'disputed', 'partially_released')
		  AND released_amount + refunded_amount + $2 <= amount
		RETURNING` + txColumns

	t, err := scanTransaction(q.QueryRow(ctx, query, id, amount))
	if err != nil {
		return Transaction{}, r.diagnose(ctx, q, id, err, "apply release")
	}
	if err := r.appendEvent(ctx, q, id, "FUNDS_RELEASED", map[string]any{
		"amount": amount.String(), "kind": kind,
	}); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// ApplyRefund books a refund to the tenant under the same sum guard.
func (r *Repository) ApplyRefund(ctx context.Context, q Querier, id string, amount decimal.Decimal, kind string) (Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: refund amount must be positive", ErrValidation)
	}

	const query = `
		UPDATE deposit_transactions
		SET refunded_amount = refunded_amount + $2,
		    status = CASE
		        WHEN refunded_amount + $2 + released_amount = amount THEN
		            CASE WHEN released_amount = 0 THEN 'refunded'::deposit_status
		                 ELSE 'partially_released'::deposit_status END
		        WHEN status = 'disputed' THEN 'disputed'::deposit_status
		        ELSE 'partially_released'::deposit_status
		    END,
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('held_in_escrow', 'disputed', 'partially_released')
		  AND released_amount + refunded_amount + $2 <= amount
		RETURNING` + txColumns

	t, err := scanTransaction(q.QueryRow(ctx, query, id, amount))
	if err != nil {
		return Transaction{}, r.diagnose(ctx, q, id, err, "apply refund")
	}
	if err := r.appendEvent(ctx, q, id, "FUNDS_REFUNDED", map[string]any{
		"amount": amount.String(), "kind": kind,
	}); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// MarkDisputed flags the transaction while a dispute is live.
func (r *Repository) MarkDisputed(ctx context.Context, q Querier, id string) error {
	const query = `
		UPDATE deposit_transactions
		SET status = 'disputed', updated_at = now()
		WHERE id = $1 AND status IN ('held_in_escrow', 'partially_released')`

	tag, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deposit: mark disputed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already disputed is fine; anything else is a bad transition.
		t, err := r.GetByID(ctx, q, id)
		if err != nil {
			return err
		}
		if t.Status != StatusDisputed {
			return fmt.Errorf("%w: mark disputed from %s", ErrInvalidTransition, t.Status)
		}
	}
	return nil
}

// ClearDisputed drops the disputed flag once no live dispute remains on any
// claim of the transaction.
func (r *Repository) ClearDisputed(ctx context.Context, q Querier, id string) error {
	const query = `
		UPDATE deposit_transactions t
		SET status = CASE
		        WHEN t.released_amount = 0 AND t.refunded_amount = 0 THEN 'held_in_escrow'::deposit_status
		        ELSE 'partially_released'::deposit_status
		    END,
		    updated_at = now()
		WHERE t.id = $1 AND t.status = 'disputed'
		  AND NOT EXISTS (
		      SELECT 1
		      FROM deposit_disputes dd
		      JOIN deposit_claims dc ON dc.id = dd.deposit_claim_id
		      WHERE dc.deposit_transaction_id = t.id
		        AND dd.status NOT IN ('resolved', 'cancelled')
		  )`

	if _, err := q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("deposit: clear disputed: %w", err)
	}
	return nil
}

// Cancel aborts a pre-escrow transaction.
func (r *Repository) Cancel(ctx context.Context, q Querier, id, reason string) (Transaction, error) {
	const query = `
		UPDATE deposit_transactions
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'paid')
		RETURNING` + txColumns

	t, err := scanTransaction(q.QueryRow(ctx, query, id))
	if err != nil {
		return Transaction{}, r.diagnose(ctx, q, id, err, "cancel")
	}
	if err := r.appendEvent(ctx, q, id, "DEPOSIT_CANCELLED", map[string]any{"reason": reason}); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// CancelWithRefund aborts a PAID transaction whose landlord never verified,
// booking the full refund in the same write. A repeat call misses the status
// guard and is a no-op for the sweep.
func (r *Repository) CancelWithRefund(ctx context.Context, q Querier, id, refundRef string) (Transaction, error) {
	const query = `
		UPDATE deposit_transactions
		SET status = 'cancelled', refunded_amount = amount, updated_at = now()
		WHERE id = $1 AND status = 'paid'
		RETURNING` + txColumns

	t, err := scanTransaction(q.QueryRow(ctx, query, id))
	if err != nil {
		return Transaction{}, r.diagnose(ctx, q, id, err, "cancel with refund")
	}
	if err := r.appendEvent(ctx, q, id, "FUNDS_REFUNDED", map[string]any{
		"amount": t.Amount.String(), "kind": KindVerificationTimeout, "refund_ref": refundRef,
	}); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// MarkVerificationNudged stamps the unverified-landlord nudge window; the
// guard makes it one nudge per interval no matter how many sweep cycles run.
func (r *Repository) MarkVerificationNudged(ctx context.Context, q Querier, id string, now time.Time) (bool, error) {
	const query = `
		UPDATE deposit_transactions
		SET last_nudge_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'paid'
		  AND (last_nudge_at IS NULL OR last_nudge_at <= $3)`

	tag, err := q.Exec(ctx, query, id, now, now.Add(-VerificationNudgeInterval))
	if err != nil {
		return false, fmt.Errorf("deposit: mark verification nudged: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListInspectionDue returns ids of escrowed transactions whose inspection
// window has closed as of now.
func (r *Repository) ListInspectionDue(ctx context.Context, q Querier, now time.Time) ([]string, error) {
	const query = `
		SELECT id::text
		FROM deposit_transactions
		WHERE status = 'held_in_escrow' AND lease_end_date < $1
		ORDER BY lease_end_date`

	rows, err := q.Query(ctx, query, now.Add(-InspectionWindow))
	if err != nil {
		return nil, fmt.Errorf("deposit: list inspection due: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("deposit: scan inspection due: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deposit: iterate inspection due: %w", err)
	}
	return ids, nil
}

// ListPendingVerification returns PAID transactions waiting on landlord
// escrow-account verification.
func (r *Repository) ListPendingVerification(ctx context.Context, q Querier) ([]Transaction, error) {
	rows, err := q.Query(ctx, `SELECT`+txColumns+` FROM deposit_transactions WHERE status = 'paid' ORDER BY paid_at`)
	if err != nil {
		return nil, fmt.Errorf("deposit: list pending verification: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, 16)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("deposit: scan pending verification: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deposit: iterate pending verification: %w", err)
	}
	return out, nil
}

func (r *Repository) diagnose(ctx context.Context, q Querier, id string, err error, op string) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("deposit: %s: %w", op, err)
	}
	var status Status
	if ferr := q.QueryRow(ctx, `SELECT status::text FROM deposit_transactions WHERE id = $1`, id).Scan(&status); ferr != nil {
		if errors.Is(ferr, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("deposit: %s fetch: %w", op, ferr)
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, status)
}

func (r *Repository) appendEvent(ctx context.Context, q Querier, id, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("deposit: marshal event payload: %w", err)
	}
	const query = `
		INSERT INTO deposit_events (deposit_transaction_id, type, payload)
		VALUES ($1, $2, $3::jsonb)`
	if _, err := q.Exec(ctx, query, id, eventType, body); err != nil {
		return fmt.Errorf("deposit: append event: %w", err)
	}
	return nil
}
