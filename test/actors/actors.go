package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// acceptSQL is the tenant-acceptance compare-and-set: the claim flips to
// accepted with its approved amount capped at what is left of the deposit,
// and the ledger release is guarded so released + refunded never passes the
// deposit amount.
const acceptSQL = `
	WITH c AS (
	    UPDATE deposit_claims cl
	    SET status = 'accepted',
	        approved_amount = LEAST(cl.claimed_amount, t.amount - t.released_amount - t.refunded_amount),
	        resolved_at = now(), updated_at = now()
	    FROM deposit_transactions t
	    WHERE cl.id = $1 AND t.id = cl.deposit_transaction_id
	      AND cl.status IN ('submitted', 'tenant_notified')
	    RETURNING cl.deposit_transaction_id AS tx_id, cl.approved_amount AS amt
	)
	UPDATE deposit_transactions t
	SET released_amount = t.released_amount + c.amt, updated_at = now()
	FROM c
	WHERE t.id = c.tx_id
	  AND c.amt > 0
	  AND t.released_amount + t.refunded_amount + c.amt <= t.amount`

// TenantResponder accepts awaiting claims on the seeded transaction, racing
// the auto-approve sweep for the same rows.
func TenantResponder(ctx context.Context, pool *pgxpool.Pool, transactionID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var claimID string
		err := pool.QueryRow(ctx, `
			SELECT id::text FROM deposit_claims
			WHERE deposit_transaction_id = $1 AND status IN ('submitted', 'tenant_notified')
			LIMIT 1`, transactionID).Scan(&claimID)
		if err == nil {
			if _, err := pool.Exec(ctx, acceptSQL, claimID); err != nil && !benignSQLError(err) {
				return fmt.Errorf("tenant responder accept: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// AutoApprover mimics the silence sweep: it accepts only claims past their
// response deadline, using the same compare-and-set as the tenant. Exactly
// one of the two racers wins each claim.
func AutoApprover(ctx context.Context, pool *pgxpool.Pool, transactionID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `
			SELECT id::text FROM deposit_claims
			WHERE deposit_transaction_id = $1
			  AND status IN ('submitted', 'tenant_notified')
			  AND submitted_at < now() - interval '169 hours'`, transactionID)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 8)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if _, err := pool.Exec(ctx, acceptSQL, id); err != nil && !benignSQLError(err) {
				return fmt.Errorf("auto approver accept: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// ClaimFiler keeps the claim pool full: it drafts claims against the seeded
// transaction and submits them already past the response deadline so both
// responders have work.
func ClaimFiler(ctx context.Context, pool *pgxpool.Pool, transactionID string, stop <-chan struct{}) error {
	types := []string{"damage", "cleaning", "unpaid_rent", "missing_items", "other"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := 50 + rand.Intn(250)
		_, err := pool.Exec(ctx, `
			INSERT INTO deposit_claims (deposit_transaction_id, claim_type, claimed_amount, status, submitted_at)
			VALUES ($1, $2::claim_type, $3, 'submitted', now() - interval '170 hours')`,
			transactionID, types[rand.Intn(len(types))], amount)
		if err != nil && !benignSQLError(err) {
			return fmt.Errorf("claim filer insert: %w", err)
		}
		time.Sleep(time.Duration(60+rand.Intn(120)) * time.Millisecond)
	}
}

// Disputer opens disputes on awaiting claims and resolves live ones with a
// zero split, exercising the one-live-dispute index and the disputed flag on
// the transaction.
func Disputer(ctx context.Context, pool *pgxpool.Pool, transactionID string, stop <-chan struct{}) error {
	const openSQL = `
		WITH cl AS (
		    UPDATE deposit_claims
		    SET status = 'disputed', updated_at = now()
		    WHERE id = (
		        SELECT id FROM deposit_claims
		        WHERE deposit_transaction_id = $1 AND status IN ('submitted', 'tenant_notified')
		        LIMIT 1 FOR UPDATE SKIP LOCKED)
		    RETURNING id
		), flag AS (
		    UPDATE deposit_transactions
		    SET status = 'disputed', updated_at = now()
		    WHERE id = $1 AND status IN ('held_in_escrow', 'partially_released')
		      AND EXISTS (SELECT 1 FROM cl)
		)
		INSERT INTO deposit_disputes (deposit_claim_id, tenant_response, status)
		SELECT id, 'reject', 'under_mediation' FROM cl`

	const resolveSQL = `
		WITH d AS (
		    UPDATE deposit_disputes
		    SET status = 'resolved', final_amount = 0, resolution_method = 'mediation',
		        resolved_at = now(), updated_at = now()
		    WHERE id = (
		        SELECT dd.id FROM deposit_disputes dd
		        JOIN deposit_claims c ON c.id = dd.deposit_claim_id
		        WHERE c.deposit_transaction_id = $1
		          AND dd.status IN ('under_mediation', 'awaiting_evidence')
		        LIMIT 1 FOR UPDATE OF dd SKIP LOCKED)
		    RETURNING deposit_claim_id
		), cl AS (
		    UPDATE deposit_claims c
		    SET status = 'resolved', approved_amount = 0, resolved_at = now(), updated_at = now()
		    FROM d
		    WHERE c.id = d.deposit_claim_id
		)
		UPDATE deposit_transactions t
		SET status = CASE
		        WHEN t.released_amount = 0 AND t.refunded_amount = 0 THEN 'held_in_escrow'::deposit_status
		        ELSE 'partially_released'::deposit_status
		    END,
		    updated_at = now()
		WHERE t.id = $1 AND t.status = 'disputed'
		  AND EXISTS (SELECT 1 FROM d)
		  AND NOT EXISTS (
		      SELECT 1 FROM deposit_disputes dd
		      JOIN deposit_claims dc ON dc.id = dd.deposit_claim_id
		      WHERE dc.deposit_transaction_id = t.id
		        AND dd.status NOT IN ('resolved', 'cancelled')
		        AND dd.deposit_claim_id <> (SELECT deposit_claim_id FROM d)
		  )`

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		sql := openSQL
		if rand.Intn(2) == 0 {
			sql = resolveSQL
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sql, transactionID); err != nil {
			_ = tx.Rollback(ctx)
			if !benignSQLError(err) {
				return fmt.Errorf("disputer: %w", err)
			}
		} else {
			_ = tx.Commit(ctx)
		}
		time.Sleep(time.Duration(80+rand.Intn(160)) * time.Millisecond)
	}
}

// OutboxWorker drains the notification outbox with SKIP LOCKED, randomly
// failing deliveries to exercise the attempts counter.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT id FROM notification_outbox WHERE status = 'pending'
			ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `
					UPDATE notification_outbox
					SET attempts = attempts + 1,
					    status = CASE WHEN attempts + 1 >= 5 THEN 'dead' ELSE 'pending' END
					WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `
				UPDATE notification_outbox
				SET status = 'sent', attempts = attempts + 1, processed_at = now()
				WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Notifier feeds the outbox so the worker has contention.
func Notifier(ctx context.Context, pool *pgxpool.Pool, recipientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO notification_outbox (recipient_id, template, payload)
			VALUES ($1, 'claim.submitted', '{}'::jsonb)`, recipientID)
		if err != nil && !benignSQLError(err) {
			return fmt.Errorf("notifier insert: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// benignSQLError reports contention outcomes that are expected under load:
// unique violations, serialization failures, and connections chopped by the
// chaos actor.
func benignSQLError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01", "57P01":
			return true
		}
	}
	return errors.Is(err, context.Canceled)
}
