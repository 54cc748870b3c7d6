package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries; any returned row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_escrow_conservation",
			SQL: `SELECT id, amount, released_amount, refunded_amount FROM deposit_transactions
                  WHERE released_amount + refunded_amount > amount
                     OR released_amount < 0 OR refunded_amount < 0`,
		},
		{
			Name: "O2_terminal_amounts",
			SQL: `SELECT id, status, amount, released_amount, refunded_amount FROM deposit_transactions
                  WHERE (status = 'released' AND (released_amount <> amount OR refunded_amount <> 0))
                     OR (status = 'refunded' AND (refunded_amount <> amount OR released_amount <> 0))`,
		},
		{
			Name: "O3_single_live_dispute",
			SQL: `SELECT deposit_claim_id, COUNT(*) FROM deposit_disputes
                  WHERE status NOT IN ('resolved', 'cancelled')
                  GROUP BY deposit_claim_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_disputed_flag_consistent",
			SQL: `SELECT t.id, t.status FROM deposit_transactions t
                  WHERE t.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM deposit_disputes dd
                        JOIN deposit_claims dc ON dc.id = dd.deposit_claim_id
                        WHERE dc.deposit_transaction_id = t.id
                          AND dd.status NOT IN ('resolved', 'cancelled'))`,
		},
		{
			Name: "O5_accepted_approved_bounds",
			SQL: `SELECT id, claimed_amount, approved_amount FROM deposit_claims
                  WHERE status = 'accepted'
                    AND (approved_amount IS NULL OR approved_amount < 0 OR approved_amount > claimed_amount)`,
		},
		{
			Name: "O6_dispute_final_bounds",
			SQL: `SELECT dd.id, dd.final_amount, dc.claimed_amount FROM deposit_disputes dd
                  JOIN deposit_claims dc ON dc.id = dd.deposit_claim_id
                  WHERE dd.status = 'resolved'
                    AND (dd.final_amount IS NULL OR dd.final_amount < 0 OR dd.final_amount > dc.claimed_amount)`,
		},
		{
			Name: "O7_disputed_claim_has_dispute",
			SQL: `SELECT c.id FROM deposit_claims c
                  WHERE c.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM deposit_disputes dd
                        WHERE dd.deposit_claim_id = c.id
                          AND dd.status NOT IN ('resolved', 'cancelled'))`,
		},
		{
			Name: "O8_outbox_drained",
			SQL: `SELECT id, attempts, created_at FROM notification_outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
