package claim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"depositflow/deposit"
	"depositflow/funds"
	"depositflow/gateway"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the claim data access the service needs; *Repository satisfies it.
type Store interface {
	Create(ctx context.Context, q Querier, params DraftParams) (Claim, error)
	GetByID(ctx context.Context, q Querier, id string) (Claim, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Claim, error)
	Submit(ctx context.Context, q Querier, id string, now time.Time) (Claim, error)
	SetConversation(ctx context.Context, q Querier, id, conversationID string) error
	MarkTenantNotified(ctx context.Context, q Querier, id string) error
	MarkAccepted(ctx context.Context, q Querier, id string, approved decimal.Decimal, notes string, now time.Time) (Claim, error)
	Resolve(ctx context.Context, q Querier, id string, approved decimal.Decimal, notes, resolvedBy string, now time.Time) (Claim, error)
	Close(ctx context.Context, q Querier, id string, to Status) (Claim, error)
	SubmitDrafts(ctx context.Context, q Querier, transactionID string, now time.Time) ([]Claim, error)
	ListByTransaction(ctx context.Context, q Querier, transactionID string) ([]Claim, error)
	ListAutoApproveDue(ctx context.Context, q Querier, now time.Time) ([]string, error)
	ListFacts(ctx context.Context, q Querier, transactionID string) ([]funds.ClaimFact, error)
}

// DepositLedger is the slice of the deposit repository the claim workflow
// drives; *deposit.Repository satisfies it.
type DepositLedger interface {
	GetByID(ctx context.Context, q deposit.Querier, id string) (deposit.Transaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (deposit.Transaction, error)
	ApplyRelease(ctx context.Context, q deposit.Querier, id string, amount decimal.Decimal, kind string) (deposit.Transaction, error)
	ApplyRefund(ctx context.Context, q deposit.Querier, id string, amount decimal.Decimal, kind string) (deposit.Transaction, error)
	ListInspectionDue(ctx context.Context, q deposit.Querier, now time.Time) ([]string, error)
}

// Service owns the landlord claim lifecycle: filing, submission, tenant
// response, auto-approval on silence, resolution, and the settlement that
// follows every closure.
type Service struct {
	pool          TxBeginner
	q             Querier
	depositQ      deposit.Querier
	repo          Store
	deposits      DepositLedger
	payments      gateway.PaymentGateway
	notifier      gateway.NotificationDispatcher
	conversations gateway.ConversationLink
	now           func() time.Time
}

func NewService(pool TxBeginner, q Querier, depositQ deposit.Querier, repo Store, deposits DepositLedger,
	payments gateway.PaymentGateway, notifier gateway.NotificationDispatcher, conversations gateway.ConversationLink) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:          pool,
		q:             q,
		depositQ:      depositQ,
		repo:          repo,
		deposits:      deposits,
		payments:      payments,
		notifier:      notifier,
		conversations: conversations,
		now:           time.Now,
	}
}

// WithClock overrides the service clock; tests use it.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Draft files a claim inside the inspection window.
func (s *Service) Draft(ctx context.Context, params DraftParams) (Claim, error) {
	if !params.ClaimedAmount.IsPositive() {
		return Claim{}, fmt.Errorf("%w: claimed amount must be positive", ErrValidation)
	}
	if !params.Type.Valid() {
		return Claim{}, fmt.Errorf("%w: unknown claim type %q", ErrValidation, params.Type)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.deposits.GetForUpdate(ctx, tx, params.TransactionID)
	if err != nil {
		return Claim{}, err
	}
	if params.LandlordID != "" && params.LandlordID != t.LandlordID {
		return Claim{}, ErrForbidden
	}
	if !t.Status.Escrowed() {
		return Claim{}, fmt.Errorf("%w: claims require escrowed funds, deposit is %s", ErrInvalidTransition, t.Status)
	}
	if s.now().After(t.InspectionDeadline()) {
		return Claim{}, fmt.Errorf("%w: inspection window closed", ErrValidation)
	}
	if params.ClaimedAmount.GreaterThan(t.Amount) {
		return Claim{}, fmt.Errorf("%w: claim exceeds deposit amount", ErrValidation)
	}

	c, err := s.repo.Create(ctx, tx, params)
	if err != nil {
		return Claim{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Claim{}, fmt.Errorf("claim: commit draft: %w", err)
	}
	return c, nil
}

// Submit starts the claim clock and notifies the tenant. The conversation
// link is obtained lazily after commit; a conversation failure never undoes
// the submission.
func (s *Service) Submit(ctx context.Context, id string) (Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.Submit(ctx, tx, id, s.now())
	if err != nil {
		return Claim{}, err
	}
	t, err := s.deposits.GetByID(ctx, tx, c.TransactionID)
	if err != nil {
		return Claim{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Claim{}, fmt.Errorf("claim: commit submit: %w", err)
	}

	if c.ConversationID == nil {
		convID, err := s.conversations.GetOrCreate(ctx, t.TenantID, t.LandlordID, t.PropertyID)
		if err != nil {
			log.Printf("claim %s: conversation link unavailable: %v", c.ID, err)
		} else if err := s.repo.SetConversation(ctx, s.q, c.ID, convID); err != nil {
			log.Printf("claim %s: store conversation link: %v", c.ID, err)
		}
	}

	s.notifier.Notify(ctx, t.TenantID, gateway.TemplateClaimSubmitted, map[string]any{
		"claim_id":       c.ID,
		"transaction_id": c.TransactionID,
		"claimed_amount": c.ClaimedAmount.String(),
	})
	if err := s.repo.MarkTenantNotified(ctx, s.q, c.ID); err != nil {
		log.Printf("claim %s: mark tenant notified: %v", c.ID, err)
	}
	return c, nil
}

// RespondAccepted is the tenant accepting the claim: the claimed amount
// (capped at what is left of the deposit) is released to the landlord and
// the transaction settles.
func (s *Service) RespondAccepted(ctx context.Context, id, tenantID string) (Claim, error) {
	c, _, err := s.accept(ctx, id, tenantID, nil, "accepted by tenant", deposit.KindClaimAccepted)
	if err != nil {
		return Claim{}, err
	}
	return c, nil
}

// AutoApprove treats tenant silence past the auto-approve instant as
// acceptance. Scheduler-only; the compare-and-set status guard makes a
// repeat run a no-op.
func (s *Service) AutoApprove(ctx context.Context, id string, now time.Time) error {
	c, t, err := s.accept(ctx, id, "", &now, "auto-approved after tenant response deadline", deposit.KindClaimAutoApproved)
	if err != nil {
		return err
	}
	s.notifier.Notify(ctx, t.TenantID, gateway.TemplateClaimAutoApproved, map[string]any{
		"claim_id":        c.ID,
		"approved_amount": approvedString(c),
	})
	return nil
}

// accept is the shared accepted/auto-approved path. When auto is set the
// claim must be past its auto-approve instant.
func (s *Service) accept(ctx context.Context, id, tenantID string, auto *time.Time, notes, kind string) (Claim, deposit.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, deposit.Transaction{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Claim{}, deposit.Transaction{}, err
	}
	if !c.Status.AwaitingResponse() {
		return Claim{}, deposit.Transaction{}, fmt.Errorf("%w: accept from %s", ErrInvalidTransition, c.Status)
	}
	if auto != nil && !auto.After(c.AutoApproveAt()) {
		return Claim{}, deposit.Transaction{}, fmt.Errorf("%w: auto-approve before %s", ErrInvalidTransition, c.AutoApproveAt().Format(time.RFC3339))
	}

	t, err := s.deposits.GetForUpdate(ctx, tx, c.TransactionID)
	if err != nil {
		return Claim{}, deposit.Transaction{}, err
	}
	if tenantID != "" && tenantID != t.TenantID {
		return Claim{}, deposit.Transaction{}, ErrForbidden
	}

	// Cross-claim cap: never release past what is left of the deposit.
	release := c.ClaimedAmount
	if release.GreaterThan(t.Remaining()) {
		release = t.Remaining()
	}

	if release.IsPositive() {
		if t.EscrowRef == nil {
			return Claim{}, deposit.Transaction{}, fmt.Errorf("%w: escrowed deposit without escrow ref", ErrValidation)
		}
		if _, err := s.payments.Release(ctx, *t.EscrowRef, release, t.LandlordID); err != nil {
			return Claim{}, deposit.Transaction{}, gateway.Externalf("release", err)
		}
	}

	c, err = s.repo.MarkAccepted(ctx, tx, id, release, notes, s.now())
	if err != nil {
		return Claim{}, deposit.Transaction{}, err
	}
	if release.IsPositive() {
		t, err = s.deposits.ApplyRelease(ctx, tx, t.ID, release, kind)
		if err != nil {
			return Claim{}, deposit.Transaction{}, err
		}
	}
	if _, err := s.settleLocked(ctx, tx, t); err != nil {
		return Claim{}, deposit.Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Claim{}, deposit.Transaction{}, fmt.Errorf("claim: commit accept: %w", err)
	}

	s.notifier.Notify(ctx, t.LandlordID, gateway.TemplateClaimAccepted, map[string]any{
		"claim_id":        c.ID,
		"released_amount": release.String(),
	})
	return c, t, nil
}

// Resolve closes an ACCEPTED claim with a final amount. The amount may only
// grow: money already released cannot be clawed back. Disputed claims
// resolve through the dispute workflow.
func (s *Service) Resolve(ctx context.Context, id string, amount decimal.Decimal, notes, resolvedBy string) (Claim, error) {
	if amount.IsNegative() {
		return Claim{}, fmt.Errorf("%w: approved amount cannot be negative", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Claim{}, err
	}
	if c.Status != StatusAccepted {
		return Claim{}, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, c.Status)
	}

	already := decimal.Zero
	if c.ApprovedAmount != nil {
		already = *c.ApprovedAmount
	}
	if amount.LessThan(already) {
		return Claim{}, fmt.Errorf("%w: cannot reduce the released amount %s", ErrValidation, already)
	}

	t, err := s.deposits.GetForUpdate(ctx, tx, c.TransactionID)
	if err != nil {
		return Claim{}, err
	}

	extra := amount.Sub(already)
	if extra.GreaterThan(t.Remaining()) {
		extra = t.Remaining()
	}
	if extra.IsPositive() {
		if t.EscrowRef == nil {
			return Claim{}, fmt.Errorf("%w: escrowed deposit without escrow ref", ErrValidation)
		}
		if _, err := s.payments.Release(ctx, *t.EscrowRef, extra, t.LandlordID); err != nil {
			return Claim{}, gateway.Externalf("release", err)
		}
		if t, err = s.deposits.ApplyRelease(ctx, tx, t.ID, extra, deposit.KindClaimResolved); err != nil {
			return Claim{}, err
		}
	}

	c, err = s.repo.Resolve(ctx, tx, id, already.Add(extra), notes, resolvedBy, s.now())
	if err != nil {
		return Claim{}, err
	}
	if _, err := s.settleLocked(ctx, tx, t); err != nil {
		return Claim{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Claim{}, fmt.Errorf("claim: commit resolve: %w", err)
	}

	s.notifier.Notify(ctx, t.LandlordID, gateway.TemplateClaimResolved, map[string]any{
		"claim_id":        c.ID,
		"approved_amount": approvedString(c),
	})
	return c, nil
}

// Cancel withdraws a claim; its slice returns to the undisputed pool and the
// transaction settles.
func (s *Service) Cancel(ctx context.Context, id string) (Claim, error) {
	return s.close(ctx, id, StatusCancelled)
}

// Expire closes a claim administratively without resolution.
func (s *Service) Expire(ctx context.Context, id string) (Claim, error) {
	return s.close(ctx, id, StatusExpired)
}

func (s *Service) close(ctx context.Context, id string, to Status) (Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Claim{}, err
	}
	t, err := s.deposits.GetForUpdate(ctx, tx, c.TransactionID)
	if err != nil {
		return Claim{}, err
	}
	c, err = s.repo.Close(ctx, tx, id, to)
	if err != nil {
		return Claim{}, err
	}
	refunded, err := s.settleLocked(ctx, tx, t)
	if err != nil {
		return Claim{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Claim{}, fmt.Errorf("claim: commit close: %w", err)
	}

	if refunded.IsPositive() {
		s.notifier.Notify(ctx, t.TenantID, gateway.TemplateDepositRefunded, map[string]any{
			"transaction_id":  t.ID,
			"refunded_amount": refunded.String(),
		})
	}
	return c, nil
}

// FinalizeInspection is the ExpiredInspectionSweep action for one escrowed
// transaction past its inspection window: draft claims are submitted
// (starting their own clocks) and the undisputed balance settles; with no
// claims at all the tenant is refunded in full.
func (s *Service) FinalizeInspection(ctx context.Context, id string, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.deposits.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.Status != deposit.StatusHeldInEscrow {
		return fmt.Errorf("%w: finalize inspection from %s", ErrInvalidTransition, t.Status)
	}
	if !now.After(t.InspectionDeadline()) {
		return fmt.Errorf("%w: inspection window still open", ErrInvalidTransition)
	}

	submitted, err := s.repo.SubmitDrafts(ctx, tx, t.ID, now)
	if err != nil {
		return err
	}

	facts, err := s.repo.ListFacts(ctx, tx, t.ID)
	if err != nil {
		return err
	}

	var refunded decimal.Decimal
	if len(facts) == 0 {
		// No claims were ever filed: the whole deposit goes back.
		if t.PaymentRef == nil {
			return fmt.Errorf("%w: escrowed deposit without payment ref", ErrValidation)
		}
		if _, err := s.payments.Refund(ctx, *t.PaymentRef, t.Amount); err != nil {
			return gateway.Externalf("refund", err)
		}
		if _, err := s.deposits.ApplyRefund(ctx, tx, t.ID, t.Amount, deposit.KindInspectionClear); err != nil {
			return err
		}
		refunded = t.Amount
	} else {
		if refunded, err = s.settleLocked(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("claim: commit finalize inspection: %w", err)
	}

	if refunded.IsPositive() {
		s.notifier.Notify(ctx, t.TenantID, gateway.TemplateDepositRefunded, map[string]any{
			"transaction_id":  t.ID,
			"refunded_amount": refunded.String(),
		})
	}
	for _, c := range submitted {
		s.notifier.Notify(ctx, t.TenantID, gateway.TemplateClaimSubmitted, map[string]any{
			"claim_id":       c.ID,
			"claimed_amount": c.ClaimedAmount.String(),
		})
	}
	return nil
}

// settleLocked disburses whatever the fund split says is refundable now,
// using the already-refunded delta so a repeat call moves nothing. Caller
// holds the transaction row lock.
func (s *Service) settleLocked(ctx context.Context, tx pgx.Tx, t deposit.Transaction) (decimal.Decimal, error) {
	facts, err := s.repo.ListFacts(ctx, tx, t.ID)
	if err != nil {
		return decimal.Zero, err
	}
	b := funds.Calculate(t.Amount, facts)
	due := b.RefundDue(t.RefundedAmount)
	if !due.IsPositive() {
		return decimal.Zero, nil
	}
	if t.PaymentRef == nil {
		return decimal.Zero, fmt.Errorf("%w: escrowed deposit without payment ref", ErrValidation)
	}
	if _, err := s.payments.Refund(ctx, *t.PaymentRef, due); err != nil {
		return decimal.Zero, gateway.Externalf("refund", err)
	}
	if _, err := s.deposits.ApplyRefund(ctx, tx, t.ID, due, deposit.KindSettlementRemainder); err != nil {
		return decimal.Zero, err
	}
	return due, nil
}

// Breakdown computes the live fund split for a transaction.
func (s *Service) Breakdown(ctx context.Context, transactionID string) (funds.Breakdown, error) {
	t, err := s.deposits.GetByID(ctx, s.depositQ, transactionID)
	if err != nil {
		return funds.Breakdown{}, err
	}
	facts, err := s.repo.ListFacts(ctx, s.q, transactionID)
	if err != nil {
		return funds.Breakdown{}, err
	}
	return funds.Calculate(t.Amount, facts), nil
}

// Get returns one claim.
func (s *Service) Get(ctx context.Context, id string) (Claim, error) {
	return s.repo.GetByID(ctx, s.q, id)
}

// ListByTransaction returns a transaction's claims in filing order.
func (s *Service) ListByTransaction(ctx context.Context, transactionID string) ([]Claim, error) {
	return s.repo.ListByTransaction(ctx, s.q, transactionID)
}

// ListAutoApproveDue exposes the auto-approve sweep's work list.
func (s *Service) ListAutoApproveDue(ctx context.Context, now time.Time) ([]string, error) {
	return s.repo.ListAutoApproveDue(ctx, s.q, now)
}

// ListInspectionDue exposes the inspection sweep's work list.
func (s *Service) ListInspectionDue(ctx context.Context, now time.Time) ([]string, error) {
	return s.deposits.ListInspectionDue(ctx, s.depositQ, now)
}

func approvedString(c Claim) string {
	if c.ApprovedAmount == nil {
		return "0"
	}
	return c.ApprovedAmount.String()
}

// IsBenign reports whether a sweep error is an expected race (concurrent
// user action won) rather than a failure.
func IsBenign(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, deposit.ErrInvalidTransition)
}
