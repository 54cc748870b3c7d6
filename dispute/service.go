package dispute

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"depositflow/claim"
	"depositflow/deposit"
	"depositflow/funds"
	"depositflow/gateway"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the dispute data access the service needs; *Repository satisfies it.
type Store interface {
	Create(ctx context.Context, q Querier, params OpenParams, conversationID *string) (Dispute, error)
	GetByID(ctx context.Context, q Querier, id string) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	SetConversation(ctx context.Context, q Querier, id, conversationID string) error
	SetAwaitingEvidence(ctx context.Context, q Querier, id string) (Dispute, error)
	SetUnderMediation(ctx context.Context, q Querier, id string) (Dispute, error)
	Resolve(ctx context.Context, q Querier, id string, finalAmount decimal.Decimal, method Method, notes, resolvedBy string, now time.Time) (Dispute, error)
	Escalate(ctx context.Context, q Querier, id, reason string) (Dispute, error)
	Cancel(ctx context.Context, q Querier, id string) (Dispute, error)
	MarkReminded(ctx context.Context, q Querier, id string, now time.Time) (bool, error)
	ListEscalationDue(ctx context.Context, q Querier, now time.Time) ([]string, error)
	ListReminderDue(ctx context.Context, q Querier, now time.Time) ([]string, error)
}

// ClaimStore is the slice of the claim repository the dispute workflow
// drives; *claim.Repository satisfies it.
type ClaimStore interface {
	GetByID(ctx context.Context, q claim.Querier, id string) (claim.Claim, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (claim.Claim, error)
	MarkDisputed(ctx context.Context, q claim.Querier, id string) (claim.Claim, error)
	Resolve(ctx context.Context, q claim.Querier, id string, approved decimal.Decimal, notes, resolvedBy string, now time.Time) (claim.Claim, error)
	Close(ctx context.Context, q claim.Querier, id string, to claim.Status) (claim.Claim, error)
	SetConversation(ctx context.Context, q claim.Querier, id, conversationID string) error
	ListFacts(ctx context.Context, q claim.Querier, transactionID string) ([]funds.ClaimFact, error)
}

// DepositLedger is the slice of the deposit repository the dispute workflow
// drives; *deposit.Repository satisfies it.
type DepositLedger interface {
	GetByID(ctx context.Context, q deposit.Querier, id string) (deposit.Transaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (deposit.Transaction, error)
	ApplyRelease(ctx context.Context, q deposit.Querier, id string, amount decimal.Decimal, kind string) (deposit.Transaction, error)
	ApplyRefund(ctx context.Context, q deposit.Querier, id string, amount decimal.Decimal, kind string) (deposit.Transaction, error)
	MarkDisputed(ctx context.Context, q deposit.Querier, id string) error
	ClearDisputed(ctx context.Context, q deposit.Querier, id string) error
}

// Messenger appends to the shared conversation between the parties.
type Messenger interface {
	Append(ctx context.Context, conversationID, senderID, body string) error
}

// Service owns the mediation workflow that follows a tenant's rejection or
// counter-offer: message exchange, evidence rounds, resolution with a final
// split, and escalation when the mediation window runs out.
type Service struct {
	pool          TxBeginner
	q             Querier
	repo          Store
	claims        ClaimStore
	deposits      DepositLedger
	payments      gateway.PaymentGateway
	notifier      gateway.NotificationDispatcher
	conversations gateway.ConversationLink
	messages      Messenger
	now           func() time.Time
}

func NewService(pool TxBeginner, q Querier, repo Store, claims ClaimStore, deposits DepositLedger,
	payments gateway.PaymentGateway, notifier gateway.NotificationDispatcher,
	conversations gateway.ConversationLink, messages Messenger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:          pool,
		q:             q,
		repo:          repo,
		claims:        claims,
		deposits:      deposits,
		payments:      payments,
		notifier:      notifier,
		conversations: conversations,
		messages:      messages,
		now:           time.Now,
	}
}

// WithClock overrides the service clock; tests use it.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open records a tenant's rejection or counter-offer against a claim still
// awaiting its response, moving the claim to DISPUTED and flagging the
// transaction. Plain acceptance never comes through here.
func (s *Service) Open(ctx context.Context, params OpenParams) (Dispute, error) {
	switch params.Response {
	case ResponseReject:
	case ResponsePartialAccept:
		if params.CounterAmount.IsNegative() {
			return Dispute{}, fmt.Errorf("%w: counter amount cannot be negative", ErrValidation)
		}
	default:
		return Dispute{}, fmt.Errorf("%w: disputes open from reject or partial_accept, got %q", ErrValidation, params.Response)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.claims.GetForUpdate(ctx, tx, params.ClaimID)
	if err != nil {
		return Dispute{}, err
	}
	if !c.Status.AwaitingResponse() {
		return Dispute{}, fmt.Errorf("%w: dispute a claim in %s", ErrInvalidTransition, c.Status)
	}
	if params.Response == ResponsePartialAccept && !params.CounterAmount.LessThan(c.ClaimedAmount) {
		return Dispute{}, fmt.Errorf("%w: counter amount must be below the claimed amount", ErrValidation)
	}

	t, err := s.deposits.GetForUpdate(ctx, tx, c.TransactionID)
	if err != nil {
		return Dispute{}, err
	}
	if params.TenantID != "" && params.TenantID != t.TenantID {
		return Dispute{}, ErrForbidden
	}

	if _, err := s.claims.MarkDisputed(ctx, tx, c.ID); err != nil {
		return Dispute{}, err
	}
	if err := s.deposits.MarkDisputed(ctx, tx, t.ID); err != nil {
		return Dispute{}, err
	}
	// The claim's conversation carries over; the parties keep one thread.
	d, err := s.repo.Create(ctx, tx, params, c.ConversationID)
	if err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit open: %w", err)
	}

	if d.ConversationID == nil {
		convID, err := s.conversations.GetOrCreate(ctx, t.TenantID, t.LandlordID, t.PropertyID)
		if err != nil {
			log.Printf("dispute %s: conversation link unavailable: %v", d.ID, err)
		} else {
			if err := s.repo.SetConversation(ctx, s.q, d.ID, convID); err != nil {
				log.Printf("dispute %s: store conversation link: %v", d.ID, err)
			}
			if err := s.claims.SetConversation(ctx, s.q, c.ID, convID); err != nil {
				log.Printf("dispute %s: store claim conversation link: %v", d.ID, err)
			}
		}
	}

	payload := map[string]any{
		"dispute_id":      d.ID,
		"claim_id":        c.ID,
		"tenant_response": string(d.TenantResponse),
	}
	if d.TenantCounterAmount != nil {
		payload["counter_amount"] = d.TenantCounterAmount.String()
	}
	s.notifier.Notify(ctx, t.LandlordID, gateway.TemplateDisputeOpened, payload)
	return d, nil
}

// AddMessage appends to the dispute's conversation thread.
func (s *Service) AddMessage(ctx context.Context, id, senderID, body string) error {
	if body == "" {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}
	d, err := s.repo.GetByID(ctx, s.q, id)
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return fmt.Errorf("%w: message on a %s dispute", ErrInvalidTransition, d.Status)
	}

	convID := d.ConversationID
	if convID == nil {
		c, err := s.claims.GetByID(ctx, s.q, d.ClaimID)
		if err != nil {
			return err
		}
		t, err := s.deposits.GetByID(ctx, s.q, c.TransactionID)
		if err != nil {
			return err
		}
		created, err := s.conversations.GetOrCreate(ctx, t.TenantID, t.LandlordID, t.PropertyID)
		if err != nil {
			return gateway.Externalf("conversation", err)
		}
		if err := s.repo.SetConversation(ctx, s.q, d.ID, created); err != nil {
			return err
		}
		convID = &created
	}
	return s.messages.Append(ctx, *convID, senderID, body)
}

// RequestEvidence pauses mediation until the tenant produces documents.
func (s *Service) RequestEvidence(ctx context.Context, id string) (Dispute, error) {
	return s.repo.SetAwaitingEvidence(ctx, s.q, id)
}

// SubmitEvidence resumes mediation; the documents themselves travel through
// the conversation thread.
func (s *Service) SubmitEvidence(ctx context.Context, id string) (Dispute, error) {
	return s.repo.SetUnderMediation(ctx, s.q, id)
}

// Resolve closes the dispute with the final amount both sides (or an
// adjudicator) settled on. The claim resolves with what was actually
// released, the transaction drops its disputed flag, and the refundable
// remainder goes back to the tenant in the same transaction.
func (s *Service) Resolve(ctx context.Context, id string, finalAmount decimal.Decimal, method Method, notes, resolvedBy string) (Dispute, error) {
	if finalAmount.IsNegative() {
		return Dispute{}, fmt.Errorf("%w: final amount cannot be negative", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status.Terminal() {
		return Dispute{}, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, d.Status)
	}

	c, err := s.claims.GetForUpdate(ctx, tx, d.ClaimID)
	if err != nil {
		return Dispute{}, err
	}
	if finalAmount.GreaterThan(c.ClaimedAmount) {
		return Dispute{}, fmt.Errorf("%w: final amount exceeds the claimed amount", ErrValidation)
	}

	t, err := s.deposits.GetForUpdate(ctx, tx, c.TransactionID)
	if err != nil {
		return Dispute{}, err
	}

	// Cross-claim cap: never release past what is left of the deposit.
	release := finalAmount
	if release.GreaterThan(t.Remaining()) {
		release = t.Remaining()
	}
	if release.IsPositive() {
		if t.EscrowRef == nil {
			return Dispute{}, fmt.Errorf("%w: escrowed deposit without escrow ref", ErrValidation)
		}
		if _, err := s.payments.Release(ctx, *t.EscrowRef, release, t.LandlordID); err != nil {
			return Dispute{}, gateway.Externalf("release", err)
		}
		if t, err = s.deposits.ApplyRelease(ctx, tx, t.ID, release, deposit.KindClaimResolved); err != nil {
			return Dispute{}, err
		}
	}

	if _, err := s.claims.Resolve(ctx, tx, c.ID, release, notes, resolvedBy, s.now()); err != nil {
		return Dispute{}, err
	}
	d, err = s.repo.Resolve(ctx, tx, d.ID, finalAmount, method, notes, resolvedBy, s.now())
	if err != nil {
		return Dispute{}, err
	}
	if err := s.deposits.ClearDisputed(ctx, tx, t.ID); err != nil {
		return Dispute{}, err
	}
	refunded, err := s.settleLocked(ctx, tx, t)
	if err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	payload := map[string]any{
		"dispute_id":   d.ID,
		"claim_id":     c.ID,
		"final_amount": finalAmount.String(),
		"method":       string(method),
	}
	s.notifier.Notify(ctx, t.LandlordID, gateway.TemplateDisputeResolved, payload)
	s.notifier.Notify(ctx, t.TenantID, gateway.TemplateDisputeResolved, payload)
	if refunded.IsPositive() {
		s.notifier.Notify(ctx, t.TenantID, gateway.TemplateDepositRefunded, map[string]any{
			"transaction_id":  t.ID,
			"refunded_amount": refunded.String(),
		})
	}
	return d, nil
}

// Escalate hands an unresolved dispute past its escalation deadline to an
// external adjudicator. No money moves; the slice stays in escrow until an
// admin resolution arrives. Scheduler-only; the compare-and-set status guard
// makes a repeat run a no-op.
func (s *Service) Escalate(ctx context.Context, id, reason string, now time.Time) error {
	d, err := s.repo.GetByID(ctx, s.q, id)
	if err != nil {
		return err
	}
	if !now.After(d.EscalationDeadline()) {
		return fmt.Errorf("%w: escalate before %s", ErrInvalidTransition, d.EscalationDeadline().Format(time.RFC3339))
	}

	d, err = s.repo.Escalate(ctx, s.q, id, reason)
	if err != nil {
		return err
	}

	c, err := s.claims.GetByID(ctx, s.q, d.ClaimID)
	if err != nil {
		return err
	}
	t, err := s.deposits.GetByID(ctx, s.q, c.TransactionID)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"dispute_id": d.ID,
		"claim_id":   c.ID,
		"reason":     reason,
	}
	s.notifier.Notify(ctx, t.LandlordID, gateway.TemplateDisputeEscalated, payload)
	s.notifier.Notify(ctx, t.TenantID, gateway.TemplateDisputeEscalated, payload)
	return nil
}

// Cancel withdraws the claim under dispute: the dispute and its claim both
// close, the slice returns to the undisputed pool, and the transaction
// settles.
func (s *Service) Cancel(ctx context.Context, id string) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Dispute{}, err
	}
	c, err := s.claims.GetForUpdate(ctx, tx, d.ClaimID)
	if err != nil {
		return Dispute{}, err
	}
	t, err := s.deposits.GetForUpdate(ctx, tx, c.TransactionID)
	if err != nil {
		return Dispute{}, err
	}

	d, err = s.repo.Cancel(ctx, tx, id)
	if err != nil {
		return Dispute{}, err
	}
	if _, err := s.claims.Close(ctx, tx, c.ID, claim.StatusCancelled); err != nil {
		return Dispute{}, err
	}
	if err := s.deposits.ClearDisputed(ctx, tx, t.ID); err != nil {
		return Dispute{}, err
	}
	refunded, err := s.settleLocked(ctx, tx, t)
	if err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit cancel: %w", err)
	}

	if refunded.IsPositive() {
		s.notifier.Notify(ctx, t.TenantID, gateway.TemplateDepositRefunded, map[string]any{
			"transaction_id":  t.ID,
			"refunded_amount": refunded.String(),
		})
	}
	return d, nil
}

// SendReminder nudges both parties ahead of the escalation deadline. The
// stamp is compare-and-set with the reminder interval, so overlapping sweep
// cycles send at most one reminder per window.
func (s *Service) SendReminder(ctx context.Context, id string, now time.Time) error {
	stamped, err := s.repo.MarkReminded(ctx, s.q, id, now)
	if err != nil {
		return err
	}
	if !stamped {
		return nil
	}

	d, err := s.repo.GetByID(ctx, s.q, id)
	if err != nil {
		return err
	}
	c, err := s.claims.GetByID(ctx, s.q, d.ClaimID)
	if err != nil {
		return err
	}
	t, err := s.deposits.GetByID(ctx, s.q, c.TransactionID)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"dispute_id":          d.ID,
		"claim_id":            c.ID,
		"escalation_deadline": d.EscalationDeadline().Format(time.RFC3339),
	}
	s.notifier.Notify(ctx, t.TenantID, gateway.TemplateMediationReminder, payload)
	s.notifier.Notify(ctx, t.LandlordID, gateway.TemplateMediationReminder, payload)
	return nil
}

// Get returns one dispute.
func (s *Service) Get(ctx context.Context, id string) (Dispute, error) {
	return s.repo.GetByID(ctx, s.q, id)
}

// ListEscalationDue exposes the escalation sweep's work list.
func (s *Service) ListEscalationDue(ctx context.Context, now time.Time) ([]string, error) {
	return s.repo.ListEscalationDue(ctx, s.q, now)
}

// ListReminderDue exposes the reminder sweep's work list.
func (s *Service) ListReminderDue(ctx context.Context, now time.Time) ([]string, error) {
	return s.repo.ListReminderDue(ctx, s.q, now)
}

// settleLocked disburses whatever the fund split says is refundable now,
// using the already-refunded delta so a repeat call moves nothing. Caller
// holds the transaction row lock.
func (s *Service) settleLocked(ctx context.Context, tx pgx.Tx, t deposit.Transaction) (decimal.Decimal, error) {
	facts, err := s.claims.ListFacts(ctx, tx, t.ID)
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

// IsBenign reports whether a sweep error is an expected race (concurrent
// user action won) rather than a failure.
func IsBenign(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, claim.ErrInvalidTransition) ||
		errors.Is(err, deposit.ErrInvalidTransition)
}
