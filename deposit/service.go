package deposit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"depositflow/gateway"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the data access the service needs; *Repository satisfies it.
type Ledger interface {
	Create(ctx context.Context, q Querier, params OpenParams) (Transaction, error)
	GetByID(ctx context.Context, q Querier, id string) (Transaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	MarkPaid(ctx context.Context, q Querier, id, paymentRef string) (Transaction, error)
	HoldInEscrow(ctx context.Context, q Querier, id, escrowRef string) (Transaction, error)
	ApplyRelease(ctx context.Context, q Querier, id string, amount decimal.Decimal, kind string) (Transaction, error)
	ApplyRefund(ctx context.Context, q Querier, id string, amount decimal.Decimal, kind string) (Transaction, error)
	Cancel(ctx context.Context, q Querier, id, reason string) (Transaction, error)
	CancelWithRefund(ctx context.Context, q Querier, id, refundRef string) (Transaction, error)
	MarkVerificationNudged(ctx context.Context, q Querier, id string, now time.Time) (bool, error)
	ListPendingVerification(ctx context.Context, q Querier) ([]Transaction, error)
}

// Service owns the deposit transaction lifecycle from opening through escrow
// and the landlord-verification guarantee.
type Service struct {
	pool     TxBeginner
	q        Querier
	repo     Ledger
	payments gateway.PaymentGateway
	notifier gateway.NotificationDispatcher
	now      func() time.Time
}

func NewService(pool TxBeginner, q Querier, repo Ledger, payments gateway.PaymentGateway, notifier gateway.NotificationDispatcher) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:     pool,
		q:        q,
		repo:     repo,
		payments: payments,
		notifier: notifier,
		now:      time.Now,
	}
}

// WithClock overrides the service clock; tests use it.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open creates a PENDING deposit when the tenancy agreement is signed.
func (s *Service) Open(ctx context.Context, params OpenParams) (Transaction, error) {
	if params.AgreementID == "" || params.TenantID == "" || params.LandlordID == "" || params.PropertyID == "" {
		return Transaction{}, fmt.Errorf("%w: agreement, property, tenant and landlord ids required", ErrValidation)
	}
	if !params.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if params.LeaseEndDate.IsZero() {
		return Transaction{}, fmt.Errorf("%w: lease end date required", ErrValidation)
	}
	return s.repo.Create(ctx, s.q, params)
}

// Get returns one transaction.
func (s *Service) Get(ctx context.Context, id string) (Transaction, error) {
	return s.repo.GetByID(ctx, s.q, id)
}

// MarkPaid records the completed tenant payment.
func (s *Service) MarkPaid(ctx context.Context, id, paymentRef string) (Transaction, error) {
	if paymentRef == "" {
		return Transaction{}, fmt.Errorf("%w: payment ref required", ErrValidation)
	}
	return s.repo.MarkPaid(ctx, s.q, id, paymentRef)
}

// Cancel aborts a pre-escrow deposit.
func (s *Service) Cancel(ctx context.Context, id, reason string) (Transaction, error) {
	return s.repo.Cancel(ctx, s.q, id, reason)
}

// ListPendingVerification exposes the verification sweep's work list.
func (s *Service) ListPendingVerification(ctx context.Context) ([]string, error) {
	txs, err := s.repo.ListPendingVerification(ctx, s.q)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(txs))
	for i, t := range txs {
		ids[i] = t.ID
	}
	return ids, nil
}

// VerifyAndActivate is the PendingVerificationSweep action for one PAID
// transaction. If the landlord's escrow account has charges enabled the
// funds move into escrow and the agreement activates; if the account is
// still unverified three days after payment the tenant is fully refunded
// and the agreement cancelled. Both arms are compare-and-set guarded, so a
// repeat run is a no-op.
func (s *Service) VerifyAndActivate(ctx context.Context, id string, now time.Time) error {
	t, err := s.repo.GetByID(ctx, s.q, id)
	if err != nil {
		return err
	}
	if t.Status != StatusPaid {
		return fmt.Errorf("%w: verify from %s", ErrInvalidTransition, t.Status)
	}

	verification, err := s.payments.VerifyAccount(ctx, t.LandlordID)
	if err != nil {
		return gateway.Externalf("verify account", err)
	}

	if verification.ChargesEnabled {
		escrowRef, err := s.payments.HoldInEscrow(ctx, t.Amount)
		if err != nil {
			return gateway.Externalf("hold in escrow", err)
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("deposit: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		held, err := s.repo.HoldInEscrow(ctx, tx, t.ID, escrowRef)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("deposit: commit hold: %w", err)
		}

		s.notifier.Notify(ctx, held.LandlordID, gateway.TemplateAgreementActivated, map[string]any{
			"agreement_id": held.AgreementID,
		})
		s.notifier.Notify(ctx, held.TenantID, gateway.TemplateAgreementActivated, map[string]any{
			"agreement_id": held.AgreementID,
		})
		return nil
	}

	if t.PaidAt == nil || now.Before(t.PaidAt.Add(VerificationGrace)) {
		// Still inside the grace window; nudge the landlord and wait. The
		// stamp caps the nudge at one per VerificationNudgeInterval across
		// sweep cycles.
		stamped, err := s.repo.MarkVerificationNudged(ctx, s.q, t.ID, now)
		if err != nil {
			return err
		}
		if stamped {
			s.notifier.Notify(ctx, t.LandlordID, gateway.TemplateVerificationPending, map[string]any{
				"agreement_id": t.AgreementID,
			})
		}
		return nil
	}

	// Tenant-protection guarantee: unverified past the grace window.
	if t.PaymentRef == nil {
		return fmt.Errorf("%w: paid transaction without payment ref", ErrValidation)
	}
	refundRef, err := s.payments.Refund(ctx, *t.PaymentRef, t.Amount)
	if err != nil {
		return gateway.Externalf("refund", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deposit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cancelled, err := s.repo.CancelWithRefund(ctx, tx, t.ID, refundRef)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deposit: commit cancel: %w", err)
	}

	log.Printf("deposit %s cancelled: landlord %s unverified %s after payment", cancelled.ID, cancelled.LandlordID, VerificationGrace)
	s.notifier.Notify(ctx, cancelled.TenantID, gateway.TemplateAgreementCancelled, map[string]any{
		"agreement_id": cancelled.AgreementID,
		"refund_ref":   refundRef,
	})
	return nil
}
