package deposit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"depositflow/gateway"
)

func TestOpen_Validation(t *testing.T) {
	svc := NewService(&fakePool{}, nil, &fakeLedger{}, &fakePayments{}, &fakeNotifier{})

	params := OpenParams{
		AgreementID:  "agr-1",
		PropertyID:   "prop-1",
		TenantID:     "tenant-1",
		LandlordID:   "landlord-1",
		Amount:       decimal.NewFromInt(1500),
		LeaseEndDate: time.Now().AddDate(1, 0, 0),
	}

	missing := params
	missing.TenantID = ""
	if _, err := svc.Open(context.Background(), missing); !errors.Is(err, ErrValidation) {
		t.Errorf("missing tenant: expected ErrValidation, got %v", err)
	}

	zero := params
	zero.Amount = decimal.Zero
	if _, err := svc.Open(context.Background(), zero); !errors.Is(err, ErrValidation) {
		t.Errorf("zero amount: expected ErrValidation, got %v", err)
	}

	noEnd := params
	noEnd.LeaseEndDate = time.Time{}
	if _, err := svc.Open(context.Background(), noEnd); !errors.Is(err, ErrValidation) {
		t.Errorf("missing lease end: expected ErrValidation, got %v", err)
	}
}

func TestMarkPaid_RequiresRef(t *testing.T) {
	svc := NewService(&fakePool{}, nil, &fakeLedger{}, &fakePayments{}, &fakeNotifier{})

	if _, err := svc.MarkPaid(context.Background(), "tx-1", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestVerifyAndActivate_ChargesEnabled(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeLedger{tx: paidTransaction(time.Now())}
	payments := &fakePayments{chargesEnabled: true}
	notifier := &fakeNotifier{}
	svc := NewService(pool, nil, repo, payments, notifier)

	if err := svc.VerifyAndActivate(context.Background(), "tx-1", time.Now()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if payments.heldAmount == nil {
		t.Fatalf("expected escrow hold")
	}
	if !payments.heldAmount.Equal(repo.tx.Amount) {
		t.Errorf("expected hold of %s, got %s", repo.tx.Amount, payments.heldAmount)
	}
	if !repo.held {
		t.Errorf("expected HoldInEscrow on the ledger")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if !notifier.sent("landlord-1", gateway.TemplateAgreementActivated) {
		t.Errorf("expected landlord activation notice")
	}
	if !notifier.sent("tenant-1", gateway.TemplateAgreementActivated) {
		t.Errorf("expected tenant activation notice")
	}
}

func TestVerifyAndActivate_WithinGrace(t *testing.T) {
	now := time.Now()
	repo := &fakeLedger{tx: paidTransaction(now.Add(-24 * time.Hour))}
	payments := &fakePayments{}
	notifier := &fakeNotifier{}
	svc := NewService(&fakePool{}, nil, repo, payments, notifier)

	if err := svc.VerifyAndActivate(context.Background(), "tx-1", now); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if payments.refunded != nil {
		t.Errorf("expected no refund inside the grace window")
	}
	if repo.cancelled {
		t.Errorf("expected no cancellation inside the grace window")
	}
	if !notifier.sent("landlord-1", gateway.TemplateVerificationPending) {
		t.Errorf("expected landlord verification nudge")
	}
}

func TestVerifyAndActivate_NudgeOncePerInterval(t *testing.T) {
	now := time.Now()
	repo := &fakeLedger{tx: paidTransaction(now.Add(-time.Hour))}
	notifier := &fakeNotifier{}
	svc := NewService(&fakePool{}, nil, repo, &fakePayments{}, notifier)

	// The verification sweep runs every half hour; the nudge must not.
	for i := 0; i < 4; i++ {
		at := now.Add(time.Duration(i) * 30 * time.Minute)
		if err := svc.VerifyAndActivate(context.Background(), "tx-1", at); err != nil {
			t.Fatalf("cycle %d: expected nil error, got %v", i, err)
		}
	}
	if got := notifier.count("landlord-1", gateway.TemplateVerificationPending); got != 1 {
		t.Fatalf("expected 1 nudge across repeated cycles, got %d", got)
	}

	// A day later the window reopens for exactly one more.
	later := now.Add(VerificationNudgeInterval + time.Minute)
	if err := svc.VerifyAndActivate(context.Background(), "tx-1", later); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got := notifier.count("landlord-1", gateway.TemplateVerificationPending); got != 2 {
		t.Fatalf("expected a second nudge after the interval, got %d", got)
	}
}

func TestVerifyAndActivate_GraceExpired(t *testing.T) {
	now := time.Now()
	repo := &fakeLedger{tx: paidTransaction(now.Add(-VerificationGrace - time.Hour))}
	payments := &fakePayments{}
	notifier := &fakeNotifier{}
	pool := &fakePool{}
	svc := NewService(pool, nil, repo, payments, notifier)

	if err := svc.VerifyAndActivate(context.Background(), "tx-1", now); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if payments.refunded == nil {
		t.Fatalf("expected full refund")
	}
	if !payments.refunded.Equal(repo.tx.Amount) {
		t.Errorf("expected refund of %s, got %s", repo.tx.Amount, payments.refunded)
	}
	if !repo.cancelled {
		t.Errorf("expected CancelWithRefund on the ledger")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if !notifier.sent("tenant-1", gateway.TemplateAgreementCancelled) {
		t.Errorf("expected tenant cancellation notice")
	}
}

func TestVerifyAndActivate_WrongStatus(t *testing.T) {
	tx := paidTransaction(time.Now())
	tx.Status = StatusHeldInEscrow
	repo := &fakeLedger{tx: tx}
	svc := NewService(&fakePool{}, nil, repo, &fakePayments{}, &fakeNotifier{})

	err := svc.VerifyAndActivate(context.Background(), "tx-1", time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func paidTransaction(paidAt time.Time) Transaction {
	ref := "pay-1"
	return Transaction{
		ID:           "tx-1",
		AgreementID:  "agr-1",
		PropertyID:   "prop-1",
		TenantID:     "tenant-1",
		LandlordID:   "landlord-1",
		Amount:       decimal.NewFromInt(1500),
		Status:       StatusPaid,
		PaymentRef:   &ref,
		PaidAt:       &paidAt,
		LeaseEndDate: paidAt.AddDate(1, 0, 0),
	}
}

type fakeLedger struct {
	tx          Transaction
	held        bool
	cancelled   bool
	lastNudgeAt *time.Time
}

func (f *fakeLedger) Create(ctx context.Context, q Querier, params OpenParams) (Transaction, error) {
	return f.tx, nil
}

func (f *fakeLedger) GetByID(ctx context.Context, q Querier, id string) (Transaction, error) {
	if f.tx.ID == "" {
		return Transaction{}, ErrNotFound
	}
	return f.tx, nil
}

func (f *fakeLedger) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	return f.GetByID(ctx, nil, id)
}

func (f *fakeLedger) MarkPaid(ctx context.Context, q Querier, id, paymentRef string) (Transaction, error) {
	return f.tx, nil
}

func (f *fakeLedger) HoldInEscrow(ctx context.Context, q Querier, id, escrowRef string) (Transaction, error) {
	f.held = true
	f.tx.Status = StatusHeldInEscrow
	f.tx.EscrowRef = &escrowRef
	return f.tx, nil
}

func (f *fakeLedger) ApplyRelease(ctx context.Context, q Querier, id string, amount decimal.Decimal, kind string) (Transaction, error) {
	f.tx.ReleasedAmount = f.tx.ReleasedAmount.Add(amount)
	return f.tx, nil
}

func (f *fakeLedger) ApplyRefund(ctx context.Context, q Querier, id string, amount decimal.Decimal, kind string) (Transaction, error) {
	f.tx.RefundedAmount = f.tx.RefundedAmount.Add(amount)
	return f.tx, nil
}

func (f *fakeLedger) Cancel(ctx context.Context, q Querier, id, reason string) (Transaction, error) {
	f.cancelled = true
	f.tx.Status = StatusCancelled
	return f.tx, nil
}

func (f *fakeLedger) CancelWithRefund(ctx context.Context, q Querier, id, refundRef string) (Transaction, error) {
	f.cancelled = true
	f.tx.Status = StatusCancelled
	f.tx.RefundedAmount = f.tx.Amount
	return f.tx, nil
}

func (f *fakeLedger) MarkVerificationNudged(ctx context.Context, q Querier, id string, now time.Time) (bool, error) {
	if f.tx.Status != StatusPaid {
		return false, nil
	}
	if f.lastNudgeAt != nil && f.lastNudgeAt.After(now.Add(-VerificationNudgeInterval)) {
		return false, nil
	}
	f.lastNudgeAt = &now
	return true, nil
}

func (f *fakeLedger) ListPendingVerification(ctx context.Context, q Querier) ([]Transaction, error) {
	if f.tx.Status == StatusPaid {
		return []Transaction{f.tx}, nil
	}
	return nil, nil
}

type fakePayments struct {
	chargesEnabled bool
	heldAmount     *decimal.Decimal
	released       *decimal.Decimal
	refunded       *decimal.Decimal
}

func (f *fakePayments) HoldInEscrow(ctx context.Context, amount decimal.Decimal) (string, error) {
	f.heldAmount = &amount
	return "escrow-1", nil
}

func (f *fakePayments) Release(ctx context.Context, escrowRef string, amount decimal.Decimal, destinationAccount string) (string, error) {
	f.released = &amount
	return "release-1", nil
}

func (f *fakePayments) Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error) {
	f.refunded = &amount
	return "refund-1", nil
}

func (f *fakePayments) VerifyAccount(ctx context.Context, accountID string) (gateway.AccountVerification, error) {
	return gateway.AccountVerification{ChargesEnabled: f.chargesEnabled}, nil
}

type notification struct {
	recipient string
	kind      gateway.TemplateKind
}

type fakeNotifier struct {
	notifications []notification
}

func (f *fakeNotifier) Notify(ctx context.Context, recipientID string, kind gateway.TemplateKind, payload map[string]any) {
	f.notifications = append(f.notifications, notification{recipient: recipientID, kind: kind})
}

func (f *fakeNotifier) sent(recipient string, kind gateway.TemplateKind) bool {
	return f.count(recipient, kind) > 0
}

func (f *fakeNotifier) count(recipient string, kind gateway.TemplateKind) int {
	var n int
	for _, got := range f.notifications {
		if got.recipient == recipient && got.kind == kind {
			n++
		}
	}
	return n
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
