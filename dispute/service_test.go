package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"depositflow/claim"
	"depositflow/deposit"
	"depositflow/funds"
	"depositflow/gateway"
)

func TestOpen_RejectsPlainAcceptance(t *testing.T) {
	svc := newTestService(&fakePool{}, &fakeStore{}, &fakeClaims{}, &fakeDeposits{}, &fakePayments{}, &fakeNotifier{})

	_, err := svc.Open(context.Background(), OpenParams{ClaimID: "claim-1", Response: ResponseAccept})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestOpen_CounterMustBeBelowClaimed(t *testing.T) {
	now := time.Now()
	claims := &fakeClaims{claim: awaitingClaim(now)}
	svc := newTestService(&fakePool{}, &fakeStore{}, claims, &fakeDeposits{tx: disputableTransaction()}, &fakePayments{}, &fakeNotifier{})

	_, err := svc.Open(context.Background(), OpenParams{
		ClaimID:       "claim-1",
		Response:      ResponsePartialAccept,
		CounterAmount: decimal.NewFromInt(200),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestOpen_ClaimMustAwaitResponse(t *testing.T) {
	now := time.Now()
	c := awaitingClaim(now)
	c.Status = claim.StatusResolved
	claims := &fakeClaims{claim: c}
	svc := newTestService(&fakePool{}, &fakeStore{}, claims, &fakeDeposits{tx: disputableTransaction()}, &fakePayments{}, &fakeNotifier{})

	_, err := svc.Open(context.Background(), OpenParams{ClaimID: "claim-1", Response: ResponseReject})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestOpen_Success(t *testing.T) {
	now := time.Now()
	pool := &fakePool{}
	store := &fakeStore{}
	claims := &fakeClaims{claim: awaitingClaim(now)}
	deposits := &fakeDeposits{tx: disputableTransaction()}
	notifier := &fakeNotifier{}
	svc := newTestService(pool, store, claims, deposits, &fakePayments{}, notifier)

	d, err := svc.Open(context.Background(), OpenParams{
		ClaimID:       "claim-1",
		TenantID:      "tenant-1",
		Response:      ResponsePartialAccept,
		CounterAmount: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if d.Status != StatusUnderMediation {
		t.Errorf("expected under_mediation, got %s", d.Status)
	}
	if claims.claim.Status != claim.StatusDisputed {
		t.Errorf("expected claim marked disputed, got %s", claims.claim.Status)
	}
	if !deposits.disputed {
		t.Errorf("expected transaction flagged disputed")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if !notifier.sent("landlord-1", gateway.TemplateDisputeOpened) {
		t.Errorf("expected landlord dispute notice")
	}
}

func TestOpen_WrongTenant(t *testing.T) {
	now := time.Now()
	pool := &fakePool{}
	claims := &fakeClaims{claim: awaitingClaim(now)}
	svc := newTestService(pool, &fakeStore{}, claims, &fakeDeposits{tx: disputableTransaction()}, &fakePayments{}, &fakeNotifier{})

	_, err := svc.Open(context.Background(), OpenParams{
		ClaimID:  "claim-1",
		TenantID: "tenant-2",
		Response: ResponseReject,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected rollback, not commit")
	}
}

func TestResolve_SplitsAndSettles(t *testing.T) {
	now := time.Now()
	pool := &fakePool{}
	store := &fakeStore{dispute: liveDispute(now.Add(-10 * 24 * time.Hour))}
	c := awaitingClaim(now)
	c.Status = claim.StatusDisputed
	claims := &fakeClaims{
		claim: c,
		facts: []funds.ClaimFact{
			{Claimed: decimal.NewFromInt(200), Approved: decimal.NewFromInt(60), Phase: funds.PhaseResolved},
		},
	}
	deposits := &fakeDeposits{tx: disputableTransaction()}
	payments := &fakePayments{}
	notifier := &fakeNotifier{}
	svc := newTestService(pool, store, claims, deposits, payments, notifier)

	d, err := svc.Resolve(context.Background(), "dispute-1", decimal.NewFromInt(60), MethodMediation, "split agreed", "mediator-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if d.Status != StatusResolved {
		t.Errorf("expected resolved, got %s", d.Status)
	}
	if len(payments.releases) != 1 || !payments.releases[0].Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected release of 60, got %v", payments.releases)
	}
	if claims.claim.Status != claim.StatusResolved {
		t.Errorf("expected claim resolved, got %s", claims.claim.Status)
	}
	if !deposits.cleared {
		t.Errorf("expected disputed flag cleared")
	}
	// 1000 - 60 released goes back to the tenant.
	if len(payments.refunds) != 1 || !payments.refunds[0].Equal(decimal.NewFromInt(940)) {
		t.Fatalf("expected refund of 940, got %v", payments.refunds)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if !notifier.sent("tenant-1", gateway.TemplateDisputeResolved) || !notifier.sent("landlord-1", gateway.TemplateDisputeResolved) {
		t.Errorf("expected resolution notices for both parties")
	}
}

func TestResolve_FinalAmountBounds(t *testing.T) {
	now := time.Now()
	store := &fakeStore{dispute: liveDispute(now)}
	c := awaitingClaim(now)
	c.Status = claim.StatusDisputed
	svc := newTestService(&fakePool{}, store, &fakeClaims{claim: c}, &fakeDeposits{tx: disputableTransaction()}, &fakePayments{}, &fakeNotifier{})

	if _, err := svc.Resolve(context.Background(), "dispute-1", decimal.NewFromInt(-1), MethodAdmin, "", "admin-1"); !errors.Is(err, ErrValidation) {
		t.Errorf("negative: expected ErrValidation, got %v", err)
	}
	if _, err := svc.Resolve(context.Background(), "dispute-1", decimal.NewFromInt(500), MethodAdmin, "", "admin-1"); !errors.Is(err, ErrValidation) {
		t.Errorf("above claimed: expected ErrValidation, got %v", err)
	}
}

func TestEscalate_BeforeDeadline(t *testing.T) {
	now := time.Now()
	store := &fakeStore{dispute: liveDispute(now.Add(-24 * time.Hour))}
	svc := newTestService(&fakePool{}, store, &fakeClaims{}, &fakeDeposits{}, &fakePayments{}, &fakeNotifier{})

	err := svc.Escalate(context.Background(), "dispute-1", "deadline passed", now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if !IsBenign(err) {
		t.Errorf("expected a benign sweep error")
	}
}

func TestEscalate_PastDeadline(t *testing.T) {
	now := time.Now()
	store := &fakeStore{dispute: liveDispute(now.Add(-MediationWindow - EscalationGrace - time.Hour))}
	c := awaitingClaim(now)
	c.Status = claim.StatusDisputed
	notifier := &fakeNotifier{}
	svc := newTestService(&fakePool{}, store, &fakeClaims{claim: c}, &fakeDeposits{tx: disputableTransaction()}, &fakePayments{}, notifier)

	if err := svc.Escalate(context.Background(), "dispute-1", "deadline passed", now); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if store.dispute.Status != StatusEscalated {
		t.Errorf("expected escalated, got %s", store.dispute.Status)
	}
	if !notifier.sent("tenant-1", gateway.TemplateDisputeEscalated) || !notifier.sent("landlord-1", gateway.TemplateDisputeEscalated) {
		t.Errorf("expected escalation notices for both parties")
	}
}

func TestSendReminder_OncePerWindow(t *testing.T) {
	now := time.Now()
	store := &fakeStore{dispute: liveDispute(now.Add(-13 * 24 * time.Hour))}
	c := awaitingClaim(now)
	c.Status = claim.StatusDisputed
	notifier := &fakeNotifier{}
	svc := newTestService(&fakePool{}, store, &fakeClaims{claim: c}, &fakeDeposits{tx: disputableTransaction()}, &fakePayments{}, notifier)

	if err := svc.SendReminder(context.Background(), "dispute-1", now); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !notifier.sent("tenant-1", gateway.TemplateMediationReminder) {
		t.Fatalf("expected a first reminder")
	}

	sent := len(notifier.notifications)
	if err := svc.SendReminder(context.Background(), "dispute-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("expected nil error on repeat, got %v", err)
	}
	if len(notifier.notifications) != sent {
		t.Errorf("expected no second reminder inside the interval")
	}
}

func TestCancel_WithdrawsClaim(t *testing.T) {
	now := time.Now()
	pool := &fakePool{}
	store := &fakeStore{dispute: liveDispute(now)}
	c := awaitingClaim(now)
	c.Status = claim.StatusDisputed
	claims := &fakeClaims{
		claim: c,
		facts: []funds.ClaimFact{
			{Claimed: decimal.NewFromInt(200), Phase: funds.PhaseClosed},
		},
	}
	deposits := &fakeDeposits{tx: disputableTransaction()}
	payments := &fakePayments{}
	notifier := &fakeNotifier{}
	svc := newTestService(pool, store, claims, deposits, payments, notifier)

	d, err := svc.Cancel(context.Background(), "dispute-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if d.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", d.Status)
	}
	if claims.claim.Status != claim.StatusCancelled {
		t.Errorf("expected claim cancelled, got %s", claims.claim.Status)
	}
	if !deposits.cleared {
		t.Errorf("expected disputed flag cleared")
	}
	if len(payments.refunds) != 1 || !payments.refunds[0].Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected full refund, got %v", payments.refunds)
	}
	if !notifier.sent("tenant-1", gateway.TemplateDepositRefunded) {
		t.Errorf("expected tenant refund notice")
	}
}

func newTestService(pool *fakePool, store *fakeStore, claims *fakeClaims, deposits *fakeDeposits,
	payments *fakePayments, notifier *fakeNotifier) *Service {
	return NewService(pool, nil, store, claims, deposits, payments, notifier, &fakeConversations{}, &fakeMessenger{})
}

func disputableTransaction() deposit.Transaction {
	payRef, escrowRef := "pay-1", "escrow-1"
	return deposit.Transaction{
		ID:         "tx-1",
		PropertyID: "prop-1",
		TenantID:   "tenant-1",
		LandlordID: "landlord-1",
		Amount:     decimal.NewFromInt(1000),
		Status:     deposit.StatusDisputed,
		PaymentRef: &payRef,
		EscrowRef:  &escrowRef,
	}
}

func awaitingClaim(now time.Time) claim.Claim {
	submitted := now.Add(-48 * time.Hour)
	conv := "conv-1"
	return claim.Claim{
		ID:             "claim-1",
		TransactionID:  "tx-1",
		Type:           claim.TypeDamage,
		ClaimedAmount:  decimal.NewFromInt(200),
		Status:         claim.StatusTenantNotified,
		ConversationID: &conv,
		SubmittedAt:    &submitted,
	}
}

func liveDispute(createdAt time.Time) Dispute {
	conv := "conv-1"
	return Dispute{
		ID:             "dispute-1",
		ClaimID:        "claim-1",
		TenantResponse: ResponseReject,
		Status:         StatusUnderMediation,
		ConversationID: &conv,
		CreatedAt:      createdAt,
	}
}

type fakeStore struct {
	dispute  Dispute
	reminded bool
}

func (f *fakeStore) Create(ctx context.Context, q Querier, params OpenParams, conversationID *string) (Dispute, error) {
	f.dispute = Dispute{
		ID:             "dispute-1",
		ClaimID:        params.ClaimID,
		TenantResponse: params.Response,
		Status:         StatusUnderMediation,
		ConversationID: conversationID,
		CreatedAt:      time.Now(),
	}
	if params.Response == ResponsePartialAccept {
		counter := params.CounterAmount
		f.dispute.TenantCounterAmount = &counter
	}
	return f.dispute, nil
}

func (f *fakeStore) GetByID(ctx context.Context, q Querier, id string) (Dispute, error) {
	if f.dispute.ID == "" {
		return Dispute{}, ErrNotFound
	}
	return f.dispute, nil
}

func (f *fakeStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return f.GetByID(ctx, nil, id)
}

func (f *fakeStore) SetConversation(ctx context.Context, q Querier, id, conversationID string) error {
	f.dispute.ConversationID = &conversationID
	return nil
}

func (f *fakeStore) SetAwaitingEvidence(ctx context.Context, q Querier, id string) (Dispute, error) {
	if f.dispute.Status != StatusUnderMediation {
		return Dispute{}, ErrInvalidTransition
	}
	f.dispute.Status = StatusAwaitingEvidence
	return f.dispute, nil
}

func (f *fakeStore) SetUnderMediation(ctx context.Context, q Querier, id string) (Dispute, error) {
	if f.dispute.Status != StatusAwaitingEvidence {
		return Dispute{}, ErrInvalidTransition
	}
	f.dispute.Status = StatusUnderMediation
	return f.dispute, nil
}

func (f *fakeStore) Resolve(ctx context.Context, q Querier, id string, finalAmount decimal.Decimal, method Method, notes, resolvedBy string, now time.Time) (Dispute, error) {
	if f.dispute.Status.Terminal() {
		return Dispute{}, ErrInvalidTransition
	}
	f.dispute.Status = StatusResolved
	f.dispute.FinalAmount = &finalAmount
	f.dispute.ResolutionMethod = &method
	return f.dispute, nil
}

func (f *fakeStore) Escalate(ctx context.Context, q Querier, id, reason string) (Dispute, error) {
	if f.dispute.Status != StatusUnderMediation && f.dispute.Status != StatusAwaitingEvidence {
		return Dispute{}, ErrInvalidTransition
	}
	f.dispute.Status = StatusEscalated
	f.dispute.EscalationReason = &reason
	return f.dispute, nil
}

func (f *fakeStore) Cancel(ctx context.Context, q Querier, id string) (Dispute, error) {
	if f.dispute.Status.Terminal() {
		return Dispute{}, ErrInvalidTransition
	}
	f.dispute.Status = StatusCancelled
	return f.dispute, nil
}

func (f *fakeStore) MarkReminded(ctx context.Context, q Querier, id string, now time.Time) (bool, error) {
	if f.dispute.LastReminderAt != nil && now.Before(f.dispute.LastReminderAt.Add(ReminderInterval)) {
		return false, nil
	}
	f.dispute.LastReminderAt = &now
	return true, nil
}

func (f *fakeStore) ListEscalationDue(ctx context.Context, q Querier, now time.Time) ([]string, error) {
	if f.dispute.ID != "" && now.After(f.dispute.EscalationDeadline()) {
		return []string{f.dispute.ID}, nil
	}
	return nil, nil
}

func (f *fakeStore) ListReminderDue(ctx context.Context, q Querier, now time.Time) ([]string, error) {
	if f.dispute.ID != "" && now.After(f.dispute.EscalationDeadline().Add(-ReminderLead)) {
		return []string{f.dispute.ID}, nil
	}
	return nil, nil
}

type fakeClaims struct {
	claim claim.Claim
	facts []funds.ClaimFact
}

func (f *fakeClaims) GetByID(ctx context.Context, q claim.Querier, id string) (claim.Claim, error) {
	if f.claim.ID == "" {
		return claim.Claim{}, claim.ErrNotFound
	}
	return f.claim, nil
}

func (f *fakeClaims) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (claim.Claim, error) {
	return f.GetByID(ctx, nil, id)
}

func (f *fakeClaims) MarkDisputed(ctx context.Context, q claim.Querier, id string) (claim.Claim, error) {
	if !f.claim.Status.AwaitingResponse() {
		return claim.Claim{}, claim.ErrInvalidTransition
	}
	f.claim.Status = claim.StatusDisputed
	return f.claim, nil
}

func (f *fakeClaims) Resolve(ctx context.Context, q claim.Querier, id string, approved decimal.Decimal, notes, resolvedBy string, now time.Time) (claim.Claim, error) {
	f.claim.Status = claim.StatusResolved
	f.claim.ApprovedAmount = &approved
	return f.claim, nil
}

func (f *fakeClaims) Close(ctx context.Context, q claim.Querier, id string, to claim.Status) (claim.Claim, error) {
	f.claim.Status = to
	return f.claim, nil
}

func (f *fakeClaims) SetConversation(ctx context.Context, q claim.Querier, id, conversationID string) error {
	f.claim.ConversationID = &conversationID
	return nil
}

func (f *fakeClaims) ListFacts(ctx context.Context, q claim.Querier, transactionID string) ([]funds.ClaimFact, error) {
	return f.facts, nil
}

type fakeDeposits struct {
	tx       deposit.Transaction
	disputed bool
	cleared  bool
}

func (f *fakeDeposits) GetByID(ctx context.Context, q deposit.Querier, id string) (deposit.Transaction, error) {
	if f.tx.ID == "" {
		return deposit.Transaction{}, deposit.ErrNotFound
	}
	return f.tx, nil
}

func (f *fakeDeposits) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (deposit.Transaction, error) {
	return f.GetByID(ctx, nil, id)
}

func (f *fakeDeposits) ApplyRelease(ctx context.Context, q deposit.Querier, id string, amount decimal.Decimal, kind string) (deposit.Transaction, error) {
	f.tx.ReleasedAmount = f.tx.ReleasedAmount.Add(amount)
	return f.tx, nil
}

func (f *fakeDeposits) ApplyRefund(ctx context.Context, q deposit.Querier, id string, amount decimal.Decimal, kind string) (deposit.Transaction, error) {
	f.tx.RefundedAmount = f.tx.RefundedAmount.Add(amount)
	return f.tx, nil
}

func (f *fakeDeposits) MarkDisputed(ctx context.Context, q deposit.Querier, id string) error {
	f.disputed = true
	f.tx.Status = deposit.StatusDisputed
	return nil
}

func (f *fakeDeposits) ClearDisputed(ctx context.Context, q deposit.Querier, id string) error {
	f.cleared = true
	return nil
}

type fakePayments struct {
	releases []decimal.Decimal
	refunds  []decimal.Decimal
}

func (f *fakePayments) HoldInEscrow(ctx context.Context, amount decimal.Decimal) (string, error) {
	return "escrow-1", nil
}

func (f *fakePayments) Release(ctx context.Context, escrowRef string, amount decimal.Decimal, destinationAccount string) (string, error) {
	f.releases = append(f.releases, amount)
	return "release-1", nil
}

func (f *fakePayments) Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error) {
	f.refunds = append(f.refunds, amount)
	return "refund-1", nil
}

func (f *fakePayments) VerifyAccount(ctx context.Context, accountID string) (gateway.AccountVerification, error) {
	return gateway.AccountVerification{ChargesEnabled: true}, nil
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
	for _, n := range f.notifications {
		if n.recipient == recipient && n.kind == kind {
			return true
		}
	}
	return false
}

type fakeConversations struct{}

func (fakeConversations) GetOrCreate(ctx context.Context, tenantID, landlordID, propertyID string) (string, error) {
	return "conv-1", nil
}

type fakeMessenger struct {
	appended []string
}

func (f *fakeMessenger) Append(ctx context.Context, conversationID, senderID, body string) error {
	f.appended = append(f.appended, body)
	return nil
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
