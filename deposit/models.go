package deposit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the deposit transaction lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusPaid              Status = "paid"
	StatusHeldInEscrow      Status = "held_in_escrow"
	StatusDisputed          Status = "disputed"
	StatusPartiallyReleased Status = "partially_released"
	StatusReleased          Status = "released"
	StatusRefunded          Status = "refunded"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Escrowed reports whether the funds sit with the escrow custodian.
func (s Status) Escrowed() bool {
	switch s {
	case StatusHeldInEscrow, StatusDisputed, StatusPartiallyReleased:
		return true
	}
	return false
}

// Named policy durations. Deadlines are always computed from the anchor
// timestamps below, never persisted.
const (
	// InspectionWindow is the post-lease period during which the landlord
	// may file claims.
	InspectionWindow = 7 * 24 * time.Hour
	// VerificationGrace is how long after tenant payment the landlord's
	// escrow account may stay unverified before the tenant is refunded.
	VerificationGrace = 3 * 24 * time.Hour
	// VerificationNudgeInterval caps the unverified-landlord nudge at one
	// per day regardless of the sweep cadence.
	VerificationNudgeInterval = 24 * time.Hour
)

// Transaction mirrors the deposit_transactions table. Amount is fixed at
// creation; released_amount + refunded_amount <= amount always.
type Transaction struct {
	ID                    string
	AgreementID           string
	PropertyID            string
	TenantID              string
	LandlordID            string
	Amount                decimal.Decimal
	CalculationBase       decimal.Decimal
	CalculationMultiplier decimal.Decimal
	Status                Status
	PaymentRef            *string
	EscrowRef             *string
	ReleasedAmount        decimal.Decimal
	RefundedAmount        decimal.Decimal
	LeaseEndDate          time.Time
	PaidAt                *time.Time
	HeldAt                *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Remaining is the amount still held against this transaction.
func (t Transaction) Remaining() decimal.Decimal {
	return t.Amount.Sub(t.ReleasedAmount).Sub(t.RefundedAmount)
}

// InspectionDeadline is the end of the claim-filing window.
func (t Transaction) InspectionDeadline() time.Time {
	return t.LeaseEndDate.Add(InspectionWindow)
}

// OpenParams enumerates the fields required to open a deposit.
type OpenParams struct {
	AgreementID           string
	PropertyID            string
	TenantID              string
	LandlordID            string
	Amount                decimal.Decimal
	CalculationBase       decimal.Decimal
	CalculationMultiplier decimal.Decimal
	LeaseEndDate          time.Time
}

// Movement kinds recorded on the deposit event log.
const (
	KindClaimAccepted       = "claim_accepted"
	KindClaimAutoApproved   = "claim_auto_approved"
	KindClaimResolved       = "claim_resolved"
	KindInspectionClear     = "inspection_clear"
	KindSettlementRemainder = "settlement_remainder"
	KindVerificationTimeout = "verification_timeout"
)
