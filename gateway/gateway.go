// Package gateway declares the narrow collaborator contracts the deposit
// engine consumes. The implementations live outside the engine; the types
// here pin down exactly what each transition is allowed to depend on.
package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentGateway moves deposit money. Release and Refund are financial
// operations: a failure aborts the surrounding transition and the next sweep
// cycle retries it.
type PaymentGateway interface {
	// HoldInEscrow places the amount with the escrow custodian and returns
	// the escrow reference.
	HoldInEscrow(ctx context.Context, amount decimal.Decimal) (string, error)
	// Release pays part of an escrow hold out to a destination account and
	// returns the transfer reference.
	Release(ctx context.Context, escrowRef string, amount decimal.Decimal, destinationAccount string) (string, error)
	// Refund returns funds to the original payment and returns the refund
	// reference.
	Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error)
	// VerifyAccount reports whether the account can receive charges.
	VerifyAccount(ctx context.Context, accountID string) (AccountVerification, error)
}

// AccountVerification is the gateway's view of a payout account.
type AccountVerification struct {
	ChargesEnabled bool
}

// TemplateKind identifies a notification template.
type TemplateKind string

const (
	TemplateClaimSubmitted      TemplateKind = "claim.submitted"
	TemplateClaimAccepted       TemplateKind = "claim.accepted"
	TemplateClaimAutoApproved   TemplateKind = "claim.auto_approved"
	TemplateClaimResolved       TemplateKind = "claim.resolved"
	TemplateDisputeOpened       TemplateKind = "dispute.opened"
	TemplateDisputeResolved     TemplateKind = "dispute.resolved"
	TemplateDisputeEscalated    TemplateKind = "dispute.escalated"
	TemplateMediationReminder   TemplateKind = "dispute.mediation_reminder"
	TemplateDepositRefunded     TemplateKind = "deposit.refunded"
	TemplateAgreementActivated  TemplateKind = "agreement.activated"
	TemplateAgreementCancelled  TemplateKind = "agreement.cancelled"
	TemplateVerificationPending TemplateKind = "landlord.verification_pending"
)

// NotificationDispatcher delivers user-facing notifications. Notify is
// fire-and-forget: it must never block the calling transition and has no
// error to surface; implementations swallow and log failures.
type NotificationDispatcher interface {
	Notify(ctx context.Context, recipientID string, kind TemplateKind, payload map[string]any)
}

// ConversationLink resolves the shared conversation between the two parties
// of a tenancy.
type ConversationLink interface {
	GetOrCreate(ctx context.Context, tenantID, landlordID, propertyID string) (string, error)
}

// ExternalError wraps a collaborator failure. The entity keeps its prior
// state and the operation is safe to retry.
type ExternalError struct {
	Op  string
	Err error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// Externalf wraps err as an ExternalError for the named operation.
func Externalf(op string, err error) error {
	return &ExternalError{Op: op, Err: err}
}
