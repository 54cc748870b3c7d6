package dispute

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusTenantResponded  Status = "tenant_responded"
	StatusUnderMediation   Status = "under_mediation"
	StatusAwaitingEvidence Status = "awaiting_evidence"
	StatusResolved         Status = "resolved"
	StatusEscalated        Status = "escalated"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// Open reports whether the dispute still holds its claim's slice in escrow.
func (s Status) Open() bool {
	switch s {
	case StatusPending, StatusTenantResponded, StatusUnderMediation, StatusAwaitingEvidence, StatusEscalated:
		return true
	}
	return false
}

// Response is the tenant's answer to a claim.
type Response string

const (
	ResponseAccept        Response = "accept"
	ResponsePartialAccept Response = "partial_accept"
	ResponseReject        Response = "reject"
)

// Method records how a dispute was resolved.
type Method string

const (
	MethodAgreement Method = "agreement"
	MethodMediation Method = "mediation"
	MethodAdmin     Method = "admin"
)

// Named policy durations; deadlines are computed from the CreatedAt anchor
// on read, never persisted.
const (
	// MediationWindow bounds the negotiation period.
	MediationWindow = 14 * 24 * time.Hour
	// EscalationGrace follows the mediation deadline before an unresolved
	// dispute escalates.
	EscalationGrace = 48 * time.Hour
	// ReminderLead is how long before the escalation deadline reminders
	// start going out.
	ReminderLead = 48 * time.Hour
	// ReminderInterval spaces reminders: one per window.
	ReminderInterval = 12 * time.Hour
)

// Dispute mirrors the deposit_disputes table. The message log is a
// reference into the shared conversation store, keyed by ConversationID.
type Dispute struct {
	ID                  string
	ClaimID             string
	TenantResponse      Response
	TenantCounterAmount *decimal.Decimal
	Status              Status
	ConversationID      *string
	FinalAmount         *decimal.Decimal
	ResolutionMethod    *Method
	ResolutionNotes     *string
	ResolvedBy          *string
	EscalationReason    *string
	LastReminderAt      *time.Time
	CreatedAt           time.Time
	ResolvedAt          *time.Time
	UpdatedAt           time.Time
}

// MediationDeadline is CreatedAt + 14d.
func (d Dispute) MediationDeadline() time.Time {
	return d.CreatedAt.Add(MediationWindow)
}

// EscalationDeadline follows the mediation deadline by the grace period.
func (d Dispute) EscalationDeadline() time.Time {
	return d.MediationDeadline().Add(EscalationGrace)
}

// OpenParams enumerates the fields required to open a dispute.
type OpenParams struct {
	ClaimID       string
	TenantID      string
	Response      Response
	CounterAmount decimal.Decimal
}
