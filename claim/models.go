package claim

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the claim lifecycle state.
type Status string

const (
	StatusDraft Status = "draft"
	// StatusSubmitted means the claim clock is running and the tenant has
	// not yet responded.
	StatusSubmitted Status = "submitted"
	// StatusTenantNotified is the submitted stage after the tenant
	// notification went out; every guard treats it like submitted.
	StatusTenantNotified Status = "tenant_notified"
	StatusAccepted       Status = "accepted"
	StatusDisputed       Status = "disputed"
	StatusResolved       Status = "resolved"
	StatusExpired        Status = "expired"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolved, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// AwaitingResponse reports whether the claim still waits on the tenant's
// first response.
func (s Status) AwaitingResponse() bool {
	return s == StatusSubmitted || s == StatusTenantNotified
}

// Type categorises what the landlord claims for.
type Type string

const (
	TypeDamage       Type = "damage"
	TypeCleaning     Type = "cleaning"
	TypeUnpaidRent   Type = "unpaid_rent"
	TypeMissingItems Type = "missing_items"
	TypeOther        Type = "other"
)

func (t Type) Valid() bool {
	switch t {
	case TypeDamage, TypeCleaning, TypeUnpaidRent, TypeMissingItems, TypeOther:
		return true
	}
	return false
}

// Named policy durations; deadlines are computed from SubmittedAt on read,
// never persisted.
const (
	// TenantResponseWindow is how long the tenant has to respond to a
	// submitted claim.
	TenantResponseWindow = 7 * 24 * time.Hour
	// AutoApproveGrace pads the response deadline before tenant silence is
	// treated as acceptance.
	AutoApproveGrace = time.Hour
)

// EvidenceRef points at a stored evidence file.
type EvidenceRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Claim mirrors the deposit_claims table.
type Claim struct {
	ID              string
	TransactionID   string
	Type            Type
	ClaimedAmount   decimal.Decimal
	ApprovedAmount  *decimal.Decimal
	Status          Status
	Description     string
	Evidence        []EvidenceRef
	ConversationID  *string
	SubmittedAt     *time.Time
	ResolvedAt      *time.Time
	ResolvedBy      *string
	ResolutionNotes *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TenantResponseDeadline is SubmittedAt + 7d; zero until submission.
func (c Claim) TenantResponseDeadline() time.Time {
	if c.SubmittedAt == nil {
		return time.Time{}
	}
	return c.SubmittedAt.Add(TenantResponseWindow)
}

// AutoApproveAt is the response deadline plus the grace hour; always at or
// after TenantResponseDeadline.
func (c Claim) AutoApproveAt() time.Time {
	if c.SubmittedAt == nil {
		return time.Time{}
	}
	return c.TenantResponseDeadline().Add(AutoApproveGrace)
}

// DraftParams enumerates the fields required to file a claim.
type DraftParams struct {
	TransactionID string
	LandlordID    string
	Type          Type
	ClaimedAmount decimal.Decimal
	Description   string
	Evidence      []EvidenceRef
}
