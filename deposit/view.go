package deposit

import (
	"time"

	"github.com/shopspring/decimal"
)

// View is the canonical read representation of a transaction: every stored
// field plus fields computed at read time, never persisted.
type View struct {
	Transaction
	RemainingAmount    decimal.Decimal
	InspectionDeadline time.Time
	IsTerminal         bool
	IsOverdue          bool
}

// NewView computes the read representation as of now.
func NewView(t Transaction, now time.Time) View {
	return View{
		Transaction:        t,
		RemainingAmount:    t.Remaining(),
		InspectionDeadline: t.InspectionDeadline(),
		IsTerminal:         t.Status.Terminal(),
		IsOverdue:          t.Status == StatusHeldInEscrow && now.After(t.InspectionDeadline()),
	}
}
