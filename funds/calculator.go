// Package funds computes how a deposit splits between landlord releases,
// tenant refunds and the escrow remainder. It is pure: no I/O, no clock, no
// imports from the entity packages.
package funds

import "github.com/shopspring/decimal"

// Phase is the calculator's view of where a claim sits in its lifecycle.
type Phase int

const (
	// PhasePending covers draft and submitted claims still awaiting the
	// tenant's first response.
	PhasePending Phase = iota
	// PhaseAccepted covers claims the tenant accepted (or that auto-approved
	// on silence).
	PhaseAccepted
	// PhaseInMediation covers claims whose dispute is in mediation or
	// waiting on evidence.
	PhaseInMediation
	// PhaseEscalated covers claims whose dispute escalated unresolved.
	PhaseEscalated
	// PhaseResolved covers claims with a final approved amount.
	PhaseResolved
	// PhaseClosed covers cancelled and expired claims; their amounts return
	// to the undisputed pool.
	PhaseClosed
)

// ClaimFact is one claim's contribution to the split, in submission order.
type ClaimFact struct {
	Claimed  decimal.Decimal
	Approved decimal.Decimal // settled amount for accepted/resolved claims
	Phase    Phase
}

// Breakdown is the full fund split for one deposit transaction. The exact
// invariant ReleasedToLandlord + RefundedToTenant + RemainingInEscrow ==
// TotalDeposit holds on every call; fractional remainders from currency
// rounding are absorbed into RemainingInEscrow.
type Breakdown struct {
	TotalDeposit       decimal.Decimal
	TotalClaimed       decimal.Decimal
	UndisputedBalance  decimal.Decimal
	AcceptedAmount     decimal.Decimal
	ResolvedAmount     decimal.Decimal
	DisputedAmount     decimal.Decimal
	MediationAmount    decimal.Decimal
	PendingAmount      decimal.Decimal
	ReleasedToLandlord decimal.Decimal
	RefundedToTenant   decimal.Decimal
	RemainingInEscrow  decimal.Decimal
}

// Calculate produces the fund split for a deposit of total against its
// claims. Claims must be given in submission order: cumulative releases are
// capped at the total deposit claim by claim, so an acceptance that meets an
// exhausted balance only settles what is left.
//
// The undisputed balance becomes refundable only once no claim is still
// pending a first tenant response; until then the whole deposit stays in
// escrow. Resolved claims disburse immediately: the approved amount to the
// landlord, the claimed-minus-approved remainder to the tenant.
func Calculate(total decimal.Decimal, claims []ClaimFact) Breakdown {
	b := Breakdown{
		TotalDeposit:       total,
		TotalClaimed:       decimal.Zero,
		AcceptedAmount:     decimal.Zero,
		ResolvedAmount:     decimal.Zero,
		DisputedAmount:     decimal.Zero,
		MediationAmount:    decimal.Zero,
		PendingAmount:      decimal.Zero,
		ReleasedToLandlord: decimal.Zero,
		RefundedToTenant:   decimal.Zero,
	}

	pending := false
	remaining := total
	resolvedRemainders := decimal.Zero

	for _, c := range claims {
		if c.Phase == PhaseClosed {
			continue
		}
		b.TotalClaimed = b.TotalClaimed.Add(c.Claimed)

		switch c.Phase {
		case PhasePending:
			pending = true
			b.PendingAmount = b.PendingAmount.Add(c.Claimed)
		case PhaseAccepted:
			amt := capAt(settled(c), remaining)
			b.AcceptedAmount = b.AcceptedAmount.Add(amt)
			remaining = remaining.Sub(amt)
		case PhaseInMediation:
			b.DisputedAmount = b.DisputedAmount.Add(c.Claimed)
			b.MediationAmount = b.MediationAmount.Add(c.Claimed)
		case PhaseEscalated:
			b.DisputedAmount = b.DisputedAmount.Add(c.Claimed)
		case PhaseResolved:
			amt := capAt(c.Approved.Round(2), remaining)
			b.ResolvedAmount = b.ResolvedAmount.Add(amt)
			remaining = remaining.Sub(amt)
			if rem := c.Claimed.Sub(amt); rem.IsPositive() {
				resolvedRemainders = resolvedRemainders.Add(rem.Round(2))
			}
		}
	}

	b.UndisputedBalance = decimal.Max(total.Sub(b.TotalClaimed), decimal.Zero)
	b.ReleasedToLandlord = b.AcceptedAmount.Add(b.ResolvedAmount)

	refund := resolvedRemainders
	if !pending {
		refund = refund.Add(b.UndisputedBalance.Round(2))
	}
	// Clamp so escrow can never go negative; the escrow line absorbs any
	// rounding remainder instead of dropping it.
	refund = capAt(refund, total.Sub(b.ReleasedToLandlord))
	b.RefundedToTenant = refund
	b.RemainingInEscrow = total.Sub(b.ReleasedToLandlord).Sub(refund)

	return b
}

// RefundDue is the refund the settler must move now, given what has already
// been refunded on the transaction. Never negative.
func (b Breakdown) RefundDue(alreadyRefunded decimal.Decimal) decimal.Decimal {
	due := b.RefundedToTenant.Sub(alreadyRefunded)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

// Settled reports whether nothing is left in escrow.
func (b Breakdown) Settled() bool {
	return b.RemainingInEscrow.IsZero()
}

func settled(c ClaimFact) decimal.Decimal {
	if c.Approved.IsPositive() {
		return c.Approved.Round(2)
	}
	return c.Claimed.Round(2)
}

func capAt(v, limit decimal.Decimal) decimal.Decimal {
	if limit.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(limit) {
		return limit
	}
	return v
}
