package dispute

import "time"

// View is the canonical read representation of a dispute: stored fields plus
// deadline fields computed at read time from the CreatedAt anchor.
type View struct {
	Dispute
	MediationDeadline  time.Time
	EscalationDeadline time.Time
	DaysUntilDeadline  int
	IsOverdue          bool
	CanEscalate        bool
}

// NewView computes the read representation as of now.
func NewView(d Dispute, now time.Time) View {
	v := View{
		Dispute:            d,
		MediationDeadline:  d.MediationDeadline(),
		EscalationDeadline: d.EscalationDeadline(),
	}
	if remaining := v.MediationDeadline.Sub(now); remaining > 0 {
		v.DaysUntilDeadline = int(remaining.Hours() / 24)
	}
	open := d.Status == StatusUnderMediation || d.Status == StatusAwaitingEvidence
	v.IsOverdue = open && now.After(v.MediationDeadline)
	v.CanEscalate = open && now.After(v.EscalationDeadline)
	return v
}
