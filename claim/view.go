package claim

import "time"

// View is the canonical read representation of a claim: stored fields plus
// deadline fields computed at read time from the SubmittedAt anchor.
type View struct {
	Claim
	TenantResponseDeadline time.Time
	AutoApproveAt          time.Time
	DaysUntilDeadline      int
	IsOverdue              bool
	CanAutoApprove         bool
}

// NewView computes the read representation as of now.
func NewView(c Claim, now time.Time) View {
	v := View{
		Claim:                  c,
		TenantResponseDeadline: c.TenantResponseDeadline(),
		AutoApproveAt:          c.AutoApproveAt(),
	}
	if c.SubmittedAt != nil {
		if d := v.TenantResponseDeadline.Sub(now); d > 0 {
			v.DaysUntilDeadline = int(d.Hours() / 24)
		}
		v.IsOverdue = c.Status.AwaitingResponse() && now.After(v.TenantResponseDeadline)
		v.CanAutoApprove = c.Status.AwaitingResponse() && now.After(v.AutoApproveAt)
	}
	return v
}
