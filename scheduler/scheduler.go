// Package scheduler runs the recurring deadline sweeps. Every sweep action
// is compare-and-set guarded in its service, so overlapping cycles and
// restarts are harmless; the per-entity boundary keeps one bad row from
// blocking the rest of a cycle.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// InspectionSweeper finalizes escrowed transactions whose inspection window
// has closed; *claim.Service satisfies it.
type InspectionSweeper interface {
	ListInspectionDue(ctx context.Context, now time.Time) ([]string, error)
	FinalizeInspection(ctx context.Context, id string, now time.Time) error
}

// AutoApprover approves claims whose tenant never responded; *claim.Service
// satisfies it.
type AutoApprover interface {
	ListAutoApproveDue(ctx context.Context, now time.Time) ([]string, error)
	AutoApprove(ctx context.Context, id string, now time.Time) error
}

// Escalator escalates overdue disputes and reminds parties ahead of the
// deadline; *dispute.Service satisfies it.
type Escalator interface {
	ListEscalationDue(ctx context.Context, now time.Time) ([]string, error)
	Escalate(ctx context.Context, id, reason string, now time.Time) error
	ListReminderDue(ctx context.Context, now time.Time) ([]string, error)
	SendReminder(ctx context.Context, id string, now time.Time) error
}

// Verifier settles the landlord-verification guarantee for paid deposits;
// *deposit.Service satisfies it.
type Verifier interface {
	ListPendingVerification(ctx context.Context) ([]string, error)
	VerifyAndActivate(ctx context.Context, id string, now time.Time) error
}

// LeaderLock gates sweep cycles to one process; nil means no gating.
type LeaderLock interface {
	Acquire(ctx context.Context) (bool, error)
}

// Deps collects the scheduler's collaborators.
type Deps struct {
	Inspections InspectionSweeper
	Claims      AutoApprover
	Disputes    Escalator
	Deposits    Verifier

	// Benign reports errors that are expected races, not failures. Nil
	// treats every error as a failure.
	Benign func(error) bool
	// Leader, when set, is checked before each cycle.
	Leader LeaderLock

	SweepInterval        time.Duration
	VerificationInterval time.Duration
}

type Scheduler struct {
	deps Deps
	now  func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(deps Deps) *Scheduler {
	if deps.SweepInterval <= 0 {
		deps.SweepInterval = time.Hour
	}
	if deps.VerificationInterval <= 0 {
		deps.VerificationInterval = 30 * time.Minute
	}
	if deps.Benign == nil {
		deps.Benign = func(error) bool { return false }
	}
	return &Scheduler{deps: deps, now: time.Now}
}

// WithClock overrides the scheduler clock; tests use it.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start launches the sweep loops. A second Start while running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g

	g.Go(func() error {
		s.loop(gctx, s.deps.SweepInterval, s.sweepCycle)
		return nil
	})
	g.Go(func() error {
		s.loop(gctx, s.deps.VerificationInterval, s.verificationCycle)
		return nil
	})
}

// Stop cancels the loops and waits for in-flight cycles to finish. A Stop
// while stopped is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	group.Wait()
}

// loop runs cycle immediately, then on every tick until ctx is cancelled.
func (s *Scheduler) loop(ctx context.Context, interval time.Duration, cycle func(context.Context)) {
	s.runGated(ctx, cycle)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runGated(ctx, cycle)
		}
	}
}

func (s *Scheduler) runGated(ctx context.Context, cycle func(context.Context)) {
	if s.deps.Leader != nil {
		ok, err := s.deps.Leader.Acquire(ctx)
		if err != nil {
			log.Printf("scheduler: leader check: %v", err)
			return
		}
		if !ok {
			return
		}
	}
	cycle(ctx)
}

// sweepCycle runs the three deadline sweeps that hang off claim and dispute
// anchors, plus the mediation reminders.
func (s *Scheduler) sweepCycle(ctx context.Context) {
	now := s.now()

	s.sweep(ctx, "expired inspection",
		func(ctx context.Context) ([]string, error) { return s.deps.Inspections.ListInspectionDue(ctx, now) },
		func(ctx context.Context, id string) error { return s.deps.Inspections.FinalizeInspection(ctx, id, now) },
	)
	s.sweep(ctx, "auto-approve",
		func(ctx context.Context) ([]string, error) { return s.deps.Claims.ListAutoApproveDue(ctx, now) },
		func(ctx context.Context, id string) error { return s.deps.Claims.AutoApprove(ctx, id, now) },
	)
	s.sweep(ctx, "escalation",
		func(ctx context.Context) ([]string, error) { return s.deps.Disputes.ListEscalationDue(ctx, now) },
		func(ctx context.Context, id string) error {
			return s.deps.Disputes.Escalate(ctx, id, "mediation deadline passed without resolution", now)
		},
	)
	s.sweep(ctx, "mediation reminder",
		func(ctx context.Context) ([]string, error) { return s.deps.Disputes.ListReminderDue(ctx, now) },
		func(ctx context.Context, id string) error { return s.deps.Disputes.SendReminder(ctx, id, now) },
	)
}

func (s *Scheduler) verificationCycle(ctx context.Context) {
	now := s.now()
	s.sweep(ctx, "pending verification",
		func(ctx context.Context) ([]string, error) { return s.deps.Deposits.ListPendingVerification(ctx) },
		func(ctx context.Context, id string) error { return s.deps.Deposits.VerifyAndActivate(ctx, id, now) },
	)
}

// sweep applies act to every due id. A failure on one entity is logged and
// the sweep moves on; a benign error means a concurrent actor already won.
func (s *Scheduler) sweep(ctx context.Context, name string, list func(context.Context) ([]string, error), act func(context.Context, string) error) {
	ids, err := list(ctx)
	if err != nil {
		log.Printf("scheduler: %s sweep list: %v", name, err)
		return
	}
	var done, skipped int
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		switch err := act(ctx, id); {
		case err == nil:
			done++
		case s.deps.Benign(err):
			skipped++
		default:
			log.Printf("scheduler: %s sweep %s: %v", name, id, err)
		}
	}
	if done > 0 || skipped > 0 {
		log.Printf("scheduler: %s sweep processed %d, skipped %d of %d", name, done, skipped, len(ids))
	}
}
