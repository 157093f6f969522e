package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/reserve"
)

// Audit is the result of checking whether the nearest service date's
// reservation window has already closed.
type Audit struct {
	UserID      string        `json:"user_id"`
	ServiceDate string        `json:"service_date"`
	Deadline    time.Time     `json:"deadline"`
	Missed      bool          `json:"missed"`
	Excluded    bool          `json:"excluded"`
	Repaired    bool          `json:"repaired"`
	Outcome     *meal.Outcome `json:"outcome,omitempty"`
}

// CatchUp audits one user now and repairs a missed window, regardless of the
// user's auto reservation flag.
func (s *Scheduler) CatchUp(ctx context.Context, userID string) (Audit, error) {
	r, err := s.runnerFor(userID)
	if err != nil {
		return Audit{}, err
	}
	return s.audit(ctx, r, s.now(), false)
}

// audit finds the nearest workday whose window closed on the previous
// workday's cutoff and, when that deadline has passed, runs a shortened
// cycle for it. A prior success or active reservation makes the repair a
// no-op inside the cycle itself.
func (s *Scheduler) audit(ctx context.Context, r *runner, now time.Time, startup bool) (Audit, error) {
	p, ok := s.prefs.Get(r.userID)
	if !ok {
		return Audit{}, fmt.Errorf("user %q: %w", r.userID, meal.ErrNotFound)
	}
	if startup && !p.AutoReservationEnabled {
		return Audit{UserID: r.userID}, nil
	}
	loc, err := s.location(p)
	if err != nil {
		return Audit{}, err
	}
	now = now.In(loc)
	log := s.log.With("user", r.userID)

	s.cal.Refresh(ctx, now)
	nearest := s.cal.NearestFutureWorkday(ctx, now)
	deadline := s.cal.CutoffOn(s.cal.PreviousWorkday(ctx, nearest))
	a := Audit{UserID: r.userID, ServiceDate: meal.FormatDate(nearest), Deadline: deadline}

	if !now.After(deadline) {
		log.Info("no missed reservation window", "service_date", a.ServiceDate, "deadline", deadline)
		return a, nil
	}
	a.Missed = true

	excluded := p.Excludes(nearest)
	if !excluded {
		excluded, err = s.excl.IsExcluded(ctx, r.userID, nearest)
		if err != nil {
			log.Warn("exclusion lookup failed during audit", "error", err)
			excluded = false
		}
	}
	if excluded {
		a.Excluded = true
		log.Info("missed window is excluded, not repairing", "service_date", a.ServiceDate)
		return a, nil
	}

	log.Warn("reservation window missed, repairing", "service_date", a.ServiceDate, "deadline", deadline)
	out, err := s.runCycle(ctx, r, reserve.Cycle{
		Prefs:       p,
		ServiceDate: nearest,
		MaxRetries:  s.cfg.CatchUpRetries,
		Trigger:     "catch-up",
	})
	if out.Kind != "" {
		a.Outcome = &out
		a.Repaired = out.Succeeded()
	}
	return a, err
}
