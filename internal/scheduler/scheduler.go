// Package scheduler runs one scheduling loop per user: wait for the next
// action instant, run a reservation cycle, repeat.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/meal-scheduler/internal/calendar"
	"github.com/example/meal-scheduler/internal/clock"
	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/logger"
	"github.com/example/meal-scheduler/internal/metrics"
	"github.com/example/meal-scheduler/internal/notify"
	"github.com/example/meal-scheduler/internal/reserve"
)

// idleRecheck bounds how long a disabled or misconfigured user sleeps before
// preferences are looked at again.
const idleRecheck = 24 * time.Hour

// Preferences is a live view of the users file.
type Preferences interface {
	Users() []meal.UserPreferences
	Get(userID string) (meal.UserPreferences, bool)
}

// Cycler runs one reservation cycle; *reserve.Orchestrator implements it.
type Cycler interface {
	Run(ctx context.Context, c reserve.Cycle) (meal.Outcome, error)
}

// Exclusions is the store slice the scheduler needs.
type Exclusions interface {
	IsExcluded(ctx context.Context, userID string, date time.Time) (bool, error)
	PurgeExclusionsBefore(ctx context.Context, userID string, date time.Time) (int64, error)
}

// CyclerFactory builds the per-user cycle runner (remote client, session and
// orchestrator). It is called once per user.
type CyclerFactory func(userID string) (Cycler, error)

type Config struct {
	Location       *time.Location
	CatchUpRetries int
}

type Scheduler struct {
	prefs    Preferences
	cal      *calendar.Calendar
	excl     Exclusions
	notifier notify.Notifier
	clock    *clock.Clock
	factory  CyclerFactory
	cfg      Config
	log      *slog.Logger

	mu      sync.Mutex
	runners map[string]*runner
	group   *errgroup.Group
	gctx    context.Context
}

type runner struct {
	userID string
	sig    *clock.Signal
	cycler Cycler
	// set once the loop goroutine is running; guarded by Scheduler.mu
	started bool
	// held for the whole of a cycle so scheduled, catch-up and manual
	// cycles for one user never overlap
	cycleMu sync.Mutex

	mu   sync.Mutex
	next NextAction
}

// NextAction is what a user's loop is currently waiting for.
type NextAction struct {
	UserID      string    `json:"user_id"`
	ActionAt    time.Time `json:"action_at"`
	ServiceDate string    `json:"service_date"`
	Enabled     bool      `json:"enabled"`
}

func New(prefs Preferences, cal *calendar.Calendar, excl Exclusions, notifier notify.Notifier, clk *clock.Clock, factory CyclerFactory, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.CatchUpRetries <= 0 {
		cfg.CatchUpRetries = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		prefs:    prefs,
		cal:      cal,
		excl:     excl,
		notifier: notifier,
		clock:    clk,
		factory:  factory,
		cfg:      cfg,
		log:      log,
		runners:  make(map[string]*runner),
	}
}

// Run purges past exclusions, starts a loop per configured user and blocks
// until ctx is done or a loop fails.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.now().In(s.cfg.Location)
	today := meal.DateOf(now)
	if n, err := s.excl.PurgeExclusionsBefore(ctx, "", today); err != nil {
		s.log.Warn("purging past exclusions failed", "error", err)
	} else if n > 0 {
		s.log.Info("purged past exclusions", "count", n)
	}
	s.cal.Refresh(ctx, now)

	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group, s.gctx = g, gctx
	s.mu.Unlock()

	s.Sync()
	<-gctx.Done()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Sync starts loops for users that appeared in the preferences and wakes
// every existing loop so it re-reads its settings.
func (s *Scheduler) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prefs.Users() {
		if r, ok := s.runners[p.UserID]; ok {
			s.start(r)
			r.sig.Notify()
			continue
		}
		r, err := s.newRunner(p.UserID)
		if err != nil {
			s.log.Error("cannot start user loop", "user", p.UserID, "error", err)
			continue
		}
		s.start(r)
	}
}

// start launches r's loop once Run has set up the group. Runners created
// earlier by CatchUp or RunNow are started by the next Sync. Callers hold mu.
func (s *Scheduler) start(r *runner) {
	if s.group == nil || r.started {
		return
	}
	r.started = true
	s.group.Go(func() error { return s.loop(s.gctx, r) })
}

func (s *Scheduler) newRunner(userID string) (*runner, error) {
	c, err := s.factory(userID)
	if err != nil {
		return nil, err
	}
	r := &runner{userID: userID, sig: clock.NewSignal(), cycler: c}
	s.runners[userID] = r
	return r, nil
}

func (s *Scheduler) runnerFor(userID string) (*runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[userID]; ok {
		return r, nil
	}
	if _, ok := s.prefs.Get(userID); !ok {
		return nil, fmt.Errorf("user %q: %w", userID, meal.ErrNotFound)
	}
	r, err := s.newRunner(userID)
	if err != nil {
		return nil, err
	}
	s.start(r)
	return r, nil
}

// Interrupt wakes a user's loop so it recomputes its next action.
func (s *Scheduler) Interrupt(userID string) {
	s.mu.Lock()
	r, ok := s.runners[userID]
	s.mu.Unlock()
	if ok {
		r.sig.Notify()
	}
}

// InterruptAll wakes every loop.
func (s *Scheduler) InterruptAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runners {
		r.sig.Notify()
	}
}

// Next reports what a user's loop is waiting for.
func (s *Scheduler) Next(userID string) (NextAction, bool) {
	s.mu.Lock()
	r, ok := s.runners[userID]
	s.mu.Unlock()
	if !ok {
		return NextAction{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next, r.next.UserID != ""
}

func (s *Scheduler) now() time.Time {
	if s.clock != nil && s.clock.Now != nil {
		return s.clock.Now()
	}
	return time.Now()
}

func (s *Scheduler) location(p meal.UserPreferences) (*time.Location, error) {
	return p.Location(s.cfg.Location)
}

func (s *Scheduler) loop(ctx context.Context, r *runner) error {
	log := s.log.With("user", r.userID)
	log.Info("user loop started")
	defer log.Info("user loop stopped")

	if _, err := s.audit(ctx, r, s.now(), true); err != nil && ctx.Err() == nil {
		log.Warn("startup catch-up failed", "error", err)
	}

	for ctx.Err() == nil {
		p, ok := s.prefs.Get(r.userID)
		if !ok {
			s.mu.Lock()
			delete(s.runners, r.userID)
			s.mu.Unlock()
			metrics.NextAction.DeleteLabelValues(r.userID)
			return nil
		}
		loc, err := s.location(p)
		if err != nil {
			log.Error("invalid preferences, waiting for a change", "error", err)
			s.clock.Sleep(ctx, idleRecheck, r.sig)
			continue
		}
		now := s.now().In(loc)
		if !p.AutoReservationEnabled {
			r.setNext(NextAction{UserID: r.userID})
			tomorrow := meal.DateOf(now).AddDate(0, 0, 1)
			log.Info("auto reservation disabled, idling", "until", tomorrow)
			s.clock.WaitUntil(ctx, tomorrow, r.sig)
			continue
		}

		s.cal.Refresh(ctx, now)
		action := s.cal.NextActionDate(ctx, now)
		at := s.cal.CutoffOn(action)
		service := s.cal.TargetServiceDate(ctx, action)
		r.setNext(NextAction{UserID: r.userID, ActionAt: at, ServiceDate: meal.FormatDate(service), Enabled: true})
		metrics.NextAction.WithLabelValues(r.userID).Set(float64(at.Unix()))
		log.Info("next reservation scheduled",
			"action_at", at, "service_date", meal.FormatDate(service), "wait", at.Sub(now).Round(time.Second))

		if s.clock.WaitUntil(ctx, at, r.sig) == clock.Interrupted {
			if ctx.Err() == nil {
				log.Info("wait interrupted, recomputing")
			}
			continue
		}

		// settings may have changed while waiting
		p, ok = s.prefs.Get(r.userID)
		if !ok || !p.AutoReservationEnabled {
			continue
		}
		s.runCycle(ctx, r, reserve.Cycle{Prefs: p, ServiceDate: service, ForceLogin: true, Trigger: "scheduled"})
	}
	return nil
}

func (r *runner) setNext(n NextAction) {
	r.mu.Lock()
	r.next = n
	r.mu.Unlock()
}

// runCycle runs one cycle under the user's cycle lock and notifies.
func (s *Scheduler) runCycle(ctx context.Context, r *runner, c reserve.Cycle) (meal.Outcome, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	ctx = logger.WithCycleID(ctx, logger.NewCycleID())
	out, err := r.cycler.Run(ctx, c)
	if err != nil {
		if meal.IsConfigError(err) {
			s.log.Error("cycle aborted by configuration", "user", r.userID, "error", err)
		}
		if out.Kind == "" {
			return out, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.log.Info("cycle interrupted, not notifying", "user", r.userID, "error", err)
			return out, err
		}
	}
	notify.Send(context.WithoutCancel(ctx), s.notifier, s.log, c.Prefs, out)
	return out, err
}

// RunNow runs an immediate cycle for the next service date, bypassing the
// scheduled wait.
func (s *Scheduler) RunNow(ctx context.Context, userID string) (meal.Outcome, error) {
	r, err := s.runnerFor(userID)
	if err != nil {
		return meal.Outcome{}, err
	}
	p, ok := s.prefs.Get(userID)
	if !ok {
		return meal.Outcome{}, fmt.Errorf("user %q: %w", userID, meal.ErrNotFound)
	}
	loc, err := s.location(p)
	if err != nil {
		return meal.Outcome{}, err
	}
	now := s.now().In(loc)
	service := s.cal.TargetServiceDate(ctx, meal.DateOf(now))
	return s.runCycle(ctx, r, reserve.Cycle{Prefs: p, ServiceDate: service, Trigger: "manual"})
}
