// Package reserve runs one reservation cycle: preflight, existence check and
// the menus-by-retries submit loop.
package reserve

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/meal-scheduler/internal/clock"
	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/logger"
	"github.com/example/meal-scheduler/internal/metrics"
)

// Authenticator is the session manager as seen by a cycle.
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context, creds meal.Credentials, force bool) error
	ForceLogin(ctx context.Context, creds meal.Credentials) error
}

// History is the slice of the store a cycle reads and appends to.
type History interface {
	AppendAttempt(ctx context.Context, rec meal.AttemptRecord) error
	HasSuccess(ctx context.Context, userID string, serviceDate time.Time) (bool, error)
	IsExcluded(ctx context.Context, userID string, date time.Time) (bool, error)
}

// HolidayChecker is satisfied by *calendar.Calendar.
type HolidayChecker interface {
	IsHoliday(ctx context.Context, d time.Time) bool
}

type Config struct {
	MaxRetries    int
	RetryInterval time.Duration
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration
	Categories  meal.Categories
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.RetryInterval < 0 {
		c.RetryInterval = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Cycle is the input of one run.
type Cycle struct {
	Prefs       meal.UserPreferences
	ServiceDate time.Time
	// MaxRetries overrides Config.MaxRetries when positive.
	MaxRetries int
	// ForceLogin re-authenticates before the cycle even if a session exists.
	ForceLogin bool
	Trigger    string
}

type Orchestrator struct {
	remote   meal.Provider
	auth     Authenticator
	history  History
	holidays HolidayChecker
	clock    *clock.Clock
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

func New(remote meal.Provider, auth Authenticator, history History, holidays HolidayChecker, clk *clock.Clock, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		remote:   remote,
		auth:     auth,
		history:  history,
		holidays: holidays,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
	}
}

// run is the mutable state of one cycle.
type run struct {
	o       *Orchestrator
	ctx     context.Context
	log     *slog.Logger
	cycle   Cycle
	out     meal.Outcome
	lastErr string
	tried   map[string]bool
}

// Run executes one cycle. The error is non-nil only when the cycle could not
// reach a terminal state: invalid preferences or cancellation while sleeping
// between retries. A fatal outcome is reported through Outcome.Err.
func (o *Orchestrator) Run(ctx context.Context, c Cycle) (meal.Outcome, error) {
	id := logger.CycleIDFromContext(ctx)
	if id == "" {
		id = logger.NewCycleID()
		ctx = logger.WithCycleID(ctx, id)
	}
	if c.Trigger == "" {
		c.Trigger = "scheduled"
	}
	r := &run{
		o:     o,
		ctx:   ctx,
		cycle: c,
		tried: make(map[string]bool),
		log: logger.FromContext(ctx, o.log).With(
			"user", c.Prefs.UserID,
			"service_date", meal.FormatDate(c.ServiceDate),
			"trigger", c.Trigger),
		out: meal.Outcome{UserID: c.Prefs.UserID, CycleID: id, ServiceDate: c.ServiceDate},
	}

	if err := ctx.Err(); err != nil {
		return r.out, err
	}
	if err := c.Prefs.Validate(); err != nil {
		r.log.Error("invalid preferences, cycle aborted", "error", err)
		return r.out, err
	}
	menus, unknown := meal.ResolveMenus(c.Prefs.MenuSequence)
	if len(unknown) > 0 {
		r.log.Warn("unknown menu entries skipped", "entries", unknown)
	}
	if len(menus) == 0 {
		err := &meal.ConfigError{Field: "menu_sequence", Msg: "no known menu codes"}
		r.log.Error("invalid preferences, cycle aborted", "error", err)
		return r.out, err
	}

	r.log.Info("reservation cycle started", "menus", len(menus))
	if done := r.preflight(); done {
		return r.finish(), nil
	}
	if done, err := r.authenticate(); done {
		return r.finish(), err
	}
	if done := r.checkExisting(); done {
		return r.finish(), nil
	}
	err := r.loop(menus)
	return r.finish(), err
}

func (r *run) preflight() bool {
	p := r.cycle.Prefs
	date := r.cycle.ServiceDate
	if p.Excludes(date) {
		return r.terminal(meal.OutcomeSkipped, "exclusion date")
	}
	excluded, err := r.o.history.IsExcluded(r.ctx, p.UserID, date)
	if err != nil {
		r.lastErr = err.Error()
		return r.terminal(meal.OutcomeFatal, "exclusion store unavailable")
	}
	if excluded {
		return r.terminal(meal.OutcomeSkipped, "exclusion date")
	}
	if r.o.holidays != nil && r.o.holidays.IsHoliday(r.ctx, date) {
		return r.terminal(meal.OutcomeSkipped, "holiday")
	}
	reserved, err := r.o.history.HasSuccess(r.ctx, p.UserID, date)
	if err != nil {
		r.lastErr = err.Error()
		return r.terminal(meal.OutcomeFatal, "history unavailable")
	}
	if reserved {
		r.out.FromHistory = true
		return r.terminal(meal.OutcomeAlreadyReserved, "already reserved (history)")
	}
	return false
}

func (r *run) authenticate() (bool, error) {
	ctx, cancel := r.callCtx()
	defer cancel()
	err := r.o.auth.EnsureAuthenticated(ctx, r.cycle.Prefs.Credentials, r.cycle.ForceLogin)
	if err == nil {
		return false, nil
	}
	r.lastErr = err.Error()
	if meal.IsConfigError(err) {
		r.terminal(meal.OutcomeFatal, "invalid credentials")
		return true, err
	}
	return r.terminal(meal.OutcomeFatal, "login failed"), nil
}

// checkExisting lists the service date once. A list failure is not terminal;
// the submit loop still runs and the remote duplicate message protects
// against double booking.
func (r *run) checkExisting() bool {
	res, err := r.list()
	if err == nil && res.AuthExpired() {
		r.log.Info("session expired on list, re-authenticating")
		if lerr := r.forceLogin(); lerr != nil {
			r.lastErr = lerr.Error()
			return r.terminal(meal.OutcomeFatal, "reauth failed")
		}
		res, err = r.list()
	}
	if err != nil || !res.OK() {
		r.log.Warn("existing reservation check failed, continuing", "error", describe(res.Response, err))
		return false
	}

	if existing, ok := r.o.cfg.Categories.FirstPrimary(res.Reservations); ok {
		r.record(meal.AttemptRecord{
			MenuCode:           existing.MenuCode,
			MenuLabel:          label(existing),
			StatusCode:         res.HTTPStatus,
			RemoteErrorMessage: "existing reservation",
			ReserveOK:          true,
		})
		r.out.Menu = existing.MenuCode
		return r.terminal(meal.OutcomeAlreadyReserved, "active reservation exists")
	}
	for _, x := range res.Reservations {
		if x.Active() {
			r.log.Info("special reservation present, still reserving a primary menu", "menu", x.MenuCode)
		}
	}
	return false
}

func (r *run) loop(menus []meal.Menu) error {
	maxRetries := r.o.cfg.MaxRetries
	if r.cycle.MaxRetries > 0 {
		maxRetries = r.cycle.MaxRetries
	}
	for iter := 1; iter <= maxRetries; iter++ {
		for _, m := range menus {
			v, fatal := r.attempt(m)
			if fatal {
				return nil
			}
			switch v {
			case meal.VerdictSuccess:
				r.out.Menu = m.Code
				r.terminal(meal.OutcomeSuccess, "reserved")
				return nil
			case meal.VerdictAlreadyReserved:
				r.out.Menu = m.Code
				r.terminal(meal.OutcomeAlreadyReserved, "duplicate reservation reported")
				return nil
			}
		}
		if iter == maxRetries {
			break
		}
		r.log.Info("all menus failed, waiting before next round",
			"iteration", iter, "max_retries", maxRetries, "interval", r.o.cfg.RetryInterval, "last_error", r.lastErr)
		if r.o.clock.Sleep(r.ctx, r.o.cfg.RetryInterval, nil) == clock.Interrupted {
			r.terminal(meal.OutcomeFatal, "cancelled")
			return r.ctx.Err()
		}
	}
	r.terminal(meal.OutcomeFatal, "exhausted retries")
	return nil
}

// attempt submits one menu, handling a single in-place reauth on an expired
// session. fatal is set when the cycle has ended.
func (r *run) attempt(m meal.Menu) (meal.Verdict, bool) {
	resp, err := r.submit(m)
	v := meal.Classify(resp, err)
	r.recordSubmit(m, resp, err, v)
	if v != meal.VerdictAuthExpired {
		return v, false
	}

	r.log.Info("session expired on submit, re-authenticating", "menu", m.Code)
	if lerr := r.forceLogin(); lerr != nil {
		r.lastErr = lerr.Error()
		r.terminal(meal.OutcomeFatal, "reauth failed")
		return v, true
	}
	resp, err = r.submit(m)
	v = meal.Classify(resp, err)
	r.recordSubmit(m, resp, err, v)
	if v == meal.VerdictAuthExpired {
		r.terminal(meal.OutcomeFatal, "reauth failed")
		return v, true
	}
	return v, false
}

func (r *run) submit(m meal.Menu) (meal.Response, error) {
	ctx, cancel := r.callCtx()
	defer cancel()
	d := r.cycle.Prefs.Delivery
	if d.FloorName == "" {
		d.FloorName = r.cycle.Prefs.FloorName
	}
	if !r.tried[m.Code] {
		r.tried[m.Code] = true
		r.out.Tried = append(r.out.Tried, m.Code)
	}
	return r.o.remote.Submit(ctx, r.cycle.ServiceDate, m.Code, d)
}

func (r *run) list() (meal.ListResult, error) {
	ctx, cancel := r.callCtx()
	defer cancel()
	return r.o.remote.ListReservations(ctx, r.cycle.ServiceDate)
}

func (r *run) forceLogin() error {
	ctx, cancel := r.callCtx()
	defer cancel()
	return r.o.auth.ForceLogin(ctx, r.cycle.Prefs.Credentials)
}

// callCtx detaches remote calls from cancellation so a stop never aborts a
// call in flight; the call timeout still applies.
func (r *run) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.ctx), r.o.cfg.CallTimeout)
}

func (r *run) recordSubmit(m meal.Menu, resp meal.Response, err error, v meal.Verdict) {
	metrics.Attempts.WithLabelValues(v.String()).Inc()
	ok := v == meal.VerdictSuccess || v == meal.VerdictAlreadyReserved
	msg := resp.ErrorMessage
	if err != nil && msg == "" {
		msg = err.Error()
	}
	if !ok {
		r.lastErr = describe(resp, err)
	}
	r.log.Info("reservation attempt",
		"menu", m.Code, "verdict", v.String(), "status", resp.HTTPStatus,
		"error_code", resp.ErrorCode, "error_msg", msg)
	r.record(meal.AttemptRecord{
		MenuCode:           m.Code,
		MenuLabel:          m.Label,
		StatusCode:         resp.HTTPStatus,
		RemoteErrorCode:    resp.ErrorCode,
		RemoteErrorMessage: msg,
		ReserveOK:          ok,
	})
}

func (r *run) record(rec meal.AttemptRecord) {
	rec.UserID = r.cycle.Prefs.UserID
	rec.CycleID = r.out.CycleID
	rec.ServiceDate = r.cycle.ServiceDate
	rec.RequestedAt = r.o.now()
	r.out.Attempts++
	if err := r.o.history.AppendAttempt(context.WithoutCancel(r.ctx), rec); err != nil {
		r.log.Warn("recording attempt failed", "menu", rec.MenuCode, "error", err)
	}
}

func (r *run) terminal(kind meal.OutcomeKind, reason string) bool {
	r.out.Kind = kind
	r.out.Reason = reason
	return true
}

func (r *run) finish() meal.Outcome {
	if r.out.Kind == meal.OutcomeFatal {
		r.out.LastError = r.lastErr
	}
	metrics.Cycles.WithLabelValues(string(r.out.Kind), r.cycle.Trigger).Inc()
	attrs := []any{"outcome", r.out.Kind, "reason", r.out.Reason, "attempts", r.out.Attempts}
	if r.out.Menu != "" {
		attrs = append(attrs, "menu", r.out.Menu)
	}
	if r.out.Kind == meal.OutcomeFatal {
		r.log.Error("reservation cycle failed", append(attrs, "last_error", r.out.LastError)...)
	} else {
		r.log.Info("reservation cycle finished", attrs...)
	}
	return r.out
}

func describe(resp meal.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp.ErrorMessage != "" {
		return resp.ErrorMessage
	}
	return fmt.Sprintf("status=%d code=%d", resp.HTTPStatus, resp.ErrorCode)
}

func label(r meal.Reservation) string {
	if r.MenuLabel != "" {
		return r.MenuLabel
	}
	return meal.MenuLabel(r.MenuCode)
}
