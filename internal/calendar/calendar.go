// Package calendar decides which days are business days and derives the
// action date, service date and catch-up dates from them.
package calendar

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/metrics"
)

const (
	// FreshFor is how long a fetched month is trusted before refetching.
	FreshFor = 7 * 24 * time.Hour

	retryFailedAfter = time.Hour
	maxScanDays      = 370
)

// HolidaySource fetches the public holidays (YYYYMMDD) of one month.
type HolidaySource interface {
	FetchMonth(ctx context.Context, year int, month time.Month) ([]string, error)
}

// HolidayStore persists month entries across restarts.
type HolidayStore interface {
	GetHolidayMonth(ctx context.Context, year int, month time.Month) (meal.HolidayMonth, error)
	PutHolidayMonth(ctx context.Context, h meal.HolidayMonth) error
}

// Calendar is safe for concurrent use; the holiday cache is shared by all
// user loops and access to it is serialized.
type Calendar struct {
	source HolidaySource
	store  HolidayStore
	cutoff meal.TimeOfDay
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	months map[string]meal.HolidayMonth
	failed map[string]time.Time
}

// New builds a calendar. source and store may be nil: without a source every
// weekday is a business day unless a stored month says otherwise.
func New(source HolidaySource, store HolidayStore, cutoff meal.TimeOfDay, log *slog.Logger) *Calendar {
	if log == nil {
		log = slog.Default()
	}
	return &Calendar{
		source: source,
		store:  store,
		cutoff: cutoff,
		log:    log,
		now:    time.Now,
		months: make(map[string]meal.HolidayMonth),
		failed: make(map[string]time.Time),
	}
}

func (c *Calendar) Cutoff() meal.TimeOfDay { return c.cutoff }

// CutoffOn is the action instant on d's date.
func (c *Calendar) CutoffOn(d time.Time) time.Time { return c.cutoff.On(d) }

// IsHoliday fails open: an unreachable source means "not a holiday".
func (c *Calendar) IsHoliday(ctx context.Context, d time.Time) bool {
	h := c.month(ctx, d.Year(), d.Month(), false)
	return h.Contains(d)
}

// IsBusinessDay is Mon-Fri and not a holiday.
func (c *Calendar) IsBusinessDay(ctx context.Context, d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.IsHoliday(ctx, d)
}

// NextActionDate returns today when today is a business day and now is before
// the cutoff, otherwise the next business day after today.
func (c *Calendar) NextActionDate(ctx context.Context, now time.Time) time.Time {
	today := meal.DateOf(now)
	if c.IsBusinessDay(ctx, today) && c.cutoff.Ahead(now) {
		return today
	}
	return c.scanForward(ctx, today.AddDate(0, 0, 1))
}

// TargetServiceDate is the next business day strictly after the action date.
func (c *Calendar) TargetServiceDate(ctx context.Context, action time.Time) time.Time {
	return c.scanForward(ctx, meal.DateOf(action).AddDate(0, 0, 1))
}

// NearestFutureWorkday is the earliest business day on or after now's date.
func (c *Calendar) NearestFutureWorkday(ctx context.Context, now time.Time) time.Time {
	return c.scanForward(ctx, meal.DateOf(now))
}

// PreviousWorkday is the latest business day strictly before d.
func (c *Calendar) PreviousWorkday(ctx context.Context, d time.Time) time.Time {
	day := meal.DateOf(d).AddDate(0, 0, -1)
	for i := 0; i < maxScanDays; i++ {
		if c.IsBusinessDay(ctx, day) {
			return day
		}
		day = day.AddDate(0, 0, -1)
	}
	return day
}

func (c *Calendar) scanForward(ctx context.Context, from time.Time) time.Time {
	day := from
	for i := 0; i < maxScanDays; i++ {
		if c.IsBusinessDay(ctx, day) {
			return day
		}
		day = day.AddDate(0, 0, 1)
	}
	return day
}

// Refresh proactively refreshes the current and next month around now,
// covering the month-boundary lookahead. Failures are logged, never returned.
func (c *Calendar) Refresh(ctx context.Context, now time.Time) {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	for offset := 0; offset < 2; offset++ {
		m := first.AddDate(0, offset, 0)
		c.month(ctx, m.Year(), m.Month(), false)
	}
}

// Holidays returns the cached holiday month, fetching it if needed.
func (c *Calendar) Holidays(ctx context.Context, year int, month time.Month) meal.HolidayMonth {
	return c.month(ctx, year, month, false)
}

// ForceRefresh refetches a month even if it is fresh.
func (c *Calendar) ForceRefresh(ctx context.Context, year int, month time.Month) meal.HolidayMonth {
	return c.month(ctx, year, month, true)
}

func (c *Calendar) month(ctx context.Context, year int, month time.Month, force bool) meal.HolidayMonth {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := meal.MonthKey(year, month)
	now := c.now()

	cached, have := c.months[key]
	if have && !force && cached.Fresh(now, FreshFor) {
		return cached
	}
	if !have && c.store != nil {
		stored, err := c.store.GetHolidayMonth(ctx, year, month)
		switch {
		case err == nil:
			cached, have = stored, true
			c.months[key] = stored
			if !force && stored.Fresh(now, FreshFor) {
				return stored
			}
		case !errors.Is(err, meal.ErrNotFound):
			c.log.Warn("holiday cache read failed", "month", key, "error", err)
		}
	}
	if c.source == nil {
		return cached
	}
	if t, ok := c.failed[key]; ok && !force && now.Sub(t) < retryFailedAfter {
		return cached
	}

	dates, err := c.source.FetchMonth(ctx, year, month)
	if err != nil {
		c.failed[key] = now
		metrics.HolidayFetchErrors.Inc()
		c.log.Warn("holiday refresh failed, using cached data",
			"error", &meal.CalendarFetchError{Month: key, Err: err},
			"have_cached", have,
			"cached_updated", cached.LastUpdated)
		return cached
	}
	delete(c.failed, key)

	h := meal.NewHolidayMonth(year, month, dates, now)
	c.months[key] = h
	if c.store != nil {
		if err := c.store.PutHolidayMonth(ctx, h); err != nil {
			c.log.Warn("holiday cache write failed", "month", key, "error", err)
		}
	}
	c.log.Debug("holiday month refreshed", "month", key, "holidays", len(h.Dates))
	return h
}
