// Package store defines the persistence contract for attempt history,
// exclusion dates and the holiday cache. Dates are stored as YYYYMMDD and
// read back as midnight UTC; compare them with meal.SameDate.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/example/meal-scheduler/internal/domain/meal"
)

// History is the append-only attempt log.
type History interface {
	AppendAttempt(ctx context.Context, rec meal.AttemptRecord) error
	// HasSuccess reports whether serviceDate holds a recorded success that no
	// later cancellation has withdrawn.
	HasSuccess(ctx context.Context, userID string, serviceDate time.Time) (bool, error)
	// ListAttempts returns the newest attempts first.
	ListAttempts(ctx context.Context, userID string, limit int) ([]meal.AttemptRecord, error)
}

// Exclusions holds per-user exclusion dates, one row per (user, date).
type Exclusions interface {
	// AddExclusion inserts or replaces the reason of an existing row.
	AddExclusion(ctx context.Context, e meal.ExclusionDate) error
	// RemoveExclusion returns meal.ErrNotFound when no row matched.
	RemoveExclusion(ctx context.Context, userID string, date time.Time) error
	ListExclusions(ctx context.Context, userID string) ([]meal.ExclusionDate, error)
	IsExcluded(ctx context.Context, userID string, date time.Time) (bool, error)
	// PurgeExclusionsBefore deletes rows dated strictly before date. An empty
	// userID purges for every user.
	PurgeExclusionsBefore(ctx context.Context, userID string, date time.Time) (int64, error)
}

// Holidays caches holiday months; a miss returns meal.ErrNotFound.
type Holidays interface {
	GetHolidayMonth(ctx context.Context, year int, month time.Month) (meal.HolidayMonth, error)
	PutHolidayMonth(ctx context.Context, h meal.HolidayMonth) error
}

// Store is everything the scheduler persists.
type Store interface {
	History
	Exclusions
	Holidays
	Close() error
}

// JoinDates and SplitDates encode a holiday set as a comma list.
func JoinDates(h meal.HolidayMonth) string {
	return strings.Join(h.SortedDates(), ",")
}

func SplitDates(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
