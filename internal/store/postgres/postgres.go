// Package postgres is the store.Store for a managed PostgreSQL database.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/example/meal-scheduler/internal/db"
	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/migrate"
	"github.com/example/meal-scheduler/internal/store"
)

const isoDate = "2006-01-02"

type Store struct {
	db *db.DB
}

var _ store.Store = (*Store)(nil)

// Open connects, pings and migrates.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	d, err := db.Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: d}, nil
}

func New(d *db.DB) *Store { return &Store{db: d} }

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func day(t time.Time) string { return t.Format(isoDate) }

func (s *Store) AppendAttempt(ctx context.Context, rec meal.AttemptRecord) error {
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now()
	}
	err := s.db.Exec(ctx, `INSERT INTO attempts
		(user_id, cycle_id, service_date, requested_at, menu_code, menu_label,
		 status_code, remote_error_code, remote_error_message, reserve_ok, cancelled)
		VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.UserID, rec.CycleID, day(rec.ServiceDate), rec.RequestedAt,
		rec.MenuCode, rec.MenuLabel, rec.StatusCode, rec.RemoteErrorCode, rec.RemoteErrorMessage, rec.ReserveOK,
		rec.Cancelled)
	return db.WrapNotFound(err)
}

func (s *Store) HasSuccess(ctx context.Context, userID string, serviceDate time.Time) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT COALESCE((SELECT reserve_ok FROM attempts
		WHERE user_id=$1 AND service_date=$2::date AND (reserve_ok OR cancelled)
		ORDER BY requested_at DESC, id DESC LIMIT 1), false)`, userID, day(serviceDate)).Scan(&ok)
	return ok, db.WrapNotFound(err)
}

func (s *Store) ListAttempts(ctx context.Context, userID string, limit int) ([]meal.AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT user_id, cycle_id, service_date, requested_at, menu_code,
		menu_label, status_code, remote_error_code, remote_error_message, reserve_ok, cancelled
		FROM attempts WHERE user_id=$1 ORDER BY requested_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, db.WrapNotFound(err)
	}
	defer rows.Close()

	var out []meal.AttemptRecord
	for rows.Next() {
		var rec meal.AttemptRecord
		if err := rows.Scan(&rec.UserID, &rec.CycleID, &rec.ServiceDate, &rec.RequestedAt, &rec.MenuCode,
			&rec.MenuLabel, &rec.StatusCode, &rec.RemoteErrorCode, &rec.RemoteErrorMessage, &rec.ReserveOK,
			&rec.Cancelled); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AddExclusion(ctx context.Context, e meal.ExclusionDate) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	err := s.db.Exec(ctx, `INSERT INTO exclusions (user_id, date, reason, created_at)
		VALUES ($1, $2::date, $3, $4)
		ON CONFLICT (user_id, date) DO UPDATE SET reason = EXCLUDED.reason`,
		e.UserID, day(e.Date), e.Reason, e.CreatedAt)
	return db.WrapNotFound(err)
}

func (s *Store) RemoveExclusion(ctx context.Context, userID string, date time.Time) error {
	n, err := s.db.ExecRows(ctx, `DELETE FROM exclusions WHERE user_id=$1 AND date=$2::date`, userID, day(date))
	if err != nil {
		return db.WrapNotFound(err)
	}
	if n == 0 {
		return meal.ErrNotFound
	}
	return nil
}

func (s *Store) ListExclusions(ctx context.Context, userID string) ([]meal.ExclusionDate, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id, date, reason, created_at FROM exclusions
		WHERE user_id=$1 ORDER BY date`, userID)
	if err != nil {
		return nil, db.WrapNotFound(err)
	}
	defer rows.Close()

	var out []meal.ExclusionDate
	for rows.Next() {
		var e meal.ExclusionDate
		if err := rows.Scan(&e.UserID, &e.Date, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) IsExcluded(ctx context.Context, userID string, date time.Time) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM exclusions WHERE user_id=$1 AND date=$2::date)`,
		userID, day(date)).Scan(&ok)
	return ok, db.WrapNotFound(err)
}

func (s *Store) PurgeExclusionsBefore(ctx context.Context, userID string, date time.Time) (int64, error) {
	if userID == "" {
		return s.db.ExecRows(ctx, `DELETE FROM exclusions WHERE date < $1::date`, day(date))
	}
	return s.db.ExecRows(ctx, `DELETE FROM exclusions WHERE date < $1::date AND user_id=$2`, day(date), userID)
}

func (s *Store) GetHolidayMonth(ctx context.Context, year int, month time.Month) (meal.HolidayMonth, error) {
	var (
		dates   []string
		updated time.Time
	)
	err := s.db.QueryRow(ctx, `SELECT dates, last_updated FROM holiday_months WHERE year=$1 AND month=$2`,
		year, int(month)).Scan(&dates, &updated)
	if err != nil {
		return meal.HolidayMonth{}, db.WrapNotFound(err)
	}
	return meal.NewHolidayMonth(year, month, dates, updated), nil
}

func (s *Store) PutHolidayMonth(ctx context.Context, h meal.HolidayMonth) error {
	err := s.db.Exec(ctx, `INSERT INTO holiday_months (year, month, dates, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (year, month) DO UPDATE SET dates = EXCLUDED.dates, last_updated = EXCLUDED.last_updated`,
		h.Year, int(h.Month), h.SortedDates(), h.LastUpdated)
	return db.WrapNotFound(err)
}
