// Package sqlite is the embedded, file-based store.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// fixed width so text ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) mealsched.db in dataDir and applies pending
// migrations. ":memory:" opens a private in-memory database.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mealsched.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// one connection: the scheduler loops and the control API share it and
	// every write is serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// AppliedMigrations returns applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) AppendAttempt(ctx context.Context, rec meal.AttemptRecord) error {
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO attempts
		(user_id, cycle_id, service_date, requested_at, menu_code, menu_label,
		 status_code, remote_error_code, remote_error_message, reserve_ok, cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.CycleID, meal.FormatDate(rec.ServiceDate), rec.RequestedAt.UTC().Format(timeLayout),
		rec.MenuCode, rec.MenuLabel, rec.StatusCode, rec.RemoteErrorCode, rec.RemoteErrorMessage, rec.ReserveOK,
		rec.Cancelled)
	if err != nil {
		return fmt.Errorf("appending attempt: %w", err)
	}
	return nil
}

func (s *Store) HasSuccess(ctx context.Context, userID string, serviceDate time.Time) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT reserve_ok FROM attempts
		WHERE user_id = ? AND service_date = ? AND (reserve_ok = 1 OR cancelled = 1)
		ORDER BY requested_at DESC, id DESC LIMIT 1`,
		userID, meal.FormatDate(serviceDate)).Scan(&ok)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking history: %w", err)
	}
	return ok, nil
}

func (s *Store) ListAttempts(ctx context.Context, userID string, limit int) ([]meal.AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, cycle_id, service_date, requested_at, menu_code,
		menu_label, status_code, remote_error_code, remote_error_message, reserve_ok, cancelled
		FROM attempts WHERE user_id = ? ORDER BY requested_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer rows.Close()

	var out []meal.AttemptRecord
	for rows.Next() {
		var (
			rec        meal.AttemptRecord
			date, reqd string
		)
		if err := rows.Scan(&rec.UserID, &rec.CycleID, &date, &reqd, &rec.MenuCode, &rec.MenuLabel,
			&rec.StatusCode, &rec.RemoteErrorCode, &rec.RemoteErrorMessage, &rec.ReserveOK, &rec.Cancelled); err != nil {
			return nil, err
		}
		rec.ServiceDate, _ = meal.ParseDate(date, nil)
		rec.RequestedAt, _ = time.Parse(timeLayout, reqd)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AddExclusion(ctx context.Context, e meal.ExclusionDate) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO exclusions (user_id, date, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET reason = excluded.reason`,
		e.UserID, meal.FormatDate(e.Date), e.Reason, e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("adding exclusion: %w", err)
	}
	return nil
}

func (s *Store) RemoveExclusion(ctx context.Context, userID string, date time.Time) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exclusions WHERE user_id = ? AND date = ?`,
		userID, meal.FormatDate(date))
	if err != nil {
		return fmt.Errorf("removing exclusion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return meal.ErrNotFound
	}
	return nil
}

func (s *Store) ListExclusions(ctx context.Context, userID string) ([]meal.ExclusionDate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, date, reason, created_at FROM exclusions WHERE user_id = ? ORDER BY date`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing exclusions: %w", err)
	}
	defer rows.Close()

	var out []meal.ExclusionDate
	for rows.Next() {
		var (
			e             meal.ExclusionDate
			date, created string
		)
		if err := rows.Scan(&e.UserID, &date, &e.Reason, &created); err != nil {
			return nil, err
		}
		e.Date, _ = meal.ParseDate(date, nil)
		e.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) IsExcluded(ctx context.Context, userID string, date time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exclusions WHERE user_id = ? AND date = ?`,
		userID, meal.FormatDate(date)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking exclusion: %w", err)
	}
	return n > 0, nil
}

func (s *Store) PurgeExclusionsBefore(ctx context.Context, userID string, date time.Time) (int64, error) {
	q := `DELETE FROM exclusions WHERE date < ?`
	args := []any{meal.FormatDate(date)}
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("purging exclusions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetHolidayMonth(ctx context.Context, year int, month time.Month) (meal.HolidayMonth, error) {
	var dates, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT dates, last_updated FROM holiday_months WHERE year = ? AND month = ?`,
		year, int(month)).Scan(&dates, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return meal.HolidayMonth{}, meal.ErrNotFound
	}
	if err != nil {
		return meal.HolidayMonth{}, fmt.Errorf("reading holiday month: %w", err)
	}
	ts, _ := time.Parse(timeLayout, updated)
	return meal.NewHolidayMonth(year, month, store.SplitDates(dates), ts), nil
}

func (s *Store) PutHolidayMonth(ctx context.Context, h meal.HolidayMonth) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO holiday_months (year, month, dates, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(year, month) DO UPDATE SET dates = excluded.dates, last_updated = excluded.last_updated`,
		h.Year, int(h.Month), store.JoinDates(h), h.LastUpdated.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("writing holiday month: %w", err)
	}
	return nil
}
