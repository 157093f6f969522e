package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/meal-scheduler/internal/calendar"
	"github.com/example/meal-scheduler/internal/clock"
	"github.com/example/meal-scheduler/internal/config"
	"github.com/example/meal-scheduler/internal/crypto"
	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/greenfood"
	"github.com/example/meal-scheduler/internal/logger"
	"github.com/example/meal-scheduler/internal/notify"
	"github.com/example/meal-scheduler/internal/prefs"
	"github.com/example/meal-scheduler/internal/reserve"
	"github.com/example/meal-scheduler/internal/scheduler"
	"github.com/example/meal-scheduler/internal/session"
	"github.com/example/meal-scheduler/internal/store"
	"github.com/example/meal-scheduler/internal/store/postgres"
	"github.com/example/meal-scheduler/internal/store/sqlite"
)

// app is the wiring shared by every command that touches user data.
type app struct {
	cfg   config.Config
	log   *slog.Logger
	store store.Store
	aead  *crypto.AEAD
	prefs *prefs.Store
	cal   *calendar.Calendar
	clock *clock.Clock
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger.New(cfg.LogLevel)}

	if len(cfg.CredKey) > 0 {
		if a.aead, err = crypto.New(cfg.CredKey); err != nil {
			return nil, fmt.Errorf("CRED_ENC_KEY: %w", err)
		}
	}
	if a.prefs, err = prefs.Open(cfg.UsersFile, a.aead, cfg.Location); err != nil {
		return nil, err
	}
	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	a.cal = calendar.New(calendar.NewDataGoKr(cfg.HolidayEndpoint, cfg.HolidayKey), a.store, cfg.ReserveAt, a.log)
	a.clock = clock.New(cfg.WaitSlice)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.Open(ctx, cfg.DatabaseURL)
	default:
		return sqlite.Open(cfg.DataDir)
	}
}

func (a *app) Close() error { return a.store.Close() }

func (a *app) user(userID string) (meal.UserPreferences, *time.Location, error) {
	p, ok := a.prefs.Get(userID)
	if !ok {
		return meal.UserPreferences{}, nil, fmt.Errorf("user %q not in %s: %w", userID, a.cfg.UsersFile, meal.ErrNotFound)
	}
	loc, err := p.Location(a.cfg.Location)
	if err != nil {
		return meal.UserPreferences{}, nil, err
	}
	return p, loc, nil
}

func (a *app) notifier() notify.Notifier {
	n := notify.Multi{notify.Log{Log: a.log}}
	if a.cfg.SMTPAddr != "" {
		n = append(n, &notify.SMTP{
			Addr:     a.cfg.SMTPAddr,
			Username: a.cfg.SMTPUsername,
			Password: a.cfg.SMTPPassword,
			From:     a.cfg.SMTPFrom,
		})
	}
	return n
}

// remote builds a logged-in-capable client plus its session manager for one
// user. Sessions are persisted under the data directory.
func (a *app) remote(userID string) (*greenfood.Client, *session.Manager, error) {
	c, err := greenfood.New(greenfood.Config{
		BaseURL:            a.cfg.RemoteBaseURL,
		Timeout:            a.cfg.RemoteTimeout,
		RPS:                a.cfg.RemoteRPS,
		SessionExpiredCode: a.cfg.SessionExpiredCode,
		Log:                a.log.With("user", userID),
	})
	if err != nil {
		return nil, nil, err
	}
	state := session.NewFileStore(a.cfg.SessionDir(), a.cfg.CookieHashKey, a.cfg.CookieBlockKey)
	return c, session.New(c, state, a.log.With("user", userID)), nil
}

func (a *app) orchestrator(userID string) (*reserve.Orchestrator, error) {
	c, sess, err := a.remote(userID)
	if err != nil {
		return nil, err
	}
	return reserve.New(c, sess, a.store, a.cal, a.clock, reserve.Config{
		MaxRetries:    a.cfg.MaxRetries,
		RetryInterval: a.cfg.RetryInterval,
		CallTimeout:   a.cfg.RemoteTimeout,
		Categories:    meal.NewCategories(a.cfg.SpecialMenuCodes),
	}, a.log), nil
}

func (a *app) scheduler() *scheduler.Scheduler {
	factory := func(userID string) (scheduler.Cycler, error) {
		return a.orchestrator(userID)
	}
	return scheduler.New(a.prefs, a.cal, a.store, a.notifier(), a.clock, factory, scheduler.Config{
		Location:       a.cfg.Location,
		CatchUpRetries: a.cfg.CatchUpRetries,
	}, a.log)
}
