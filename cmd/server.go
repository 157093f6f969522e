package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/meal-scheduler/internal/auth"
	"github.com/example/meal-scheduler/internal/prefs"
	"github.com/example/meal-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var noAPI bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the per-user reservation loops and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sched := a.scheduler()
			watcher, err := prefs.NewWatcher(a.prefs, sched.Sync, a.log)
			if err != nil {
				return err
			}

			a.log.Info("starting",
				"version", Version,
				"users", len(a.prefs.Users()),
				"store", a.cfg.StoreDriver,
				"reserve_at", a.cfg.ReserveAt.String(),
				"holiday_source", a.cfg.HolidayKey != "")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return sched.Run(gctx) })
			g.Go(func() error {
				if err := watcher.Start(gctx); err != nil {
					a.log.Warn("users file watcher disabled", "error", err)
				}
				return nil
			})
			if !noAPI {
				guard := auth.NewGuard(a.cfg.ControlTokenBcrypt)
				if !guard.Enabled() {
					a.log.Warn("CONTROL_TOKEN_BCRYPT not set, control API will reject every /api request")
				}
				ws := &web.Server{
					Guard:     guard,
					Scheduler: sched,
					Users:     a.prefs,
					Store:     a.store,
					Location:  a.cfg.Location,
					Log:       a.log,
				}
				g.Go(func() error { return web.Start(gctx, a.cfg.ListenAddr, ws.Routes(), a.log) })
			}
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the control API")
	return cmd
}
