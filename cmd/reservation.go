package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/greenfood"
	"github.com/example/meal-scheduler/internal/logger"
	"github.com/example/meal-scheduler/internal/notify"
)

func newReservationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "reservation",
		Aliases: []string{"rsv"},
		Short:   "Inspect, cancel or make reservations on demand",
	}
	cmd.AddCommand(newReservationListCmd())
	cmd.AddCommand(newReservationCancelCmd())
	cmd.AddCommand(newReservationHistoryCmd())
	cmd.AddCommand(newReservationNowCmd())
	cmd.AddCommand(newReservationCatchUpCmd())
	return cmd
}

// loggedIn returns a client with a valid session for userID and the date
// given by the flag, defaulting to the next service date.
func loggedIn(ctx context.Context, a *app, userID, date string) (*greenfood.Client, time.Time, error) {
	p, loc, err := a.user(userID)
	if err != nil {
		return nil, time.Time{}, err
	}
	var d time.Time
	if date == "" {
		d = a.cal.TargetServiceDate(ctx, meal.DateOf(time.Now().In(loc)))
	} else if d, err = meal.ParseDate(date, loc); err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid --date: %w", err)
	}
	c, sess, err := a.remote(userID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if err := sess.EnsureAuthenticated(ctx, p.Credentials, false); err != nil {
		return nil, time.Time{}, err
	}
	return c, d, nil
}

func listed(ctx context.Context, c *greenfood.Client, d time.Time) ([]meal.Reservation, error) {
	res, err := c.ListReservations(ctx, d)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, &meal.TransientRemoteError{Op: "list", HTTPStatus: res.HTTPStatus, Msg: res.ErrorMessage}
	}
	return res.Reservations, nil
}

func newReservationListCmd() *cobra.Command {
	var userID, date string
	c := &cobra.Command{
		Use:   "list",
		Short: "List the remote reservations for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, d, err := loggedIn(ctx, a, userID, date)
				if err != nil {
					return err
				}
				rs, err := listed(ctx, c, d)
				if err != nil {
					return err
				}
				if len(rs) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no reservations for %s\n", meal.FormatDate(d))
					return nil
				}
				cats := meal.NewCategories(a.cfg.SpecialMenuCodes)
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "DATE\tMENU\tCODE\tSTATUS\tPRIMARY")
				for _, r := range rs {
					label := r.MenuLabel
					if label == "" {
						label = meal.MenuLabel(r.MenuCode)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", r.Date, label, r.MenuCode, r.StatusCode, cats.IsPrimary(r.MenuCode))
				}
				return tw.Flush()
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id")
	c.Flags().StringVar(&date, "date", "", "date (default: next service date)")
	_ = c.MarkFlagRequired("user")
	return c
}

func newReservationCancelCmd() *cobra.Command {
	var userID, date, menu string
	c := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an active reservation for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, d, err := loggedIn(ctx, a, userID, date)
				if err != nil {
					return err
				}
				rs, err := listed(ctx, c, d)
				if err != nil {
					return err
				}
				var code string
				if menu != "" {
					m, ok := meal.LookupMenu(menu)
					if !ok {
						return fmt.Errorf("unknown menu %q", menu)
					}
					code = m.Code
				}
				for _, r := range rs {
					if !r.Active() || (code != "" && r.MenuCode != code) {
						continue
					}
					resp, err := c.Cancel(ctx, r)
					if err != nil {
						return err
					}
					if !resp.OK() {
						return fmt.Errorf("cancel rejected: %s", resp.ErrorMessage)
					}
					rec := meal.CancellationRecord(userID, d, r, resp, time.Now())
					if err := a.store.AppendAttempt(ctx, rec); err != nil {
						return fmt.Errorf("cancelled remotely but recording it failed: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s %s\n", meal.FormatDate(d), meal.MenuLabel(r.MenuCode))
					return nil
				}
				return fmt.Errorf("no active reservation to cancel for %s: %w", meal.FormatDate(d), meal.ErrNotFound)
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id")
	c.Flags().StringVar(&date, "date", "", "date (default: next service date)")
	c.Flags().StringVar(&menu, "menu", "", "only cancel this menu (code, initial or label)")
	_ = c.MarkFlagRequired("user")
	return c
}

func newReservationHistoryCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)
	c := &cobra.Command{
		Use:   "history",
		Short: "Show recorded reservation attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				recs, err := a.store.ListAttempts(ctx, userID, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "REQUESTED\tSERVICE\tMENU\tHTTP\tCODE\tOK\tCANCELLED\tMESSAGE")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\t%t\t%s\n",
						r.RequestedAt.In(a.cfg.Location).Format(time.DateTime), meal.FormatDate(r.ServiceDate),
						r.MenuLabel, r.StatusCode, r.RemoteErrorCode, r.ReserveOK, r.Cancelled, r.RemoteErrorMessage)
				}
				return tw.Flush()
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id")
	c.Flags().IntVar(&limit, "limit", 20, "number of attempts")
	_ = c.MarkFlagRequired("user")
	return c
}

func printOutcome(cmd *cobra.Command, out meal.Outcome) {
	subject, body := notify.Message(out)
	fmt.Fprintln(cmd.OutOrStdout(), subject)
	fmt.Fprint(cmd.OutOrStdout(), body)
}

func newReservationNowCmd() *cobra.Command {
	var userID string
	c := &cobra.Command{
		Use:   "now",
		Short: "Reserve the next service date immediately, skipping the scheduled wait",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx = logger.WithCycleID(ctx, logger.NewCycleID())
				out, err := a.scheduler().RunNow(ctx, userID)
				if out.Kind != "" {
					printOutcome(cmd, out)
				}
				if err != nil {
					return err
				}
				return out.Err()
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id")
	_ = c.MarkFlagRequired("user")
	return c
}

func newReservationCatchUpCmd() *cobra.Command {
	var userID string
	c := &cobra.Command{
		Use:   "catch-up",
		Short: "Repair a reservation window missed while the scheduler was down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				audit, err := a.scheduler().CatchUp(ctx, userID)
				if err != nil && audit.UserID == "" {
					return err
				}
				w := cmd.OutOrStdout()
				switch {
				case !audit.Missed:
					fmt.Fprintf(w, "nothing missed: %s is still bookable until %s\n",
						audit.ServiceDate, audit.Deadline.Format(time.DateTime))
				case audit.Excluded:
					fmt.Fprintf(w, "%s was missed but is excluded\n", audit.ServiceDate)
				case audit.Outcome != nil:
					printOutcome(cmd, *audit.Outcome)
				}
				if err != nil {
					return err
				}
				if audit.Outcome != nil {
					return audit.Outcome.Err()
				}
				return nil
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id")
	_ = c.MarkFlagRequired("user")
	return c
}
