package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/meal-scheduler/internal/domain/meal"
)

// Exclusions written here are picked up by a running server at its next
// preflight; use the control API to also wake the waiting loop.
func newExclusionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exclusion",
		Short: "Manage dates on which no automatic reservation is made",
	}
	cmd.AddCommand(newExclusionAddCmd())
	cmd.AddCommand(newExclusionAddRangeCmd())
	cmd.AddCommand(newExclusionListCmd())
	cmd.AddCommand(newExclusionRemoveCmd())
	cmd.AddCommand(newExclusionPurgeCmd())
	return cmd
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func addExclusions(ctx context.Context, cmd *cobra.Command, a *app, userID, reason string, dates []time.Time) error {
	now := time.Now().UTC()
	for _, d := range dates {
		if err := a.store.AddExclusion(ctx, meal.ExclusionDate{UserID: userID, Date: d, Reason: reason, CreatedAt: now}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "excluded %s %s\n", userID, meal.FormatDate(d))
	}
	return nil
}

func newExclusionAddCmd() *cobra.Command {
	var userID, date, reason string
	c := &cobra.Command{
		Use:   "add",
		Short: "Exclude one date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				_, loc, err := a.user(userID)
				if err != nil {
					return err
				}
				d, err := meal.ParseDate(date, loc)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
				return addExclusions(ctx, cmd, a, userID, reason, []time.Time{d})
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id")
	c.Flags().StringVar(&date, "date", "", "date YYYYMMDD or YYYY-MM-DD")
	c.Flags().StringVar(&reason, "reason", "", "optional note")
	_ = c.MarkFlagRequired("user")
	_ = c.MarkFlagRequired("date")
	return c
}

func newExclusionAddRangeCmd() *cobra.Command {
	var userID, from, to, reason string
	c := &cobra.Command{
		Use:   "add-range",
		Short: "Exclude every weekday in an inclusive date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				_, loc, err := a.user(userID)
				if err != nil {
					return err
				}
				f, err := meal.ParseDate(from, loc)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
				t, err := meal.ParseDate(to, loc)
				if err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
				if t.Before(f) {
					return fmt.Errorf("--to is before --from")
				}
				return addExclusions(ctx, cmd, a, userID, reason, meal.WeekdaysBetween(f, t))
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id")
	c.Flags().StringVar(&from, "from", "", "first date")
	c.Flags().StringVar(&to, "to", "", "last date (inclusive)")
	c.Flags().StringVar(&reason, "reason", "", "optional note")
	_ = c.MarkFlagRequired("user")
	_ = c.MarkFlagRequired("from")
	_ = c.MarkFlagRequired("to")
	return c
}

func newExclusionListCmd() *cobra.Command {
	var userID string
	c := &cobra.Command{
		Use:   "list",
		Short: "List a user's exclusion dates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, _, err := a.user(userID)
				if err != nil {
					return err
				}
				xs, err := a.store.ListExclusions(ctx, userID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, x := range xs {
					fmt.Fprintf(out, "date=%s reason=%q added=%s\n", meal.FormatDate(x.Date), x.Reason, x.CreatedAt.Format(time.RFC3339))
				}
				for _, d := range p.ExclusionDates {
					fmt.Fprintf(out, "date=%s reason=%q\n", meal.FormatDate(d), "users file")
				}
				return nil
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id")
	_ = c.MarkFlagRequired("user")
	return c
}

func newExclusionRemoveCmd() *cobra.Command {
	var userID, date string
	c := &cobra.Command{
		Use:   "remove",
		Short: "Remove one exclusion date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				_, loc, err := a.user(userID)
				if err != nil {
					return err
				}
				d, err := meal.ParseDate(date, loc)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
				err = a.store.RemoveExclusion(ctx, userID, d)
				if errors.Is(err, meal.ErrNotFound) {
					return fmt.Errorf("%s is not excluded for %s", meal.FormatDate(d), userID)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s %s\n", userID, meal.FormatDate(d))
				return nil
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id")
	c.Flags().StringVar(&date, "date", "", "date YYYYMMDD or YYYY-MM-DD")
	_ = c.MarkFlagRequired("user")
	_ = c.MarkFlagRequired("date")
	return c
}

func newExclusionPurgeCmd() *cobra.Command {
	var userID string
	c := &cobra.Command{
		Use:   "purge",
		Short: "Delete exclusion dates before today (all users unless --user is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				today := meal.DateOf(time.Now().In(a.cfg.Location))
				n, err := a.store.PurgeExclusionsBefore(ctx, userID, today)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d exclusion(s) before %s\n", n, meal.FormatDate(today))
				return nil
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "limit to one user id")
	return c
}
