package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/meal-scheduler/internal/config"
	"github.com/example/meal-scheduler/internal/crypto"
	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/prefs"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect users and prepare users file entries",
	}
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserSealCmd())
	cmd.AddCommand(newUserCheckCmd())
	return cmd
}

func newUserCheckCmd() *cobra.Command {
	var userID string

	c := &cobra.Command{
		Use:   "check",
		Short: "Log in to the reservation service with a user's credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, _, err := a.user(userID)
				if err != nil {
					return err
				}
				_, sess, err := a.remote(userID)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(ctx, 2*a.cfg.RemoteTimeout)
				defer cancel()
				if err := sess.ForceLogin(ctx, p.Credentials); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", userID)
				return nil
			})
		},
	}

	c.Flags().StringVar(&userID, "user", "", "user id")
	_ = c.MarkFlagRequired("user")
	return c
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users from the users file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			var aead *crypto.AEAD
			if len(cfg.CredKey) > 0 {
				if aead, err = crypto.New(cfg.CredKey); err != nil {
					return err
				}
			}
			ps, err := prefs.Open(cfg.UsersFile, aead, cfg.Location)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "USER\tAUTO\tMENUS\tFLOOR\tTZ\tNOTIFY")
			for _, p := range ps.Users() {
				menus, unknown := meal.ResolveMenus(p.MenuSequence)
				labels := make([]string, 0, len(menus)+len(unknown))
				for _, m := range menus {
					labels = append(labels, m.Label)
				}
				for _, u := range unknown {
					labels = append(labels, "?"+u)
				}
				tz := p.Timezone
				if tz == "" {
					tz = cfg.Location.String()
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%d\n", p.UserID, p.AutoReservationEnabled,
					strings.Join(labels, ","), p.FloorName, tz, len(p.NotificationTargets))
			}
			return tw.Flush()
		},
	}
}

func newUserSealCmd() *cobra.Command {
	var userID string

	c := &cobra.Command{
		Use:   "seal-secret",
		Short: "Encrypt a secret (read from stdin) for the users file with CRED_ENC_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if len(cfg.CredKey) == 0 {
				return fmt.Errorf("CRED_ENC_KEY is required (see `mealsched keys`)")
			}
			aead, err := crypto.New(cfg.CredKey)
			if err != nil {
				return err
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			secret := strings.TrimRight(line, "\r\n")
			if secret == "" {
				return fmt.Errorf("empty secret")
			}
			sealed, err := aead.Seal(userID, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secret: %q\n", sealed)
			return nil
		},
	}

	c.Flags().StringVar(&userID, "user", "", "user_id the secret belongs to")
	_ = c.MarkFlagRequired("user")
	return c
}
