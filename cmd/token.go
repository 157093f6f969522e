package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/meal-scheduler/internal/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Control API token helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash [token]",
		Short: "Print the CONTROL_TOKEN_BCRYPT value for a token (read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tok string
			if len(args) == 1 {
				tok = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				tok = strings.TrimSpace(line)
			}
			h, err := auth.HashToken(tok)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export CONTROL_TOKEN_BCRYPT='%s'\n", h)
			return nil
		},
	})
	return cmd
}
