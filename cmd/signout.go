package cmd

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/dopejs/keepsync/internal/auth"
	"github.com/dopejs/keepsync/internal/daemon"
	"github.com/dopejs/keepsync/tui"
)

func newSignoutCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Clear local copies of every watched domain",
		Long: `Remove every watched domain and the last sync time from the local store.
Queued operations are kept; they replay when the same user signs in again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer env.Close()
			if pid, ok := daemon.IsRunning(daemon.PidPath(env.cfg.Home)); ok {
				return errors.Newf("keepsync daemon is running (PID %d); stop it first", pid)
			}
			if _, err := env.engine.HandleAuth(cmd.Context(), auth.Event{Type: auth.SignedOut}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tui.Success("Signed out.")+" Local data cleared.")
			return nil
		},
	}
}
