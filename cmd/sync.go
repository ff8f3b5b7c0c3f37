package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/dopejs/keepsync/internal/auth"
	"github.com/dopejs/keepsync/internal/orchestrator"
	"github.com/dopejs/keepsync/tui"
)

func newSyncCmd(g *globalFlags) *cobra.Command {
	var (
		sf    sessionFlags
		login bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one bidirectional sync pass",
		Long: `Fetch the remote document, merge it with local state and push local changes.
With --login the pass runs as a sign-in: remote data is applied first and
the fetch is retried before giving up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.openEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer env.Close()
			session, err := sf.resolve(env.cfg)
			if err != nil {
				return err
			}

			var res orchestrator.Result
			if login {
				res, err = env.engine.HandleAuth(cmd.Context(), auth.Event{Type: auth.SignedIn, UserID: session.UserID})
				env.engine.Disable()
				if err != nil {
					return err
				}
			} else {
				if err := env.engine.RestoreSession(session.UserID); err != nil {
					return err
				}
				res = env.engine.ForceSyncNow(cmd.Context())
			}
			printResult(cmd.OutOrStdout(), res)
			if !res.Success {
				if res.Err == nil {
					return errors.Newf("%s sync failed", res.Mode)
				}
				return errors.Wrapf(res.Err, "%s sync failed", res.Mode)
			}
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().BoolVar(&login, "login", false, "run as a sign-in pass (remote first, retried fetch)")
	return cmd
}

func newCheckCmd(g *globalFlags) *cobra.Command {
	var sf sessionFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report which domains changed on the remote, without writing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.openEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer env.Close()
			session, err := sf.resolve(env.cfg)
			if err != nil {
				return err
			}
			if err := env.engine.RestoreSession(session.UserID); err != nil {
				return err
			}

			probe := env.engine.CheckForCloudChanges(cmd.Context())
			out := cmd.OutOrStdout()
			if probe.Err != nil {
				return errors.Wrap(probe.Err, "check remote")
			}
			if !probe.HasChanges {
				fmt.Fprintln(out, tui.Success("Up to date."))
				return nil
			}
			fmt.Fprintln(out, tui.Warn("Remote has newer data:"))
			for _, k := range probe.ChangedKeys {
				fmt.Fprintf(out, "  %s\n", k)
			}
			return nil
		},
	}
	sf.register(cmd)
	return cmd
}

func printResult(out io.Writer, res orchestrator.Result) {
	status := tui.Success("success")
	if !res.Success {
		status = tui.Failure("failed")
		if res.Phase != orchestrator.PhaseNone {
			status += tui.Dim(" (" + string(res.Phase) + ")")
		}
	}
	rows := []tui.Field{
		{Label: "Mode", Value: string(res.Mode)},
		{Label: "Result", Value: status},
		{Label: "Updated", Value: keyList(res.UpdatedKeys)},
		{Label: "Pushed", Value: keyList(res.PushedKeys)},
	}
	if len(res.QueuedKeys) > 0 {
		rows = append(rows, tui.Field{Label: "Queued", Value: tui.Warn(keyList(res.QueuedKeys))})
	}
	if len(res.Skipped) > 0 {
		rows = append(rows, tui.Field{Label: "Skipped", Value: keyList(res.Skipped)})
	}
	rows = append(rows, tui.Field{Label: "Duration", Value: res.Duration.String()})
	fmt.Fprint(out, tui.Fields(rows))
}

func keyList(keys []string) string {
	if len(keys) == 0 {
		return "-"
	}
	return strings.Join(keys, ", ")
}
