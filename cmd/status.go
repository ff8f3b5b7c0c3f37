package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dopejs/keepsync/internal/daemon"
	"github.com/dopejs/keepsync/tui"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state for every watched domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer env.Close()
			out := cmd.OutOrStdout()

			st := env.engine.Status()
			last := "never"
			if !st.LastSync.IsZero() {
				last = st.LastSync.Local().Format(time.DateTime)
			}
			daemonState := tui.Dim("stopped")
			if pid, ok := daemon.IsRunning(daemon.PidPath(env.cfg.Home)); ok {
				daemonState = tui.Success(fmt.Sprintf("running (PID %d)", pid))
			}

			fmt.Fprintln(out, tui.Title("keepsync"))
			fmt.Fprint(out, tui.Fields([]tui.Field{
				{Label: "Daemon", Value: daemonState},
				{Label: "Store", Value: env.cfg.Store.Driver + " " + env.cfg.Store.Path},
				{Label: "Remote", Value: st.Backend},
				{Label: "Last sync", Value: last},
				{Label: "Queue", Value: fmt.Sprint(len(env.engine.QueueItems()))},
			}))

			fmt.Fprintln(out)
			fmt.Fprintln(out, tui.Title("Domains"))
			rows := make([]tui.Field, 0, len(st.WatchedKeys))
			for _, d := range env.engine.Domains() {
				var v string
				switch {
				case d.Error != "":
					v = tui.Failure(d.Error)
				case !d.Present:
					v = tui.Dim("absent")
				case d.Default:
					v = tui.Dim("default")
				case d.Freshness.IsZero():
					v = "unstamped"
				default:
					v = d.Freshness.Local().Format(time.DateTime)
				}
				rows = append(rows, tui.Field{Label: d.Key, Value: v})
			}
			fmt.Fprint(out, tui.Fields(rows))
			return nil
		},
	}
}
