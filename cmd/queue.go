package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dopejs/keepsync/internal/queue"
	"github.com/dopejs/keepsync/tui"
)

func newQueueCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay failed pushes",
	}
	cmd.AddCommand(newQueueListCmd(g), newQueueDrainCmd(g))
	return cmd
}

func newQueueListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued operations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer env.Close()
			out := cmd.OutOrStdout()

			items := env.engine.QueueItems()
			if len(items) == 0 {
				fmt.Fprintln(out, tui.Dim("Queue is empty."))
				return nil
			}
			for _, it := range items {
				fmt.Fprintln(out, formatItem(it))
			}
			return nil
		},
	}
}

func formatItem(it queue.Item) string {
	target := it.Type
	if d, err := it.Domain(); err == nil && d != "" {
		target += " " + d
	}
	line := fmt.Sprintf("%s  %-24s %s  retries=%d", tui.Dim(it.ID), target, it.UserID, it.RetryCount)
	if !it.NextAttemptAt.IsZero() {
		line += tui.Dim("  next " + it.NextAttemptAt.Local().Format(time.TimeOnly))
	}
	if it.LastError != "" {
		line += "\n    " + tui.Warn(it.LastError)
	}
	return line
}

func newQueueDrainCmd(g *globalFlags) *cobra.Command {
	var (
		sf    sessionFlags
		force bool
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued pushes for the signed-in user",
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

			report, err := env.engine.DrainQueue(cmd.Context(), force)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, tui.Fields([]tui.Field{
				{Label: "Succeeded", Value: tui.Success(fmt.Sprint(len(report.Succeeded)))},
				{Label: "Failed", Value: fmt.Sprint(len(report.Failed))},
				{Label: "Exhausted", Value: fmt.Sprint(len(report.Exhausted))},
				{Label: "Deferred", Value: fmt.Sprint(report.Deferred)},
			}))
			for _, it := range report.Exhausted {
				fmt.Fprintln(out, tui.Failure("dropped ")+formatItem(it))
			}
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "ignore retry backoff")
	return cmd
}
