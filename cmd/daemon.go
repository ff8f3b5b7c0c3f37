package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dopejs/keepsync/internal/daemon"
	"github.com/dopejs/keepsync/internal/engine"
	"github.com/dopejs/keepsync/tui"
)

func newDaemonCmd(g *globalFlags) *cobra.Command {
	var sf sessionFlags
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync engine in the foreground",
		Long: `Sign the configured user in, run the login sync, then keep syncing:
local writes are debounced and pushed, the remote is polled for changes
from other devices, and failed pushes are retried. The control API is
served on web.addr. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, g, &sf)
		},
	}
	sf.register(cmd)
	cmd.AddCommand(newDaemonStopCmd(g), newDaemonStatusCmd(g))
	return cmd
}

func runDaemon(cmd *cobra.Command, g *globalFlags, sf *sessionFlags) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	defer logger.Sync()
	session, err := sf.resolve(cfg)
	if err != nil {
		return err
	}
	eng, err := engine.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := daemon.New(daemon.Options{
		Config:  cfg,
		Engine:  eng,
		Session: session,
		Version: Version,
		Logger:  logger,
	})
	return d.Run(ctx)
}

func newDaemonStopCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			path := daemon.PidPath(cfg.Home)
			pid, running := daemon.IsRunning(path)
			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), tui.Dim("keepsync daemon is not running."))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopping keepsync daemon (PID %d)...\n", pid)
			if err := daemon.Stop(path, 30*time.Second); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tui.Success("stopped"))
			return nil
		},
	}
}

func newDaemonStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a daemon is running and its engine state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pid, running := daemon.IsRunning(daemon.PidPath(cfg.Home))
			if !running {
				fmt.Fprintln(out, tui.Dim("keepsync daemon is not running."))
				return nil
			}
			rows := []tui.Field{{Label: "PID", Value: fmt.Sprint(pid)}}
			if cfg.Web.Enabled {
				rows = append(rows, tui.Field{Label: "API", Value: cfg.Web.Addr})
				if st, err := fetchStatus(cmd.Context(), cfg.Web.Addr, cfg.Web.Token); err == nil {
					rows = append(rows,
						tui.Field{Label: "State", Value: tui.StateBadge(string(st.State))},
						tui.Field{Label: "User", Value: st.UserID},
						tui.Field{Label: "Queue", Value: fmt.Sprint(st.QueueLength)},
					)
				} else {
					rows = append(rows, tui.Field{Label: "State", Value: tui.Warn(err.Error())})
				}
			}
			fmt.Fprintln(out, tui.Title("keepsync daemon"))
			fmt.Fprint(out, tui.Fields(rows))
			return nil
		},
	}
}

// fetchStatus asks a running daemon for its engine status.
func fetchStatus(ctx context.Context, addr, token string) (engine.Status, error) {
	var st engine.Status
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/v1/status", nil)
	if err != nil {
		return st, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("control API returned %s", resp.Status)
	}
	return st, json.NewDecoder(resp.Body).Decode(&st)
}
