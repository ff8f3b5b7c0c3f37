package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dopejs/keepsync/tui"
)

var Version = "0.4.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	envFiles   []string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "keepsync",
		Short: "Local-first data sync engine",
		Long: `keepsync keeps locally persisted application state in sync with one remote
document per user. Run it as a daemon for continuous sync, or use the
one-shot commands to sync, inspect and repair state by hand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configFile, "config", "", "config file (default $KEEPSYNC_HOME/keepsync.yaml)")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", nil, ".env files to load before reading config")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newDaemonCmd(g),
		newSyncCmd(g),
		newCheckCmd(g),
		newStatusCmd(g),
		newQueueCmd(g),
		newSignoutCmd(g),
		newConfigCmd(g),
		newWatchCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keepsync %s (%s/%s, %s)\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

// Execute runs the CLI.
func Execute() error {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, tui.Failure("Error: ")+err.Error())
		return err
	}
	return nil
}
