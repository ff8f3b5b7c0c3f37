package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dopejs/keepsync/tui"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	var (
		addr    string
		token   string
		history int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a running daemon's sync events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Web.Addr
			}
			if token == "" {
				token = cfg.Web.Token
			}
			stream, err := tui.DialEvents(cmd.Context(), addr, token)
			if err != nil {
				return err
			}
			defer stream.Close()
			return tui.RunWatch(addr, stream, history)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "control API address (default web.addr)")
	cmd.Flags().StringVar(&token, "token", "", "control API token (default web.token)")
	cmd.Flags().IntVar(&history, "history", 20, "number of events to keep on screen")
	return cmd
}
