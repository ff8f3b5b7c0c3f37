package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/tui"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize configuration",
	}
	cmd.AddCommand(newConfigShowCmd(g), newConfigInitCmd())
	return cmd
}

func newConfigShowCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			masked := maskSecrets(*cfg)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(masked)
			}

			file := cfg.File
			if file == "" {
				file = tui.Dim("(defaults)")
			}
			s := masked.Sync
			fmt.Fprint(out, tui.Fields([]tui.Field{
				{Label: "Config file", Value: file},
				{Label: "Home", Value: masked.Home},
				{Label: "Store", Value: masked.Store.Driver + " " + masked.Store.Path},
				{Label: "Remote", Value: masked.Remote.Backend + " " + masked.Remote.Endpoint},
				{Label: "Watched keys", Value: strings.Join(s.WatchedKeys, ", ")},
				{Label: "Sync delay", Value: s.SyncDelay.String()},
				{Label: "Min interval", Value: s.MinSyncInterval.String()},
				{Label: "Cloud check", Value: s.CloudCheckInterval.String()},
				{Label: "Max retries", Value: fmt.Sprint(s.MaxRetries)},
				{Label: "User", Value: orDash(masked.Auth.UserID)},
				{Label: "Session token", Value: orDash(masked.Auth.Token)},
				{Label: "Control API", Value: apiLine(masked.Web)},
				{Label: "Log level", Value: masked.Log.Level},
			}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with every default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.NewViper()
			if path == "" {
				path = filepath.Join(v.GetString("home"), config.ConfigName+".yaml")
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return errors.Wrap(err, "create config directory")
			}
			if err := v.SafeWriteConfigAs(path); err != nil {
				var exists viper.ConfigFileAlreadyExistsError
				if errors.As(err, &exists) {
					return errors.Newf("%s already exists", path)
				}
				return errors.Wrap(err, "write config")
			}
			fmt.Fprintln(cmd.OutOrStdout(), tui.Success("Wrote ")+path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "target file (default $KEEPSYNC_HOME/keepsync.yaml)")
	return cmd
}

// maskSecrets returns a copy of cfg safe to print.
func maskSecrets(cfg config.Config) config.Config {
	cfg.Remote.SecretKey = maskToken(cfg.Remote.SecretKey)
	cfg.Remote.Password = maskToken(cfg.Remote.Password)
	cfg.Remote.Token = maskToken(cfg.Remote.Token)
	cfg.Auth.Token = maskToken(cfg.Auth.Token)
	cfg.Auth.JWTSecret = maskToken(cfg.Auth.JWTSecret)
	cfg.Web.Token = maskToken(cfg.Web.Token)
	return cfg
}

func maskToken(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func apiLine(w config.WebConfig) string {
	if !w.Enabled {
		return tui.Dim("disabled")
	}
	if w.Token != "" {
		return w.Addr + tui.Dim(" (token "+w.Token+")")
	}
	return w.Addr
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
