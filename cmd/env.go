package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/auth"
	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/engine"
	"github.com/dopejs/keepsync/internal/logging"
)

// sessionFlags select the user for commands that talk to the remote.
type sessionFlags struct {
	user  string
	token string
}

func (s *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.user, "user", "", "user id (overrides auth.user_id)")
	cmd.Flags().StringVar(&s.token, "token", "", "session token (overrides auth.token)")
}

func (s *sessionFlags) resolve(cfg *config.Config) (auth.Session, error) {
	a := cfg.Auth
	if s.user != "" || s.token != "" {
		a.UserID, a.Token = s.user, s.token
	}
	return auth.Resolve(a)
}

func (g *globalFlags) load() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(config.Options{ConfigFile: g.configFile, EnvFiles: g.envFiles})
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// engineEnv is an opened engine plus what built it.
type engineEnv struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	engine *engine.Engine
}

func (e *engineEnv) Close() {
	e.engine.Close()
	e.logger.Sync()
}

// openEngine loads config and opens the engine. prepare runs remote setup.
func (g *globalFlags) openEngine(ctx context.Context, prepare bool) (*engineEnv, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	eng, err := engine.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{cfg: cfg, logger: logger, engine: eng}
	if prepare {
		if err := eng.Prepare(ctx); err != nil {
			env.Close()
			return nil, err
		}
	}
	return env, nil
}
