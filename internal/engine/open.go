package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/remote"
	"github.com/dopejs/keepsync/internal/store"
)

// OpenBackend opens the local backend selected by cfg.
func OpenBackend(cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite", "file":
	default:
		return nil, errors.Newf("unknown store driver: %q", cfg.Driver)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create store directory")
	}
	if cfg.Driver == "file" {
		return store.OpenFile(cfg.Path)
	}
	return store.OpenSQLite(cfg.Path)
}

// Open builds an engine from a loaded configuration.
func Open(cfg *config.Config, logger *zap.SugaredLogger) (*Engine, error) {
	backend, err := OpenBackend(cfg.Store)
	if err != nil {
		return nil, err
	}
	rs, err := remote.New(cfg.Remote)
	if err != nil {
		backend.Close()
		return nil, err
	}
	e, err := New(Options{
		Backend: backend,
		Remote:  rs,
		Sync:    cfg.Sync,
		Logger:  logger,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	return e, nil
}

// Prepare runs one-time remote setup, bounded by the network timeout.
func (e *Engine) Prepare(ctx context.Context) error {
	timeout := e.Config().NetworkTimeout
	if timeout <= 0 {
		timeout = config.DefaultNetworkTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := remote.Prepare(ctx, e.remote); err != nil {
		return errors.Wrapf(err, "prepare %s remote", e.remote.Name())
	}
	return nil
}
