// Package daemon runs the sync engine as a long-lived process: it signs the
// configured user in, serves the control API, reloads runtime settings when
// the config file changes, and shuts everything down on cancellation.
package daemon

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/auth"
	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/engine"
	"github.com/dopejs/keepsync/internal/logging"
	"github.com/dopejs/keepsync/internal/notify"
	"github.com/dopejs/keepsync/internal/syncerr"
	"github.com/dopejs/keepsync/internal/web"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Daemon.
type Options struct {
	Config  *config.Config
	Engine  *engine.Engine
	Session auth.Session
	Version string
	Logger  *zap.SugaredLogger
}

// Daemon hosts one engine. The caller owns and closes the engine.
type Daemon struct {
	cfg     *config.Config
	engine  *engine.Engine
	session auth.Session
	version string
	logger  *zap.SugaredLogger
	pidPath string
	ready   chan struct{}
	notify  *notify.Dispatcher

	mu   sync.Mutex
	addr string
}

// New creates a daemon.
func New(opts Options) *Daemon {
	return &Daemon{
		cfg:     opts.Config,
		engine:  opts.Engine,
		session: opts.Session,
		version: opts.Version,
		logger:  logging.Component(opts.Logger, "daemon"),
		pidPath: PidPath(opts.Config.Home),
		ready:   make(chan struct{}),
		notify:  notify.NewDispatcher(opts.Config.Notify.Webhooks, opts.Logger),
	}
}

// Ready is closed once the user is signed in and the API is serving.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr is the control API listen address, empty when the API is disabled.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Run blocks until ctx is cancelled or the API server fails.
func (d *Daemon) Run(ctx context.Context) error {
	started := time.Now()
	if pid, running := IsRunning(d.pidPath); running && pid != os.Getpid() {
		return errors.Newf("keepsync daemon already running (PID %d)", pid)
	}

	if err := d.engine.Prepare(ctx); err != nil {
		if !syncerr.IsTransient(err) {
			return err
		}
		d.logger.Warnw("remote not reachable, starting offline", logging.FieldError, err)
	}

	var srv *web.Server
	var ln net.Listener
	if d.cfg.Web.Enabled {
		var err error
		ln, err = net.Listen("tcp", d.cfg.Web.Addr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", d.cfg.Web.Addr)
		}
		srv = web.NewServer(d.engine, web.Options{
			Addr:    d.cfg.Web.Addr,
			Token:   d.cfg.Web.Token,
			Version: d.version,
			Logger:  d.logger,
		})
		d.mu.Lock()
		d.addr = ln.Addr().String()
		d.mu.Unlock()
	}

	if err := WritePid(d.pidPath, os.Getpid()); err != nil {
		if ln != nil {
			ln.Close()
		}
		return err
	}
	defer RemovePid(d.pidPath)

	errc := make(chan error, 1)
	if srv != nil {
		go func() { errc <- srv.Serve(ln) }()
	}

	ch, unsubscribe := d.engine.Subscribe(64)
	defer unsubscribe()
	notifyCtx, stopNotify := context.WithCancel(ctx)
	defer stopNotify()
	go d.notify.Run(notifyCtx, ch)

	res, err := d.engine.HandleAuth(ctx, auth.Event{Type: auth.SignedIn, UserID: d.session.UserID})
	switch {
	case err != nil:
		d.shutdown(srv)
		return err
	case res.Success:
		d.logger.Infow("login sync complete",
			logging.FieldUserID, d.session.UserID,
			"updated", res.UpdatedKeys,
			"pushed", res.PushedKeys,
			"queued", res.QueuedKeys)
	default:
		d.logger.Warnw("login sync failed, continuing with local data",
			logging.FieldUserID, d.session.UserID,
			logging.FieldPhase, res.Phase,
			logging.FieldError, res.Err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if d.cfg.File != "" {
		w := NewConfigWatcher(d.cfg.File, d.reload, d.logger)
		go func() {
			if err := w.Run(watchCtx); err != nil {
				d.logger.Warnw("config watcher stopped", logging.FieldError, err)
			}
		}()
	}

	close(d.ready)
	d.logger.Infow("daemon running", "addr", d.Addr(), "backend", d.cfg.Remote.Backend, "pid", os.Getpid())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	d.shutdown(srv)
	d.logger.Infow("daemon stopped", "uptime", time.Since(started).Round(time.Second))
	return runErr
}

func (d *Daemon) shutdown(srv *web.Server) {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			d.logger.Warnw("control API shutdown", logging.FieldError, err)
		}
	}
	d.engine.Disable()
}

// reload applies the hot-updatable settings of the config file.
func (d *Daemon) reload() {
	cfg, err := config.Load(config.Options{ConfigFile: d.cfg.File})
	if err != nil {
		d.logger.Warnw("config reload failed, keeping current settings", logging.FieldError, err)
		return
	}
	if err := d.engine.UpdateConfig(cfg.Sync.Runtime()); err != nil {
		d.logger.Warnw("config reload rejected", logging.FieldError, err)
	}
	d.notify.SetWebhooks(cfg.Notify.Webhooks)
}
