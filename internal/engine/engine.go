// Package engine wires the local store, scheduler, poller, retry queue and
// orchestrator into one controllable sync engine.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/auth"
	"github.com/dopejs/keepsync/internal/clock"
	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/events"
	"github.com/dopejs/keepsync/internal/logging"
	"github.com/dopejs/keepsync/internal/orchestrator"
	"github.com/dopejs/keepsync/internal/poller"
	"github.com/dopejs/keepsync/internal/queue"
	"github.com/dopejs/keepsync/internal/remote"
	"github.com/dopejs/keepsync/internal/resolve"
	"github.com/dopejs/keepsync/internal/schedule"
	"github.com/dopejs/keepsync/internal/store"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// State is the coarse sync status shown to users.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
)

// Status is a snapshot of the engine.
type Status struct {
	State       State     `json:"state"`
	Enabled     bool      `json:"enabled"`
	Paused      bool      `json:"paused"`
	UserID      string    `json:"user_id,omitempty"`
	Backend     string    `json:"backend"`
	LastSync    time.Time `json:"last_sync,omitempty"`
	PendingKeys []string  `json:"pending_keys"`
	QueueLength int       `json:"queue_length"`
	WatchedKeys []string  `json:"watched_keys"`
	LastError   string    `json:"last_error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
}

// Options configures an Engine.
type Options struct {
	Backend store.Backend
	Remote  remote.Store
	Sync    config.SyncConfig
	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	// Observers are additional write observers registered alongside the
	// change interceptor.
	Observers []store.Observer
}

// Engine is the sync engine for one local store.
type Engine struct {
	store       *store.Observed
	engineStore *store.Observed
	remote      remote.Store
	interceptor *schedule.Interceptor
	scheduler   *schedule.Scheduler
	poller      *poller.Poller
	queue       *queue.Queue
	orch        *orchestrator.Orchestrator
	bus         *events.Bus
	clock       clock.Clock
	logger      *zap.SugaredLogger

	mu          sync.Mutex
	cfg         config.SyncConfig
	userID      string
	enabled     bool
	paused      bool
	state       State
	lastErr     error
	watchCancel context.CancelFunc
	closed      bool
	// startupErr is published as a sync error on the first Enable.
	startupErr error
}

// New builds an engine. It starts disabled with no user.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil || opts.Remote == nil {
		return nil, errors.New("engine needs a local backend and a remote store")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if len(opts.Sync.WatchedKeys) == 0 {
		opts.Sync.WatchedKeys = config.DefaultWatchedKeys
	}

	e := &Engine{
		remote: opts.Remote,
		clock:  opts.Clock,
		logger: logging.Component(opts.Logger, "engine"),
		bus:    events.NewBus(logging.Component(opts.Logger, "events")),
		cfg:    opts.Sync,
		state:  StateIdle,
	}

	e.scheduler = schedule.NewScheduler(e.debouncedSync, schedule.Options{
		Delay:       opts.Sync.SyncDelay,
		MinInterval: opts.Sync.MinSyncInterval,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
	})
	e.interceptor = schedule.NewInterceptor(e.scheduler, opts.Sync.WatchedKeys, opts.Clock, opts.Logger)

	observers := append([]store.Observer{e.interceptor}, opts.Observers...)
	e.store = store.New(opts.Backend, observers...)
	e.engineStore = e.store.As(store.OriginEngine)
	e.interceptor.Attach(e.engineStore)

	q, err := queue.Open(e.engineStore, queue.Options{
		MaxRetries: opts.Sync.MaxRetries,
		Backoff:    opts.Sync.RetryBackoff,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	e.queue = q
	if err := q.LoadErr(); err != nil {
		e.state = StateError
		e.lastErr = err
		e.startupErr = err
	}

	e.orch = orchestrator.New(orchestrator.Options{
		Local:          e.engineStore,
		Remote:         opts.Remote,
		Queue:          q,
		Sink:           e.bus,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
		WatchedKeys:    opts.Sync.WatchedKeys,
		LoginAttempts:  opts.Sync.LoginAttempts,
		LoginBackoff:   opts.Sync.LoginBackoff,
		NetworkTimeout: opts.Sync.NetworkTimeout,
	})

	e.poller = poller.New(poller.Options{
		Interval: opts.Sync.CloudCheckInterval,
		Probe:    e.probe,
		Sync:     e.pollSync,
		Drain: func(ctx context.Context, force bool) error {
			_, err := e.DrainQueue(ctx, force)
			return err
		},
		QueueLen: func() int { return e.queue.LenFor(e.User()) },
		Sink:     e.bus,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})
	return e, nil
}

// Store is the application's view of the local store. Writes through it to
// watched domains are stamped and scheduled for sync.
func (e *Engine) Store() *store.Observed { return e.store }

// Subscribe streams engine events.
func (e *Engine) Subscribe(buffer int) (<-chan events.Event, func()) {
	return e.bus.Subscribe(buffer)
}

// Bus exposes the event bus for in-process callbacks.
func (e *Engine) Bus() *events.Bus { return e.bus }

func (e *Engine) User() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// Enable turns on change interception, debounced sync and cloud polling.
func (e *Engine) Enable() {
	e.mu.Lock()
	if e.enabled || e.closed {
		e.mu.Unlock()
		return
	}
	e.enabled = true
	ctx, cancel := context.WithCancel(context.Background())
	e.watchCancel = cancel
	startupErr := e.startupErr
	e.startupErr = nil
	e.mu.Unlock()

	if startupErr != nil {
		e.bus.Publish(events.Event{
			Kind:      events.SyncError,
			Source:    "startup",
			Message:   startupErr.Error(),
			ErrorKind: syncerr.Classify(startupErr),
		})
	}

	e.interceptor.Enable()
	e.scheduler.Start()
	e.poller.Start()
	go func() {
		if err := e.store.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warnw("local store watch stopped", logging.FieldError, err)
		}
	}()
	e.logger.Infow("auto sync enabled")
	e.publishStatus()
}

// Disable turns interception and timers off. A running pass completes.
func (e *Engine) Disable() {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	e.enabled = false
	cancel := e.watchCancel
	e.watchCancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.interceptor.Disable()
	e.scheduler.Stop()
	e.poller.Stop()
	e.logger.Infow("auto sync disabled")
	e.publishStatus()
}

// PauseAutoSync holds debounced passes. Writes keep accumulating.
func (e *Engine) PauseAutoSync() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.scheduler.Pause()
	e.logger.Infow("auto sync paused")
	e.publishStatus()
}

// ResumeAutoSync releases held writes immediately.
func (e *Engine) ResumeAutoSync() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.scheduler.Resume()
	e.logger.Infow("auto sync resumed")
	e.publishStatus()
}

// ForceSyncNow runs a bidirectional pass immediately.
func (e *Engine) ForceSyncNow(ctx context.Context) orchestrator.Result {
	res := e.orch.ForceSync(ctx, e.User())
	e.record(res)
	e.passDone(res)
	return res
}

// CheckForCloudChanges probes the remote without writing.
func (e *Engine) CheckForCloudChanges(ctx context.Context) orchestrator.Probe {
	return e.orch.CheckForCloudChanges(ctx, e.User())
}

// DrainQueue replays queued pushes for the current user. force ignores
// backoff.
func (e *Engine) DrainQueue(ctx context.Context, force bool) (queue.DrainReport, error) {
	user := e.User()
	if user == "" {
		return queue.DrainReport{}, syncerr.ErrNotSignedIn
	}
	drain := e.queue.Drain
	if force {
		drain = e.queue.DrainAll
	}
	report, err := drain(ctx, user, e.orch.ReplayHandler())
	if len(report.Succeeded)+len(report.Failed)+len(report.Exhausted) > 0 {
		e.scheduler.Kick()
	}
	for _, it := range report.Exhausted {
		cause := errors.Mark(errors.Newf("queue item %s: %s", it.ID, it.LastError), syncerr.ErrExhausted)
		e.bus.Publish(events.Event{
			Kind:      events.RetryExhausted,
			ItemID:    it.ID,
			Message:   cause.Error(),
			ErrorKind: syncerr.KindExhausted,
		})
	}
	if len(report.Succeeded)+len(report.Failed)+len(report.Exhausted) > 0 {
		e.publishStatus()
	}
	return report, err
}

// QueueItems lists queued operations for every user.
func (e *Engine) QueueItems() []queue.Item { return e.queue.Items() }

// UpdateConfig applies runtime settings. Zero fields are left unchanged.
func (e *Engine) UpdateConfig(r config.Runtime) error {
	if err := config.ValidateRuntime(r); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = e.cfg.Apply(r)
	cfg := e.cfg
	e.mu.Unlock()

	e.scheduler.SetTiming(cfg.SyncDelay, cfg.MinSyncInterval)
	e.interceptor.SetWatchedKeys(cfg.WatchedKeys)
	e.orch.SetWatchedKeys(cfg.WatchedKeys)
	interval := e.poller.SetInterval(cfg.CloudCheckInterval)
	e.logger.Infow("config updated",
		"sync_delay", cfg.SyncDelay,
		"min_sync_interval", cfg.MinSyncInterval,
		"cloud_check_interval", interval,
		"watched_keys", cfg.WatchedKeys)
	return nil
}

// Config returns the effective sync settings.
func (e *Engine) Config() config.SyncConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	cfg.CloudCheckInterval = e.poller.Interval()
	return cfg
}

// HandleAuth reacts to sign-in and sign-out.
func (e *Engine) HandleAuth(ctx context.Context, ev auth.Event) (orchestrator.Result, error) {
	switch ev.Type {
	case auth.SignedIn:
		if ev.UserID == "" {
			return orchestrator.Result{}, syncerr.ErrNotSignedIn
		}
		e.mu.Lock()
		e.userID = ev.UserID
		e.mu.Unlock()
		e.logger.Infow("signed in", logging.FieldUserID, ev.UserID)

		res := e.orch.LoginSync(ctx, ev.UserID)
		e.record(res)
		e.Enable()
		e.passDone(res)
		return res, nil

	case auth.SignedOut:
		e.Disable()
		if err := e.clearLocal(); err != nil {
			return orchestrator.Result{}, err
		}
		e.mu.Lock()
		user := e.userID
		e.userID = ""
		e.state = StateIdle
		e.lastErr = nil
		e.mu.Unlock()
		e.logger.Infow("signed out", logging.FieldUserID, user)
		e.publishStatus()
		return orchestrator.Result{}, nil
	}
	return orchestrator.Result{}, errors.Newf("unknown auth event %q", ev.Type)
}

// RestoreSession adopts userID as the signed-in user without a login pass,
// as when an app restarts with a stored session.
func (e *Engine) RestoreSession(userID string) error {
	if userID == "" {
		return syncerr.ErrNotSignedIn
	}
	e.mu.Lock()
	e.userID = userID
	e.mu.Unlock()
	e.logger.Debugw("session restored", logging.FieldUserID, userID)
	return nil
}

// DomainState describes one watched domain in the local store.
type DomainState struct {
	Key       string    `json:"key"`
	Present   bool      `json:"present"`
	Default   bool      `json:"default"`
	Freshness time.Time `json:"freshness,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Domains reports the local state of every watched domain.
func (e *Engine) Domains() []DomainState {
	keys := e.orch.WatchedKeys()
	out := make([]DomainState, 0, len(keys))
	for _, k := range keys {
		ds := DomainState{Key: k}
		b, err := store.GetBlob(e.engineStore, k)
		switch {
		case err != nil:
			ds.Present = true
			ds.Error = err.Error()
		case b != nil:
			ds.Present = true
			ds.Default = resolve.IsDefaultData(b, k)
			ds.Freshness = resolve.Freshness(b)
		default:
			ds.Default = true
		}
		out = append(out, ds)
	}
	return out
}

// clearLocal removes every watched domain and the last sync time. Queued
// items are kept; they are scoped by user.
func (e *Engine) clearLocal() error {
	keys := append(e.orch.WatchedKeys(), orchestrator.LastSyncKey)
	for _, k := range keys {
		if err := e.engineStore.Remove(k); err != nil {
			return errors.Wrapf(err, "clear %s", k)
		}
	}
	return nil
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	snap := e.scheduler.Snapshot()
	e.mu.Lock()
	st := Status{
		State:       e.state,
		Enabled:     e.enabled,
		Paused:      e.paused,
		UserID:      e.userID,
		Backend:     e.remote.Name(),
		PendingKeys: snap.Pending,
		WatchedKeys: append([]string(nil), e.cfg.WatchedKeys...),
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
		st.ErrorKind = string(syncerr.Classify(e.lastErr))
	}
	e.mu.Unlock()

	if e.orch.Syncing() {
		st.State = StateSyncing
	}
	if t, ok := e.orch.LastSync(); ok {
		st.LastSync = t
	}
	st.QueueLength = e.queue.LenFor(st.UserID)
	return st
}

// Close disables the engine and closes the local store.
func (e *Engine) Close() error {
	e.Disable()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.store.Close()
}

func (e *Engine) debouncedSync(ctx context.Context, keys []string) error {
	user := e.User()
	if user == "" {
		return nil
	}
	e.logger.Debugw("debounced sync", logging.FieldKeys, keys)
	res := e.orch.Sync(ctx, user, orchestrator.ModeDebounce)
	e.record(res)
	if !res.Success {
		return res.Err
	}
	return nil
}

func (e *Engine) probe(ctx context.Context) (bool, []string, error) {
	p := e.orch.CheckForCloudChanges(ctx, e.User())
	return p.HasChanges, p.ChangedKeys, p.Err
}

func (e *Engine) pollSync(ctx context.Context) error {
	res := e.orch.Sync(ctx, e.User(), orchestrator.ModePoll)
	e.record(res)
	e.passDone(res)
	if !res.Success {
		return res.Err
	}
	return nil
}

// passDone wakes a debounced pass that collided with the one just finished.
func (e *Engine) passDone(res orchestrator.Result) {
	if !errors.Is(res.Err, syncerr.ErrAlreadySyncing) {
		e.scheduler.Kick()
	}
}

// record folds a pass result into the engine state.
func (e *Engine) record(res orchestrator.Result) {
	if errors.Is(res.Err, syncerr.ErrAlreadySyncing) {
		return
	}
	e.mu.Lock()
	prev := e.state
	if res.Success {
		e.state = StateSynced
		e.lastErr = nil
	} else {
		e.state = StateError
		e.lastErr = res.Err
	}
	changed := prev != e.state
	e.mu.Unlock()
	if changed {
		e.publishStatus()
	}
}

func (e *Engine) publishStatus() {
	st := e.Status()
	e.bus.Publish(events.Event{Kind: events.StatusChanged, Status: string(st.State), Message: st.LastError})
}
