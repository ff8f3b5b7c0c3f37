package schedule

import (
	"sync"

	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/clock"
	"github.com/dopejs/keepsync/internal/logging"
	"github.com/dopejs/keepsync/internal/resolve"
	"github.com/dopejs/keepsync/internal/store"
)

// Notifier receives dirty keys.
type Notifier interface {
	Notify(key string)
}

// Interceptor watches writes to the local store. Application and external
// writes to a watched domain get a fresh lastModified and are handed to the
// scheduler. Engine writes are ignored.
type Interceptor struct {
	mu       sync.RWMutex
	enabled  bool
	watched  map[string]struct{}
	stamper  *store.Observed
	notifier Notifier
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

// NewInterceptor returns a disabled interceptor.
func NewInterceptor(notifier Notifier, watched []string, clk clock.Clock, logger *zap.SugaredLogger) *Interceptor {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	ic := &Interceptor{
		notifier: notifier,
		clock:    clk,
		logger:   logging.Component(logger, "interceptor"),
	}
	ic.SetWatchedKeys(watched)
	return ic
}

// Attach sets the store used to write lastModified stamps. It must be an
// engine-origin view of the store this interceptor observes.
func (ic *Interceptor) Attach(s *store.Observed) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.stamper = s
}

func (ic *Interceptor) Enable() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.enabled = true
}

func (ic *Interceptor) Disable() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.enabled = false
}

func (ic *Interceptor) Enabled() bool {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.enabled
}

// SetWatchedKeys replaces the watched domain set.
func (ic *Interceptor) SetWatchedKeys(keys []string) {
	watched := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		watched[k] = struct{}{}
	}
	ic.mu.Lock()
	ic.watched = watched
	ic.mu.Unlock()
}

// WatchedKeys returns the watched domains in no particular order.
func (ic *Interceptor) WatchedKeys() []string {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	out := make([]string, 0, len(ic.watched))
	for k := range ic.watched {
		out = append(out, k)
	}
	return out
}

// OnWrite implements store.Observer.
func (ic *Interceptor) OnWrite(ev store.WriteEvent) {
	if ev.Origin == store.OriginEngine {
		return
	}
	ic.mu.RLock()
	_, watched := ic.watched[ev.Key]
	enabled := ic.enabled
	stamper := ic.stamper
	ic.mu.RUnlock()
	if !enabled || !watched {
		return
	}

	if !ev.Removed && stamper != nil {
		ic.stamp(stamper, ev.Key)
	}
	ic.logger.Debugw("local change", logging.FieldDomain, ev.Key, logging.FieldSource, ev.Origin.String())
	ic.notifier.Notify(ev.Key)
}

// stamp restamps key with a compare-and-swap. A write that lands in between
// is stamped by its own notification.
func (ic *Interceptor) stamp(s *store.Observed, key string) {
	b, raw, err := store.ReadBlob(s, key)
	if err != nil {
		ic.logger.Warnw("cannot stamp unreadable domain", logging.FieldDomain, key, logging.FieldError, err)
		return
	}
	if b == nil {
		return
	}
	if _, err := store.SwapBlob(s, key, raw, resolve.Stamp(b, ic.clock.Now())); err != nil {
		ic.logger.Warnw("stamp failed", logging.FieldDomain, key, logging.FieldError, err)
	}
}
