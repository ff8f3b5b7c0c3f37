// Package poller periodically asks the remote store whether another device
// has written newer data.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/clock"
	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/events"
	"github.com/dopejs/keepsync/internal/logging"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// Source is the event source of poll-triggered syncs.
const Source = "poll"

// ProbeFunc reports whether the remote holds changes the local store lacks.
type ProbeFunc func(ctx context.Context) (changed bool, keys []string, err error)

// SyncFunc pulls remote changes.
type SyncFunc func(ctx context.Context) error

// DrainFunc replays the retry queue. force ignores backoff.
type DrainFunc func(ctx context.Context, force bool) error

// Options configures a Poller.
type Options struct {
	Interval time.Duration
	Probe    ProbeFunc
	Sync     SyncFunc
	Drain    DrainFunc
	// QueueLen reports queued items for the current user.
	QueueLen func() int
	Sink     events.Sink
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
}

// Poller runs a probe every interval. At most one check runs at a time and
// two checks never start less than the floor apart.
type Poller struct {
	opts Options

	mu       sync.Mutex
	interval time.Duration
	timer    clock.Timer
	gen      uint64
	running  bool

	inFlight  atomic.Bool
	checkMu   sync.Mutex
	lastCheck time.Time
	offline   bool

	logger *zap.SugaredLogger
}

// New returns a stopped poller.
func New(opts Options) *Poller {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.QueueLen == nil {
		opts.QueueLen = func() int { return 0 }
	}
	p := &Poller{opts: opts, logger: logging.Component(opts.Logger, "poller")}
	p.interval = clamp(opts.Interval)
	return p
}

func clamp(d time.Duration) time.Duration {
	if d < config.MinCloudCheckInterval {
		return config.MinCloudCheckInterval
	}
	return d
}

// Start arms the first tick one interval from now. Calling Start on a
// running poller does nothing.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.armLocked()
	p.logger.Infow("poller started", "interval", p.interval)
}

// Stop disarms the poller. A check already in progress completes.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.logger.Infow("poller stopped")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetInterval changes the period, clamped to the floor, and re-arms a
// running poller.
func (p *Poller) SetInterval(d time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = clamp(d)
	if p.running {
		p.armLocked()
	}
	return p.interval
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Poller) armLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = p.opts.Clock.AfterFunc(p.interval, func() { p.tick(gen) })
}

func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || !p.running {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()

	p.Check(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && gen == p.gen {
		p.armLocked()
	}
}

// Check runs one probe cycle. It returns false when skipped because another
// check is in flight or the previous one started too recently.
func (p *Poller) Check(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debugw("check skipped, previous still running")
		return false
	}
	defer p.inFlight.Store(false)

	p.checkMu.Lock()
	now := p.opts.Clock.Now()
	if !p.lastCheck.IsZero() && now.Sub(p.lastCheck) < config.MinCloudCheckInterval {
		p.checkMu.Unlock()
		p.logger.Debugw("check skipped, too soon after previous")
		return false
	}
	p.lastCheck = now
	p.checkMu.Unlock()

	changed, keys, err := p.opts.Probe(ctx)
	if err != nil {
		p.checkMu.Lock()
		p.offline = true
		p.checkMu.Unlock()
		p.logger.Warnw("cloud check failed", logging.FieldError, err, logging.FieldErrorKind, syncerr.Classify(err))
		p.publish(events.Event{
			Kind:      events.SyncError,
			Source:    Source,
			Message:   err.Error(),
			ErrorKind: syncerr.Classify(err),
		})
		return true
	}

	p.checkMu.Lock()
	reconnected := p.offline
	p.offline = false
	p.checkMu.Unlock()

	if p.opts.Drain != nil {
		switch {
		case reconnected:
			p.logger.Infow("connectivity restored, draining retry queue")
			p.drain(ctx, true)
		case p.opts.QueueLen() > 0:
			p.drain(ctx, false)
		}
	}

	if changed && p.opts.Sync != nil {
		p.logger.Infow("cloud changes detected", logging.FieldKeys, keys)
		if err := p.opts.Sync(ctx); err != nil {
			p.logger.Warnw("poll sync failed", logging.FieldError, err)
		}
	}
	return true
}

func (p *Poller) drain(ctx context.Context, force bool) {
	if err := p.opts.Drain(ctx, force); err != nil {
		p.logger.Warnw("queue drain failed", logging.FieldError, err)
	}
}

func (p *Poller) publish(e events.Event) {
	if p.opts.Sink != nil {
		p.opts.Sink.Publish(e)
	}
}
