// Package schedule turns local writes into debounced sync passes.
package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/clock"
	"github.com/dopejs/keepsync/internal/logging"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// maxRetryDelay caps the backoff between failed runs.
const maxRetryDelay = 5 * time.Minute

// State is the scheduler's position in Idle → Pending → Running → Idle.
type State int

const (
	Idle State = iota
	Pending
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Running:
		return "running"
	}
	return "unknown"
}

// RunFunc performs one sync pass for the given dirty keys.
type RunFunc func(ctx context.Context, keys []string) error

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	State    State
	Pending  []string
	Deadline time.Time
	LastRun  time.Time
	Paused   bool
	Started  bool
	// Failures counts consecutive failed runs. A success resets it.
	Failures int
	// Waiting is set while pending keys wait for another pass to finish.
	Waiting bool
}

// Scheduler coalesces Notify calls into one run per quiet period, never
// starting two runs less than minInterval apart.
type Scheduler struct {
	mu          sync.Mutex
	clock       clock.Clock
	run         RunFunc
	logger      *zap.SugaredLogger
	delay       time.Duration
	minInterval time.Duration

	state    State
	pending  map[string]struct{}
	timer    clock.Timer
	gen      uint64
	deadline time.Time
	lastRun  time.Time
	paused   bool
	started  bool
	failures int
	waiting  bool
	kicked   bool
}

// Options configures a Scheduler.
type Options struct {
	Delay       time.Duration
	MinInterval time.Duration
	Clock       clock.Clock
	Logger      *zap.SugaredLogger
}

// NewScheduler returns a stopped scheduler. Call Start to arm it.
func NewScheduler(run RunFunc, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Scheduler{
		clock:       opts.Clock,
		run:         run,
		logger:      logging.Component(opts.Logger, "scheduler"),
		delay:       opts.Delay,
		minInterval: opts.MinInterval,
		pending:     make(map[string]struct{}),
	}
}

// Start lets Notify arm the timer. Keys collected while stopped are
// scheduled right away.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if len(s.pending) > 0 && s.state != Running && !s.paused {
		s.armLocked(s.delay)
	}
}

// Stop disarms the timer. An in-flight run is not interrupted. Pending keys
// are kept.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.disarmLocked()
}

// Notify marks key dirty and restarts the quiet period.
func (s *Scheduler) Notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = struct{}{}
	if s.state == Running {
		return
	}
	if !s.started || s.paused {
		if s.state == Idle {
			s.state = Pending
		}
		return
	}
	s.armLocked(s.delay)
}

// Pause disarms the timer. Notify keeps collecting keys.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.disarmLocked()
}

// Resume re-arms immediately when keys are pending.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	if s.started && s.state != Running && len(s.pending) > 0 {
		s.armLocked(0)
	}
}

// SetTiming changes the quiet period and the minimum spacing between runs.
// An armed timer keeps its deadline.
func (s *Scheduler) SetTiming(delay, minInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = delay
	s.minInterval = minInterval
}

// Kick tells the scheduler that another pass has finished. Keys held back
// by a collision with that pass are scheduled right away.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		s.kicked = true
		return
	}
	if s.waiting && s.started && !s.paused && len(s.pending) > 0 {
		s.armLocked(0)
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:    s.state,
		Pending:  s.keysLocked(),
		LastRun:  s.lastRun,
		Paused:   s.paused,
		Started:  s.started,
		Failures: s.failures,
		Waiting:  s.waiting,
	}
	if s.timer != nil {
		snap.Deadline = s.deadline
	}
	return snap
}

func (s *Scheduler) armLocked(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.state = Pending
	s.deadline = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) })
}

func (s *Scheduler) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.deadline = time.Time{}
}

func (s *Scheduler) keysLocked() []string {
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		// superseded by a later arm or disarm
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.deadline = time.Time{}
	if s.paused || !s.started || s.state == Running {
		s.mu.Unlock()
		return
	}
	if len(s.pending) == 0 {
		s.state = Idle
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < s.minInterval {
		wait := s.lastRun.Add(s.minInterval).Sub(now)
		s.logger.Debugw("min interval not elapsed, re-arming", "wait", wait)
		s.armLocked(wait)
		s.mu.Unlock()
		return
	}

	keys := s.keysLocked()
	s.pending = make(map[string]struct{})
	s.state = Running
	s.kicked = false
	s.mu.Unlock()

	began := s.clock.Now()
	err := s.run(context.Background(), keys)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = s.clock.Now()
	if err != nil {
		for _, k := range keys {
			s.pending[k] = struct{}{}
		}
		s.state = Pending
		s.retryLocked(keys, err)
		return
	}
	s.failures = 0
	s.waiting = false
	s.logger.Debugw("debounced sync done", logging.FieldKeys, keys,
		logging.FieldDurationMS, s.lastRun.Sub(began).Milliseconds())

	switch {
	case len(s.pending) == 0:
		s.state = Idle
	case s.started && !s.paused:
		s.armLocked(s.delay)
	default:
		s.state = Pending
	}
}

// retryLocked re-arms after a failed run. A collision with another pass
// waits for Kick, with the quiet period as a fallback. Other failures back
// off exponentially from the quiet period.
func (s *Scheduler) retryLocked(keys []string, err error) {
	var wait time.Duration
	if errors.Is(err, syncerr.ErrAlreadySyncing) {
		s.waiting = true
		wait = max(s.delay, time.Second)
		if s.kicked {
			wait = 0
		}
		s.logger.Debugw("another pass is running, waiting", logging.FieldKeys, keys)
	} else {
		s.waiting = false
		s.failures++
		wait = s.backoffLocked()
		s.logger.Warnw("debounced sync failed, retrying",
			logging.FieldKeys, keys,
			"attempt", s.failures,
			"retry_in", wait,
			logging.FieldError, err)
	}
	s.kicked = false
	if s.started && !s.paused {
		s.armLocked(wait)
	}
}

func (s *Scheduler) backoffLocked() time.Duration {
	d := max(s.delay, time.Second)
	for i := 1; i < s.failures && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}
