// Package orchestrator runs sync passes between the local store and the
// remote document store.
package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/clock"
	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/events"
	"github.com/dopejs/keepsync/internal/logging"
	"github.com/dopejs/keepsync/internal/queue"
	"github.com/dopejs/keepsync/internal/remote"
	"github.com/dopejs/keepsync/internal/resolve"
	"github.com/dopejs/keepsync/internal/store"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// LastSyncKey is the LocalStore key holding the RFC 3339 time of the last
// successful pass.
const LastSyncKey = "lastSyncTime"

// mergeAttempts bounds how often a domain is re-merged after losing a race
// with a local write.
const mergeAttempts = 3

// Mode says what triggered a pass. It is the Source of published events.
type Mode string

const (
	ModeLogin    Mode = "login"
	ModeForce    Mode = "force"
	ModePoll     Mode = "poll"
	ModeDebounce Mode = "debounce"
	ModeReplay   Mode = "replay"
)

// Phase is the step a failed pass stopped in.
type Phase string

const (
	PhaseNone  Phase = ""
	PhaseFetch Phase = "fetch"
	PhaseMerge Phase = "merge"
	PhasePush  Phase = "push"
)

// Result reports the outcome of a pass.
type Result struct {
	Success       bool
	Phase         Phase
	Mode          Mode
	Err           error
	HasUpdates    bool
	UpdatedKeys   []string
	PushedToCloud bool
	PushedKeys    []string
	QueuedKeys    []string
	Skipped       []string
	Duration      time.Duration
}

// ErrorKind classifies Err.
func (r Result) ErrorKind() syncerr.Kind { return syncerr.Classify(r.Err) }

// Probe is the outcome of CheckForCloudChanges.
type Probe struct {
	HasChanges  bool
	ChangedKeys []string
	Err         error
}

// Options configures an Orchestrator.
type Options struct {
	// Local must be an engine-origin view so merge writes are not
	// re-scheduled.
	Local       *store.Observed
	Remote      remote.Store
	Queue       *queue.Queue
	Sink        events.Sink
	Clock       clock.Clock
	Logger      *zap.SugaredLogger
	WatchedKeys []string

	LoginAttempts  int
	LoginBackoff   time.Duration
	NetworkTimeout time.Duration
}

// Orchestrator serializes sync passes for one local store.
type Orchestrator struct {
	local  *store.Observed
	remote remote.Store
	queue  *queue.Queue
	sink   events.Sink
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu      sync.Mutex
	syncing atomic.Bool

	cfgMu          sync.RWMutex
	watched        []string
	loginAttempts  int
	loginBackoff   time.Duration
	networkTimeout time.Duration
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.LoginAttempts <= 0 {
		opts.LoginAttempts = config.DefaultLoginAttempts
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = config.DefaultNetworkTimeout
	}
	if len(opts.WatchedKeys) == 0 {
		opts.WatchedKeys = resolve.DefaultDomains
	}
	return &Orchestrator{
		local:          opts.Local,
		remote:         opts.Remote,
		queue:          opts.Queue,
		sink:           opts.Sink,
		clock:          opts.Clock,
		logger:         logging.Component(opts.Logger, "orchestrator").With(logging.FieldBackend, opts.Remote.Name()),
		watched:        append([]string(nil), opts.WatchedKeys...),
		loginAttempts:  opts.LoginAttempts,
		loginBackoff:   opts.LoginBackoff,
		networkTimeout: opts.NetworkTimeout,
	}
}

// SetWatchedKeys replaces the domains reconciled by later passes.
func (o *Orchestrator) SetWatchedKeys(keys []string) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	o.watched = append([]string(nil), keys...)
}

func (o *Orchestrator) WatchedKeys() []string {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return append([]string(nil), o.watched...)
}

// Syncing reports whether a pass is in progress.
func (o *Orchestrator) Syncing() bool { return o.syncing.Load() }

// LastSync returns the time of the last successful pass.
func (o *Orchestrator) LastSync() (time.Time, bool) {
	raw, err := o.local.Get(LastSyncKey)
	if err != nil || len(raw) == 0 {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// LoginSync is the first pass after sign-in. The fetch is retried on
// transient errors.
func (o *Orchestrator) LoginSync(ctx context.Context, userID string) Result {
	o.cfgMu.RLock()
	attempts := o.loginAttempts
	o.cfgMu.RUnlock()
	return o.run(ctx, userID, ModeLogin, attempts)
}

// ForceSync is a bidirectional pass with a single fetch.
func (o *Orchestrator) ForceSync(ctx context.Context, userID string) Result {
	return o.Sync(ctx, userID, ModeForce)
}

// Sync runs a single-fetch pass tagged with mode.
func (o *Orchestrator) Sync(ctx context.Context, userID string, mode Mode) Result {
	return o.run(ctx, userID, mode, 1)
}

func (o *Orchestrator) run(ctx context.Context, userID string, mode Mode, attempts int) Result {
	res := Result{Mode: mode}
	if userID == "" {
		res.Phase = PhaseFetch
		res.Err = syncerr.ErrNotSignedIn
		return res
	}
	if !o.mu.TryLock() {
		o.logger.Debugw("pass skipped, already syncing", "mode", mode)
		res.Err = errors.Wrapf(syncerr.ErrAlreadySyncing, "%s sync", mode)
		return res
	}
	defer o.mu.Unlock()
	o.syncing.Store(true)
	defer o.syncing.Store(false)

	began := o.clock.Now()
	log := o.logger.With(logging.FieldUserID, userID, "mode", mode)

	doc, err := o.fetch(ctx, userID, attempts, log)
	if err != nil {
		res.Phase = PhaseFetch
		res.Err = err
		res.Duration = o.clock.Now().Sub(began)
		o.fail(res, log)
		return res
	}

	if err := o.reconcile(ctx, userID, doc, o.WatchedKeys(), true, &res, log); err != nil {
		res.Err = err
		res.Duration = o.clock.Now().Sub(began)
		o.fail(res, log)
		return res
	}

	if err := o.recordLastSync(); err != nil {
		log.Warnw("cannot record last sync time", logging.FieldError, err)
	}
	res.Success = true
	res.Duration = o.clock.Now().Sub(began)
	log.Infow("sync completed",
		"updated", res.UpdatedKeys,
		"pushed", res.PushedKeys,
		"queued", res.QueuedKeys,
		"skipped", res.Skipped,
		logging.FieldDurationMS, res.Duration.Milliseconds())

	o.publish(events.Event{Kind: events.SyncCompleted, Source: string(mode), UpdatedKeys: res.UpdatedKeys})
	if res.HasUpdates {
		o.publish(events.Event{Kind: events.CloudDataUpdated, Source: string(mode), UpdatedKeys: res.UpdatedKeys})
	}
	return res
}

func (o *Orchestrator) fail(res Result, log *zap.SugaredLogger) {
	kind := syncerr.Classify(res.Err)
	log.Warnw("sync failed", logging.FieldPhase, res.Phase, logging.FieldErrorKind, kind, logging.FieldError, res.Err)
	o.publish(events.Event{
		Kind:      events.SyncError,
		Source:    string(res.Mode),
		Message:   res.Err.Error(),
		ErrorKind: kind,
	})
}

// fetch reads the remote document, retrying transient failures up to
// attempts times.
func (o *Orchestrator) fetch(ctx context.Context, userID string, attempts int, log *zap.SugaredLogger) (*remote.Document, error) {
	o.cfgMu.RLock()
	backoff := o.loginBackoff
	o.cfgMu.RUnlock()

	var lastErr error
	for i := 1; i <= attempts; i++ {
		doc, err := o.fetchOnce(ctx, userID)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if !syncerr.IsTransient(err) || i == attempts {
			break
		}
		log.Infow("fetch failed, retrying", "attempt", i, "of", attempts, logging.FieldError, err)
		if err := o.clock.Sleep(ctx, backoff); err != nil {
			return nil, errors.Wrap(err, "fetch")
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) fetchOnce(ctx context.Context, userID string) (*remote.Document, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	doc, err := o.remote.FetchUserDocument(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch user document")
	}
	return doc, nil
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	o.cfgMu.RLock()
	d := o.networkTimeout
	o.cfgMu.RUnlock()
	return context.WithTimeout(ctx, d)
}

// reconcile merges each domain, writes changed merges locally and pushes
// eligible domains. With queueOnFailure a transient push failure is queued
// and the pass still succeeds; otherwise it is returned.
func (o *Orchestrator) reconcile(ctx context.Context, userID string, doc *remote.Document, domains []string, queueOnFailure bool, res *Result, log *zap.SugaredLogger) error {
	var remoteData map[string]json.RawMessage
	if doc != nil {
		remoteData = doc.Data
	}
	now := o.clock.Now()
	outgoing := make(map[string]json.RawMessage)

	for _, domain := range domains {
		dlog := log.With(logging.FieldDomain, domain)

		rem, err := resolve.Decode(remoteData[domain])
		if err != nil {
			dlog.Warnw("remote domain is malformed, skipping", logging.FieldError, err)
			res.Skipped = append(res.Skipped, domain)
			continue
		}
		raw, err := o.mergeDomain(domain, rem, now, res, dlog)
		if err != nil {
			res.Phase = PhaseMerge
			return err
		}
		if raw != nil {
			outgoing[domain] = raw
		}
	}
	res.HasUpdates = len(res.UpdatedKeys) > 0

	if len(outgoing) == 0 {
		return nil
	}
	keys := sortedKeys(outgoing)

	pctx, cancel := o.withTimeout(ctx)
	err := o.remote.SaveUserDocument(pctx, userID, outgoing)
	cancel()
	if err == nil {
		res.PushedToCloud = true
		res.PushedKeys = keys
		return nil
	}

	res.Phase = PhasePush
	err = errors.Wrap(err, "save user document")
	if !queueOnFailure || !syncerr.IsTransient(err) || o.queue == nil {
		return err
	}
	if _, qerr := o.queue.EnqueuePush(userID, keys); qerr != nil {
		return errors.CombineErrors(err, qerr)
	}
	log.Infow("push failed, queued for retry", logging.FieldKeys, keys, logging.FieldError, err)
	res.Phase = PhaseNone
	res.QueuedKeys = keys
	return nil
}

// mergeDomain merges one domain into the local store and returns the
// encoded blob to push, or nil. The local write is a compare-and-swap; when
// the application writes the domain mid-merge the merge is redone against
// the new value.
func (o *Orchestrator) mergeDomain(domain string, rem resolve.Blob, now time.Time, res *Result, log *zap.SugaredLogger) (json.RawMessage, error) {
	for attempt := 1; ; attempt++ {
		local, prev, err := store.ReadBlob(o.local, domain)
		if errors.Is(err, syncerr.ErrIntegrity) {
			log.Warnw("local domain is malformed, skipping", logging.FieldError, err)
			res.Skipped = append(res.Skipped, domain)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		merged, decision := resolve.SmartMergeExplain(local, rem, domain)
		log.Debugw("merged", "decision", decision, "attempt", attempt)

		var out json.RawMessage
		if pushEligible(merged, rem, domain) {
			merged = resolve.Stamp(merged, now)
			if out, err = resolve.Encode(merged); err != nil {
				return nil, errors.Wrapf(err, "encode %s", domain)
			}
		}
		if resolve.Equal(merged, local) {
			return out, nil
		}

		swapped, err := store.SwapBlob(o.local, domain, prev, merged)
		if err != nil {
			return nil, err
		}
		if swapped {
			if !resolve.Equal(merged, stamped(local, merged)) {
				res.UpdatedKeys = append(res.UpdatedKeys, domain)
			}
			return out, nil
		}
		if attempt == mergeAttempts {
			log.Warnw("domain kept changing during merge, skipping", "attempts", attempt)
			res.Skipped = append(res.Skipped, domain)
			return nil, nil
		}
		log.Debugw("domain changed during merge, retrying")
	}
}

// stamped returns local carrying merged's lastModified, so a pure restamp of
// an unchanged domain is not reported as an update.
func stamped(local, merged resolve.Blob) resolve.Blob {
	if local == nil {
		return nil
	}
	t, ok := resolve.LastModified(merged)
	if !ok {
		return local
	}
	return resolve.Stamp(local, t)
}

// pushEligible reports whether merged should be written to the remote.
func pushEligible(merged, rem resolve.Blob, domain string) bool {
	if merged == nil || resolve.IsDefaultData(merged, domain) {
		return false
	}
	if rem == nil || resolve.IsDefaultData(rem, domain) {
		return true
	}
	lf, rf := resolve.Freshness(merged), resolve.Freshness(rem)
	switch {
	case lf.After(rf):
		return true
	case lf.Equal(rf):
		return !resolve.Equal(merged, rem)
	}
	return false
}

func (o *Orchestrator) recordLastSync() error {
	raw, err := json.Marshal(o.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	return o.local.Set(LastSyncKey, raw)
}

// CheckForCloudChanges reports watched domains where the remote is ahead of
// local. It does not write anything.
func (o *Orchestrator) CheckForCloudChanges(ctx context.Context, userID string) Probe {
	if userID == "" {
		return Probe{Err: syncerr.ErrNotSignedIn}
	}
	stamps, err := o.remoteStamps(ctx, userID)
	if err != nil {
		return Probe{Err: err}
	}

	var p Probe
	for _, domain := range o.WatchedKeys() {
		rt, ok := stamps[domain]
		if !ok {
			continue
		}
		local, err := store.GetBlob(o.local, domain)
		if err != nil {
			continue
		}
		if local == nil || resolve.Freshness(local).Before(rt) {
			p.ChangedKeys = append(p.ChangedKeys, domain)
		}
	}
	p.HasChanges = len(p.ChangedKeys) > 0
	return p
}

// remoteStamps returns per-domain remote freshness, using the cheap stamp
// endpoint when the backend has one.
func (o *Orchestrator) remoteStamps(ctx context.Context, userID string) (map[string]time.Time, error) {
	if sf, ok := o.remote.(remote.StampFetcher); ok {
		sctx, cancel := o.withTimeout(ctx)
		stamps, err := sf.FetchStamps(sctx, userID)
		cancel()
		if err == nil {
			return stamps, nil
		}
		if !errors.Is(err, remote.ErrStampsUnsupported) {
			return nil, errors.Wrap(err, "fetch stamps")
		}
	}

	doc, err := o.fetchOnce(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := map[string]time.Time{}
	if doc == nil {
		return out, nil
	}
	for domain, raw := range doc.Data {
		b, err := resolve.Decode(raw)
		if err != nil || b == nil {
			continue
		}
		// Present but unstamped still counts when local lacks the domain.
		out[domain] = resolve.Freshness(b)
	}
	return out, nil
}

// PushDomains replays queued pushes. Each domain is merged against the
// current remote first and pushed only if still eligible. Any push error is
// returned so the queue can count the attempt.
func (o *Orchestrator) PushDomains(ctx context.Context, userID string, domains []string) error {
	if userID == "" {
		return syncerr.ErrNotSignedIn
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncing.Store(true)
	defer o.syncing.Store(false)

	log := o.logger.With(logging.FieldUserID, userID, "mode", ModeReplay)
	doc, err := o.fetchOnce(ctx, userID)
	if err != nil {
		return err
	}
	res := Result{Mode: ModeReplay}
	if err := o.reconcile(ctx, userID, doc, domains, false, &res, log); err != nil {
		return err
	}
	if res.HasUpdates {
		o.publish(events.Event{Kind: events.CloudDataUpdated, Source: string(ModeReplay), UpdatedKeys: res.UpdatedKeys})
	}
	return nil
}

// ReplayHandler adapts PushDomains to a queue handler.
func (o *Orchestrator) ReplayHandler() queue.Handler {
	return func(ctx context.Context, it queue.Item) error {
		if it.Type != queue.TypePush {
			return syncerr.Integrity(errors.Newf("unknown queue item type %q", it.Type))
		}
		domain, err := it.Domain()
		if err != nil {
			return err
		}
		return o.PushDomains(ctx, it.UserID, []string{domain})
	}
}

func (o *Orchestrator) publish(e events.Event) {
	if o.sink != nil {
		o.sink.Publish(e)
	}
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
