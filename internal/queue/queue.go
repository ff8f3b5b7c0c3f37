// Package queue holds sync operations that failed on a transient error and
// replays them later.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/clock"
	"github.com/dopejs/keepsync/internal/logging"
	"github.com/dopejs/keepsync/internal/store"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// StorageKey is the LocalStore key the queue is persisted under.
const StorageKey = "syncQueue"

// UnreadableKey holds a persisted queue that could not be decoded.
const UnreadableKey = StorageKey + ".unreadable"

// TypePush replays a push of a single domain.
const TypePush = "push"

// Item is one queued operation.
type Item struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	UserID        string          `json:"userId"`
	CreatedAt     time.Time       `json:"createdAt"`
	RetryCount    int             `json:"retryCount"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitempty"`
}

// PushPayload is the payload of a TypePush item.
type PushPayload struct {
	Domain string `json:"domain"`
}

// Domain decodes the domain of a push item.
func (it Item) Domain() (string, error) {
	var p PushPayload
	if err := json.Unmarshal(it.Payload, &p); err != nil {
		return "", syncerr.Integrity(errors.Wrapf(err, "queue item %s payload", it.ID))
	}
	return p.Domain, nil
}

// Handler processes one item. A nil error removes it from the queue.
type Handler func(ctx context.Context, it Item) error

// DrainReport summarizes a Drain call.
type DrainReport struct {
	Succeeded []Item
	Failed    []Item
	Exhausted []Item
	// Deferred counts items skipped because their backoff had not elapsed.
	Deferred int
}

// Options configures a Queue.
type Options struct {
	MaxRetries int
	Backoff    time.Duration
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
}

// Queue is a durable FIFO of retryable operations.
type Queue struct {
	mu         sync.Mutex
	drainMu    sync.Mutex
	items      []Item
	local      *store.Observed
	maxRetries int
	backoff    time.Duration
	clock      clock.Clock
	logger     *zap.SugaredLogger
	loadErr    error
}

// Open loads the queue persisted in local. Writes go through local as-is, so
// callers pass an engine-origin view.
func Open(local *store.Observed, opts Options) (*Queue, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	q := &Queue{
		local:      local,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		clock:      opts.Clock,
		logger:     logging.Component(opts.Logger, "queue"),
	}

	raw, err := local.Get(StorageKey)
	if err != nil {
		return nil, errors.Wrap(err, "load queue")
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &q.items); err != nil {
			q.items = nil
			q.loadErr = syncerr.Integrity(errors.Wrapf(err, "decode %s", StorageKey))
			if serr := local.Set(UnreadableKey, raw); serr != nil {
				q.logger.Warnw("cannot keep unreadable queue", logging.FieldError, serr)
			}
			q.logger.Errorw("queue is unreadable, starting empty",
				"kept_as", UnreadableKey, logging.FieldError, err)
		}
	}
	return q, nil
}

// LoadErr reports why the persisted queue was discarded by Open, or nil.
// The unreadable bytes are kept under UnreadableKey.
func (q *Queue) LoadErr() error { return q.loadErr }

// SetPolicy updates retry limits for subsequent failures.
func (q *Queue) SetPolicy(maxRetries int, backoff time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxRetries > 0 {
		q.maxRetries = maxRetries
	}
	q.backoff = backoff
}

// Enqueue appends an item and persists the queue.
func (q *Queue) Enqueue(userID, typ string, payload any) (Item, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Item{}, errors.Wrap(err, "encode queue payload")
	}
	it := Item{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   raw,
		UserID:    userID,
		CreatedAt: q.clock.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return Item{}, err
	}
	q.logger.Infow("queued", logging.FieldItemID, it.ID, "type", typ, logging.FieldUserID, userID)
	return it, nil
}

// EnqueuePush queues one push item per domain.
func (q *Queue) EnqueuePush(userID string, domains []string) ([]Item, error) {
	out := make([]Item, 0, len(domains))
	for _, d := range domains {
		it, err := q.Enqueue(userID, TypePush, PushPayload{Domain: d})
		if err != nil {
			return out, err
		}
		out = append(out, it)
	}
	return out, nil
}

// Items returns a copy of the queued items, oldest first.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// LenFor counts items belonging to userID.
func (q *Queue) LenFor(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.UserID == userID {
			n++
		}
	}
	return n
}

// Remove deletes an item by id. Unknown ids are ignored.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return q.persistLocked()
		}
	}
	return nil
}

// Drain runs handler for every due item of userID, oldest first.
func (q *Queue) Drain(ctx context.Context, userID string, handler Handler) (DrainReport, error) {
	return q.drain(ctx, userID, handler, false)
}

// DrainAll is Drain ignoring backoff.
func (q *Queue) DrainAll(ctx context.Context, userID string, handler Handler) (DrainReport, error) {
	return q.drain(ctx, userID, handler, true)
}

func (q *Queue) drain(ctx context.Context, userID string, handler Handler, force bool) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var report DrainReport
	now := q.clock.Now()
	for _, it := range q.due(userID, now, force, &report) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		herr := handler(ctx, it)
		if herr == nil {
			if err := q.Remove(it.ID); err != nil {
				return report, err
			}
			report.Succeeded = append(report.Succeeded, it)
			continue
		}

		updated, exhausted, err := q.fail(it.ID, herr)
		if err != nil {
			return report, err
		}
		if exhausted {
			q.logger.Warnw("retries exhausted, dropping item",
				logging.FieldItemID, it.ID, "retries", updated.RetryCount, logging.FieldError, herr)
			report.Exhausted = append(report.Exhausted, updated)
		} else {
			q.logger.Infow("item failed, will retry",
				logging.FieldItemID, it.ID, "retries", updated.RetryCount, "next", updated.NextAttemptAt, logging.FieldError, herr)
			report.Failed = append(report.Failed, updated)
		}
	}
	return report, nil
}

func (q *Queue) due(userID string, now time.Time, force bool, report *DrainReport) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for _, it := range q.items {
		if it.UserID != userID {
			continue
		}
		if !force && it.NextAttemptAt.After(now) {
			report.Deferred++
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// fail records a failed attempt. The item is dropped once RetryCount exceeds
// the retry limit.
func (q *Queue) fail(id string, cause error) (Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		it := &q.items[i]
		it.RetryCount++
		it.LastError = cause.Error()
		it.NextAttemptAt = q.clock.Now().UTC().Add(q.backoffFor(it.RetryCount))
		updated := *it
		exhausted := it.RetryCount > q.maxRetries
		if exhausted {
			q.items = append(q.items[:i], q.items[i+1:]...)
		}
		return updated, exhausted, q.persistLocked()
	}
	return Item{}, false, nil
}

func (q *Queue) backoffFor(retries int) time.Duration {
	if q.backoff <= 0 || retries <= 0 {
		return 0
	}
	return q.backoff << (retries - 1)
}

func (q *Queue) persistLocked() error {
	if len(q.items) == 0 {
		if err := q.local.Remove(StorageKey); err != nil {
			return errors.Wrap(err, "persist queue")
		}
		return nil
	}
	raw, err := json.Marshal(q.items)
	if err != nil {
		return errors.Wrap(err, "encode queue")
	}
	if err := q.local.Set(StorageKey, raw); err != nil {
		return errors.Wrap(err, "persist queue")
	}
	return nil
}
