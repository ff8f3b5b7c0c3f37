// Package events is the typed notification channel the engine exposes to
// UI layers and the control API.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/syncerr"
)

// Kind identifies an event.
type Kind string

const (
	SyncCompleted    Kind = "sync_completed"
	SyncError        Kind = "sync_error"
	CloudDataUpdated Kind = "cloud_data_updated"
	RetryExhausted   Kind = "retry_exhausted"
	StatusChanged    Kind = "status_changed"
)

// Event is a single notification. Fields not relevant to Kind are empty.
type Event struct {
	Kind        Kind         `json:"kind"`
	UpdatedKeys []string     `json:"updated_keys,omitempty"`
	Source      string       `json:"source,omitempty"`
	Message     string       `json:"message,omitempty"`
	ErrorKind   syncerr.Kind `json:"error_kind,omitempty"`
	ItemID      string       `json:"item_id,omitempty"`
	Status      string       `json:"status,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Sink receives events.
type Sink interface {
	Publish(e Event)
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	funcs  map[int]func(Event)
	nextID int
	logger *zap.SugaredLogger
}

// NewBus creates a Bus.
func NewBus(logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		funcs:  make(map[int]func(Event)),
		logger: logger,
	}
}

// Subscribe returns a channel of future events and a cancel func that
// unregisters and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Func registers a callback invoked synchronously on Publish. It must not
// block. The returned func unregisters it.
func (b *Bus) Func(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.funcs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.funcs, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warnw("event dropped, subscriber buffer full", "subscriber", id, "kind", e.Kind)
		}
	}
	for _, fn := range b.funcs {
		fn(e)
	}
}
