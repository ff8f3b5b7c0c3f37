// Package store is the local key/value persistence used by the application
// and instrumented by the sync engine.
package store

import (
	"bytes"
	"context"
	"sync"
)

// Backend is a raw local key/value store.
type Backend interface {
	// Get returns the stored value. Returns nil,nil if the key is missing.
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys() ([]string, error)
	Close() error
}

// Watchable is implemented by backends that can see writes made outside this
// process (e.g. another program editing the same file).
type Watchable interface {
	Watch(ctx context.Context, changed func(key string)) error
}

// Origin says who performed a write.
type Origin int

const (
	// OriginApp is the application's own traffic.
	OriginApp Origin = iota
	// OriginEngine is the sync engine applying merges, stamps and bookkeeping.
	OriginEngine
	// OriginExternal is a change detected on disk from another process.
	OriginExternal
)

func (o Origin) String() string {
	switch o {
	case OriginApp:
		return "app"
	case OriginEngine:
		return "engine"
	case OriginExternal:
		return "external"
	}
	return "unknown"
}

// WriteEvent describes a completed write.
type WriteEvent struct {
	Key     string
	Origin  Origin
	Removed bool
}

// Observer is notified after every successful write through an Observed store.
type Observer interface {
	OnWrite(ev WriteEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev WriteEvent)

func (f ObserverFunc) OnWrite(ev WriteEvent) { f(ev) }

// Observed decorates a Backend with a fixed list of write observers. The
// write is always performed first; observers run after it succeeds, on the
// caller's goroutine. Writes from every view of one store are serialized.
type Observed struct {
	backend   Backend
	observers []Observer
	origin    Origin
	mu        *sync.Mutex
}

// New wraps backend. Observers are fixed for the lifetime of the store.
func New(backend Backend, observers ...Observer) *Observed {
	return &Observed{
		backend:   backend,
		observers: append([]Observer(nil), observers...),
		mu:        new(sync.Mutex),
	}
}

// As returns a view of the same store whose writes carry origin.
func (s *Observed) As(origin Origin) *Observed {
	return &Observed{backend: s.backend, observers: s.observers, origin: origin, mu: s.mu}
}

// Origin reports the origin stamped on writes from this view.
func (s *Observed) Origin() Origin { return s.origin }

func (s *Observed) Get(key string) ([]byte, error) {
	return s.backend.Get(key)
}

func (s *Observed) Set(key string, value []byte) error {
	s.mu.Lock()
	err := s.backend.Set(key, value)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(WriteEvent{Key: key, Origin: s.origin})
	return nil
}

func (s *Observed) Remove(key string) error {
	s.mu.Lock()
	err := s.backend.Remove(key)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(WriteEvent{Key: key, Origin: s.origin, Removed: true})
	return nil
}

// CompareAndSwap writes value only if key still holds old, as returned by
// Get. A nil value removes the key. It reports whether the write happened.
// Observers run after the swap, outside the write lock.
func (s *Observed) CompareAndSwap(key string, old, value []byte) (bool, error) {
	s.mu.Lock()
	cur, err := s.backend.Get(key)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if !bytes.Equal(cur, old) || (cur == nil) != (old == nil) {
		s.mu.Unlock()
		return false, nil
	}
	if value == nil {
		err = s.backend.Remove(key)
	} else {
		err = s.backend.Set(key, value)
	}
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	s.notify(WriteEvent{Key: key, Origin: s.origin, Removed: value == nil})
	return true, nil
}

func (s *Observed) Keys() ([]string, error) {
	return s.backend.Keys()
}

// Close closes the underlying backend.
func (s *Observed) Close() error {
	return s.backend.Close()
}

// Watch forwards out-of-process changes to observers as OriginExternal
// writes. It is a no-op for backends that cannot watch.
func (s *Observed) Watch(ctx context.Context) error {
	w, ok := s.backend.(Watchable)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func(key string) {
		s.notify(WriteEvent{Key: key, Origin: OriginExternal})
	})
}

func (s *Observed) notify(ev WriteEvent) {
	for _, o := range s.observers {
		o.OnWrite(ev)
	}
}

// Memory is an in-process Backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) Close() error { return nil }
