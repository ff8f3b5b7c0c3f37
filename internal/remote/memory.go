package remote

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is an in-process Store. Failures can be scripted with FailFetch and
// FailSave, which makes it the fake used across the engine's tests.
type Memory struct {
	mu        sync.Mutex
	docs      map[string]*Document
	now       func() time.Time
	failFetch []error
	failSave  []error
	fetches   int
	saves     int
	stampHits int
	lastSave  map[string]json.RawMessage
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*Document), now: time.Now}
}

// SetNow overrides the server clock used for UpdatedAt.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) FetchUserDocument(ctx context.Context, userID string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.failFetch) > 0 {
		err := m.failFetch[0]
		m.failFetch = m.failFetch[1:]
		return nil, err
	}
	doc, ok := m.docs[userID]
	if !ok {
		return nil, nil
	}
	return copyDoc(doc), nil
}

func (m *Memory) SaveUserDocument(ctx context.Context, userID string, domains map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(m.failSave) > 0 {
		err := m.failSave[0]
		m.failSave = m.failSave[1:]
		return err
	}
	doc, ok := m.docs[userID]
	if !ok {
		doc = &Document{UserID: userID}
	}
	doc.Data = mergeData(doc.Data, domains)
	doc.UpdatedAt = m.now().UTC()
	m.docs[userID] = doc
	m.lastSave = mergeData(nil, domains)
	return nil
}

func (m *Memory) FetchStamps(ctx context.Context, userID string) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stampHits++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.failFetch) > 0 {
		err := m.failFetch[0]
		m.failFetch = m.failFetch[1:]
		return nil, err
	}
	doc, ok := m.docs[userID]
	if !ok {
		return map[string]time.Time{}, nil
	}
	return StampsOf(doc.Data), nil
}

// Seed stores a domain directly, bypassing counters and failures.
func (m *Memory) Seed(userID, domain string, raw json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[userID]
	if !ok {
		doc = &Document{UserID: userID}
		m.docs[userID] = doc
	}
	doc.Data = mergeData(doc.Data, map[string]json.RawMessage{domain: raw})
	doc.UpdatedAt = m.now().UTC()
}

// Domain returns the stored raw domain, or nil.
func (m *Memory) Domain(userID, domain string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[userID]; ok {
		return doc.Data[domain]
	}
	return nil
}

// FailFetch queues errors returned by the next fetch-like calls, in order.
func (m *Memory) FailFetch(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFetch = append(m.failFetch, errs...)
}

// FailSave queues errors returned by the next saves, in order.
func (m *Memory) FailSave(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSave = append(m.failSave, errs...)
}

// Counts reports fetches, saves and stamp fetches so far.
func (m *Memory) Counts() (fetches, saves, stamps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches, m.saves, m.stampHits
}

// LastSave returns the domains sent by the most recent successful save.
func (m *Memory) LastSave() map[string]json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mergeData(nil, m.lastSave)
}

func copyDoc(d *Document) *Document {
	return &Document{UserID: d.UserID, Data: mergeData(nil, d.Data), UpdatedAt: d.UpdatedAt}
}
