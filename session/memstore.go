package session

import (
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and ephemeral processes.
type MemStore struct {
	mu  sync.Mutex
	s   *Session
	now func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{now: time.Now}
}

func (m *MemStore) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.s = &cp
	return nil
}

func (m *MemStore) Load() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return nil, nil
	}
	if m.s.Expired(m.now()) {
		m.s = nil
		return nil, nil
	}
	cp := *m.s
	return &cp, nil
}

func (m *MemStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = nil
	return nil
}
