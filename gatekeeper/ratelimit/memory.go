package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often lapsed windows are evicted.
const sweepInterval = 5 * time.Minute

type entry struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a process-local Store. Unlike a bare map it is bounded:
// a background sweep evicts entries whose window has lapsed, so one-off
// clients do not accumulate forever.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	window  time.Duration
	max     int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a memory store and starts its eviction sweep.
// Zero window or max select the defaults. Call Close to stop the sweep.
func NewMemoryStore(window time.Duration, max int) *MemoryStore {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}
	s := &MemoryStore{
		entries: make(map[string]*entry),
		window:  window,
		max:     max,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) Increment(_ context.Context, key string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || now.After(e.resetAt) {
		// First request of a new window resets the count to 1.
		e = &entry{count: 1, resetAt: now.Add(s.window)}
		s.entries[key] = e
	} else {
		e.count++
	}

	return Result{Count: e.count, ResetAt: e.resetAt, Limited: e.count > s.max}, nil
}

// Close stops the eviction sweep. Safe to call more than once.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *MemoryStore) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, e := range s.entries {
		if now.After(e.resetAt) {
			delete(s.entries, key)
		}
	}
}
