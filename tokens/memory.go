package tokens

import (
	"context"
	"sync"
	"time"
)

type timedEntry struct {
	tokens    TokenSet
	expiresAt time.Time
}

// MemoryStore keeps session records in process memory with a retention ceiling.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]timedEntry
	retention time.Duration
	now       func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithRetention overrides the retention ceiling.
func WithRetention(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithCleanupInterval sets how often expired records are swept.
func WithCleanupInterval(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = d
	}
}

// WithStoreClock replaces time.Now, mainly for tests.
func WithStoreClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates the store and starts the background sweeper.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]timedEntry),
		retention:       DefaultRetention,
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	} else {
		close(s.cleanupDone)
	}
	return s
}

// Save stores or replaces the record and restarts its retention window.
func (s *MemoryStore) Save(_ context.Context, sid string, ts TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sid] = timedEntry{tokens: ts, expiresAt: s.now().Add(s.retention)}
	return nil
}

// Get returns the record unless it is missing or past retention.
func (s *MemoryStore) Get(_ context.Context, sid string) (TokenSet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[sid]
	if !ok || !s.now().Before(entry.expiresAt) {
		return TokenSet{}, false, nil
	}
	return entry.tokens, true, nil
}

// Delete removes the record. Missing records are not an error.
func (s *MemoryStore) Delete(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sid)
	return nil
}

// Len reports the number of held records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the sweeper and waits for it to exit.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, sid)
		}
	}
}
