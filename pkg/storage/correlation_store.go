package storage

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/polis-intercept/pkg/domain"
)

type correlationEntry struct {
	params   domain.PointcutParameters
	storedAt time.Time
}

// MemoryCorrelationStore is an in-memory implementation of CorrelationStore.
type MemoryCorrelationStore struct {
	mu      sync.RWMutex
	entries map[string]correlationEntry
	now     func() time.Time
}

var _ CorrelationStore = (*MemoryCorrelationStore)(nil)

// NewMemoryCorrelationStore creates an empty store.
func NewMemoryCorrelationStore() *MemoryCorrelationStore {
	return &MemoryCorrelationStore{
		entries: make(map[string]correlationEntry),
		now:     time.Now,
	}
}

// Put stores params for correlationID, replacing any previous entry.
func (s *MemoryCorrelationStore) Put(correlationID string, params domain.PointcutParameters) {
	if correlationID == "" || params == nil {
		return
	}
	s.mu.Lock()
	s.entries[correlationID] = correlationEntry{params: params, storedAt: s.now()}
	s.mu.Unlock()
}

// Get returns the parameters stored for correlationID.
func (s *MemoryCorrelationStore) Get(correlationID string) (domain.PointcutParameters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[correlationID]
	return entry.params, ok
}

// Delete removes the entry for correlationID.
func (s *MemoryCorrelationStore) Delete(correlationID string) {
	s.mu.Lock()
	delete(s.entries, correlationID)
	s.mu.Unlock()
}

// Len returns the number of live entries.
func (s *MemoryCorrelationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// StartCleanup runs a ticker removing entries older than ttl. It only catches
// executions whose completion never fired; normal completion deletes entries directly.
func (s *MemoryCorrelationStore) StartCleanup(ctx context.Context, interval time.Duration, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup(ttl)
			}
		}
	}()
}

func (s *MemoryCorrelationStore) cleanup(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if entry.storedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}
