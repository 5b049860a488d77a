package blackboard

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/types"
)

// MemoryStore is an in-memory implementation of Store for single-process
// deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	closed  bool
}

// NewMemoryStore creates a new in-memory blackboard store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	return nil
}

// SaveEntry persists a new entry.
func (s *MemoryStore) SaveEntry(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.ID == "" {
		return types.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	clone := *entry
	s.entries[entry.ID] = &clone
	return nil
}

// GetEntry returns an entry by ID, honoring lazy TTL expiry.
func (s *MemoryStore) GetEntry(ctx context.Context, entryID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	entry, ok := s.entries[entryID]
	if !ok || entry.Expired(time.Now().UTC()) {
		return nil, types.ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

// UpdateEntry performs the version compare-and-set under the write lock.
func (s *MemoryStore) UpdateEntry(ctx context.Context, entryID string, expectedVersion int64, content any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, types.ErrStoreClosed
	}

	entry, ok := s.entries[entryID]
	if !ok || entry.Expired(time.Now().UTC()) {
		return 0, types.ErrNotFound
	}
	if entry.Version != expectedVersion {
		return 0, types.ErrStaleWrite
	}

	entry.Content = content
	entry.Version++
	entry.UpdatedAt = time.Now().UTC()
	return entry.Version, nil
}

// ListEntries returns live session entries in read order.
func (s *MemoryStore) ListEntries(ctx context.Context, sessionID string, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	now := time.Now().UTC()
	result := make([]*Entry, 0)
	for _, entry := range s.entries {
		if entry.SessionID != sessionID || entry.Expired(now) {
			continue
		}
		if !matchesEntry(entry, filter) {
			continue
		}
		clone := *entry
		result = append(result, &clone)
	}
	orderEntries(result)
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// DeleteEntry removes an entry.
func (s *MemoryStore) DeleteEntry(ctx context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	if _, ok := s.entries[entryID]; !ok {
		return types.ErrNotFound
	}
	delete(s.entries, entryID)
	return nil
}

// Sweep removes expired entries.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, types.ErrStoreClosed
	}

	count := 0
	for entryID, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, entryID)
			count++
		}
	}
	return count, nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
