package workload

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/types"
)

// MemoryStore is an in-memory implementation of Store for single-process
// deployments and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	scores    map[string]float64
	history   map[string][]*ReputationEntry
	closed    bool
}

// NewMemoryStore creates a new in-memory workload store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*Snapshot),
		scores:    make(map[string]float64),
		history:   make(map[string][]*ReputationEntry),
	}
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

// SaveSnapshot upserts an agent's utilization snapshot.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.AgentID == "" {
		return types.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	clone := *snap
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = time.Now().UTC()
	}
	s.snapshots[snap.AgentID] = &clone
	return nil
}

// GetSnapshot returns the latest snapshot for an agent.
func (s *MemoryStore) GetSnapshot(ctx context.Context, agentID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	snap, ok := s.snapshots[agentID]
	if !ok {
		return nil, types.ErrNotFound
	}
	clone := *snap
	return &clone, nil
}

// ListSnapshots returns the latest snapshot of every tracked agent.
func (s *MemoryStore) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	result := make([]*Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		clone := *snap
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}

// AdjustReputation atomically applies a clamped delta and appends a history
// entry. The mutex is held across the whole read-modify-write.
func (s *MemoryStore) AdjustReputation(ctx context.Context, agentID string, delta float64, cause string) (float64, error) {
	if agentID == "" {
		return 0, types.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, types.ErrStoreClosed
	}

	old, ok := s.scores[agentID]
	if !ok {
		old = ReputationNeutral
	}
	score := clampScore(old + delta)
	s.scores[agentID] = score
	s.history[agentID] = append(s.history[agentID], &ReputationEntry{
		AgentID:   agentID,
		Delta:     score - old,
		Score:     score,
		Cause:     cause,
		Timestamp: time.Now().UTC(),
	})
	return score, nil
}

// GetReputation returns the agent's current score.
func (s *MemoryStore) GetReputation(ctx context.Context, agentID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, types.ErrStoreClosed
	}

	score, ok := s.scores[agentID]
	if !ok {
		return ReputationNeutral, nil
	}
	return score, nil
}

// ListReputations returns the current score of every agent with history.
func (s *MemoryStore) ListReputations(ctx context.Context) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	result := make(map[string]float64, len(s.scores))
	for agentID, score := range s.scores {
		result[agentID] = score
	}
	return result, nil
}

// History returns the most recent reputation entries, newest first.
func (s *MemoryStore) History(ctx context.Context, agentID string, limit int) ([]*ReputationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	entries := s.history[agentID]
	result := make([]*ReputationEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		clone := *entries[i]
		result = append(result, &clone)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func clampScore(score float64) float64 {
	if score < ReputationMin {
		return ReputationMin
	}
	if score > ReputationMax {
		return ReputationMax
	}
	return score
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
