package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/types"
)

// MemoryTaskStore is an in-memory implementation of TaskStore. Suitable for
// development and testing. Data is lost on restart. All conditional
// operations run under the write lock, which makes them atomic.
type MemoryTaskStore struct {
	tasks  map[string]*Task
	mu     sync.RWMutex
	closed bool
}

// NewMemoryTaskStore creates a new in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string]*Task),
	}
}

// Close closes the store.
func (s *MemoryTaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryTaskStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	return nil
}

// SaveTask persists a task to the store.
func (s *MemoryTaskStore) SaveTask(ctx context.Context, task *Task) error {
	if task == nil {
		return types.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask retrieves a task by ID.
func (s *MemoryTaskStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return cloneTask(task), nil
}

// ListTasks retrieves tasks matching the filter criteria.
func (s *MemoryTaskStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	now := time.Now().UTC()
	result := make([]*Task, 0)
	for _, task := range s.tasks {
		if matchesFilter(task, filter, now) {
			result = append(result, cloneTask(task))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return page(result, filter.Offset, filter.Limit), nil
}

// NextClaimable returns the claimable candidate set ordered by computed
// priority descending, ties by earliest creation. Lease expiry is evaluated
// lazily here: a claimed task whose lease lapsed is claimable again.
func (s *MemoryTaskStore) NextClaimable(ctx context.Context, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	now := time.Now().UTC()
	result := make([]*Task, 0)
	for _, task := range s.tasks {
		if claimableNow(task, now) {
			result = append(result, cloneTask(task))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ComputedPriority != result[j].ComputedPriority {
			return result[i].ComputedPriority > result[j].ComputedPriority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Claim atomically takes a lease on the task.
func (s *MemoryTaskStore) Claim(ctx context.Context, taskID, agentID string, lease time.Duration) (bool, error) {
	if agentID == "" || lease <= 0 {
		return false, types.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, types.ErrStoreClosed
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return false, types.ErrNotFound
	}

	now := time.Now().UTC()
	if active := task.ActiveClaim(now); active != nil {
		if active.AgentID != agentID {
			return false, nil
		}
		// Same holder: re-claiming extends the lease.
		active.ExpiresAt = now.Add(lease)
		task.UpdatedAt = now
		return true, nil
	}

	if task.Status.IsTerminal() || task.Status == TaskStatusBlocked {
		return false, nil
	}

	task.Claim = &Claim{
		TaskID:    taskID,
		AgentID:   agentID,
		ExpiresAt: now.Add(lease),
		ClaimedAt: now,
	}
	task.Status = TaskStatusClaimed
	task.UpdatedAt = now
	return true, nil
}

// Heartbeat renews an active lease held by the agent.
func (s *MemoryTaskStore) Heartbeat(ctx context.Context, taskID, agentID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, types.ErrStoreClosed
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return false, types.ErrNotFound
	}

	now := time.Now().UTC()
	active := task.ActiveClaim(now)
	if active == nil || active.AgentID != agentID {
		return false, nil
	}

	active.ExpiresAt = now.Add(lease)
	task.UpdatedAt = now
	return true, nil
}

// Release drops the agent's claim and returns the task to pending.
func (s *MemoryTaskStore) Release(ctx context.Context, taskID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, types.ErrStoreClosed
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return false, types.ErrNotFound
	}

	now := time.Now().UTC()
	active := task.ActiveClaim(now)
	if active == nil || active.AgentID != agentID {
		return false, nil
	}

	task.Claim = nil
	if !task.Status.IsTerminal() {
		task.Status = TaskStatusPending
	}
	task.UpdatedAt = now
	return true, nil
}

// MarkInProgress transitions a claimed task to in_progress.
func (s *MemoryTaskStore) MarkInProgress(ctx context.Context, taskID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, types.ErrStoreClosed
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return false, types.ErrNotFound
	}

	now := time.Now().UTC()
	active := task.ActiveClaim(now)
	if active == nil || active.AgentID != agentID || task.Status != TaskStatusClaimed {
		return false, nil
	}

	task.Status = TaskStatusInProgress
	task.StartedAt = &now
	task.UpdatedAt = now
	return true, nil
}

// ExpireLeases returns tasks with lapsed leases to the claimable pool.
func (s *MemoryTaskStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, types.ErrStoreClosed
	}

	count := 0
	for _, task := range s.tasks {
		if task.Claim == nil || task.Claim.Active(now) {
			continue
		}
		if task.Status == TaskStatusClaimed || task.Status == TaskStatusInProgress {
			task.Claim = nil
			task.Status = TaskStatusPending
			task.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// Dependents returns tasks that depend on the given task.
func (s *MemoryTaskStore) Dependents(ctx context.Context, taskID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	result := make([]*Task, 0)
	for _, task := range s.tasks {
		for _, dep := range task.DependsOn {
			if dep == taskID {
				result = append(result, cloneTask(task))
				break
			}
		}
	}
	return result, nil
}

// DeleteTask removes a task from the store.
func (s *MemoryTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	if _, ok := s.tasks[taskID]; !ok {
		return types.ErrNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

// Cleanup removes terminal tasks older than the specified duration.
func (s *MemoryTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, types.ErrStoreClosed
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	count := 0
	for taskID, task := range s.tasks {
		if !task.Status.IsTerminal() {
			continue
		}
		checkTime := task.UpdatedAt
		if task.CompletedAt != nil {
			checkTime = *task.CompletedAt
		}
		if checkTime.Before(cutoff) {
			delete(s.tasks, taskID)
			count++
		}
	}
	return count, nil
}

// Stats returns statistics about the task store.
func (s *MemoryTaskStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	now := time.Now().UTC()
	stats := &Stats{
		StatusCounts: make(map[TaskStatus]int64),
		AgentCounts:  make(map[string]int64),
	}

	var oldestPending time.Time
	for _, task := range s.tasks {
		stats.TotalTasks++
		stats.StatusCounts[task.Status]++

		if claim := task.ActiveClaim(now); claim != nil {
			stats.AgentCounts[claim.AgentID]++
		}

		if task.Status == TaskStatusPending {
			if oldestPending.IsZero() || task.CreatedAt.Before(oldestPending) {
				oldestPending = task.CreatedAt
			}
		}
	}

	if !oldestPending.IsZero() {
		stats.OldestPendingAge = now.Sub(oldestPending)
	}
	return stats, nil
}

// claimableNow reports whether a task may be claimed at the given instant,
// honoring lazy lease expiry.
func claimableNow(task *Task, now time.Time) bool {
	switch task.Status {
	case TaskStatusPending:
		return task.ActiveClaim(now) == nil
	case TaskStatusClaimed, TaskStatusInProgress:
		// A lapsed lease silently returns the task to the pool.
		return task.ActiveClaim(now) == nil
	default:
		return false
	}
}

// cloneTask deep-copies a task through JSON so callers cannot mutate store
// state behind the lock.
func cloneTask(t *Task) *Task {
	data, err := json.Marshal(t)
	if err != nil {
		cp := *t
		return &cp
	}
	var cp Task
	if err := json.Unmarshal(data, &cp); err != nil {
		shallow := *t
		return &shallow
	}
	return &cp
}

// Ensure MemoryTaskStore implements TaskStore.
var _ TaskStore = (*MemoryTaskStore)(nil)
