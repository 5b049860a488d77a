package queue

import (
	"context"
	"time"
)

// TaskStore defines the persistence contract for the task queue. Claim,
// Heartbeat, and Release are atomic conditional operations: implementations
// must never apply them as separate read-then-write round trips.
type TaskStore interface {
	// SaveTask persists a task (create or update).
	SaveTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ListTasks retrieves tasks matching the filter, ordered by creation
	// time ascending.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// NextClaimable returns claimable tasks ordered by computed priority
	// descending, ties broken by earliest creation. Blocked tasks and tasks
	// with an active claim are excluded.
	NextClaimable(ctx context.Context, limit int) ([]*Task, error)

	// Claim atomically takes a lease on the task for the agent. It succeeds
	// when the task is claimable and carries no active claim, and is
	// idempotent for the same holder (the lease is extended). Returns false
	// on conflict, without error.
	Claim(ctx context.Context, taskID, agentID string, lease time.Duration) (bool, error)

	// Heartbeat atomically renews an active lease held by the agent.
	// Returns false when no such lease exists.
	Heartbeat(ctx context.Context, taskID, agentID string, lease time.Duration) (bool, error)

	// Release atomically drops the agent's claim and returns the task to
	// pending. Idempotent: releasing an unheld claim returns false, no error.
	Release(ctx context.Context, taskID, agentID string) (bool, error)

	// MarkInProgress atomically transitions a claimed task to in_progress;
	// only the active claim holder may do so.
	MarkInProgress(ctx context.Context, taskID, agentID string) (bool, error)

	// ExpireLeases normalizes tasks whose lease has lapsed back to pending
	// and returns the count. Idempotent; safe to run concurrently with
	// claims because expiry is also evaluated lazily on read.
	ExpireLeases(ctx context.Context, now time.Time) (int, error)

	// Dependents returns tasks that list the given task in DependsOn.
	Dependents(ctx context.Context, taskID string) ([]*Task, error)

	// DeleteTask removes a task from the store.
	DeleteTask(ctx context.Context, taskID string) error

	// Cleanup removes terminal tasks older than the given retention.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Ping checks store health.
	Ping(ctx context.Context) error

	// Close closes the store.
	Close() error
}

// matchesFilter checks if a task matches the filter criteria. Shared by the
// memory and redis stores.
func matchesFilter(task *Task, filter TaskFilter, now time.Time) bool {
	if filter.SessionID != "" && task.SessionID != filter.SessionID {
		return false
	}

	if filter.AgentID != "" {
		claim := task.ActiveClaim(now)
		if claim == nil || claim.AgentID != filter.AgentID {
			return false
		}
	}

	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if task.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.CreatedAfter != nil && task.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}

	if filter.CreatedBefore != nil && task.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}

	return true
}

// page applies offset and limit to a result slice.
func page(tasks []*Task, offset, limit int) []*Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return []*Task{}
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}
