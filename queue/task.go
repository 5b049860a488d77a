// Package queue implements the priority task queue and lease-based claim
// manager. Tasks carry a computed priority derived from configurable weights;
// claims are time-bounded exclusive rights renewable via heartbeat.
package queue

import (
	"time"
)

// TaskStatus represents the status of a queued task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be claimed.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusClaimed indicates an agent holds an active lease on the task.
	TaskStatusClaimed TaskStatus = "claimed"

	// TaskStatusInProgress indicates the claim holder started execution.
	TaskStatusInProgress TaskStatus = "in_progress"

	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the task was cancelled.
	TaskStatusCancelled TaskStatus = "cancelled"

	// TaskStatusBlocked indicates the task has unresolved dependencies and
	// is excluded from the claimable candidate set.
	TaskStatusBlocked TaskStatus = "blocked"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Claimable returns true if a task in this status may be claimed.
func (s TaskStatus) Claimable() bool {
	return s == TaskStatusPending
}

// Claim is a time-bounded exclusive right to process a task. At most one
// active, non-expired claim exists per task at any instant.
type Claim struct {
	// TaskID is the claimed task.
	TaskID string `json:"task_id"`

	// AgentID is the claim holder.
	AgentID string `json:"agent_id"`

	// ExpiresAt is the lease expiry; an unrenewed claim past this instant
	// is treated as released on next read.
	ExpiresAt time.Time `json:"expires_at"`

	// ClaimedAt is when the claim was first taken.
	ClaimedAt time.Time `json:"claimed_at"`
}

// Active reports whether the claim is still live at the given instant.
func (c *Claim) Active(now time.Time) bool {
	return c != nil && now.Before(c.ExpiresAt)
}

// PriorityInputs are the sub-scores combined into the computed priority.
// Each is expected in [0,1].
type PriorityInputs struct {
	// Urgency reflects time pressure beyond the deadline itself.
	Urgency float64 `json:"urgency"`

	// Importance reflects business value.
	Importance float64 `json:"importance"`

	// Complexity reflects estimated effort.
	Complexity float64 `json:"complexity"`

	// DependencyPressure reflects how many other tasks wait on this one.
	DependencyPressure float64 `json:"dependency_pressure"`

	// Impact reflects the blast radius of the task's outcome.
	Impact float64 `json:"impact"`
}

// PriorityWeights configures the weighted combination that produces the
// computed priority. Weights are configuration, never hard-coded at call
// sites.
type PriorityWeights struct {
	Base       float64 `json:"base" yaml:"base"`
	Urgency    float64 `json:"urgency" yaml:"urgency"`
	Importance float64 `json:"importance" yaml:"importance"`
	Complexity float64 `json:"complexity" yaml:"complexity"`
	Dependency float64 `json:"dependency" yaml:"dependency"`
	Impact     float64 `json:"impact" yaml:"impact"`

	// Deadline scales the urgency boost applied as a deadline approaches.
	Deadline float64 `json:"deadline" yaml:"deadline"`

	// DeadlineHorizon is the window within which deadline proximity starts
	// contributing. A deadline further out contributes nothing.
	DeadlineHorizon time.Duration `json:"deadline_horizon" yaml:"deadline_horizon"`
}

// DefaultPriorityWeights returns the default weighting.
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{
		Base:            1.0,
		Urgency:         2.0,
		Importance:      1.5,
		Complexity:      0.5,
		Dependency:      1.0,
		Impact:          1.5,
		Deadline:        3.0,
		DeadlineHorizon: 24 * time.Hour,
	}
}

// Task is a unit of routed work held by the queue.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// SessionID is the coordination session this task belongs to.
	SessionID string `json:"session_id,omitempty"`

	// Type is the task type.
	Type string `json:"type,omitempty"`

	// Tags are the capability tags required to execute the task.
	Tags []string `json:"tags,omitempty"`

	// BasePriority is the caller-assigned priority (higher = more urgent).
	BasePriority int `json:"base_priority"`

	// Scores are the priority sub-scores.
	Scores PriorityInputs `json:"scores"`

	// ComputedPriority is derived from BasePriority, Scores, Deadline and
	// the configured weights. Recomputed whenever any input changes.
	ComputedPriority float64 `json:"computed_priority"`

	// Status is the current task status.
	Status TaskStatus `json:"status"`

	// DependsOn lists task IDs that must complete before this task is
	// claimable.
	DependsOn []string `json:"depends_on,omitempty"`

	// Deadline is the optional completion deadline.
	Deadline *time.Time `json:"deadline,omitempty"`

	// Claim is the current claim, if any.
	Claim *Claim `json:"claim,omitempty"`

	// CancelRequested is the advisory cancellation flag. A claim holder
	// must observe it cooperatively; it does not force-kill in-flight work.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Input contains the task input payload.
	Input map[string]any `json:"input,omitempty"`

	// Result contains the task result once completed.
	Result any `json:"result,omitempty"`

	// Error contains the error message once failed.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task was last updated.
	UpdatedAt time.Time `json:"updated_at"`

	// StartedAt is when execution started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// ActiveClaim returns the task's claim when it is still live at now, else
// nil. Leases are evaluated lazily on read; an expired claim is simply
// ignored rather than eagerly torn down by a timer.
func (t *Task) ActiveClaim(now time.Time) *Claim {
	if t.Claim.Active(now) {
		return t.Claim
	}
	return nil
}

// ComputePriority derives the weighted priority for the task at the given
// instant. The combination is monotonic in every sub-score.
func ComputePriority(t *Task, now time.Time, w PriorityWeights) float64 {
	p := w.Base * float64(t.BasePriority)
	p += w.Urgency * t.Scores.Urgency
	p += w.Importance * t.Scores.Importance
	p += w.Complexity * t.Scores.Complexity
	p += w.Dependency * t.Scores.DependencyPressure
	p += w.Impact * t.Scores.Impact

	if t.Deadline != nil && w.DeadlineHorizon > 0 {
		remaining := t.Deadline.Sub(now)
		switch {
		case remaining <= 0:
			p += w.Deadline
		case remaining < w.DeadlineHorizon:
			p += w.Deadline * (1 - float64(remaining)/float64(w.DeadlineHorizon))
		}
	}
	return p
}

// TaskFilter defines criteria for listing tasks.
type TaskFilter struct {
	// SessionID filters by session.
	SessionID string `json:"session_id,omitempty"`

	// AgentID filters by current claim holder.
	AgentID string `json:"agent_id,omitempty"`

	// Status filters by status (any of).
	Status []TaskStatus `json:"status,omitempty"`

	// CreatedAfter filters tasks created after this time.
	CreatedAfter *time.Time `json:"created_after,omitempty"`

	// CreatedBefore filters tasks created before this time.
	CreatedBefore *time.Time `json:"created_before,omitempty"`

	// Limit is the maximum number of tasks to return.
	Limit int `json:"limit,omitempty"`

	// Offset is the number of tasks to skip.
	Offset int `json:"offset,omitempty"`
}

// Stats is the queue read model for dashboards.
type Stats struct {
	// TotalTasks is the total number of tasks in the store.
	TotalTasks int64 `json:"total_tasks"`

	// StatusCounts is the task count per status.
	StatusCounts map[TaskStatus]int64 `json:"status_counts"`

	// AgentCounts is the count of actively claimed tasks per agent.
	AgentCounts map[string]int64 `json:"agent_counts"`

	// OldestPendingAge is the age of the oldest pending task.
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}
