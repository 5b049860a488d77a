package queue

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/event"
	"github.com/agentmesh/agentmesh/types"
)

// ManagerConfig configures the queue manager.
type ManagerConfig struct {
	// Weights drive the computed-priority combination.
	Weights PriorityWeights `json:"weights" yaml:"weights"`

	// DefaultLease is the lease applied when a claim passes zero.
	DefaultLease time.Duration `json:"default_lease" yaml:"default_lease"`
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Weights:      DefaultPriorityWeights(),
		DefaultLease: 60 * time.Second,
	}
}

// Manager is the priority task queue and claim manager. It validates input,
// derives computed priorities, maintains the blocked/pending distinction for
// dependent tasks, and publishes domain events after transitions commit.
type Manager struct {
	store  TaskStore
	bus    *event.Bus
	config ManagerConfig
	logger *zap.Logger
}

// NewManager creates a queue manager over the given store. bus may be nil
// when no projectors are wired.
func NewManager(store TaskStore, bus *event.Bus, config ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultLease <= 0 {
		config.DefaultLease = DefaultManagerConfig().DefaultLease
	}
	return &Manager{
		store:  store,
		bus:    bus,
		config: config,
		logger: logger.With(zap.String("component", "task_queue")),
	}
}

// Enqueue validates and persists a new task. A task with unresolved
// dependencies enters as blocked rather than pending.
func (m *Manager) Enqueue(ctx context.Context, task *Task) (string, error) {
	if task == nil {
		return "", types.NewError(types.ErrCodeValidation, "task is nil")
	}
	if task.BasePriority < 0 {
		return "", types.NewError(types.ErrCodeValidation, "base priority must be non-negative")
	}
	if err := validateScores(task.Scores); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Status = TaskStatusPending
	blocked, err := m.hasUnresolvedDeps(ctx, task)
	if err != nil {
		return "", err
	}
	if blocked {
		task.Status = TaskStatusBlocked
	}
	task.ComputedPriority = ComputePriority(task, now, m.config.Weights)

	if err := m.store.SaveTask(ctx, task); err != nil {
		return "", err
	}

	m.logger.Info("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.Float64("computed_priority", task.ComputedPriority),
	)
	return task.ID, nil
}

// Get retrieves a task by ID.
func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	return m.store.GetTask(ctx, taskID)
}

// List retrieves tasks matching the filter.
func (m *Manager) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	return m.store.ListTasks(ctx, filter)
}

// NextClaimable returns the claimable candidate set in dequeue order.
func (m *Manager) NextClaimable(ctx context.Context, limit int) ([]*Task, error) {
	return m.store.NextClaimable(ctx, limit)
}

// Claim takes a lease on a task for an agent. A zero lease uses the
// configured default. Conflicts return false without error.
func (m *Manager) Claim(ctx context.Context, taskID, agentID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = m.config.DefaultLease
	}
	ok, err := m.store.Claim(ctx, taskID, agentID, lease)
	if err != nil {
		return false, err
	}
	if ok {
		m.logger.Debug("task claimed",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
			zap.Duration("lease", lease),
		)
	}
	return ok, nil
}

// Heartbeat renews an active lease.
func (m *Manager) Heartbeat(ctx context.Context, taskID, agentID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = m.config.DefaultLease
	}
	return m.store.Heartbeat(ctx, taskID, agentID, lease)
}

// Release drops an agent's claim. Idempotent.
func (m *Manager) Release(ctx context.Context, taskID, agentID string) (bool, error) {
	return m.store.Release(ctx, taskID, agentID)
}

// Start transitions a claimed task to in_progress.
func (m *Manager) Start(ctx context.Context, taskID, agentID string) (bool, error) {
	return m.store.MarkInProgress(ctx, taskID, agentID)
}

// Complete marks a task completed, records the result, and unblocks
// dependents. Only the active claim holder may complete a claimed task.
// quality in [0,1] rates the outcome for the reputation projector.
func (m *Manager) Complete(ctx context.Context, taskID, agentID string, result any, quality float64) error {
	if quality < 0 || quality > 1 {
		return types.NewError(types.ErrCodeValidation, "quality must be in [0,1]")
	}
	if err := m.finish(ctx, taskID, agentID, TaskStatusCompleted, result, ""); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(event.New(event.KindTaskCompleted, agentID, map[string]string{"task_id": taskID}))
		m.bus.Publish(event.New(event.KindMutationOutcome, agentID, event.MutationOutcome{
			AgentID: agentID,
			TaskID:  taskID,
			Success: true,
			Quality: quality,
		}))
	}
	return m.unblockDependents(ctx, taskID)
}

// Fail marks a task failed with an error message.
func (m *Manager) Fail(ctx context.Context, taskID, agentID, errMsg string) error {
	if err := m.finish(ctx, taskID, agentID, TaskStatusFailed, nil, errMsg); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(event.New(event.KindTaskFailed, agentID, map[string]string{
			"task_id": taskID,
			"error":   errMsg,
		}))
		m.bus.Publish(event.New(event.KindMutationOutcome, agentID, event.MutationOutcome{
			AgentID: agentID,
			TaskID:  taskID,
			Success: false,
		}))
	}
	return nil
}

// Cancel requests cancellation. A task without an active claim transitions
// to cancelled immediately; a claimed task only gets the advisory flag set —
// the claim holder must observe it cooperatively.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	task.CancelRequested = true
	if task.ActiveClaim(now) == nil {
		task.Status = TaskStatusCancelled
		task.Claim = nil
		task.CompletedAt = &now
	}
	return m.store.SaveTask(ctx, task)
}

// UpdateScores replaces the priority sub-scores and recomputes the task's
// priority, as any input change must.
func (m *Manager) UpdateScores(ctx context.Context, taskID string, scores PriorityInputs) error {
	if err := validateScores(scores); err != nil {
		return err
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Scores = scores
	task.ComputedPriority = ComputePriority(task, time.Now().UTC(), m.config.Weights)
	return m.store.SaveTask(ctx, task)
}

// SweepExpiredLeases frees tasks whose lease lapsed without a heartbeat.
// Idempotent; called by the scheduler collaborator.
func (m *Manager) SweepExpiredLeases(ctx context.Context) (int, error) {
	return m.store.ExpireLeases(ctx, time.Now().UTC())
}

// Cleanup removes terminal tasks past the retention window.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return m.store.Cleanup(ctx, olderThan)
}

// Stats returns queue statistics.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	return m.store.Stats(ctx)
}

// RecoverableTasks returns non-terminal claimed or in-progress tasks whose
// lease has lapsed, ordered by computed priority then age. After a restart
// these are the tasks whose holders may be gone.
func (m *Manager) RecoverableTasks(ctx context.Context) ([]*Task, error) {
	tasks, err := m.store.ListTasks(ctx, TaskFilter{
		Status: []TaskStatus{TaskStatusClaimed, TaskStatusInProgress},
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]*Task, 0, len(tasks))
	for _, task := range tasks {
		if task.ActiveClaim(now) == nil {
			out = append(out, task)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ComputedPriority != out[j].ComputedPriority {
			return out[i].ComputedPriority > out[j].ComputedPriority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// finish applies a terminal transition, verifying the caller's claim when
// one is active. Finding two live claims here would be an invariant
// violation; it is logged loudly, never silently patched.
func (m *Manager) finish(ctx context.Context, taskID, agentID string, status TaskStatus, result any, errMsg string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return types.Errorf(types.ErrCodeValidation, "task %s already %s", taskID, task.Status)
	}

	now := time.Now().UTC()
	if claim := task.ActiveClaim(now); claim != nil && claim.AgentID != agentID {
		return types.Errorf(types.ErrCodeClaimConflict,
			"task %s is claimed by %s", taskID, claim.AgentID)
	}

	// Drop the lease before the terminal write so the redis backend's claim
	// key cannot outlive the task.
	if _, err := m.store.Release(ctx, taskID, agentID); err != nil {
		return err
	}

	task, err = m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = status
	task.Claim = nil
	task.Result = result
	task.Error = errMsg
	task.CompletedAt = &now
	if err := m.store.SaveTask(ctx, task); err != nil {
		return err
	}

	m.logger.Info("task finished",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.String("status", string(status)),
	)
	return nil
}

// unblockDependents re-evaluates tasks waiting on the completed task:
// resolved dependents move from blocked to pending with a recomputed
// priority.
func (m *Manager) unblockDependents(ctx context.Context, taskID string) error {
	dependents, err := m.store.Dependents(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, dep := range dependents {
		if dep.Status != TaskStatusBlocked {
			continue
		}
		blocked, err := m.hasUnresolvedDeps(ctx, dep)
		if err != nil {
			return err
		}
		if blocked {
			continue
		}
		dep.Status = TaskStatusPending
		dep.ComputedPriority = ComputePriority(dep, now, m.config.Weights)
		if err := m.store.SaveTask(ctx, dep); err != nil {
			return err
		}
		m.logger.Debug("task unblocked", zap.String("task_id", dep.ID))
	}
	return nil
}

// hasUnresolvedDeps reports whether any dependency has not completed.
// A missing dependency counts as unresolved.
func (m *Manager) hasUnresolvedDeps(ctx context.Context, task *Task) (bool, error) {
	for _, depID := range task.DependsOn {
		dep, err := m.store.GetTask(ctx, depID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return true, nil
			}
			return false, err
		}
		if dep.Status != TaskStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func validateScores(s PriorityInputs) error {
	for _, v := range []float64{s.Urgency, s.Importance, s.Complexity, s.DependencyPressure, s.Impact} {
		if v < 0 || v > 1 {
			return types.NewError(types.ErrCodeValidation, "priority sub-scores must be in [0,1]")
		}
	}
	return nil
}
