// Package workload tracks per-agent utilization and a reputation score that
// evolves from task outcomes. Reputation is bounded to [0,100], starts
// neutral at 50 and drifts back toward neutral under decay, so neither
// golden-child nor pariah states are permanent.
package workload

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/event"
	"github.com/agentmesh/agentmesh/types"
)

// TrackerConfig configures reputation dynamics.
type TrackerConfig struct {
	// SuccessWeight multiplies the quality score on success.
	SuccessWeight float64 `json:"success_weight" yaml:"success_weight"`

	// FailurePenalty is subtracted on failure.
	FailurePenalty float64 `json:"failure_penalty" yaml:"failure_penalty"`

	// DecayRate is the fraction of the distance to neutral closed per
	// decay pass, in (0,1].
	DecayRate float64 `json:"decay_rate" yaml:"decay_rate"`

	// MinHistoryForDecay is the minimum number of history entries before
	// decay applies to an agent.
	MinHistoryForDecay int `json:"min_history_for_decay" yaml:"min_history_for_decay"`
}

// DefaultTrackerConfig returns the default reputation dynamics.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		SuccessWeight:      2.0,
		FailurePenalty:     1.5,
		DecayRate:          0.05,
		MinHistoryForDecay: 3,
	}
}

// Tracker is the agent workload and reputation tracker.
type Tracker struct {
	store  Store
	bus    *event.Bus
	config TrackerConfig
	logger *zap.Logger
}

// NewTracker creates a workload tracker over the given store. bus may be nil.
func NewTracker(store Store, bus *event.Bus, config TrackerConfig, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SuccessWeight <= 0 {
		config.SuccessWeight = DefaultTrackerConfig().SuccessWeight
	}
	if config.FailurePenalty <= 0 {
		config.FailurePenalty = DefaultTrackerConfig().FailurePenalty
	}
	if config.DecayRate <= 0 || config.DecayRate > 1 {
		config.DecayRate = DefaultTrackerConfig().DecayRate
	}
	return &Tracker{
		store:  store,
		bus:    bus,
		config: config,
		logger: logger.With(zap.String("component", "workload_tracker")),
	}
}

// UpdateWorkload records an agent's current load and derives its
// availability class.
func (t *Tracker) UpdateWorkload(ctx context.Context, agentID string, active, queued, capacity int) (*Snapshot, error) {
	if agentID == "" {
		return nil, types.NewError(types.ErrCodeValidation, "agent id is required")
	}
	if capacity <= 0 {
		return nil, types.NewError(types.ErrCodeValidation, "capacity must be positive")
	}

	utilization := float64(active) / float64(capacity) * 100
	snap := &Snapshot{
		AgentID:      agentID,
		ActiveTasks:  active,
		QueuedTasks:  queued,
		Capacity:     capacity,
		Utilization:  utilization,
		Availability: ComputeAvailability(utilization),
	}
	if err := t.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Snapshot returns the latest utilization snapshot for an agent.
func (t *Tracker) Snapshot(ctx context.Context, agentID string) (*Snapshot, error) {
	return t.store.GetSnapshot(ctx, agentID)
}

// Snapshots returns the latest snapshot of every tracked agent.
func (t *Tracker) Snapshots(ctx context.Context) ([]*Snapshot, error) {
	return t.store.ListSnapshots(ctx)
}

// UpdateReputation applies an outcome to an agent's score. Success adds
// quality weighted by SuccessWeight; failure subtracts FailurePenalty. The
// store clamps and records history atomically.
func (t *Tracker) UpdateReputation(ctx context.Context, agentID string, success bool, quality float64) (float64, error) {
	if agentID == "" {
		return 0, types.NewError(types.ErrCodeValidation, "agent id is required")
	}

	delta := -t.config.FailurePenalty
	cause := "task_failed"
	if success {
		delta = quality * t.config.SuccessWeight
		cause = "task_completed"
	}

	score, err := t.store.AdjustReputation(ctx, agentID, delta, cause)
	if err != nil {
		return 0, err
	}

	t.logger.Debug("reputation updated",
		zap.String("agent_id", agentID),
		zap.Bool("success", success),
		zap.Float64("score", score),
	)
	if t.bus != nil {
		t.bus.Publish(event.New(event.KindReputationChanged, agentID, map[string]any{
			"agent_id": agentID,
			"score":    score,
		}))
	}
	return score, nil
}

// Reputation returns an agent's current score. Unknown agents read as
// neutral, and so does a failing store: routing must not break because the
// reputation backend is down.
func (t *Tracker) Reputation(ctx context.Context, agentID string) float64 {
	score, err := t.store.GetReputation(ctx, agentID)
	if err != nil {
		return ReputationNeutral
	}
	return score
}

// History returns the most recent reputation entries, newest first.
func (t *Tracker) History(ctx context.Context, agentID string, limit int) ([]*ReputationEntry, error) {
	return t.store.History(ctx, agentID, limit)
}

// Decay nudges every agent with sufficient history toward neutral:
// new = old + (neutral-old)*rate. Changes land in the same history log as
// outcome-driven updates. Returns the number of agents adjusted.
func (t *Tracker) Decay(ctx context.Context) (int, error) {
	scores, err := t.store.ListReputations(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for agentID, score := range scores {
		history, err := t.store.History(ctx, agentID, t.config.MinHistoryForDecay)
		if err != nil || len(history) < t.config.MinHistoryForDecay {
			continue
		}
		delta := (ReputationNeutral - score) * t.config.DecayRate
		if delta == 0 {
			continue
		}
		if _, err := t.store.AdjustReputation(ctx, agentID, delta, "decay"); err != nil {
			t.logger.Warn("reputation decay failed",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			continue
		}
		count++
	}
	return count, nil
}

// SubscribeOutcomes wires the reputation projector: every mutation outcome
// event feeds UpdateReputation. Returns the subscription ID.
func (t *Tracker) SubscribeOutcomes(bus *event.Bus) string {
	return bus.Subscribe(func(ev *event.DomainEvent) {
		var out event.MutationOutcome
		if err := ev.Decode(&out); err != nil {
			t.logger.Warn("undecodable mutation outcome", zap.Error(err))
			return
		}
		if _, err := t.UpdateReputation(context.Background(), out.AgentID, out.Success, out.Quality); err != nil {
			t.logger.Warn("reputation projection failed",
				zap.String("agent_id", out.AgentID),
				zap.Error(err),
			)
		}
	}, event.KindMutationOutcome)
}
