package workload

import (
	"context"
)

// Store persists utilization snapshots and reputation scores.
//
// AdjustReputation must apply the delta, clamp to [ReputationMin,
// ReputationMax] and append the history entry as one atomic operation; the
// memory store holds its mutex across the read-modify-write, the redis store
// runs a Lua script. Callers never compute a new score in app memory.
type Store interface {
	// SaveSnapshot upserts an agent's utilization snapshot.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// GetSnapshot returns the latest snapshot for an agent.
	GetSnapshot(ctx context.Context, agentID string) (*Snapshot, error)

	// ListSnapshots returns the latest snapshot of every tracked agent.
	ListSnapshots(ctx context.Context) ([]*Snapshot, error)

	// AdjustReputation atomically applies a clamped delta and appends a
	// history entry. An unknown agent starts at ReputationNeutral. Returns
	// the resulting score.
	AdjustReputation(ctx context.Context, agentID string, delta float64, cause string) (float64, error)

	// GetReputation returns the agent's current score, ReputationNeutral
	// for unknown agents.
	GetReputation(ctx context.Context, agentID string) (float64, error)

	// ListReputations returns the current score of every agent with history.
	ListReputations(ctx context.Context) (map[string]float64, error)

	// History returns the most recent reputation entries for an agent,
	// newest first. limit <= 0 returns all.
	History(ctx context.Context, agentID string, limit int) ([]*ReputationEntry, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
