package workload

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisWorkloadStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisStoreFromClient(client, "")
}

func TestRedisStore_AdjustReputation(t *testing.T) {
	mr, store := setupRedisWorkloadStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()

	score, err := store.AdjustReputation(ctx, "agent-a", 2.0, "task_completed")
	require.NoError(t, err)
	assert.InDelta(t, 52.0, score, 0.001)

	score, err = store.AdjustReputation(ctx, "agent-a", -1.5, "task_failed")
	require.NoError(t, err)
	assert.InDelta(t, 50.5, score, 0.001)

	got, err := store.GetReputation(ctx, "agent-a")
	require.NoError(t, err)
	assert.InDelta(t, 50.5, got, 0.001)
}

func TestRedisStore_AdjustReputationClamps(t *testing.T) {
	mr, store := setupRedisWorkloadStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()

	score, err := store.AdjustReputation(ctx, "agent-a", 500, "task_completed")
	require.NoError(t, err)
	assert.Equal(t, ReputationMax, score)

	score, err = store.AdjustReputation(ctx, "agent-a", -500, "task_failed")
	require.NoError(t, err)
	assert.Equal(t, ReputationMin, score)

	// Clamped deltas land in history as the effective change.
	history, err := store.History(ctx, "agent-a", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.InDelta(t, -100.0, history[0].Delta, 0.001)
	assert.InDelta(t, 50.0, history[1].Delta, 0.001)
}

func TestRedisStore_GetReputationUnknownIsNeutral(t *testing.T) {
	mr, store := setupRedisWorkloadStore(t)
	defer mr.Close()
	defer store.Close()

	score, err := store.GetReputation(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, ReputationNeutral, score)
}

func TestRedisStore_Snapshots(t *testing.T) {
	mr, store := setupRedisWorkloadStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{
		AgentID:      "agent-b",
		ActiveTasks:  2,
		Capacity:     4,
		Utilization:  50,
		Availability: AvailabilityAvailable,
	}))
	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{
		AgentID:      "agent-a",
		ActiveTasks:  4,
		Capacity:     4,
		Utilization:  100,
		Availability: AvailabilityBusy,
	}))

	snap, err := store.GetSnapshot(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, AvailabilityBusy, snap.Availability)

	all, err := store.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "agent-a", all[0].AgentID, "snapshots sorted by agent id")

	history, err := store.ListReputations(ctx)
	require.NoError(t, err)
	assert.Empty(t, history, "snapshots alone do not create scores")
}
