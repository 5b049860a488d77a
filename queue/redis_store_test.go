package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/types"
)

func setupRedisTaskStore(t *testing.T) (*miniredis.Miniredis, *RedisTaskStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisTaskStoreFromClient(client, "")
	return mr, store
}

func TestRedisTaskStore_SaveAndGet(t *testing.T) {
	mr, store := setupRedisTaskStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	task := &Task{
		ID:           "redis-task-1",
		SessionID:    "session-1",
		Tags:         []string{"code-review"},
		BasePriority: 3,
		Status:       TaskStatusPending,
	}

	require.NoError(t, store.SaveTask(ctx, task))

	got, err := store.GetTask(ctx, "redis-task-1")
	require.NoError(t, err)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, TaskStatusPending, got.Status)
	assert.Nil(t, got.Claim)
}

func TestRedisTaskStore_StatusIndexMaintained(t *testing.T) {
	mr, store := setupRedisTaskStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	task := &Task{ID: "idx-1", Status: TaskStatusPending}
	require.NoError(t, store.SaveTask(ctx, task))

	task.Status = TaskStatusCompleted
	now := time.Now().UTC()
	task.CompletedAt = &now
	require.NoError(t, store.SaveTask(ctx, task))

	pending, err := store.ListTasks(ctx, TaskFilter{Status: []TaskStatus{TaskStatusPending}})
	require.NoError(t, err)
	assert.Empty(t, pending, "old status index entry must be removed")

	completed, err := store.ListTasks(ctx, TaskFilter{Status: []TaskStatus{TaskStatusCompleted}})
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestRedisTaskStore_ClaimConflict(t *testing.T) {
	mr, store := setupRedisTaskStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "claim-1", Status: TaskStatusPending}))

	ok, err := store.Claim(ctx, "claim-1", "agent-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Claim(ctx, "claim-1", "agent-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "conflicting claim must be rejected")

	got, err := store.GetTask(ctx, "claim-1")
	require.NoError(t, err)
	require.NotNil(t, got.Claim)
	assert.Equal(t, "agent-a", got.Claim.AgentID)
	assert.Equal(t, TaskStatusClaimed, got.Status)
}

func TestRedisTaskStore_LeaseExpiry(t *testing.T) {
	mr, store := setupRedisTaskStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "lease-1", Status: TaskStatusPending}))

	ok, err := store.Claim(ctx, "lease-1", "agent-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The lease key evicts server-side once the TTL lapses.
	mr.FastForward(2 * time.Second)

	got, err := store.GetTask(ctx, "lease-1")
	require.NoError(t, err)
	assert.Nil(t, got.Claim, "expired lease must not be reconstructed")

	ok, err = store.Claim(ctx, "lease-1", "agent-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "task must be reclaimable after lease expiry")
}

func TestRedisTaskStore_HeartbeatAndRelease(t *testing.T) {
	mr, store := setupRedisTaskStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "hb-1", Status: TaskStatusPending}))
	ok, err := store.Claim(ctx, "hb-1", "agent-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Heartbeat(ctx, "hb-1", "agent-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "non-holder heartbeat must fail")

	ok, err = store.Heartbeat(ctx, "hb-1", "agent-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// The renewed lease survives the original one-second window.
	mr.FastForward(2 * time.Second)
	got, err := store.GetTask(ctx, "hb-1")
	require.NoError(t, err)
	require.NotNil(t, got.Claim)

	ok, err = store.Release(ctx, "hb-1", "agent-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Release(ctx, "hb-1", "agent-a")
	require.NoError(t, err)
	assert.False(t, ok, "release is idempotent")

	got, err = store.GetTask(ctx, "hb-1")
	require.NoError(t, err)
	assert.Nil(t, got.Claim)
	assert.Equal(t, TaskStatusPending, got.Status)
}

func TestRedisTaskStore_ExpireLeasesRepairsStatus(t *testing.T) {
	mr, store := setupRedisTaskStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "repair-1", Status: TaskStatusPending}))
	ok, err := store.Claim(ctx, "repair-1", "agent-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	// The claim key is gone but the body still says claimed until the sweep
	// repairs it.
	n, err := store.ExpireLeases(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetTask(ctx, "repair-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, got.Status)
}

func TestRedisTaskStore_NextClaimableOrdering(t *testing.T) {
	mr, store := setupRedisTaskStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "low", Status: TaskStatusPending, ComputedPriority: 1, CreatedAt: base}))
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "high", Status: TaskStatusPending, ComputedPriority: 9, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "blocked", Status: TaskStatusBlocked, ComputedPriority: 99, CreatedAt: base}))

	tasks, err := store.NextClaimable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "high", tasks[0].ID)
	assert.Equal(t, "low", tasks[1].ID)
}

func TestRedisTaskStore_Dependents(t *testing.T) {
	mr, store := setupRedisTaskStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "parent", Status: TaskStatusPending}))
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "child-1", Status: TaskStatusBlocked, DependsOn: []string{"parent"}}))
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "child-2", Status: TaskStatusBlocked, DependsOn: []string{"parent"}}))

	deps, err := store.Dependents(ctx, "parent")
	require.NoError(t, err)
	assert.Len(t, deps, 2)
}

func TestRedisTaskStore_Stats(t *testing.T) {
	mr, store := setupRedisTaskStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "s-1", Status: TaskStatusPending}))
	require.NoError(t, store.SaveTask(ctx, &Task{ID: "s-2", Status: TaskStatusPending}))
	ok, err := store.Claim(ctx, "s-2", "agent-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalTasks)
	assert.Equal(t, int64(1), stats.StatusCounts[TaskStatusPending])
	assert.Equal(t, int64(1), stats.StatusCounts[TaskStatusClaimed])
	assert.Equal(t, int64(1), stats.AgentCounts["agent-a"])
}

func TestRedisTaskStore_CleanupRetention(t *testing.T) {
	mr, store := setupRedisTaskStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Hour)
	now := time.Now().UTC()

	// Created long ago but completed just now: retention counts from
	// completion, not creation.
	require.NoError(t, store.SaveTask(ctx, &Task{
		ID: "long-runner", Status: TaskStatusCompleted, CreatedAt: old, CompletedAt: &now,
	}))
	require.NoError(t, store.SaveTask(ctx, &Task{
		ID: "stale", Status: TaskStatusCompleted, CreatedAt: old, CompletedAt: &old,
	}))
	require.NoError(t, store.SaveTask(ctx, &Task{
		ID: "pending-old", Status: TaskStatusPending, CreatedAt: old,
	}))

	n, err := store.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetTask(ctx, "stale")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.GetTask(ctx, "long-runner")
	assert.NoError(t, err)
	_, err = store.GetTask(ctx, "pending-old")
	assert.NoError(t, err)
}
