package blackboard

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

func setupRedisBlackboard(t *testing.T) (*miniredis.Miniredis, *Board) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "")
	t.Cleanup(func() { store.Close() })
	return mr, NewBoard(store, nil)
}

func TestRedisStore_WriteUpdateRead(t *testing.T) {
	mr, board := setupRedisBlackboard(t)
	defer mr.Close()

	ctx := context.Background()
	id, err := board.Write(ctx, "s", "agent-a", "first", []string{"analysis"}, 3, 0)
	require.NoError(t, err)

	entry, err := board.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)
	assert.Equal(t, "first", entry.Content)

	version, err := board.Update(ctx, id, 1, "second")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	_, err = board.Update(ctx, id, 1, "conflict")
	assert.ErrorIs(t, err, types.ErrStaleWrite)

	_, err = board.Update(ctx, "missing", 1, "x")
	assert.ErrorIs(t, err, types.ErrNotFound)

	entries, err := board.Read(ctx, "s", Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Content)
	assert.Equal(t, int64(2), entries[0].Version)
}

func TestRedisStore_ReadOrdering(t *testing.T) {
	mr, board := setupRedisBlackboard(t)
	defer mr.Close()

	ctx := context.Background()
	_, err := board.Write(ctx, "s", "agent-a", "low", nil, 1, 0)
	require.NoError(t, err)
	_, err = board.Write(ctx, "s", "agent-a", "high", nil, 9, 0)
	require.NoError(t, err)

	entries, err := board.Read(ctx, "s", Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "high", entries[0].Content)
	assert.Equal(t, "low", entries[1].Content)
}

func TestRedisStore_TTLAndSweep(t *testing.T) {
	mr, board := setupRedisBlackboard(t)
	defer mr.Close()

	ctx := context.Background()
	shortID, err := board.Write(ctx, "s", "agent-a", "ephemeral", nil, 0, 50*time.Millisecond)
	require.NoError(t, err)
	_, err = board.Write(ctx, "s", "agent-a", "durable", nil, 0, 0)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = board.Get(ctx, shortID)
	assert.ErrorIs(t, err, types.ErrNotFound, "expired entry invisible before sweep")

	n, err := board.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = board.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sweep is idempotent")

	entries, err := board.Read(ctx, "s", Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
