package workload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/event"
)

func newTestTracker(t *testing.T) (*Tracker, *event.Bus) {
	t.Helper()
	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	bus := event.NewBus(nil)
	return NewTracker(store, bus, DefaultTrackerConfig(), nil), bus
}

func TestComputeAvailability(t *testing.T) {
	assert.Equal(t, AvailabilityAvailable, ComputeAvailability(0))
	assert.Equal(t, AvailabilityAvailable, ComputeAvailability(69.9))
	assert.Equal(t, AvailabilityBusy, ComputeAvailability(70))
	assert.Equal(t, AvailabilityBusy, ComputeAvailability(100))
	assert.Equal(t, AvailabilityOverloaded, ComputeAvailability(100.1))
}

func TestTracker_UpdateWorkload(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	snap, err := tr.UpdateWorkload(ctx, "agent-a", 3, 2, 4)
	require.NoError(t, err)
	assert.InDelta(t, 75.0, snap.Utilization, 0.001)
	assert.Equal(t, AvailabilityBusy, snap.Availability)

	snap, err = tr.UpdateWorkload(ctx, "agent-a", 5, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, AvailabilityOverloaded, snap.Availability)

	got, err := tr.Snapshot(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 5, got.ActiveTasks)

	_, err = tr.UpdateWorkload(ctx, "", 1, 0, 4)
	assert.Error(t, err)
	_, err = tr.UpdateWorkload(ctx, "agent-b", 1, 0, 0)
	assert.Error(t, err)
}

func TestTracker_UpdateReputation(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	// Unknown agents start neutral.
	assert.Equal(t, ReputationNeutral, tr.Reputation(ctx, "fresh"))

	score, err := tr.UpdateReputation(ctx, "agent-a", true, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 52.0, score, 0.001)

	score, err = tr.UpdateReputation(ctx, "agent-a", false, 0)
	require.NoError(t, err)
	assert.InDelta(t, 50.5, score, 0.001)

	history, err := tr.History(ctx, "agent-a", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "task_failed", history[0].Cause, "history is newest first")
	assert.Equal(t, "task_completed", history[1].Cause)
}

func TestTracker_ReputationClamped(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := tr.UpdateReputation(ctx, "winner", true, 1.0)
		require.NoError(t, err)
	}
	assert.Equal(t, ReputationMax, tr.Reputation(ctx, "winner"))

	for i := 0; i < 100; i++ {
		_, err := tr.UpdateReputation(ctx, "loser", false, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, ReputationMin, tr.Reputation(ctx, "loser"))
}

func TestTracker_DecayTowardNeutral(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	// Build enough history for decay to apply.
	for i := 0; i < 5; i++ {
		_, err := tr.UpdateReputation(ctx, "veteran", true, 1.0)
		require.NoError(t, err)
	}
	before := tr.Reputation(ctx, "veteran")
	require.Greater(t, before, ReputationNeutral)

	// One outcome is not enough history.
	_, err := tr.UpdateReputation(ctx, "rookie", true, 1.0)
	require.NoError(t, err)
	rookieBefore := tr.Reputation(ctx, "rookie")

	n, err := tr.Decay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after := tr.Reputation(ctx, "veteran")
	assert.Less(t, after, before)
	assert.Greater(t, after, ReputationNeutral, "decay must not overshoot neutral")
	assert.Equal(t, rookieBefore, tr.Reputation(ctx, "rookie"))

	history, err := tr.History(ctx, "veteran", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "decay", history[0].Cause)
}

func TestTracker_OutcomeProjector(t *testing.T) {
	tr, bus := newTestTracker(t)
	ctx := context.Background()

	tr.SubscribeOutcomes(bus)

	bus.Publish(event.New(event.KindMutationOutcome, "agent-a", event.MutationOutcome{
		AgentID: "agent-a",
		TaskID:  "task-1",
		Success: true,
		Quality: 0.5,
	}))

	assert.InDelta(t, 51.0, tr.Reputation(ctx, "agent-a"), 0.001)

	bus.Publish(event.New(event.KindMutationOutcome, "agent-a", event.MutationOutcome{
		AgentID: "agent-a",
		TaskID:  "task-2",
		Success: false,
	}))

	assert.InDelta(t, 49.5, tr.Reputation(ctx, "agent-a"), 0.001)
}
