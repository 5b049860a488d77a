package workload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// This property test verifies that reputation stays within [0,100] under any
// interleaving of successes, failures and decay passes, and that every
// history entry records a score inside the bounds.
func TestProperty_ReputationBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := NewMemoryStore()
		defer store.Close()
		tracker := NewTracker(store, nil, DefaultTrackerConfig(), nil)
		ctx := context.Background()

		agentID := rapid.SampledFrom([]string{"agent-a", "agent-b"}).Draw(rt, "agent")
		ops := rapid.IntRange(1, 50).Draw(rt, "ops")

		for i := 0; i < ops; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				quality := rapid.Float64Range(0, 1).Draw(rt, "quality")
				score, err := tracker.UpdateReputation(ctx, agentID, true, quality)
				require.NoError(rt, err)
				require.GreaterOrEqual(rt, score, ReputationMin)
				require.LessOrEqual(rt, score, ReputationMax)
			case 1:
				score, err := tracker.UpdateReputation(ctx, agentID, false, 0)
				require.NoError(rt, err)
				require.GreaterOrEqual(rt, score, ReputationMin)
				require.LessOrEqual(rt, score, ReputationMax)
			case 2:
				_, err := tracker.Decay(ctx)
				require.NoError(rt, err)
			}
		}

		history, err := store.History(ctx, agentID, 0)
		require.NoError(rt, err)
		for _, entry := range history {
			require.GreaterOrEqual(rt, entry.Score, ReputationMin)
			require.LessOrEqual(rt, entry.Score, ReputationMax)
		}
	})
}
