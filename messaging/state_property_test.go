package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var allStates = []MessageState{
	StatePending, StateDelivered, StateRead, StateAcknowledged,
	StateFailed, StateTimeout, StateCancelled,
}

// Random walks over permitted transitions never revisit earlier lifecycle
// stages and never leave a terminal state.
func TestProperty_MessageStates_Monotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		state := StatePending
		steps := rapid.IntRange(1, 12).Draw(t, "steps")

		for i := 0; i < steps; i++ {
			next := rapid.SampledFrom(allStates).Draw(t, "next")
			if !CanTransition(state, next) {
				continue
			}
			if state.IsTerminal() {
				t.Fatalf("transition %s -> %s permitted out of a terminal state", state, next)
			}
			if !next.IsTerminal() {
				assert.Greater(t, progressRank(next), progressRank(state),
					"non-terminal move %s -> %s must advance", state, next)
			}
			state = next
		}
	})
}

func TestProperty_MessageStates_TerminalsAbsorbing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(allStates).Draw(t, "from")
		to := rapid.SampledFrom(allStates).Draw(t, "to")

		if from.IsTerminal() {
			assert.False(t, CanTransition(from, to),
				"terminal state %s must not transition to %s", from, to)
		}
		if from == to {
			assert.False(t, CanTransition(from, to), "self transition %s", from)
		}
		if !from.IsTerminal() && to.IsTerminal() {
			assert.True(t, CanTransition(from, to),
				"any live state %s can fail, time out or be cancelled to %s", from, to)
		}
	})
}
