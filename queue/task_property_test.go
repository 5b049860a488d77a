package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// This property test verifies that the computed priority is monotonic in
// every sub-score: raising any one input while holding the rest fixed never
// lowers the result.
func TestProperty_ComputePriority_Monotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		now := time.Now().UTC()
		w := DefaultPriorityWeights()

		base := &Task{
			BasePriority: rapid.IntRange(0, 10).Draw(rt, "basePriority"),
			Scores: PriorityInputs{
				Urgency:            rapid.Float64Range(0, 1).Draw(rt, "urgency"),
				Importance:         rapid.Float64Range(0, 1).Draw(rt, "importance"),
				Complexity:         rapid.Float64Range(0, 1).Draw(rt, "complexity"),
				DependencyPressure: rapid.Float64Range(0, 1).Draw(rt, "dependency"),
				Impact:             rapid.Float64Range(0, 1).Draw(rt, "impact"),
			},
		}
		before := ComputePriority(base, now, w)

		bumped := *base
		delta := rapid.Float64Range(0, 1).Draw(rt, "delta")
		switch rapid.IntRange(0, 5).Draw(rt, "field") {
		case 0:
			bumped.BasePriority += rapid.IntRange(0, 5).Draw(rt, "baseDelta")
		case 1:
			bumped.Scores.Urgency = min(1, bumped.Scores.Urgency+delta)
		case 2:
			bumped.Scores.Importance = min(1, bumped.Scores.Importance+delta)
		case 3:
			bumped.Scores.Complexity = min(1, bumped.Scores.Complexity+delta)
		case 4:
			bumped.Scores.DependencyPressure = min(1, bumped.Scores.DependencyPressure+delta)
		case 5:
			bumped.Scores.Impact = min(1, bumped.Scores.Impact+delta)
		}
		after := ComputePriority(&bumped, now, w)

		assert.GreaterOrEqual(t, after, before,
			"raising a sub-score must never lower the computed priority")
	})
}

// This property test verifies the deadline boost: a task whose deadline sits
// inside the horizon scores at least as high as the same task with a more
// distant deadline, and an overdue task receives the full boost.
func TestProperty_ComputePriority_DeadlineBoost(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		now := time.Now().UTC()
		w := DefaultPriorityWeights()

		nearOffset := time.Duration(rapid.Int64Range(1, int64(w.DeadlineHorizon)-1).Draw(rt, "nearOffset"))
		farOffset := nearOffset + time.Duration(rapid.Int64Range(1, int64(time.Hour)).Draw(rt, "extra"))

		near := now.Add(nearOffset)
		far := now.Add(farOffset)

		taskNear := &Task{BasePriority: 1, Deadline: &near}
		taskFar := &Task{BasePriority: 1, Deadline: &far}

		assert.GreaterOrEqual(t,
			ComputePriority(taskNear, now, w),
			ComputePriority(taskFar, now, w),
			"a nearer deadline must not score lower")

		overdue := now.Add(-time.Minute)
		taskOverdue := &Task{BasePriority: 1, Deadline: &overdue}
		noDeadline := &Task{BasePriority: 1}
		assert.Equal(t,
			ComputePriority(noDeadline, now, w)+w.Deadline,
			ComputePriority(taskOverdue, now, w),
			"an overdue task receives the full deadline boost")
	})
}
