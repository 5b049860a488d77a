package workload

import "time"

// Availability classifies an agent's capacity headroom.
type Availability string

const (
	// AvailabilityAvailable means utilization below 70 percent.
	AvailabilityAvailable Availability = "available"
	// AvailabilityBusy means utilization between 70 and 100 percent.
	AvailabilityBusy Availability = "busy"
	// AvailabilityOverloaded means utilization above 100 percent.
	AvailabilityOverloaded Availability = "overloaded"
)

const (
	// ReputationNeutral is the starting score for unknown agents and the
	// attractor the decay nudges scores toward.
	ReputationNeutral = 50.0
	// ReputationMin is the lower clamp bound.
	ReputationMin = 0.0
	// ReputationMax is the upper clamp bound.
	ReputationMax = 100.0
)

// Snapshot is a point-in-time utilization record for one agent.
type Snapshot struct {
	// AgentID identifies the agent.
	AgentID string `json:"agent_id"`

	// ActiveTasks is the number of tasks the agent currently holds a claim on.
	ActiveTasks int `json:"active_tasks"`

	// QueuedTasks is the number of tasks waiting for the agent.
	QueuedTasks int `json:"queued_tasks"`

	// Capacity is the agent's declared concurrent task capacity.
	Capacity int `json:"capacity"`

	// Utilization is active load over capacity as a percentage. May exceed
	// 100 when an agent is overcommitted.
	Utilization float64 `json:"utilization"`

	// Availability is derived from Utilization.
	Availability Availability `json:"availability"`

	// UpdatedAt is when the snapshot was taken.
	UpdatedAt time.Time `json:"updated_at"`
}

// ComputeAvailability derives the availability class from a utilization
// percentage.
func ComputeAvailability(utilization float64) Availability {
	switch {
	case utilization < 70:
		return AvailabilityAvailable
	case utilization <= 100:
		return AvailabilityBusy
	default:
		return AvailabilityOverloaded
	}
}

// ReputationEntry is one immutable history record of a reputation change.
// Entries are append-only; the current score is always the Score of the
// latest entry.
type ReputationEntry struct {
	// AgentID identifies the agent.
	AgentID string `json:"agent_id"`

	// Delta is the applied change after clamping.
	Delta float64 `json:"delta"`

	// Score is the resulting score.
	Score float64 `json:"score"`

	// Cause describes what drove the change, e.g. "task_completed",
	// "task_failed", "decay".
	Cause string `json:"cause"`

	// Timestamp is when the change happened.
	Timestamp time.Time `json:"timestamp"`
}
