// Package registry provides the capability registry: low-churn metadata for
// the models, tools, and agents that work can be routed to, indexed by
// declared capability tags.
package registry

import (
	"time"
)

// ResourceKind classifies a routable resource.
type ResourceKind string

const (
	// ResourceKindModel is an LLM or other model-like resource.
	ResourceKindModel ResourceKind = "model"
	// ResourceKindTool is an external tool resource.
	ResourceKindTool ResourceKind = "tool"
	// ResourceKindAgent is an in-mesh agent resource.
	ResourceKindAgent ResourceKind = "agent"
)

// Resource describes a routable resource and its declared capabilities.
type Resource struct {
	// ID is the unique identifier for the resource.
	ID string `json:"id"`

	// Name is the human-readable resource name.
	Name string `json:"name"`

	// Kind classifies the resource.
	Kind ResourceKind `json:"kind"`

	// Tags are the capability tags this resource offers.
	Tags []string `json:"tags,omitempty"`

	// CostPerCall is the relative cost of one invocation. Used by the
	// collaboration orchestrator to order cheap-to-expensive escalation.
	CostPerCall float64 `json:"cost_per_call"`

	// AvgLatency is the expected invocation latency.
	AvgLatency time.Duration `json:"avg_latency,omitempty"`

	// Enabled indicates whether the resource may receive work.
	Enabled bool `json:"enabled"`

	// Metadata contains additional key/value attributes, also visible to
	// routing constraint predicates.
	Metadata map[string]string `json:"metadata,omitempty"`

	// RegisteredAt is when the resource was registered.
	RegisteredAt time.Time `json:"registered_at"`

	// UpdatedAt is when the resource was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag reports whether the resource declares the given capability tag.
func (r *Resource) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AgentState represents the liveness state of a registered agent.
type AgentState string

const (
	// AgentStateOnline indicates the agent is online and heartbeating.
	AgentStateOnline AgentState = "online"
	// AgentStateOffline indicates the agent has stopped heartbeating.
	AgentStateOffline AgentState = "offline"
	// AgentStateDraining indicates the agent is finishing in-flight work
	// and accepts no new claims.
	AgentStateDraining AgentState = "draining"
)

// AgentInfo describes a registered worker agent.
type AgentInfo struct {
	// ID is the unique identifier for the agent.
	ID string `json:"id"`

	// Name is the human-readable agent name.
	Name string `json:"name"`

	// State is the current liveness state.
	State AgentState `json:"state"`

	// Tags are the capability tags this agent offers.
	Tags []string `json:"tags,omitempty"`

	// RegisteredAt is when the agent was registered.
	RegisteredAt time.Time `json:"registered_at"`

	// LastHeartbeat is when the last heartbeat was received.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Metadata contains additional key/value attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventType defines the type of registry event.
type EventType string

const (
	// EventResourceRegistered indicates a resource was registered.
	EventResourceRegistered EventType = "resource_registered"
	// EventResourceUnregistered indicates a resource was unregistered.
	EventResourceUnregistered EventType = "resource_unregistered"
	// EventResourceEnabled indicates a resource was enabled.
	EventResourceEnabled EventType = "resource_enabled"
	// EventResourceDisabled indicates a resource was disabled.
	EventResourceDisabled EventType = "resource_disabled"
	// EventAgentRegistered indicates an agent was registered.
	EventAgentRegistered EventType = "agent_registered"
	// EventAgentUnregistered indicates an agent was unregistered.
	EventAgentUnregistered EventType = "agent_unregistered"
	// EventAgentStateChanged indicates an agent changed liveness state.
	EventAgentStateChanged EventType = "agent_state_changed"
)

// Event represents a change in the registry.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`

	// ResourceID is the resource involved, if any.
	ResourceID string `json:"resource_id,omitempty"`

	// AgentID is the agent involved, if any.
	AgentID string `json:"agent_id,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler is a function that handles registry events.
type EventHandler func(event *Event)
