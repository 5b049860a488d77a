// Package routing implements the routing rule engine: an ordered list of
// priority-ranked rules mapping task capability tags to a preferred resource,
// with fallback resources and outcome counters.
package routing

import (
	"sync/atomic"
	"time"
)

// Rule maps a required capability tag set to a preferred resource. Rules are
// totally ordered by (priority asc, created_at asc); lower priority values
// take precedence. An empty tag set matches any task and serves as the
// catch-all last resort.
type Rule struct {
	// ID is the unique rule identifier.
	ID string `json:"id"`

	// Priority orders rules; lower values are evaluated first.
	Priority int `json:"priority"`

	// Tags is the required capability tag set. Empty matches everything.
	Tags []string `json:"tags,omitempty"`

	// ResourceID is the preferred routing target.
	ResourceID string `json:"resource_id"`

	// FallbackResourceID is consulted when the preferred target is disabled.
	FallbackResourceID string `json:"fallback_resource_id,omitempty"`

	// CreatedAt breaks priority ties deterministically.
	CreatedAt time.Time `json:"created_at"`

	// successCount and failureCount are mutated only through atomic
	// operations; success rate is derived on read, never stored.
	successCount atomic.Int64
	failureCount atomic.Int64
}

// SuccessCount returns the number of successful outcomes routed by this rule.
func (r *Rule) SuccessCount() int64 { return r.successCount.Load() }

// FailureCount returns the number of failed outcomes routed by this rule.
func (r *Rule) FailureCount() int64 { return r.failureCount.Load() }

// SuccessRate returns the derived success fraction, or 0 with no outcomes.
func (r *Rule) SuccessRate() float64 {
	s := r.successCount.Load()
	f := r.failureCount.Load()
	if s+f == 0 {
		return 0
	}
	return float64(s) / float64(s+f)
}

// RuleStats is the read model of a rule's counters for dashboards.
type RuleStats struct {
	RuleID       string  `json:"rule_id"`
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	SuccessRate  float64 `json:"success_rate"`
}

// PredicateOp is a comparison operator in a constraint predicate.
type PredicateOp string

const (
	// OpEq matches when the attribute equals the value.
	OpEq PredicateOp = "eq"
	// OpLt matches when the numeric attribute is below the value.
	OpLt PredicateOp = "lt"
	// OpGt matches when the numeric attribute is above the value.
	OpGt PredicateOp = "gt"
)

// Predicate is a single key/value comparison against a resource attribute.
// Builtin keys "cost_per_call" and "avg_latency_ms" address the resource's
// cost and latency characteristics; any other key addresses its metadata.
type Predicate struct {
	Key   string      `json:"key"`
	Op    PredicateOp `json:"op"`
	Value string      `json:"value"`
}

// Constraints is the small typed expression evaluated against candidate
// resources: a required tag set plus key/value predicates. It is data, not
// interpreted code.
type Constraints struct {
	// RequiredTags must all be declared by the resource.
	RequiredTags []string `json:"required_tags,omitempty"`

	// Predicates must all hold for the resource.
	Predicates []Predicate `json:"predicates,omitempty"`
}

// Alternative records a candidate that was considered but not selected.
type Alternative struct {
	RuleID     string `json:"rule_id"`
	ResourceID string `json:"resource_id"`
	Reason     string `json:"reason"`
}

// Decision is the outcome of a route call.
type Decision struct {
	// ResourceID is the selected routing target.
	ResourceID string `json:"resource_id"`

	// RuleID is the rule that selected the target.
	RuleID string `json:"rule_id"`

	// Confidence reflects how specifically the rule matched the task tags;
	// the catch-all scores lowest.
	Confidence float64 `json:"confidence"`

	// Alternatives are the candidates considered and rejected, in
	// evaluation order.
	Alternatives []Alternative `json:"alternatives,omitempty"`

	// DecidedAt is when the decision was made.
	DecidedAt time.Time `json:"decided_at"`
}
