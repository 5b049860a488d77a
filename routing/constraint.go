package routing

import (
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/registry"
)

// EvaluateConstraints reports whether a resource satisfies the constraint
// expression. It is a pure function over the resource snapshot.
func EvaluateConstraints(res *registry.Resource, c *Constraints) bool {
	if c == nil {
		return true
	}
	for _, tag := range c.RequiredTags {
		if !res.HasTag(tag) {
			return false
		}
	}
	for _, p := range c.Predicates {
		if !evaluatePredicate(res, p) {
			return false
		}
	}
	return true
}

func evaluatePredicate(res *registry.Resource, p Predicate) bool {
	switch strings.ToLower(p.Key) {
	case "cost_per_call":
		return compareFloat(res.CostPerCall, p)
	case "avg_latency_ms":
		return compareFloat(float64(res.AvgLatency/time.Millisecond), p)
	}

	attr, ok := res.Metadata[p.Key]
	if !ok {
		return false
	}
	switch p.Op {
	case OpEq:
		return attr == p.Value
	case OpLt, OpGt:
		v, err := strconv.ParseFloat(attr, 64)
		if err != nil {
			return false
		}
		return compareFloat(v, p)
	}
	return false
}

func compareFloat(v float64, p Predicate) bool {
	want, err := strconv.ParseFloat(p.Value, 64)
	if err != nil {
		return false
	}
	switch p.Op {
	case OpEq:
		return v == want
	case OpLt:
		return v < want
	case OpGt:
		return v > want
	}
	return false
}

// tagsIntersect reports whether the rule tag set intersects the task tags.
// An empty rule tag set is the catch-all and matches everything.
func tagsIntersect(ruleTags, taskTags []string) bool {
	if len(ruleTags) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(taskTags))
	for _, t := range taskTags {
		set[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	for _, t := range ruleTags {
		if _, ok := set[strings.ToLower(strings.TrimSpace(t))]; ok {
			return true
		}
	}
	return false
}

// matchSpecificity scores how specifically a rule's tag set matched the task
// tags: the fraction of rule tags present in the task tags. The catch-all
// scores a floor value so its decisions carry the lowest confidence.
func matchSpecificity(ruleTags, taskTags []string) float64 {
	if len(ruleTags) == 0 {
		return 0.25
	}
	set := make(map[string]struct{}, len(taskTags))
	for _, t := range taskTags {
		set[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	matched := 0
	for _, t := range ruleTags {
		if _, ok := set[strings.ToLower(strings.TrimSpace(t))]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(ruleTags))
}
