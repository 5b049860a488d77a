package routing

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/event"
	"github.com/agentmesh/agentmesh/registry"
	"github.com/agentmesh/agentmesh/types"
)

// ReputationReader supplies the reputation weight used to break ties among
// otherwise-equal candidate rules. Reputation is never a hard filter.
type ReputationReader interface {
	// Reputation returns the agent's score in [0,100]. Unknown agents
	// report the neutral score.
	Reputation(ctx context.Context, agentID string) float64
}

// Engine routes capability-tagged work to resources through the ordered
// rule list. Rules are low-churn configuration; outcome counters are the
// only contended state and mutate atomically.
type Engine struct {
	mu    sync.RWMutex
	rules []*Rule
	byID  map[string]*Rule

	registry   *registry.Registry
	reputation ReputationReader
	logger     *zap.Logger
}

// NewEngine creates a routing engine over the given registry. reputation may
// be nil, in which case priority ties fall back to creation order alone.
func NewEngine(reg *registry.Registry, reputation ReputationReader, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		byID:       make(map[string]*Rule),
		registry:   reg,
		reputation: reputation,
		logger:     logger.With(zap.String("component", "routing_engine")),
	}
}

// AddRule inserts a rule into the ordered rule list.
func (e *Engine) AddRule(rule *Rule) (string, error) {
	if rule == nil || rule.ResourceID == "" {
		return "", types.NewError(types.ErrCodeValidation, "rule requires a resource id")
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byID[rule.ID]; ok {
		return "", types.Errorf(types.ErrCodeValidation, "rule %s already exists", rule.ID)
	}
	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool {
		if e.rules[i].Priority != e.rules[j].Priority {
			return e.rules[i].Priority < e.rules[j].Priority
		}
		return e.rules[i].CreatedAt.Before(e.rules[j].CreatedAt)
	})
	e.byID[rule.ID] = rule

	e.logger.Info("routing rule added",
		zap.String("rule_id", rule.ID),
		zap.Int("priority", rule.Priority),
		zap.Strings("tags", rule.Tags),
		zap.String("resource_id", rule.ResourceID),
	)
	return rule.ID, nil
}

// RemoveRule deletes a rule by ID.
func (e *Engine) RemoveRule(ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byID[ruleID]; !ok {
		return types.ErrNotFound
	}
	delete(e.byID, ruleID)
	for i, r := range e.rules {
		if r.ID == ruleID {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			break
		}
	}
	return nil
}

// ListRules returns the rules in evaluation order.
func (e *Engine) ListRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Stats returns the derived counter read model for every rule.
func (e *Engine) Stats() []RuleStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuleStats, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, RuleStats{
			RuleID:       r.ID,
			SuccessCount: r.SuccessCount(),
			FailureCount: r.FailureCount(),
			SuccessRate:  r.SuccessRate(),
		})
	}
	return out
}

// Route selects a resource for the given task tags and constraints. Rules
// are evaluated in total order; the first rule whose tag set intersects the
// task tags (or is empty) and whose constraints hold wins. Within one
// priority band, the reputation of the preferred resource breaks ties.
// When the preferred target of the winning rule is disabled its fallback is
// consulted; when no rule can produce an enabled resource the call fails
// with RESOURCE_UNAVAILABLE.
func (e *Engine) Route(ctx context.Context, taskTags []string, constraints *Constraints) (*Decision, error) {
	e.mu.RLock()
	candidates := make([]*Rule, len(e.rules))
	copy(candidates, e.rules)
	e.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrCodeResourceUnavailable, "no routing rules configured")
	}

	ordered := e.orderWithinPriorityBands(ctx, candidates)

	var alternatives []Alternative
	for _, rule := range ordered {
		if !tagsIntersect(rule.Tags, taskTags) {
			continue
		}

		resourceID, reason := e.selectTarget(ctx, rule, constraints)
		if resourceID == "" {
			alternatives = append(alternatives, Alternative{
				RuleID:     rule.ID,
				ResourceID: rule.ResourceID,
				Reason:     reason,
			})
			continue
		}

		decision := &Decision{
			ResourceID:   resourceID,
			RuleID:       rule.ID,
			Confidence:   matchSpecificity(rule.Tags, taskTags),
			Alternatives: alternatives,
			DecidedAt:    time.Now().UTC(),
		}
		e.logger.Info("route decided",
			zap.String("rule_id", rule.ID),
			zap.String("resource_id", resourceID),
			zap.Float64("confidence", decision.Confidence),
			zap.Int("alternatives", len(alternatives)),
			zap.Strings("task_tags", taskTags),
		)
		return decision, nil
	}

	return nil, types.NewError(types.ErrCodeResourceUnavailable,
		"no enabled resource satisfies the request").WithRetryable(true)
}

// selectTarget resolves the rule's preferred resource, falling back when the
// preferred target is disabled or fails constraints. Returns "" with a
// reason when neither target is usable.
func (e *Engine) selectTarget(ctx context.Context, rule *Rule, constraints *Constraints) (string, string) {
	reason := e.usable(ctx, rule.ResourceID, constraints)
	if reason == "" {
		return rule.ResourceID, ""
	}
	if rule.FallbackResourceID != "" {
		fbReason := e.usable(ctx, rule.FallbackResourceID, constraints)
		if fbReason == "" {
			return rule.FallbackResourceID, ""
		}
		return "", reason + "; fallback " + fbReason
	}
	return "", reason
}

// usable returns "" when the resource exists, is enabled, and satisfies the
// constraints; otherwise a short rejection reason.
func (e *Engine) usable(ctx context.Context, resourceID string, constraints *Constraints) string {
	res, err := e.registry.GetResource(ctx, resourceID)
	if err != nil {
		return "resource not registered"
	}
	if !res.Enabled {
		return "resource disabled"
	}
	if !EvaluateConstraints(res, constraints) {
		return "constraints not satisfied"
	}
	return ""
}

// orderWithinPriorityBands re-sorts same-priority rules by the reputation of
// their preferred resource (descending), keeping creation order as the final
// tie-break so routing stays deterministic for unchanged state.
func (e *Engine) orderWithinPriorityBands(ctx context.Context, rules []*Rule) []*Rule {
	if e.reputation == nil {
		return rules
	}
	out := make([]*Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		ri := e.reputation.Reputation(ctx, out[i].ResourceID)
		rj := e.reputation.Reputation(ctx, out[j].ResourceID)
		if ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RecordOutcome feeds a routed work item's outcome into the rule's counters
// once it is known. Counters mutate atomically; the success rate is derived
// at read time.
func (e *Engine) RecordOutcome(ruleID string, success bool) error {
	e.mu.RLock()
	rule, ok := e.byID[ruleID]
	e.mu.RUnlock()
	if !ok {
		return types.ErrNotFound
	}
	if success {
		rule.successCount.Add(1)
	} else {
		rule.failureCount.Add(1)
	}
	return nil
}

// RoutingOutcome is the payload of a KindRoutingOutcome domain event.
type RoutingOutcome struct {
	RuleID  string `json:"rule_id"`
	Success bool   `json:"success"`
}

// SubscribeOutcomes wires the engine's counters to the event bus as an
// independent projector.
func (e *Engine) SubscribeOutcomes(bus *event.Bus) string {
	return bus.Subscribe(func(ev *event.DomainEvent) {
		var outcome RoutingOutcome
		if err := json.Unmarshal(ev.Payload, &outcome); err != nil {
			e.logger.Warn("malformed routing outcome event", zap.Error(err))
			return
		}
		if err := e.RecordOutcome(outcome.RuleID, outcome.Success); err != nil {
			e.logger.Warn("routing outcome for unknown rule",
				zap.String("rule_id", outcome.RuleID),
			)
		}
	}, event.KindRoutingOutcome)
}
