package metrics

import (
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/event"
	"github.com/agentmesh/agentmesh/routing"
)

// Subscribe wires the collector to the event bus as the analytics projector.
// It returns the subscription ID.
func (c *Collector) Subscribe(bus *event.Bus) string {
	return bus.Subscribe(func(ev *event.DomainEvent) {
		switch ev.Kind {
		case event.KindTaskCompleted:
			c.RecordTaskFinished("completed")
		case event.KindTaskFailed:
			c.RecordTaskFinished("failed")
		case event.KindRoutingOutcome:
			var outcome routing.RoutingOutcome
			if err := ev.Decode(&outcome); err != nil {
				c.logger.Warn("malformed routing outcome event", zap.Error(err))
				return
			}
			c.RecordRoutingOutcome(outcome.RuleID, outcome.Success)
		case event.KindLearningExample:
			c.RecordLearningExample()
		case event.KindReputationChanged:
			var change struct {
				AgentID string  `json:"agent_id"`
				Score   float64 `json:"score"`
			}
			if err := ev.Decode(&change); err != nil {
				c.logger.Warn("malformed reputation event", zap.Error(err))
				return
			}
			c.SetAgentReputation(change.AgentID, change.Score)
		}
	},
		event.KindTaskCompleted,
		event.KindTaskFailed,
		event.KindRoutingOutcome,
		event.KindLearningExample,
		event.KindReputationChanged,
	)
}
