// Package event defines the tagged-variant domain event and the synchronous
// bus that delivers it to independent projectors. Side effects that used to
// ride on implicit state-change triggers are expressed as handlers invoked
// after a transition commits, so each one is independently testable.
package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind identifies the variant of a domain event.
type Kind string

const (
	// KindTaskCompleted is emitted after a task transitions to completed.
	KindTaskCompleted Kind = "task_completed"
	// KindTaskFailed is emitted after a task transitions to failed.
	KindTaskFailed Kind = "task_failed"
	// KindMutationOutcome is emitted for every agent mutation outcome and
	// feeds the reputation projector.
	KindMutationOutcome Kind = "mutation_outcome"
	// KindRoutingOutcome is emitted once a routed work item's outcome is
	// known and feeds the rule success/failure counters.
	KindRoutingOutcome Kind = "routing_outcome"
	// KindLearningExample is emitted when a collaboration session pairs a
	// cheaper resource's output with a costlier one's superior output.
	KindLearningExample Kind = "learning_example"
	// KindReputationChanged is emitted after a reputation score update.
	KindReputationChanged Kind = "reputation_changed"
)

// DomainEvent is the unified event envelope consumed by projectors.
type DomainEvent struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Kind identifies the event variant.
	Kind Kind `json:"kind"`

	// Payload carries the variant-specific body as JSON.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CausedBy identifies the agent, rule, or session that caused the event.
	CausedBy string `json:"caused_by,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// New builds a DomainEvent, marshaling payload to JSON. A payload that fails
// to marshal yields an event with an empty payload; the caller's transition
// has already committed and must not be rolled back for observability.
func New(kind Kind, causedBy string, payload any) *DomainEvent {
	ev := &DomainEvent{
		ID:        uuid.New().String(),
		Kind:      kind,
		CausedBy:  causedBy,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// Decode unmarshals the payload into v.
func (e *DomainEvent) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Handler consumes domain events. Handlers are invoked synchronously after
// the producing state transition commits.
type Handler func(event *DomainEvent)

// Bus is a synchronous in-process event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]subscription
	logger   *zap.Logger
}

type subscription struct {
	kinds   map[Kind]struct{} // nil means all kinds
	handler Handler
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string]subscription),
		logger:   logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe registers a handler for the given kinds (all kinds when empty)
// and returns a subscription ID.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	id := uuid.New().String()
	b.handlers[id] = sub
	return id
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, subscriptionID)
}

// Publish delivers the event to every matching handler synchronously, in
// unspecified order. A panicking handler is recovered and logged so one
// projector cannot take down the producing request path.
func (b *Bus) Publish(event *DomainEvent) {
	if event == nil {
		return
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers))
	for _, sub := range b.handlers {
		if sub.kinds == nil {
			subs = append(subs, sub)
			continue
		}
		if _, ok := sub.kinds[event.Kind]; ok {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub.handler, event)
	}
}

func (b *Bus) invoke(handler Handler, event *DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(event.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	handler(event)
}
