package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/event"
	"github.com/agentmesh/agentmesh/registry"
	"github.com/agentmesh/agentmesh/types"
)

// fixedReputation serves scripted scores with a neutral default.
type fixedReputation struct {
	scores map[string]float64
}

func (f *fixedReputation) Reputation(_ context.Context, id string) float64 {
	if score, ok := f.scores[id]; ok {
		return score
	}
	return 50
}

func newTestEngine(t *testing.T, reputation ReputationReader) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	t.Cleanup(func() { reg.Close() })
	return NewEngine(reg, reputation, zap.NewNop()), reg
}

func addResource(t *testing.T, reg *registry.Registry, res *registry.Resource) {
	t.Helper()
	require.NoError(t, reg.RegisterResource(context.Background(), res))
}

func TestEngine_AddRuleValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.AddRule(nil)
	assert.Equal(t, types.ErrCodeValidation, types.CodeOf(err))

	_, err = e.AddRule(&Rule{})
	assert.Equal(t, types.ErrCodeValidation, types.CodeOf(err))

	id, err := e.AddRule(&Rule{ID: "r1", ResourceID: "m"})
	require.NoError(t, err)
	assert.Equal(t, "r1", id)

	_, err = e.AddRule(&Rule{ID: "r1", ResourceID: "m"})
	assert.Equal(t, types.ErrCodeValidation, types.CodeOf(err))
}

func TestEngine_RouteByTagPrecedence(t *testing.T) {
	e, reg := newTestEngine(t, nil)
	ctx := context.Background()

	addResource(t, reg, &registry.Resource{ID: "specialist", Enabled: true})
	addResource(t, reg, &registry.Resource{ID: "generalist", Enabled: true})

	_, err := e.AddRule(&Rule{ID: "specific", Priority: 1, Tags: []string{"code"}, ResourceID: "specialist"})
	require.NoError(t, err)
	_, err = e.AddRule(&Rule{ID: "catchall", Priority: 9, ResourceID: "generalist"})
	require.NoError(t, err)

	decision, err := e.Route(ctx, []string{"code", "review"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "specialist", decision.ResourceID)
	assert.Equal(t, "specific", decision.RuleID)
	assert.Equal(t, 1.0, decision.Confidence)

	// Tags the specific rule does not cover fall through to the catch-all.
	decision, err = e.Route(ctx, []string{"translate"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "generalist", decision.ResourceID)
	assert.Equal(t, 0.25, decision.Confidence)
}

func TestEngine_RouteFallbackWhenPreferredDisabled(t *testing.T) {
	e, reg := newTestEngine(t, nil)
	ctx := context.Background()

	addResource(t, reg, &registry.Resource{ID: "primary", Enabled: false})
	addResource(t, reg, &registry.Resource{ID: "backup", Enabled: true})

	_, err := e.AddRule(&Rule{ID: "r1", ResourceID: "primary", FallbackResourceID: "backup"})
	require.NoError(t, err)

	decision, err := e.Route(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "backup", decision.ResourceID)
}

func TestEngine_RouteRecordsAlternatives(t *testing.T) {
	e, reg := newTestEngine(t, nil)
	ctx := context.Background()

	addResource(t, reg, &registry.Resource{ID: "dead", Enabled: false})
	addResource(t, reg, &registry.Resource{ID: "alive", Enabled: true})

	_, err := e.AddRule(&Rule{ID: "first", Priority: 1, ResourceID: "dead"})
	require.NoError(t, err)
	_, err = e.AddRule(&Rule{ID: "second", Priority: 2, ResourceID: "alive"})
	require.NoError(t, err)

	decision, err := e.Route(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "alive", decision.ResourceID)
	require.Len(t, decision.Alternatives, 1)
	assert.Equal(t, "first", decision.Alternatives[0].RuleID)
	assert.Contains(t, decision.Alternatives[0].Reason, "disabled")
}

func TestEngine_RouteNoUsableResource(t *testing.T) {
	e, reg := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Route(ctx, nil, nil)
	assert.Equal(t, types.ErrCodeResourceUnavailable, types.CodeOf(err))

	addResource(t, reg, &registry.Resource{ID: "dead", Enabled: false})
	_, err = e.AddRule(&Rule{ID: "r1", ResourceID: "dead"})
	require.NoError(t, err)

	_, err = e.Route(ctx, nil, nil)
	assert.Equal(t, types.ErrCodeResourceUnavailable, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err), "exhaustion may resolve itself")
}

func TestEngine_ReputationBreaksPriorityTies(t *testing.T) {
	rep := &fixedReputation{scores: map[string]float64{"low": 20, "high": 90}}
	e, reg := newTestEngine(t, rep)
	ctx := context.Background()

	addResource(t, reg, &registry.Resource{ID: "low", Enabled: true})
	addResource(t, reg, &registry.Resource{ID: "high", Enabled: true})

	// Same priority; the earlier-created rule would otherwise win.
	base := time.Now().UTC()
	_, err := e.AddRule(&Rule{ID: "r-low", Priority: 5, ResourceID: "low", CreatedAt: base})
	require.NoError(t, err)
	_, err = e.AddRule(&Rule{ID: "r-high", Priority: 5, ResourceID: "high", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)

	decision, err := e.Route(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "high", decision.ResourceID)

	// Reputation never overrides the priority band.
	_, err = e.AddRule(&Rule{ID: "r-first", Priority: 1, ResourceID: "low", CreatedAt: base})
	require.NoError(t, err)
	decision, err = e.Route(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "low", decision.ResourceID)
}

func TestEngine_ConstraintsFilterResources(t *testing.T) {
	e, reg := newTestEngine(t, nil)
	ctx := context.Background()

	addResource(t, reg, &registry.Resource{
		ID:          "cheap",
		Enabled:     true,
		Tags:        []string{"gpu"},
		CostPerCall: 2,
		AvgLatency:  120 * time.Millisecond,
		Metadata:    map[string]string{"region": "eu", "context_window": "8000"},
	})
	_, err := e.AddRule(&Rule{ID: "r1", ResourceID: "cheap"})
	require.NoError(t, err)

	cases := []struct {
		name        string
		constraints *Constraints
		routed      bool
	}{
		{"nil constraints", nil, true},
		{"required tag present", &Constraints{RequiredTags: []string{"gpu"}}, true},
		{"required tag missing", &Constraints{RequiredTags: []string{"tpu"}}, false},
		{"cost below limit", &Constraints{Predicates: []Predicate{{Key: "cost_per_call", Op: OpLt, Value: "5"}}}, true},
		{"cost above limit", &Constraints{Predicates: []Predicate{{Key: "cost_per_call", Op: OpLt, Value: "1"}}}, false},
		{"latency bound", &Constraints{Predicates: []Predicate{{Key: "avg_latency_ms", Op: OpLt, Value: "200"}}}, true},
		{"metadata eq", &Constraints{Predicates: []Predicate{{Key: "region", Op: OpEq, Value: "eu"}}}, true},
		{"metadata numeric", &Constraints{Predicates: []Predicate{{Key: "context_window", Op: OpGt, Value: "4000"}}}, true},
		{"metadata absent", &Constraints{Predicates: []Predicate{{Key: "zone", Op: OpEq, Value: "a"}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := e.Route(ctx, nil, tc.constraints)
			if tc.routed {
				require.NoError(t, err)
				assert.Equal(t, "cheap", decision.ResourceID)
			} else {
				assert.Equal(t, types.ErrCodeResourceUnavailable, types.CodeOf(err))
			}
		})
	}
}

func TestEngine_RemoveRule(t *testing.T) {
	e, reg := newTestEngine(t, nil)
	ctx := context.Background()

	addResource(t, reg, &registry.Resource{ID: "m", Enabled: true})
	_, err := e.AddRule(&Rule{ID: "r1", ResourceID: "m"})
	require.NoError(t, err)

	require.NoError(t, e.RemoveRule("r1"))
	assert.ErrorIs(t, e.RemoveRule("r1"), types.ErrNotFound)
	assert.Empty(t, e.ListRules())

	_, err = e.Route(ctx, nil, nil)
	assert.Equal(t, types.ErrCodeResourceUnavailable, types.CodeOf(err))
}

func TestEngine_OutcomeCounters(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.AddRule(&Rule{ID: "r1", ResourceID: "m"})
	require.NoError(t, err)

	require.NoError(t, e.RecordOutcome("r1", true))
	require.NoError(t, e.RecordOutcome("r1", true))
	require.NoError(t, e.RecordOutcome("r1", false))
	assert.ErrorIs(t, e.RecordOutcome("ghost", true), types.ErrNotFound)

	stats := e.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].SuccessCount)
	assert.Equal(t, int64(1), stats[0].FailureCount)
	assert.InDelta(t, 2.0/3.0, stats[0].SuccessRate, 1e-9)
}

func TestEngine_SubscribeOutcomes(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	bus := event.NewBus(zap.NewNop())

	_, err := e.AddRule(&Rule{ID: "r1", ResourceID: "m"})
	require.NoError(t, err)
	e.SubscribeOutcomes(bus)

	bus.Publish(event.New(event.KindRoutingOutcome, "r1", RoutingOutcome{RuleID: "r1", Success: true}))
	bus.Publish(event.New(event.KindRoutingOutcome, "r1", RoutingOutcome{RuleID: "r1", Success: false}))
	// Other kinds must not reach the projector.
	bus.Publish(event.New(event.KindTaskCompleted, "r1", RoutingOutcome{RuleID: "r1", Success: true}))

	stats := e.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].SuccessCount)
	assert.Equal(t, int64(1), stats[0].FailureCount)
}
