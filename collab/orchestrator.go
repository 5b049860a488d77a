package collab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentmesh/agentmesh/event"
	"github.com/agentmesh/agentmesh/registry"
	"github.com/agentmesh/agentmesh/types"
)

// ResourceCatalog resolves resource metadata for a session. The capability
// registry implements it.
type ResourceCatalog interface {
	GetResource(ctx context.Context, resourceID string) (*registry.Resource, error)
}

// OrchestratorConfig configures a collaboration orchestrator.
type OrchestratorConfig struct {
	// ConfidenceThreshold is the confidence below which hierarchical
	// sessions escalate to the next costlier resource.
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// Retry is the backoff policy for transient provider errors.
	Retry RetryPolicy `json:"retry" yaml:"retry"`

	// RateLimit caps provider calls per second across the orchestrator.
	// Zero means unlimited.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`

	// RateBurst is the rate limiter burst size.
	RateBurst int `json:"rate_burst" yaml:"rate_burst"`
}

// DefaultOrchestratorConfig returns the default orchestrator configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ConfidenceThreshold: 0.6,
		Retry:               DefaultRetryPolicy(),
		RateBurst:           1,
	}
}

// Orchestrator coordinates multi-resource collaboration sessions.
type Orchestrator struct {
	provider Provider
	catalog  ResourceCatalog
	bus      *event.Bus
	limiter  *rate.Limiter
	retry    *retryer
	config   OrchestratorConfig
	logger   *zap.Logger
}

// NewOrchestrator creates an orchestrator. The bus may be nil for sessions
// that need no learning-example events.
func NewOrchestrator(provider Provider, catalog ResourceCatalog, bus *event.Bus, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.6
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Orchestrator{
		provider: provider,
		catalog:  catalog,
		bus:      bus,
		limiter:  limiter,
		retry:    newRetryer(cfg.Retry, logger),
		config:   cfg,
		logger:   logger.With(zap.String("component", "collab")),
	}
}

// Collaborate runs one collaboration session. Attempted results are kept on
// the returned Result even when the session fails as a whole.
func (o *Orchestrator) Collaborate(ctx context.Context, query string, strategy Strategy, resourceIDs []string) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.ErrCodeValidation, "query is empty")
	}
	if !strategy.IsValid() {
		return nil, types.Errorf(types.ErrCodeValidation, "unknown strategy: %s", strategy)
	}
	if len(resourceIDs) == 0 {
		return nil, types.NewError(types.ErrCodeValidation, "no resources given")
	}

	resources := make([]*registry.Resource, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		res, err := o.catalog.GetResource(ctx, id)
		if err != nil {
			return nil, types.Errorf(types.ErrCodeValidation, "resource %s not found", id)
		}
		if !res.Enabled {
			return nil, types.Errorf(types.ErrCodeResourceUnavailable, "resource %s is disabled", id)
		}
		resources = append(resources, res)
	}

	result := &Result{
		SessionID: uuid.NewString(),
		Strategy:  strategy,
		Query:     query,
		StartedAt: time.Now().UTC(),
	}
	o.logger.Debug("collaboration session started",
		zap.String("session_id", result.SessionID),
		zap.String("strategy", string(strategy)),
		zap.Int("resources", len(resources)),
	)

	var err error
	switch strategy {
	case StrategyParallel:
		err = o.runParallel(ctx, result, resources)
	case StrategySequential:
		err = o.runSequential(ctx, result, resources)
	case StrategyHierarchical:
		err = o.runHierarchical(ctx, result, resources)
	case StrategyVoting:
		err = o.runVoting(ctx, result, resources)
	case StrategyEnsemble:
		err = o.runEnsemble(ctx, result, resources)
	case StrategyTeacherStudent:
		err = o.runTeacherStudent(ctx, result, resources)
	case StrategyPeerReview:
		err = o.runPeerReview(ctx, result, resources)
	}
	result.FinishedAt = time.Now().UTC()

	if err != nil {
		o.logger.Warn("collaboration session failed",
			zap.String("session_id", result.SessionID),
			zap.String("strategy", string(strategy)),
			zap.Error(err),
		)
		return result, err
	}
	o.logger.Debug("collaboration session finished",
		zap.String("session_id", result.SessionID),
		zap.String("selected", result.SelectedResource),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}

// call invokes one resource through the rate limiter and retry policy and
// records the attempt.
func (o *Orchestrator) call(ctx context.Context, resourceID, prompt string, params map[string]any) Attempt {
	start := time.Now()
	attempt := Attempt{ResourceID: resourceID}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			attempt.Err = err.Error()
			attempt.Duration = time.Since(start)
			return attempt
		}
	}

	out, err := o.retry.do(ctx, func() (*CallOutput, error) {
		return o.provider.Call(ctx, resourceID, prompt, params)
	})
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Err = err.Error()
		return attempt
	}
	attempt.Output = out
	return attempt
}

// totalFailure aggregates every attempt's error into one session error.
func (o *Orchestrator) totalFailure(result *Result) error {
	parts := make([]string, 0, len(result.Attempts))
	for _, a := range result.Attempts {
		if a.Err != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", a.ResourceID, a.Err))
		}
	}
	return types.Errorf(types.ErrCodePartialFailure,
		"all resources failed: %s", strings.Join(parts, "; "))
}

// selectAttempt records the winning attempt on the result.
func (o *Orchestrator) selectAttempt(result *Result, attempt Attempt) {
	result.Output = attempt.Output.Text
	result.Confidence = attempt.Output.Confidence
	result.SelectedResource = attempt.ResourceID
}

// emitExample pairs the cheap and expensive answers into a learning example,
// at most once per session.
func (o *Orchestrator) emitExample(result *Result, cheap, expensive Attempt) {
	if result.LearningExample != nil {
		return
	}
	example := &event.LearningExample{
		SessionID:           result.SessionID,
		Input:               result.Query,
		CheapResourceID:     cheap.ResourceID,
		CheapOutput:         cheap.Output.Text,
		ExpensiveResourceID: expensive.ResourceID,
		ExpensiveOutput:     expensive.Output.Text,
		QualityDelta:        expensive.Output.Confidence - cheap.Output.Confidence,
	}
	result.LearningExample = example
	if o.bus != nil {
		o.bus.Publish(event.New(event.KindLearningExample, result.SessionID, example))
	}
	o.logger.Debug("learning example emitted",
		zap.String("session_id", result.SessionID),
		zap.String("cheap", cheap.ResourceID),
		zap.String("expensive", expensive.ResourceID),
		zap.Float64("quality_delta", example.QualityDelta),
	)
}

// byCost returns the resources ordered cheapest first. Ties keep the given
// order.
func byCost(resources []*registry.Resource) []*registry.Resource {
	out := make([]*registry.Resource, len(resources))
	copy(out, resources)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CostPerCall < out[j].CostPerCall
	})
	return out
}

func costOf(resources []*registry.Resource, resourceID string) float64 {
	for _, res := range resources {
		if res.ID == resourceID {
			return res.CostPerCall
		}
	}
	return 0
}
