package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/registry"
	"github.com/agentmesh/agentmesh/types"
)

// fanOut calls every resource concurrently and returns the attempts in the
// given resource order.
func (o *Orchestrator) fanOut(ctx context.Context, query string, resources []*registry.Resource, params map[string]any) []Attempt {
	attempts := make([]Attempt, len(resources))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, res := range resources {
		g.Go(func() error {
			attempt := o.call(gctx, res.ID, query, params)
			mu.Lock()
			attempts[i] = attempt
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return attempts
}

// bestOf returns the highest-confidence successful attempt.
func bestOf(attempts []Attempt) (Attempt, bool) {
	var best Attempt
	found := false
	for _, a := range succeeded(attempts) {
		if !found || a.Output.Confidence > best.Output.Confidence {
			best = a
			found = true
		}
	}
	return best, found
}

func (o *Orchestrator) runParallel(ctx context.Context, result *Result, resources []*registry.Resource) error {
	result.Attempts = o.fanOut(ctx, result.Query, resources, map[string]any{"strategy": string(StrategyParallel)})

	best, ok := bestOf(result.Attempts)
	if !ok {
		return o.totalFailure(result)
	}
	o.selectAttempt(result, best)
	return nil
}

func (o *Orchestrator) runSequential(ctx context.Context, result *Result, resources []*registry.Resource) error {
	prompt := result.Query
	var last *Attempt

	for _, res := range resources {
		attempt := o.call(ctx, res.ID, prompt, map[string]any{"strategy": string(StrategySequential)})
		result.Attempts = append(result.Attempts, attempt)
		if attempt.Err != "" {
			continue
		}
		last = &result.Attempts[len(result.Attempts)-1]
		prompt = fmt.Sprintf("%s\n\nRefine this draft answer:\n%s", result.Query, attempt.Output.Text)
	}

	if last == nil {
		return o.totalFailure(result)
	}
	o.selectAttempt(result, *last)
	return nil
}

func (o *Orchestrator) runHierarchical(ctx context.Context, result *Result, resources []*registry.Resource) error {
	ordered := byCost(resources)
	params := map[string]any{"strategy": string(StrategyHierarchical)}

	var firstSuccess *Attempt
	var selected *Attempt
	for _, res := range ordered {
		attempt := o.call(ctx, res.ID, result.Query, params)
		result.Attempts = append(result.Attempts, attempt)
		if attempt.Err != "" {
			continue
		}
		stored := &result.Attempts[len(result.Attempts)-1]
		if firstSuccess == nil {
			firstSuccess = stored
		}
		if attempt.Output.Confidence >= o.config.ConfidenceThreshold {
			selected = stored
			break
		}
	}

	if firstSuccess == nil {
		return o.totalFailure(result)
	}
	if selected == nil {
		// Nothing cleared the threshold: keep the best answer tried.
		best, _ := bestOf(result.Attempts)
		o.selectAttempt(result, best)
		selected = &best
	} else {
		o.selectAttempt(result, *selected)
	}

	if costOf(resources, selected.ResourceID) > costOf(resources, firstSuccess.ResourceID) {
		o.emitExample(result, *firstSuccess, *selected)
	}
	return nil
}

func (o *Orchestrator) runVoting(ctx context.Context, result *Result, resources []*registry.Resource) error {
	result.Attempts = o.fanOut(ctx, result.Query, resources, map[string]any{"strategy": string(StrategyVoting)})

	wins := succeeded(result.Attempts)
	if len(wins) == 0 {
		return o.totalFailure(result)
	}

	// Group by normalized answer text, majority wins, confidence breaks
	// ties.
	votes := make(map[string][]Attempt)
	for _, a := range wins {
		key := strings.ToLower(strings.TrimSpace(a.Output.Text))
		votes[key] = append(votes[key], a)
	}

	var winner []Attempt
	for _, group := range votes {
		if winner == nil || len(group) > len(winner) {
			winner = group
			continue
		}
		if len(group) == len(winner) {
			g, _ := bestOf(group)
			w, _ := bestOf(winner)
			if g.Output.Confidence > w.Output.Confidence {
				winner = group
			}
		}
	}

	best, _ := bestOf(winner)
	o.selectAttempt(result, best)
	return nil
}

func (o *Orchestrator) runEnsemble(ctx context.Context, result *Result, resources []*registry.Resource) error {
	result.Attempts = o.fanOut(ctx, result.Query, resources, map[string]any{"strategy": string(StrategyEnsemble)})

	wins := succeeded(result.Attempts)
	if len(wins) == 0 {
		return o.totalFailure(result)
	}

	parts := make([]string, 0, len(wins))
	sum := 0.0
	for _, a := range wins {
		parts = append(parts, fmt.Sprintf("[%s] %s", a.ResourceID, a.Output.Text))
		sum += a.Output.Confidence
	}
	result.Output = strings.Join(parts, "\n\n")
	result.Confidence = sum / float64(len(wins))
	return nil
}

func (o *Orchestrator) runTeacherStudent(ctx context.Context, result *Result, resources []*registry.Resource) error {
	if len(resources) < 2 {
		return types.NewError(types.ErrCodeValidation, "teacher_student needs at least two resources")
	}
	ordered := byCost(resources)
	student := ordered[0]
	mentor := ordered[len(ordered)-1]

	studentAttempt := o.call(ctx, student.ID, result.Query,
		map[string]any{"strategy": string(StrategyTeacherStudent), "role": "student"})
	result.Attempts = append(result.Attempts, studentAttempt)

	if studentAttempt.Err != "" {
		// No answer to review: the mentor answers directly.
		mentorAttempt := o.call(ctx, mentor.ID, result.Query,
			map[string]any{"strategy": string(StrategyTeacherStudent), "role": "mentor"})
		result.Attempts = append(result.Attempts, mentorAttempt)
		if mentorAttempt.Err != "" {
			return o.totalFailure(result)
		}
		o.selectAttempt(result, mentorAttempt)
		return nil
	}

	reviewPrompt := fmt.Sprintf("%s\n\nReview and improve this answer:\n%s",
		result.Query, studentAttempt.Output.Text)
	mentorAttempt := o.call(ctx, mentor.ID, reviewPrompt,
		map[string]any{"strategy": string(StrategyTeacherStudent), "role": "mentor"})
	result.Attempts = append(result.Attempts, mentorAttempt)

	if mentorAttempt.Err != "" || mentorAttempt.Output.Confidence <= studentAttempt.Output.Confidence {
		o.selectAttempt(result, studentAttempt)
		return nil
	}
	o.selectAttempt(result, mentorAttempt)
	o.emitExample(result, studentAttempt, mentorAttempt)
	return nil
}

func (o *Orchestrator) runPeerReview(ctx context.Context, result *Result, resources []*registry.Resource) error {
	if len(resources) < 2 {
		return types.NewError(types.ErrCodeValidation, "peer_review needs at least two resources")
	}
	author := resources[0]
	reviewers := resources[1:]

	draft := o.call(ctx, author.ID, result.Query,
		map[string]any{"strategy": string(StrategyPeerReview), "role": "author"})
	result.Attempts = append(result.Attempts, draft)

	reviewPrompt := result.Query
	if draft.Err == "" {
		reviewPrompt = fmt.Sprintf("%s\n\nReview this draft and answer yourself if it falls short:\n%s",
			result.Query, draft.Output.Text)
	}
	reviews := o.fanOut(ctx, reviewPrompt, reviewers,
		map[string]any{"strategy": string(StrategyPeerReview), "role": "reviewer"})
	result.Attempts = append(result.Attempts, reviews...)

	bestReview, reviewed := bestOf(reviews)
	if draft.Err != "" {
		if !reviewed {
			return o.totalFailure(result)
		}
		o.selectAttempt(result, bestReview)
		return nil
	}
	if !reviewed || bestReview.Output.Confidence <= draft.Output.Confidence {
		o.selectAttempt(result, draft)
		return nil
	}

	o.selectAttempt(result, bestReview)
	if costOf(resources, bestReview.ResourceID) > costOf(resources, author.ID) {
		o.emitExample(result, draft, bestReview)
	}
	return nil
}
