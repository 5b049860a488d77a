// Package collab orchestrates multi-resource collaboration sessions over a
// provider abstraction. A session fans a query out to registered resources
// under one of several strategies and distills the attempts into a single
// result, optionally pairing cheap and expensive answers into learning
// examples.
package collab

import (
	"context"
	"time"

	"github.com/agentmesh/agentmesh/event"
)

// Strategy selects how a collaboration session coordinates its resources.
type Strategy string

const (
	// StrategyParallel fans the query out to all resources at once and
	// keeps the highest-confidence answer.
	StrategyParallel Strategy = "parallel"
	// StrategySequential feeds each resource's output into the next as
	// refinement context and keeps the last answer.
	StrategySequential Strategy = "sequential"
	// StrategyHierarchical tries resources cheapest first and escalates
	// while the answer's confidence stays below the threshold.
	StrategyHierarchical Strategy = "hierarchical"
	// StrategyVoting fans out to all resources and keeps the answer the
	// most resources agree on.
	StrategyVoting Strategy = "voting"
	// StrategyEnsemble fans out to all resources and merges every answer
	// into a combined result.
	StrategyEnsemble Strategy = "ensemble"
	// StrategyTeacherStudent has the cheapest resource answer and the most
	// expensive one review, keeping whichever answer scores higher.
	StrategyTeacherStudent Strategy = "teacher_student"
	// StrategyPeerReview has the first resource draft and the others
	// review the draft, keeping the draft unless a reviewer's alternative
	// scores decisively higher.
	StrategyPeerReview Strategy = "peer_review"
)

// IsValid reports whether the strategy is known.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyParallel, StrategySequential, StrategyHierarchical,
		StrategyVoting, StrategyEnsemble, StrategyTeacherStudent, StrategyPeerReview:
		return true
	}
	return false
}

// CallOutput is one resource's answer to a prompt.
type CallOutput struct {
	// Text is the answer text.
	Text string `json:"text"`

	// Confidence is the resource's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// TokensUsed is the token cost of the call.
	TokensUsed int `json:"tokens_used,omitempty"`

	// LatencyMS is the call latency in milliseconds.
	LatencyMS int64 `json:"latency_ms,omitempty"`
}

// Provider invokes a registered resource with a prompt. Implementations
// wrap model APIs, tools, or in-mesh agents.
type Provider interface {
	Call(ctx context.Context, resourceID, prompt string, params map[string]any) (*CallOutput, error)
}

// Attempt records one resource invocation inside a session, successful or
// not. Failed attempts carry the error text and no output.
type Attempt struct {
	// ResourceID is the resource that was called.
	ResourceID string `json:"resource_id"`

	// Output is the resource's answer. Nil when the call failed.
	Output *CallOutput `json:"output,omitempty"`

	// Err is the failure text. Empty when the call succeeded.
	Err string `json:"err,omitempty"`

	// Duration is the wall time the attempt took, retries included.
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of one collaboration session.
type Result struct {
	// SessionID identifies the session.
	SessionID string `json:"session_id"`

	// Strategy is the strategy that produced the result.
	Strategy Strategy `json:"strategy"`

	// Query is the input query.
	Query string `json:"query"`

	// Output is the selected answer text.
	Output string `json:"output"`

	// Confidence is the confidence of the selected answer.
	Confidence float64 `json:"confidence"`

	// SelectedResource is the resource whose answer was selected. Empty
	// for merged outputs (ensemble).
	SelectedResource string `json:"selected_resource,omitempty"`

	// Attempts are all resource invocations, in the order they were made.
	Attempts []Attempt `json:"attempts"`

	// LearningExample pairs the cheap answer with the costlier answer
	// selected over it. Set at most once per session, only under the
	// hierarchical, teacher_student, and peer_review strategies.
	LearningExample *event.LearningExample `json:"learning_example,omitempty"`

	// StartedAt is when the session started.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the session finished.
	FinishedAt time.Time `json:"finished_at"`
}

// succeeded returns the successful attempts in order.
func succeeded(attempts []Attempt) []Attempt {
	out := make([]Attempt, 0, len(attempts))
	for _, a := range attempts {
		if a.Err == "" && a.Output != nil {
			out = append(out, a)
		}
	}
	return out
}
