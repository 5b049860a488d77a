package event

// LearningExample is the payload carried by KindLearningExample events.
// It pairs a cheap resource's answer with the costlier answer that was
// selected over it, as future distillation training data.
type LearningExample struct {
	SessionID           string  `json:"session_id"`
	Input               string  `json:"input"`
	CheapResourceID     string  `json:"cheap_resource_id"`
	CheapOutput         string  `json:"cheap_output"`
	ExpensiveResourceID string  `json:"expensive_resource_id"`
	ExpensiveOutput     string  `json:"expensive_output"`
	QualityDelta        float64 `json:"quality_delta"`
}

// MutationOutcome is the payload carried by KindMutationOutcome events.
// The reputation projector decodes it to adjust agent scores.
type MutationOutcome struct {
	AgentID string  `json:"agent_id"`
	TaskID  string  `json:"task_id"`
	Success bool    `json:"success"`
	Quality float64 `json:"quality"`
}
