package domain

import "fmt"

// TaskStage identifies which pipeline stage a grading task executes.
type TaskStage string

const (
	// StageSingle is a one-shot grading call (no rubric extraction).
	StageSingle TaskStage = "single"

	// StageRubric extracts grading criteria from rubric images.
	StageRubric TaskStage = "rubric"

	// StageAssessment grades student answers, optionally seeded with the
	// rubric stage's output text.
	StageAssessment TaskStage = "assessment"
)

// ImageBatch is one batch of page-image URLs that fits under a model's
// per-call ceilings, tagged with its estimated prompt token cost for
// scheduler-side capacity checks.
type ImageBatch struct {
	// URLs are the page image URLs in paper order.
	URLs []string `json:"urls"`

	// EstimatedTokens is the estimated prompt cost of sending this batch,
	// including the shared prompt overhead.
	EstimatedTokens int `json:"estimated_tokens"`
}

// GradingTask is the atomic unit of work: one attempt of one stage for one
// model instance. Tasks are created by the expander, consumed exactly once
// by the scheduler, and never mutated after dispatch — a rerun creates a
// new task rather than patching an old one.
type GradingTask struct {
	// SessionID is the benchmarking session this task belongs to.
	SessionID string `json:"session_id" validate:"required"`

	// ModelInstanceID identifies the model configuration under test.
	ModelInstanceID string `json:"model_instance_id" validate:"required"`

	// Spec is the resolved model spec the completion call uses.
	Spec ModelSpec `json:"spec"`

	// TryIndex is the 1-based attempt number for this model instance.
	TryIndex int `json:"try_index" validate:"required,min=1"`

	// Stage selects the pipeline stage this task executes.
	Stage TaskStage `json:"stage" validate:"required,oneof=single rubric assessment"`

	// InputBatches are the ordered image batches produced by the prompt
	// batcher for this task's role.
	InputBatches []ImageBatch `json:"input_batches"`

	// UpstreamText carries the rubric stage's output when Stage is
	// assessment; empty otherwise.
	UpstreamText string `json:"upstream_text,omitempty"`
}

// Key returns the task's globally unique identity within a session.
func (t *GradingTask) Key() string {
	return fmt.Sprintf("%s|%d|%s", t.ModelInstanceID, t.TryIndex, t.Stage)
}

// Validate checks the task's structural invariants.
func (t *GradingTask) Validate() error { return validate.Struct(t) }
