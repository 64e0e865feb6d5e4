package domain

import (
	"errors"
	"fmt"
)

// Try-count bounds applied during task expansion. Requests outside the
// range are clamped, not rejected, matching the grading form's behavior.
const (
	// MinTries is the minimum number of independent attempts per model.
	MinTries = 1

	// MaxTries is the maximum number of independent attempts per model.
	MaxTries = 5
)

// Model specification errors surfaced before any task is dispatched.
var (
	// ErrEmptyModelName indicates a model spec with no model identifier.
	ErrEmptyModelName = errors.New("model name must not be empty")

	// ErrNoModelsConfigured indicates a grading request that names no models.
	ErrNoModelsConfigured = errors.New("no models or model pairs configured")
)

// ModelSpec configures one model instance participating in a benchmark run.
// Two specs may share the same Name (e.g. the same base model with different
// reasoning configs); InstanceID keeps their results from colliding.
type ModelSpec struct {
	// Name is the provider/model identifier, e.g. "anthropic/claude-sonnet-4".
	Name string `json:"name" validate:"required,min=1"`

	// Tries is how many independent grading attempts to run. Zero means
	// "use the request's default_tries"; the expander clamps the resolved
	// value to [MinTries, MaxTries].
	Tries int `json:"tries,omitempty" validate:"min=0"`

	// Reasoning optionally directs the model's reasoning effort or budget.
	Reasoning ReasoningConfig `json:"reasoning,omitempty"`

	// InstanceID disambiguates specs sharing a Name. When empty the
	// expander synthesizes one from the name, position, and reasoning label.
	InstanceID string `json:"instance_id,omitempty"`
}

// Validate checks the spec's structural invariants.
func (m *ModelSpec) Validate() error {
	if m.Name == "" {
		return ErrEmptyModelName
	}
	if err := validate.Struct(m); err != nil {
		return err
	}
	return m.Reasoning.Validate()
}

// ResolveTries returns the effective try count for this spec, defaulting
// then clamping to the permitted range.
func (m *ModelSpec) ResolveTries(defaultTries int) int {
	tries := m.Tries
	if tries <= 0 {
		tries = defaultTries
	}
	if tries < MinTries {
		tries = MinTries
	}
	if tries > MaxTries {
		tries = MaxTries
	}
	return tries
}

// SynthesizeInstanceID builds a deterministic instance ID for a spec that
// did not provide one. Position is the spec's index in the request so the
// same base model selected twice never collides.
func SynthesizeInstanceID(name string, position int, reasoning ReasoningConfig) string {
	return fmt.Sprintf("%s#%d@%s", name, position, reasoning.Label())
}

// ModelPairSpec configures the two-stage rubric-extraction -> assessment
// pipeline. Each try runs the rubric model first; its output text is
// threaded into the assessment model's prompt.
type ModelPairSpec struct {
	// InstanceID joins the pair's result rows; required because the two
	// stages may use identical model names.
	InstanceID string `json:"instance_id" validate:"required,min=1"`

	// RubricModel extracts structured grading criteria from rubric images.
	RubricModel ModelSpec `json:"rubric_model"`

	// AssessmentModel grades student answers using the extracted rubric.
	AssessmentModel ModelSpec `json:"assessment_model"`
}

// Validate checks both halves of the pair.
func (p *ModelPairSpec) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if err := p.RubricModel.Validate(); err != nil {
		return fmt.Errorf("rubric_model: %w", err)
	}
	if err := p.AssessmentModel.Validate(); err != nil {
		return fmt.Errorf("assessment_model: %w", err)
	}
	return nil
}
