package domain

import (
	"errors"
	"fmt"
)

// MaxRawOutputBytes bounds how much raw model output is kept on a result
// row when validation fails; the full payload lives only in logs.
const MaxRawOutputBytes = 4096

// Result errors.
var (
	// ErrMarkOutOfRange indicates a parsed mark outside [0, max_marks].
	ErrMarkOutOfRange = errors.New("mark outside [0, max_marks]")

	// ErrInvalidResult indicates a result row that fails validation.
	ErrInvalidResult = errors.New("invalid result item")
)

// TokenUsage records token consumption for one completion attempt,
// normalized across providers.
type TokenUsage struct {
	Input     int64 `json:"input_tokens"`
	Output    int64 `json:"output_tokens"`
	Reasoning int64 `json:"reasoning_tokens"`
	Total     int64 `json:"total_tokens"`

	// CostUSD is the provider-reported estimated cost, zero when the
	// provider does not report one.
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// Add accumulates another usage record, used when a try spans multiple
// batched completion calls.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Reasoning += other.Reasoning
	u.Total += other.Total
	u.CostUSD += other.CostUSD
}

// ResultItem is one (question, model instance, try) grading outcome.
// Rows are unique on (session_id, question_id, model_instance_id,
// try_index); the store's upsert is idempotent so retried enqueues never
// duplicate rows.
type ResultItem struct {
	// SessionID is the owning benchmarking session.
	SessionID string `json:"session_id" validate:"required"`

	// QuestionID references the graded question. The sentinel
	// ParseErrorQuestionID marks a try whose whole output failed to parse.
	QuestionID string `json:"question_id" validate:"required"`

	// ModelInstanceID identifies the model configuration that produced
	// this result.
	ModelInstanceID string `json:"model_instance_id" validate:"required"`

	// TryIndex is the 1-based attempt number.
	TryIndex int `json:"try_index" validate:"required,min=1"`

	// MarksAwarded is the parsed mark, nil when parsing failed for this
	// question. Non-nil values always lie in [0, question.max_marks].
	MarksAwarded *float64 `json:"marks_awarded"`

	// RubricNotes is the model's free-text justification for the mark.
	RubricNotes string `json:"rubric_notes,omitempty"`

	// RawOutput preserves (a bounded prefix of) the model's raw text for
	// debugging failed parses.
	RawOutput string `json:"raw_output,omitempty"`

	// ValidationErrors records why parsing or range checks failed, empty
	// on success.
	ValidationErrors []string `json:"validation_errors,omitempty"`

	// Usage is the token consumption attributed to the try that produced
	// this row.
	Usage TokenUsage `json:"token_usage"`
}

// ParseErrorQuestionID is the sentinel question ID used when an entire
// model response failed validation and no per-question rows exist.
const ParseErrorQuestionID = "__parse_error__"

// RubricQuestionID is the sentinel question ID on the row preserving a
// rubric stage's raw output. The row never carries a mark, so discrepancy
// calculations skip it.
const RubricQuestionID = "__rubric__"

// Key returns the row's unique identity.
func (r *ResultItem) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", r.SessionID, r.QuestionID, r.ModelInstanceID, r.TryIndex)
}

// Validate checks the row's structural invariants. Mark range checks
// require the question's max and are enforced by the response validator.
func (r *ResultItem) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}
	if r.MarksAwarded != nil && *r.MarksAwarded < 0 {
		return fmt.Errorf("%w: %f", ErrMarkOutOfRange, *r.MarksAwarded)
	}
	return nil
}

// IsParsed reports whether the row carries a usable mark.
func (r *ResultItem) IsParsed() bool {
	return r.MarksAwarded != nil && r.QuestionID != ParseErrorQuestionID
}
