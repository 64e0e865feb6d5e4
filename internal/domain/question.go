package domain

import "errors"

// Question-specific errors returned by configuration operations.
var (
	// ErrInvalidQuestion indicates that a question contains invalid data.
	ErrInvalidQuestion = errors.New("invalid question")

	// ErrDuplicateQuestionID indicates two questions share an ID within a session.
	ErrDuplicateQuestionID = errors.New("duplicate question_id in session")
)

// Question is one gradable item in a session's question list.
// Questions are immutable once grading starts; reruns reuse the same list.
type Question struct {
	// QuestionID uniquely identifies the question within its session.
	// This is the key models are instructed to echo back in their output.
	QuestionID string `json:"question_id" validate:"required,min=1"`

	// Number is the ordinal position of the question on the paper (1-based).
	Number int `json:"number" validate:"required,min=1"`

	// MaxMarks is the maximum awardable mark. Zero is permitted for
	// unmarked items that still appear on the paper.
	MaxMarks float64 `json:"max_marks" validate:"min=0"`
}

// Validate checks if the question meets all requirements.
func (q *Question) Validate() error { return validate.Struct(q) }

// ValidateQuestionList checks a session's full question list: every entry
// must validate and question IDs must be unique.
func ValidateQuestionList(questions []Question) error {
	seen := make(map[string]struct{}, len(questions))
	for i := range questions {
		if err := questions[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[questions[i].QuestionID]; dup {
			return ErrDuplicateQuestionID
		}
		seen[questions[i].QuestionID] = struct{}{}
	}
	return nil
}

// MaxMarksByID builds a lookup from question ID to maximum mark.
func MaxMarksByID(questions []Question) map[string]float64 {
	m := make(map[string]float64, len(questions))
	for _, q := range questions {
		m[q.QuestionID] = q.MaxMarks
	}
	return m
}
