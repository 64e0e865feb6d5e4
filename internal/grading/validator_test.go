package grading

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradebench/gradebench/internal/domain"
)

var validatorQuestions = []domain.Question{
	{QuestionID: "Q1", Number: 1, MaxMarks: 10},
	{QuestionID: "Q2", Number: 2, MaxMarks: 15},
}

func answerByID(t *testing.T, result ValidationResult, qid string) ParsedAnswer {
	t.Helper()
	for _, a := range result.Answers {
		if a.QuestionID == qid {
			return a
		}
	}
	t.Fatalf("no answer for %s", qid)
	return ParsedAnswer{}
}

func TestValidateResponse_Shapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "canonical answers list",
			raw:  `{"answers":[{"question_id":"Q1","marks_awarded":7,"rubric_notes":"partial working"},{"question_id":"Q2","marks_awarded":15}]}`,
		},
		{
			name: "result wrapper with student objects",
			raw:  `{"result":[{"first_name":"A","last_name":"B","answers":[{"question_id":"Q1","marks_awarded":7,"rubric_notes":"partial working"},{"question_id":"Q2","marks_awarded":15}]}]}`,
		},
		{
			name: "alternate key spellings",
			raw:  `{"answers":[{"qid":"Q1","mark":7,"feedback":"partial working"},{"question":"Q2","score":15}]}`,
		},
		{
			name: "question number references",
			raw:  `{"answers":[{"question_number":1,"marks_awarded":7,"notes":"partial working"},{"question_number":2,"marks_awarded":15}]}`,
		},
		{
			name: "answers as question-keyed object",
			raw:  `{"answers":{"Q1":{"mark":7,"feedback":"partial working"},"Q2":15}}`,
		},
		{
			name: "grades object",
			raw:  `{"grades":{"Q1":{"marks_awarded":7,"rubric_notes":"partial working"},"Q2":{"mark":15}}}`,
		},
		{
			name: "markdown fenced",
			raw:  "```json\n{\"answers\":[{\"question_id\":\"Q1\",\"marks_awarded\":7,\"rubric_notes\":\"partial working\"},{\"question_id\":\"Q2\",\"marks_awarded\":15}]}\n```",
		},
		{
			name: "prose around the JSON",
			raw:  `Here are the grades: {"answers":[{"question_id":"Q1","marks_awarded":7,"rubric_notes":"partial working"},{"question_id":"Q2","marks_awarded":15}]} Hope that helps!`,
		},
		{
			name: "answers as embedded JSON string",
			raw:  `{"answers":"[{\"question_id\":\"Q1\",\"marks_awarded\":7,\"rubric_notes\":\"partial working\"},{\"question_id\":\"Q2\",\"marks_awarded\":15}]"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateResponse(tt.raw, validatorQuestions)
			require.True(t, result.Parsed(), "errors: %v", result.Errors)
			require.Len(t, result.Answers, 2)

			q1 := answerByID(t, result, "Q1")
			require.NotNil(t, q1.MarksAwarded)
			assert.Equal(t, 7.0, *q1.MarksAwarded)

			q2 := answerByID(t, result, "Q2")
			require.NotNil(t, q2.MarksAwarded)
			assert.Equal(t, 15.0, *q2.MarksAwarded)
		})
	}
}

func TestValidateResponse_PartialFailureIsolation(t *testing.T) {
	raw := `{"answers":[
		{"question_id":"Q1","marks_awarded":7},
		{"question_id":"Q2","marks_awarded":99},
		{"question_id":"Q9","marks_awarded":3}
	]}`
	result := ValidateResponse(raw, validatorQuestions)

	// Q1 survives even though Q2 is out of range and Q9 is unknown.
	require.True(t, result.Parsed())
	require.Len(t, result.Answers, 1)
	assert.Equal(t, "Q1", result.Answers[0].QuestionID)

	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "outside [0, 15]")
	assert.Contains(t, result.Errors[1], `unknown question "Q9"`)
}

func TestValidateResponse_OutOfRangeRejectedNotClamped(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "above max", raw: `{"answers":[{"question_id":"Q1","marks_awarded":11}]}`},
		{name: "negative", raw: `{"answers":[{"question_id":"Q1","marks_awarded":-1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateResponse(tt.raw, validatorQuestions)
			assert.False(t, result.Parsed())
			assert.NotEmpty(t, result.Errors)
		})
	}
}

func TestValidateResponse_NullMarkKept(t *testing.T) {
	// A null mark with notes is a valid row; the mark stays nil.
	raw := `{"answers":[{"question_id":"Q1","marks_awarded":null,"rubric_notes":"illegible"}]}`
	result := ValidateResponse(raw, validatorQuestions)

	require.Len(t, result.Answers, 1)
	assert.Nil(t, result.Answers[0].MarksAwarded)
	assert.Equal(t, "illegible", result.Answers[0].RubricNotes)
	assert.False(t, result.Parsed(), "a notes-only row is not a usable mark")
}

func TestValidateResponse_StructuralFailures(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		errPart string
	}{
		{name: "no json at all", raw: "I cannot grade this.", errPart: "no JSON object"},
		{name: "malformed json", raw: `{"answers":[`, errPart: "no JSON object"},
		{name: "unrecognized shape", raw: `{"verdict":"pass"}`, errPart: "no recognizable answers shape"},
		{name: "empty answers", raw: `{"answers":[]}`, errPart: "no valid answers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateResponse(tt.raw, validatorQuestions)
			assert.False(t, result.Parsed())
			require.NotEmpty(t, result.Errors)
			assert.Contains(t, strings.Join(result.Errors, "; "), tt.errPart)
		})
	}
}

func TestValidateResponse_ConcatenatedBatchObjects(t *testing.T) {
	// Calls split across image batches produce one response object per
	// batch, joined by a newline.
	raw := `{"answers":[{"question_id":"Q1","marks_awarded":5}]}` + "\n" +
		`{"answers":[{"question_id":"Q2","marks_awarded":7}]}`

	result := ValidateResponse(raw, validatorQuestions)
	assert.True(t, result.Parsed())
	assert.Empty(t, result.Errors)
	require.Len(t, result.Answers, 2)
	assert.Equal(t, 5.0, *answerByID(t, result, "Q1").MarksAwarded)
	assert.Equal(t, 7.0, *answerByID(t, result, "Q2").MarksAwarded)
}

func TestValidateResponse_ProseBetweenObjectsSkipped(t *testing.T) {
	raw := "Here is the grade.\n" +
		`{"answers":[{"question_id":"Q1","marks_awarded":5}]}` +
		"\nLet me know if you need anything else."

	result := ValidateResponse(raw, validatorQuestions)
	assert.True(t, result.Parsed())
	require.Len(t, result.Answers, 1)
}

func TestValidateResponse_RawOutputTruncated(t *testing.T) {
	raw := strings.Repeat("x", domain.MaxRawOutputBytes+500)
	result := ValidateResponse(raw, validatorQuestions)
	assert.Len(t, result.RawOutput, domain.MaxRawOutputBytes)
}
