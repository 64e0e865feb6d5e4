package grading

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gradebench/gradebench/internal/domain"
)

// ParsedAnswer is one validated per-question grade from a model response.
type ParsedAnswer struct {
	QuestionID   string   `json:"question_id"`
	MarksAwarded *float64 `json:"marks_awarded"`
	RubricNotes  string   `json:"rubric_notes,omitempty"`
}

// ValidationResult carries everything one response parse produced: the
// answers that survived validation, the per-question and structural
// errors, and a bounded copy of the raw text for debugging. A response
// can yield both answers and errors; a bad entry for one question never
// discards marks parsed for its siblings.
type ValidationResult struct {
	Answers   []ParsedAnswer
	Errors    []string
	RawOutput string
}

// Parsed reports whether at least one usable mark came out of the
// response. Rows with null marks (notes only) do not count.
func (r *ValidationResult) Parsed() bool {
	for _, a := range r.Answers {
		if a.MarksAwarded != nil {
			return true
		}
	}
	return false
}

// rawAnswer is one answer entry before key normalization. Models emit a
// range of key spellings; all accepted alternates funnel into this shape.
type rawAnswer struct {
	questionID string
	marks      *float64
	notes      string
}

// ValidateResponse parses a model's raw completion text against the
// session's question list. Markdown fences are stripped, the outermost
// JSON object is located, and several known response shapes and key
// spellings are tolerated. Marks outside [0, max_marks] and unknown
// question IDs are rejected per question, never clamped.
func ValidateResponse(raw string, questions []domain.Question) ValidationResult {
	result := ValidationResult{RawOutput: truncateRaw(raw)}

	text := stripFences(raw)
	objs := decodeObjects(text)
	if len(objs) == 0 {
		result.Errors = append(result.Errors, "no JSON object in response")
		return result
	}

	var rawAnswers []rawAnswer
	var shapeErr error
	for _, obj := range objs {
		answers, err := extractAnswers(obj)
		if err != nil {
			shapeErr = err
			continue
		}
		rawAnswers = append(rawAnswers, answers...)
	}
	if len(rawAnswers) == 0 && shapeErr != nil {
		result.Errors = append(result.Errors, shapeErr.Error())
		return result
	}

	maxByID := domain.MaxMarksByID(questions)
	numberToID := make(map[int]string, len(questions))
	for _, q := range questions {
		numberToID[q.Number] = q.QuestionID
	}

	seen := make(map[string]struct{})
	for _, a := range rawAnswers {
		qid := resolveQuestionID(a.questionID, maxByID, numberToID)
		if qid == "" {
			result.Errors = append(result.Errors,
				fmt.Sprintf("unknown question %q", a.questionID))
			continue
		}
		if _, dup := seen[qid]; dup {
			result.Errors = append(result.Errors,
				fmt.Sprintf("duplicate answer for question %q", qid))
			continue
		}

		if a.marks != nil {
			maxMarks := maxByID[qid]
			if *a.marks < 0 || *a.marks > maxMarks {
				result.Errors = append(result.Errors,
					fmt.Sprintf("question %q: mark %g outside [0, %g]", qid, *a.marks, maxMarks))
				continue
			}
		}

		seen[qid] = struct{}{}
		result.Answers = append(result.Answers, ParsedAnswer{
			QuestionID:   qid,
			MarksAwarded: a.marks,
			RubricNotes:  a.notes,
		})
	}

	if len(result.Answers) == 0 && len(result.Errors) == 0 {
		result.Errors = append(result.Errors, "no valid answers in response")
	}
	return result
}

// decodeObjects parses every top-level JSON object in the text, in order.
// Batched calls concatenate one response object per batch; surrounding
// prose is skipped.
func decodeObjects(text string) []map[string]any {
	var objs []map[string]any
	for {
		start := strings.Index(text, "{")
		if start == -1 {
			return objs
		}
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			text = text[start+1:]
			continue
		}
		objs = append(objs, obj)
		text = text[start+int(dec.InputOffset()):]
	}
}

// stripFences removes surrounding markdown code fences, with or without a
// language tag, leaving other text untouched.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if i := strings.Index(text, "\n"); i != -1 {
		// Drop a language tag like "json" on the fence line.
		if !strings.Contains(text[:i], "{") {
			text = text[i+1:]
		}
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// extractAnswers locates the answer list inside a parsed response object.
// Accepted shapes, tried in order:
//   - {"answers": [...]} with a list, a JSON-encoded string, or a
//     question-keyed object
//   - {"result": [{"answers": [...]}, ...]} with per-student wrappers
//   - {"results": {...}} or {"grades": {...}} keyed by question
func extractAnswers(obj map[string]any) ([]rawAnswer, error) {
	answers := obj["answers"]

	if s, ok := answers.(string); ok {
		var reparsed any
		if err := json.Unmarshal([]byte(s), &reparsed); err == nil {
			answers = reparsed
		}
	}

	if m, ok := answers.(map[string]any); ok {
		return answersFromMap(m), nil
	}
	if list, ok := answers.([]any); ok {
		return answersFromList(list), nil
	}

	if students, ok := obj["result"].([]any); ok {
		var combined []rawAnswer
		for _, s := range students {
			student, ok := s.(map[string]any)
			if !ok {
				continue
			}
			if list, ok := student["answers"].([]any); ok {
				combined = append(combined, answersFromList(list)...)
			}
		}
		if len(combined) > 0 {
			return combined, nil
		}
	}

	for _, key := range []string{"results", "grades"} {
		if m, ok := obj[key].(map[string]any); ok {
			return answersFromMap(m), nil
		}
	}

	return nil, fmt.Errorf("response has no recognizable answers shape")
}

// answersFromList normalizes a list of answer objects, accepting the
// alternate key spellings models actually produce.
func answersFromList(list []any) []rawAnswer {
	var out []rawAnswer
	for _, e := range list {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		qid := firstString(entry, "question_id", "qid", "questionID", "question", "question_number")
		if qid == "" {
			continue
		}
		out = append(out, rawAnswer{
			questionID: qid,
			marks:      firstNumber(entry, "marks_awarded", "mark", "score"),
			notes:      firstText(entry, "rubric_notes", "feedback", "notes"),
		})
	}
	return out
}

// answersFromMap normalizes a question-keyed object. Values may be grade
// objects, bare numbers, or bare note strings.
func answersFromMap(m map[string]any) []rawAnswer {
	var out []rawAnswer
	for qid, v := range m {
		switch grade := v.(type) {
		case map[string]any:
			out = append(out, rawAnswer{
				questionID: qid,
				marks:      firstNumber(grade, "mark", "marks_awarded", "score"),
				notes:      firstText(grade, "feedback", "rubric_notes", "notes"),
			})
		case float64:
			g := grade
			out = append(out, rawAnswer{questionID: qid, marks: &g})
		case string:
			out = append(out, rawAnswer{questionID: qid, notes: grade})
		}
	}
	return out
}

// resolveQuestionID maps a raw question reference onto a known question,
// first by ID, then by ordinal number for responses that answered with
// question_number. Empty means unknown.
func resolveQuestionID(raw string, maxByID map[string]float64, numberToID map[int]string) string {
	if _, ok := maxByID[raw]; ok {
		return raw
	}
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		if id, ok := numberToID[n]; ok {
			return id
		}
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			// Numeric question references are common with question_number.
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func firstNumber(m map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		if v, ok := m[k].(float64); ok {
			n := v
			return &n
		}
	}
	return nil
}

func firstText(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func truncateRaw(raw string) string {
	if len(raw) <= domain.MaxRawOutputBytes {
		return raw
	}
	return raw[:domain.MaxRawOutputBytes]
}
