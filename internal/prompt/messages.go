package prompt

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/gradebench/gradebench/internal/completion"
	"github.com/gradebench/gradebench/internal/domain"
)

// Template placeholders. Text placeholders may appear in the system or
// user template; image placeholders expand inside the user template only,
// since system messages must stay plain text for provider compatibility.
const (
	PlaceholderQuestionList      = "[Question list]"
	PlaceholderResponseSchema    = "[Response schema]"
	PlaceholderAnswerKey         = "[Answer key]"
	PlaceholderStudentAssessment = "[Student assessment]"
)

// Templates holds operator-configured prompt templates. Empty fields fall
// back to the built-in grading prompts.
type Templates struct {
	System string `yaml:"system" json:"system"`
	User   string `yaml:"user" json:"user"`
	Schema string `yaml:"schema" json:"schema"`
}

// configured reports whether custom templates fully replace the defaults.
// Both the system and user templates must be present; a lone schema
// override still uses the default message structure.
func (t Templates) configured() bool {
	return strings.TrimSpace(t.System) != "" && strings.TrimSpace(t.User) != ""
}

// Input carries everything one grading request's messages are built from.
type Input struct {
	// StudentURLs are the page images of the students in this batch.
	StudentURLs []string

	// AnswerKeyURLs are the reference answer key images, optional.
	AnswerKeyURLs []string

	// Questions defines the IDs and mark ceilings the model must use.
	Questions []domain.Question

	// RubricText is the rubric model's output, threaded into assessment
	// stage prompts. Empty for single-stage grading.
	RubricText string
}

// defaultSystemText instructs strict JSON-only grading output.
const defaultSystemText = "You are a strict grader. Read the student's answer images and the answer key images. " +
	"Return ONLY JSON with this exact schema (no markdown, no prose):\n" +
	`{"result":[{"first_name":string,"last_name":string,` +
	`"answers":[{"question_id":string,"marks_awarded":number,"rubric_notes":string}]}]}` + "\n" +
	"Use the question_id values exactly as provided in the Questions list."

const defaultSchemaText = "\n\nReturn ONLY JSON with this exact schema (no markdown fences, no prose):\n" +
	`{"result":[{"first_name":string,"last_name":string,` +
	`"answers":[{"question_id":string,"marks_awarded":number,"rubric_notes":string}]}]}` + "\n" +
	"Use the question_id values exactly as provided in the Questions list."

const rubricLeadIn = "\n\nGrading rubric extracted from the answer key:\n"

// rubricSystemText instructs the rubric-extraction stage of the two-stage
// pipeline. Its output is plain text, threaded into the assessment prompt.
const rubricSystemText = "You are an examiner preparing a grading rubric. Read the answer key images and, " +
	"for every question in the Questions list, write the criteria for awarding full, partial, and zero marks. " +
	"Respond in plain text, one section per question, using the question_id values exactly as provided."

// BuildMessages assembles the chat messages for one grading request.
// With configured templates, placeholders are substituted in document
// order; without, the legacy fixed layout is used. Image URLs are
// normalized so providers can fetch paths with spaces or unicode.
func BuildMessages(tmpl Templates, in Input) []completion.ChatMessage {
	studentURLs := normalizeURLs(in.StudentURLs)
	keyURLs := normalizeURLs(in.AnswerKeyURLs)
	questionsJSON := questionListJSON(in.Questions)

	if tmpl.configured() {
		return templatedMessages(tmpl, in, studentURLs, keyURLs, questionsJSON)
	}
	return legacyMessages(in, studentURLs, keyURLs, questionsJSON)
}

// BuildRubricMessages assembles the rubric-extraction request for the
// two-stage pipeline: answer key images plus the question list, with a
// fixed instruction to produce per-question grading criteria as text.
func BuildRubricMessages(in Input) []completion.ChatMessage {
	keyURLs := normalizeURLs(in.AnswerKeyURLs)
	questionsJSON := questionListJSON(in.Questions)

	parts := []completion.ContentPart{
		completion.TextPart("Extract the grading rubric from these answer key images."),
	}
	for _, u := range keyURLs {
		parts = append(parts, completion.ImagePart(u))
	}
	parts = append(parts, completion.TextPart("Questions: "+questionsJSON))

	return []completion.ChatMessage{
		completion.SystemMessage(rubricSystemText),
		completion.UserMessage(parts),
	}
}

func templatedMessages(tmpl Templates, in Input, studentURLs, keyURLs []string, questionsJSON string) []completion.ChatMessage {
	schemaText := defaultSchemaText
	if strings.TrimSpace(tmpl.Schema) != "" {
		schemaText = "\n\n" + strings.ReplaceAll(tmpl.Schema, PlaceholderQuestionList, questionsJSON)
	}

	sysText := strings.ReplaceAll(tmpl.System, PlaceholderQuestionList, questionsJSON)
	if strings.Contains(sysText, PlaceholderResponseSchema) {
		sysText = strings.ReplaceAll(sysText, PlaceholderResponseSchema, schemaText)
	} else {
		sysText += schemaText
	}

	parts := expandUserTemplate(tmpl.User, map[string]placeholderContent{
		PlaceholderAnswerKey:         {images: keyURLs},
		PlaceholderStudentAssessment: {images: studentURLs},
		PlaceholderQuestionList:      {text: questionsJSON},
		PlaceholderResponseSchema:    {text: schemaText},
	})

	if in.RubricText != "" {
		parts = append(parts, completion.TextPart(rubricLeadIn+in.RubricText))
	}

	return []completion.ChatMessage{
		completion.SystemMessage(sysText),
		completion.UserMessage(parts),
	}
}

// placeholderContent is what a placeholder expands into: either text or a
// run of image parts.
type placeholderContent struct {
	text   string
	images []string
}

// expandUserTemplate splits the user template at each placeholder it
// contains, in document order, interleaving the surrounding text with the
// expansion. A template with no placeholders keeps its text and gets the
// images appended in answer-key-then-student order.
func expandUserTemplate(template string, contents map[string]placeholderContent) []completion.ContentPart {
	type hit struct {
		index       int
		placeholder string
	}
	var hits []hit
	for placeholder := range contents {
		if i := strings.Index(template, placeholder); i != -1 {
			hits = append(hits, hit{index: i, placeholder: placeholder})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].index < hits[j].index })

	var parts []completion.ContentPart
	appendText := func(s string) {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, completion.TextPart(s))
		}
	}
	appendContent := func(c placeholderContent) {
		if c.text != "" {
			parts = append(parts, completion.TextPart(c.text))
		}
		for _, u := range c.images {
			parts = append(parts, completion.ImagePart(u))
		}
	}

	if len(hits) == 0 {
		appendText(template)
		if key := contents[PlaceholderAnswerKey]; len(key.images) > 0 {
			parts = append(parts, completion.TextPart("\n\nAnswer key images:"))
			appendContent(key)
		}
		if stu := contents[PlaceholderStudentAssessment]; len(stu.images) > 0 {
			parts = append(parts, completion.TextPart("\n\nStudent test pages:"))
			appendContent(stu)
		}
		return parts
	}

	pos := 0
	for _, h := range hits {
		appendText(template[pos:h.index])
		appendContent(contents[h.placeholder])
		pos = h.index + len(h.placeholder)
	}
	appendText(template[pos:])
	return parts
}

func legacyMessages(in Input, studentURLs, keyURLs []string, questionsJSON string) []completion.ChatMessage {
	parts := []completion.ContentPart{
		completion.TextPart("Grade the student's answers against the answer key."),
	}
	for _, u := range studentURLs {
		parts = append(parts, completion.ImagePart(u))
	}
	if len(keyURLs) > 0 {
		parts = append(parts, completion.TextPart("Answer key images:"))
		for _, u := range keyURLs {
			parts = append(parts, completion.ImagePart(u))
		}
	}
	parts = append(parts, completion.TextPart("Questions: "+questionsJSON))

	if in.RubricText != "" {
		parts = append(parts, completion.TextPart(rubricLeadIn+in.RubricText))
	}

	return []completion.ChatMessage{
		completion.SystemMessage(defaultSystemText),
		completion.UserMessage(parts),
	}
}

// questionListJSON renders the question list the way the grading prompts
// reference it. Both the stable ID and the paper position are included so
// templates can instruct either addressing style.
func questionListJSON(questions []domain.Question) string {
	type entry struct {
		QuestionID     string  `json:"question_id"`
		QuestionNumber int     `json:"question_number"`
		MaxMark        float64 `json:"max_mark"`
	}
	entries := make([]entry, 0, len(questions))
	for _, q := range questions {
		entries = append(entries, entry{
			QuestionID:     q.QuestionID,
			QuestionNumber: q.Number,
			MaxMark:        q.MaxMarks,
		})
	}
	b, err := json.MarshalIndent(map[string]any{"question_list": entries}, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// NormalizeURL percent-encodes the path and query of an image URL so
// providers can fetch keys containing spaces or unicode. Scheme and host
// are left intact; unparseable input is returned unchanged.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	// Drop any original encoding so String() re-escapes the decoded path.
	u.RawPath = ""
	u.RawQuery = u.Query().Encode()
	if u.RawQuery == "" {
		u.ForceQuery = false
	}
	return u.String()
}

func normalizeURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, NormalizeURL(u))
	}
	return out
}
