package domain

// ZPFBucket is the qualitative classification of a mark relative to the
// question's maximum: Zero, Partial, or Full.
type ZPFBucket string

const (
	BucketZero    ZPFBucket = "Z"
	BucketPartial ZPFBucket = "P"
	BucketFull    ZPFBucket = "F"
)

// RangeBucket is the coarse percentage-of-max band used for a looser
// discrepancy comparison than exact mark matching.
type RangeBucket string

const (
	RangeLow    RangeBucket = "low"
	RangeMedium RangeBucket = "medium"
	RangeHigh   RangeBucket = "high"
)

// QuestionFeedback is the per-question comparison detail for one attempt.
type QuestionFeedback struct {
	QuestionID        string    `json:"question_id"`
	AIMark            float64   `json:"ai_mark"`
	HumanMark         float64   `json:"human_mark"`
	MaxMarks          float64   `json:"max_marks"`
	AIZPF             ZPFBucket `json:"ai_zpf"`
	HumanZPF          ZPFBucket `json:"human_zpf"`
	MarkDiscrepancy   bool      `json:"mark_discrepancy"`
	ZPFDiscrepancy    bool      `json:"zpf_discrepancy"`
	RangeDiscrepancy  bool      `json:"range_discrepancy"`
}

// DiscrepancyMetrics is one set of comparison statistics: raw-mark, ZPF
// bucket, and range bucket mismatch rates over a compared-question set.
// Percentages are 0-100, rounded to two decimals.
type DiscrepancyMetrics struct {
	// DiscrepanciesPct is the share of compared questions whose raw AI
	// mark differs from the human mark.
	DiscrepanciesPct float64 `json:"discrepancies_pct"`

	// QuestionDiscrepanciesPct is the pooled per-question mismatch rate.
	// At attempt level it equals DiscrepanciesPct; at model level it pools
	// every (question, try) comparison rather than averaging attempt rates.
	QuestionDiscrepanciesPct float64 `json:"question_discrepancies_pct"`

	// ZPFDiscrepancies counts questions whose Zero/Partial/Full bucket
	// differs; ZPFQuestionDiscrepancies is its pooled counterpart.
	ZPFDiscrepancies         float64 `json:"zpf_discrepancies"`
	ZPFQuestionDiscrepancies float64 `json:"zpf_question_discrepancies"`

	// RangeDiscrepancies counts questions falling in different coarse
	// score-range buckets; RangeQuestionDiscrepancies is the pooled form.
	RangeDiscrepancies         float64 `json:"range_discrepancies"`
	RangeQuestionDiscrepancies float64 `json:"range_question_discrepancies"`

	// TotalScore is sum(AI marks) / sum(max marks) over the compared
	// set, as a percentage.
	TotalScore float64 `json:"total_score"`
}

// AttemptReport carries one try's metrics and per-question detail.
type AttemptReport struct {
	TryIndex         int                `json:"try_index"`
	ComparedCount    int                `json:"compared_count"`
	Metrics          DiscrepancyMetrics `json:"metrics"`
	QuestionFeedback []QuestionFeedback `json:"question_feedback"`
	Usage            TokenUsage         `json:"token_usage"`
}

// ModelReport aggregates one model instance's attempts. Averages are the
// unweighted arithmetic mean across measured tries only: a try that never
// produced a parsed mark for any question is excluded entirely rather than
// diluting the average with zeros.
type ModelReport struct {
	ModelInstanceID string             `json:"model_instance_id"`
	Averages        DiscrepancyMetrics `json:"averages"`
	Attempts        []AttemptReport    `json:"attempts"`

	// MeasuredTries is how many tries contributed to the averages.
	MeasuredTries int `json:"measured_tries"`

	// TotalTries is how many tries were configured, measured or not.
	TotalTries int `json:"total_tries"`
}

// DiscrepancyReport is the full derived statistics document for a session.
// It is never ground truth: it is always recomputable from result rows and
// the human-mark map.
type DiscrepancyReport struct {
	SessionID string        `json:"session_id"`
	Models    []ModelReport `json:"models"`
}
