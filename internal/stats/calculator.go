package stats

import (
	"log/slog"
	"math"
	"sort"

	"github.com/gradebench/gradebench/internal/domain"
)

// Calculator derives discrepancy reports. It is pure over its inputs and
// safe for concurrent use.
type Calculator struct {
	thresholds RangeThresholds
	logger     *slog.Logger
}

// NewCalculator wires a calculator. Zero thresholds fall back to the
// defaults; a nil logger falls back to slog.Default.
func NewCalculator(thresholds RangeThresholds, logger *slog.Logger) *Calculator {
	if thresholds == (RangeThresholds{}) {
		thresholds = DefaultRangeThresholds()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		thresholds: thresholds,
		logger:     logger.With("component", "stats"),
	}
}

// attemptKey groups result rows into one model attempt.
type attemptKey struct {
	modelInstanceID string
	tryIndex        int
}

// Report computes the full discrepancy report for a session from its
// result rows and the human-mark map. Rows without a parsed mark and
// questions missing a human mark are excluded from the compared set, not
// treated as zero.
func (c *Calculator) Report(
	sessionID string,
	results []domain.ResultItem,
	questions []domain.Question,
	humanMarks map[string]float64,
) domain.DiscrepancyReport {
	maxByID := domain.MaxMarksByID(questions)

	grouped := make(map[attemptKey][]domain.ResultItem)
	rubricUsage := make(map[attemptKey]domain.TokenUsage)
	totalTries := make(map[string]int)

	for _, row := range results {
		key := attemptKey{row.ModelInstanceID, row.TryIndex}
		if row.TryIndex > totalTries[row.ModelInstanceID] {
			totalTries[row.ModelInstanceID] = row.TryIndex
		}
		if row.QuestionID == domain.RubricQuestionID {
			rubricUsage[key] = row.Usage
			continue
		}
		grouped[key] = append(grouped[key], row)
	}

	byModel := make(map[string][]domain.AttemptReport)
	for key, rows := range grouped {
		attempt := c.attemptReport(key, rows, maxByID, humanMarks)
		attempt.Usage.Add(rubricUsage[key])
		if attempt.ComparedCount == 0 && !anyParsed(rows) {
			// A try with no parsed mark at all is a non-measurement.
			c.logger.Debug("attempt excluded from averages",
				"session_id", sessionID,
				"model_instance_id", key.modelInstanceID,
				"try_index", key.tryIndex,
			)
			continue
		}
		byModel[key.modelInstanceID] = append(byModel[key.modelInstanceID], attempt)
	}

	report := domain.DiscrepancyReport{SessionID: sessionID}
	for instanceID, attempts := range byModel {
		sort.Slice(attempts, func(i, j int) bool { return attempts[i].TryIndex < attempts[j].TryIndex })
		report.Models = append(report.Models, domain.ModelReport{
			ModelInstanceID: instanceID,
			Averages:        c.modelAverages(attempts),
			Attempts:        attempts,
			MeasuredTries:   len(attempts),
			TotalTries:      totalTries[instanceID],
		})
	}
	sort.Slice(report.Models, func(i, j int) bool {
		return report.Models[i].ModelInstanceID < report.Models[j].ModelInstanceID
	})
	return report
}

func anyParsed(rows []domain.ResultItem) bool {
	for _, row := range rows {
		if row.IsParsed() {
			return true
		}
	}
	return false
}

// attemptReport compares one try's parsed marks against the human marks.
func (c *Calculator) attemptReport(
	key attemptKey,
	rows []domain.ResultItem,
	maxByID map[string]float64,
	humanMarks map[string]float64,
) domain.AttemptReport {
	report := domain.AttemptReport{TryIndex: key.tryIndex}

	var markDisc, zpfDisc, rangeDisc int
	var aiSum, maxSum float64
	usageSet := false

	sorted := append([]domain.ResultItem(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].QuestionID < sorted[j].QuestionID })

	for _, row := range sorted {
		if !row.IsParsed() {
			continue
		}
		if !usageSet {
			// Every row of one task carries the task's full usage once.
			report.Usage = row.Usage
			usageSet = true
		}
		maxMarks, ok := maxByID[row.QuestionID]
		if !ok {
			continue
		}
		aiMark := *row.MarksAwarded
		aiSum += aiMark
		maxSum += maxMarks

		humanMark, ok := humanMarks[row.QuestionID]
		if !ok {
			continue
		}

		fb := domain.QuestionFeedback{
			QuestionID: row.QuestionID,
			AIMark:     aiMark,
			HumanMark:  humanMark,
			MaxMarks:   maxMarks,
			AIZPF:      ZPFTag(aiMark, maxMarks),
			HumanZPF:   ZPFTag(humanMark, maxMarks),
		}
		fb.MarkDiscrepancy = math.Abs(aiMark-humanMark) > fullMarkEpsilon
		fb.ZPFDiscrepancy = fb.AIZPF != fb.HumanZPF
		fb.RangeDiscrepancy = c.thresholds.RangeTag(aiMark, maxMarks) != c.thresholds.RangeTag(humanMark, maxMarks)

		report.ComparedCount++
		if fb.MarkDiscrepancy {
			markDisc++
		}
		if fb.ZPFDiscrepancy {
			zpfDisc++
		}
		if fb.RangeDiscrepancy {
			rangeDisc++
		}
		report.QuestionFeedback = append(report.QuestionFeedback, fb)
	}

	if report.ComparedCount > 0 {
		n := float64(report.ComparedCount)
		report.Metrics.DiscrepanciesPct = round2(float64(markDisc) / n * 100)
		report.Metrics.QuestionDiscrepanciesPct = report.Metrics.DiscrepanciesPct
	}
	report.Metrics.ZPFDiscrepancies = float64(zpfDisc)
	report.Metrics.ZPFQuestionDiscrepancies = float64(zpfDisc)
	report.Metrics.RangeDiscrepancies = float64(rangeDisc)
	report.Metrics.RangeQuestionDiscrepancies = float64(rangeDisc)
	if maxSum > 0 {
		report.Metrics.TotalScore = round2(aiSum / maxSum * 100)
	}
	return report
}

// modelAverages folds a model's measured attempts into one metrics set.
// Attempt-level rates are averaged unweighted across tries; the question
// variants instead pool every (question, try) comparison so tries with
// more compared questions weigh proportionally.
func (c *Calculator) modelAverages(attempts []domain.AttemptReport) domain.DiscrepancyMetrics {
	if len(attempts) == 0 {
		return domain.DiscrepancyMetrics{}
	}

	var avg domain.DiscrepancyMetrics
	var pooledCompared, pooledMark int
	var pooledZPF, pooledRange int

	for _, a := range attempts {
		avg.DiscrepanciesPct += a.Metrics.DiscrepanciesPct
		avg.ZPFDiscrepancies += a.Metrics.ZPFDiscrepancies
		avg.RangeDiscrepancies += a.Metrics.RangeDiscrepancies
		avg.TotalScore += a.Metrics.TotalScore

		pooledCompared += a.ComparedCount
		for _, fb := range a.QuestionFeedback {
			if fb.MarkDiscrepancy {
				pooledMark++
			}
			if fb.ZPFDiscrepancy {
				pooledZPF++
			}
			if fb.RangeDiscrepancy {
				pooledRange++
			}
		}
	}

	n := float64(len(attempts))
	avg.DiscrepanciesPct = round2(avg.DiscrepanciesPct / n)
	avg.ZPFDiscrepancies = round2(avg.ZPFDiscrepancies / n)
	avg.RangeDiscrepancies = round2(avg.RangeDiscrepancies / n)
	avg.TotalScore = round2(avg.TotalScore / n)

	if pooledCompared > 0 {
		p := float64(pooledCompared)
		avg.QuestionDiscrepanciesPct = round2(float64(pooledMark) / p * 100)
	}
	avg.ZPFQuestionDiscrepancies = float64(pooledZPF)
	avg.RangeQuestionDiscrepancies = float64(pooledRange)
	return avg
}
