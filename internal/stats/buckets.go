// Package stats derives discrepancy reports from persisted grading
// results: per-attempt and per-model comparison statistics of AI marks
// against the human benchmark.
package stats

import (
	"math"

	"github.com/gradebench/gradebench/internal/domain"
)

// fullMarkEpsilon absorbs float drift when deciding whether a mark equals
// the question maximum.
const fullMarkEpsilon = 1e-9

// RangeThresholds configures the coarse percentage-of-max bands. A mark
// below LowBelow percent is low, below HighFrom percent is medium, and
// everything at or above HighFrom is high.
type RangeThresholds struct {
	LowBelow float64 `yaml:"low_below" json:"low_below"`
	HighFrom float64 `yaml:"high_from" json:"high_from"`
}

// DefaultRangeThresholds returns the standard bands: <50%, 50-79.99%,
// and >=80% of the question maximum.
func DefaultRangeThresholds() RangeThresholds {
	return RangeThresholds{LowBelow: 50, HighFrom: 80}
}

// ZPFTag classifies a mark as Zero, Partial, or Full relative to the
// question maximum. A non-positive maximum cannot distinguish zero from
// full, so everything lands in Partial.
func ZPFTag(mark, maxMarks float64) domain.ZPFBucket {
	if maxMarks <= 0 {
		return domain.BucketPartial
	}
	if mark <= 0 {
		return domain.BucketZero
	}
	if math.Abs(mark-maxMarks) < fullMarkEpsilon {
		return domain.BucketFull
	}
	return domain.BucketPartial
}

// RangeTag places a mark in its coarse percentage band.
func (t RangeThresholds) RangeTag(mark, maxMarks float64) domain.RangeBucket {
	if maxMarks <= 0 {
		return domain.RangeLow
	}
	pct := mark / maxMarks * 100
	switch {
	case pct < t.LowBelow:
		return domain.RangeLow
	case pct < t.HighFrom:
		return domain.RangeMedium
	default:
		return domain.RangeHigh
	}
}

// round2 rounds a percentage to two decimals for reporting.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
