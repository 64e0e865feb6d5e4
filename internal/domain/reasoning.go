package domain

import (
	"errors"
	"fmt"
)

// ReasoningEffort is a provider-facing effort level for models that accept
// a qualitative reasoning knob instead of an explicit token budget.
type ReasoningEffort string

const (
	// EffortLow requests minimal reasoning effort.
	EffortLow ReasoningEffort = "low"

	// EffortMedium requests moderate reasoning effort.
	EffortMedium ReasoningEffort = "medium"

	// EffortHigh requests maximum reasoning effort.
	EffortHigh ReasoningEffort = "high"
)

// Token budgets used when converting between the effort and budget
// representations. The thresholds are deliberately coarse; providers
// interpret effort levels loosely anyway.
const (
	lowEffortTokens    = 1024
	mediumEffortTokens = 4096
	highEffortTokens   = 16384
)

// Reasoning configuration errors.
var (
	// ErrReasoningConflict indicates both an effort level and a token budget were set.
	ErrReasoningConflict = errors.New("reasoning effort and token budget are mutually exclusive")

	// ErrInvalidEffort indicates an unknown effort level.
	ErrInvalidEffort = errors.New("invalid reasoning effort")

	// ErrInvalidTokenBudget indicates a non-positive reasoning token budget.
	ErrInvalidTokenBudget = errors.New("reasoning token budget must be positive")
)

// ReasoningConfig is a tagged variant describing how much reasoning a model
// should perform: either a qualitative effort level or an explicit token
// budget, never both. A zero-value config means no reasoning directive.
// Business logic never branches on provider name to pick a shape; callers
// convert with AsEffort or AsTokenBudget when a model only supports the
// opposite representation.
type ReasoningConfig struct {
	// Effort is the qualitative effort level, empty when unset.
	Effort ReasoningEffort `json:"effort,omitempty"`

	// TokenBudget is the explicit reasoning token allowance, nil when unset.
	TokenBudget *int `json:"max_tokens,omitempty"`
}

// IsZero reports whether no reasoning directive is configured.
func (r ReasoningConfig) IsZero() bool {
	return r.Effort == "" && r.TokenBudget == nil
}

// Validate checks the mutual-exclusion and range invariants.
func (r ReasoningConfig) Validate() error {
	if r.Effort != "" && r.TokenBudget != nil {
		return ErrReasoningConflict
	}
	if r.Effort != "" {
		switch r.Effort {
		case EffortLow, EffortMedium, EffortHigh:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidEffort, r.Effort)
		}
	}
	if r.TokenBudget != nil && *r.TokenBudget <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTokenBudget, *r.TokenBudget)
	}
	return nil
}

// AsTokenBudget returns the config expressed as an explicit token budget,
// mapping effort levels to fixed allowances. Pure; returns the receiver
// unchanged when it already carries a budget or is zero.
func (r ReasoningConfig) AsTokenBudget() ReasoningConfig {
	if r.Effort == "" {
		return r
	}
	var n int
	switch r.Effort {
	case EffortLow:
		n = lowEffortTokens
	case EffortHigh:
		n = highEffortTokens
	default:
		n = mediumEffortTokens
	}
	return ReasoningConfig{TokenBudget: &n}
}

// AsEffort returns the config expressed as an effort level, bucketing an
// explicit budget by the same thresholds AsTokenBudget emits. Pure; returns
// the receiver unchanged when it already carries an effort or is zero.
func (r ReasoningConfig) AsEffort() ReasoningConfig {
	if r.TokenBudget == nil {
		return r
	}
	n := *r.TokenBudget
	switch {
	case n <= lowEffortTokens:
		return ReasoningConfig{Effort: EffortLow}
	case n <= mediumEffortTokens:
		return ReasoningConfig{Effort: EffortMedium}
	default:
		return ReasoningConfig{Effort: EffortHigh}
	}
}

// Label returns a short stable string for use in synthesized instance IDs.
// Zero configs return "none".
func (r ReasoningConfig) Label() string {
	switch {
	case r.Effort != "":
		return string(r.Effort)
	case r.TokenBudget != nil:
		return fmt.Sprintf("rt%d", *r.TokenBudget)
	default:
		return "none"
	}
}
