// Package prompt assembles chat messages and image batches for grading
// calls. Everything here is pure: no I/O, no clocks, fully deterministic.
package prompt

import (
	"fmt"

	"github.com/gradebench/gradebench/internal/domain"
)

// Default batching limits. Vision endpoints reject oversized requests, and
// providers degrade accuracy long before hitting hard context limits, so
// both ceilings sit well under provider maxima.
const (
	DefaultMaxImagesPerRequest = 8
	DefaultTokenCeiling        = 120000
	DefaultTokensPerImage      = 1105
)

// BatchConfig tunes how student page images are split across requests.
type BatchConfig struct {
	// MaxImagesPerRequest caps the image count in any single request.
	MaxImagesPerRequest int `yaml:"max_images_per_request" json:"max_images_per_request"`

	// TokenCeiling caps the estimated total tokens of any single request,
	// prompt text included.
	TokenCeiling int `yaml:"token_ceiling" json:"token_ceiling"`

	// TokensPerImage is the estimated token cost of one high-detail image.
	TokensPerImage int `yaml:"tokens_per_image" json:"tokens_per_image"`
}

// DefaultBatchConfig returns the standard batching limits.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxImagesPerRequest: DefaultMaxImagesPerRequest,
		TokenCeiling:        DefaultTokenCeiling,
		TokensPerImage:      DefaultTokensPerImage,
	}
}

// ReserveImages returns a config whose image and token ceilings are reduced
// by n image slots, for calls that carry n fixed images (an answer key)
// alongside every batch. Reserving more slots than the config allows
// leaves zero capacity, which SplitImages reports as a configuration error.
func (c BatchConfig) ReserveImages(n int) BatchConfig {
	if n <= 0 {
		return c
	}
	c.MaxImagesPerRequest -= n
	c.TokenCeiling -= n * c.TokensPerImage
	return c
}

// capacity computes the image slots available once the prompt's own token
// cost is accounted for, bounded by the per-request image ceiling.
func (c BatchConfig) capacity(promptTokens int) int {
	limit := c.MaxImagesPerRequest
	if c.TokensPerImage > 0 {
		byTokens := (c.TokenCeiling - promptTokens) / c.TokensPerImage
		if byTokens < limit {
			limit = byTokens
		}
	}
	return limit
}

// SplitImages divides an ordered page-image list into request batches
// without ever splitting one student's pages across two batches. The
// image list is ordered student by student with pagesPerStudent pages
// each; a batch takes whole students until the next one would not fit.
//
// A single student's pages exceeding the batch capacity cannot be graded
// in one request and is reported as a configuration error before any
// provider call is made.
func SplitImages(cfg BatchConfig, urls []string, pagesPerStudent, promptTokens int) ([]domain.ImageBatch, error) {
	if pagesPerStudent < 1 {
		return nil, domain.NewConfigurationError("pages_per_student",
			fmt.Sprintf("must be at least 1, got %d", pagesPerStudent))
	}

	capacity := cfg.capacity(promptTokens)
	if pagesPerStudent > capacity {
		return nil, domain.NewConfigurationError("pages_per_student",
			fmt.Sprintf("%d pages per student exceeds the per-request capacity of %d images", pagesPerStudent, capacity))
	}

	var batches []domain.ImageBatch
	var current []string

	for i := 0; i < len(urls); {
		if len(current)+pagesPerStudent <= capacity {
			end := i + pagesPerStudent
			if end > len(urls) {
				end = len(urls)
			}
			current = append(current, urls[i:end]...)
			i = end
			continue
		}
		batches = append(batches, cfg.newBatch(current, promptTokens))
		current = nil
	}

	if len(current) > 0 {
		batches = append(batches, cfg.newBatch(current, promptTokens))
	}

	return batches, nil
}

func (c BatchConfig) newBatch(urls []string, promptTokens int) domain.ImageBatch {
	return domain.ImageBatch{
		URLs:            urls,
		EstimatedTokens: promptTokens + c.TokensPerImage*len(urls),
	}
}
