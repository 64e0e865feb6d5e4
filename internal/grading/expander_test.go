package grading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradebench/gradebench/internal/domain"
)

func taskKeys(tasks []domain.GradingTask) []string {
	keys := make([]string, 0, len(tasks))
	for i := range tasks {
		keys = append(keys, tasks[i].Key())
	}
	return keys
}

func TestExpand_SingleModels(t *testing.T) {
	batches := []domain.ImageBatch{{URLs: []string{"s1.png"}, EstimatedTokens: 2000}}

	tasks, err := Expand(ExpandRequest{
		SessionID: "sess-1",
		Models: []domain.ModelSpec{
			{Name: "openai/gpt-4o", Tries: 2, InstanceID: "gpt4o"},
			{Name: "anthropic/claude-sonnet-4"},
		},
		DefaultTries:   1,
		StudentBatches: batches,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"gpt4o|1|single",
		"gpt4o|2|single",
		"anthropic/claude-sonnet-4#1@none|1|single",
	}, taskKeys(tasks))

	for i := range tasks {
		assert.Equal(t, "sess-1", tasks[i].SessionID)
		assert.Equal(t, domain.StageSingle, tasks[i].Stage)
		assert.Equal(t, batches, tasks[i].InputBatches)
	}
}

func TestExpand_Pairs(t *testing.T) {
	student := []domain.ImageBatch{{URLs: []string{"s1.png"}}}
	rubric := []domain.ImageBatch{{URLs: []string{"key1.png"}}}

	tasks, err := Expand(ExpandRequest{
		SessionID: "sess-1",
		ModelPairs: []domain.ModelPairSpec{{
			InstanceID:      "pair-1",
			RubricModel:     domain.ModelSpec{Name: "openai/gpt-4o"},
			AssessmentModel: domain.ModelSpec{Name: "anthropic/claude-sonnet-4", Tries: 2},
		}},
		DefaultTries:   1,
		StudentBatches: student,
		RubricBatches:  rubric,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"pair-1|1|rubric",
		"pair-1|1|assessment",
		"pair-1|2|rubric",
		"pair-1|2|assessment",
	}, taskKeys(tasks))

	assert.Equal(t, rubric, tasks[0].InputBatches)
	assert.Equal(t, "openai/gpt-4o", tasks[0].Spec.Name)
	assert.Equal(t, student, tasks[1].InputBatches)
	assert.Equal(t, "anthropic/claude-sonnet-4", tasks[1].Spec.Name)
}

func TestExpand_TriesClamping(t *testing.T) {
	tasks, err := Expand(ExpandRequest{
		SessionID:    "sess-1",
		Models:       []domain.ModelSpec{{Name: "openai/gpt-4o", Tries: 99, InstanceID: "m"}},
		DefaultTries: 1,
	})
	require.NoError(t, err)
	assert.Len(t, tasks, domain.MaxTries)
}

func TestExpand_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		req  ExpandRequest
	}{
		{
			name: "no models at all",
			req:  ExpandRequest{SessionID: "sess-1", DefaultTries: 1},
		},
		{
			name: "empty model name",
			req: ExpandRequest{
				SessionID:    "sess-1",
				Models:       []domain.ModelSpec{{Name: ""}},
				DefaultTries: 1,
			},
		},
		{
			name: "pair with empty rubric model",
			req: ExpandRequest{
				SessionID: "sess-1",
				ModelPairs: []domain.ModelPairSpec{{
					InstanceID:      "p",
					AssessmentModel: domain.ModelSpec{Name: "openai/gpt-4o"},
				}},
				DefaultTries: 1,
			},
		},
		{
			name: "duplicate instance ids",
			req: ExpandRequest{
				SessionID: "sess-1",
				Models: []domain.ModelSpec{
					{Name: "openai/gpt-4o", InstanceID: "same"},
					{Name: "anthropic/claude-sonnet-4", InstanceID: "same"},
				},
				DefaultTries: 1,
			},
		},
		{
			name: "conflicting reasoning config",
			req: ExpandRequest{
				SessionID: "sess-1",
				Models: []domain.ModelSpec{{
					Name:      "openai/o3",
					Reasoning: domain.ReasoningConfig{Effort: domain.EffortLow, TokenBudget: intPtr(512)},
				}},
				DefaultTries: 1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := Expand(tt.req)
			var cfgErr *domain.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Nil(t, tasks, "no tasks may be emitted on a configuration error")
		})
	}
}

func intPtr(n int) *int { return &n }
