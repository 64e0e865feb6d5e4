// Package grading contains the orchestration core: task expansion,
// response validation, and the concurrent scheduler that executes grading
// tasks against the completion API.
package grading

import (
	"fmt"

	"github.com/gradebench/gradebench/internal/domain"
)

// ExpandRequest is the input to task expansion: everything a grading run
// needs, already loaded from the session store and pre-batched.
type ExpandRequest struct {
	// SessionID is the benchmarking session being graded.
	SessionID string

	// Models configures single-stage grading instances.
	Models []domain.ModelSpec

	// ModelPairs configures two-stage rubric -> assessment instances.
	ModelPairs []domain.ModelPairSpec

	// DefaultTries applies to specs that leave Tries unset.
	DefaultTries int

	// StudentBatches are the batched student page images for grading calls.
	StudentBatches []domain.ImageBatch

	// RubricBatches are the batched answer key images for rubric-stage
	// calls; also attached to single-stage tasks as reference material.
	RubricBatches []domain.ImageBatch
}

// Expand turns a grading request into a flat, ordered task list. Every
// spec is validated before any task is emitted, so a bad spec aborts the
// whole request rather than grading a subset of models.
//
// For each (instance, try): single-stage specs emit one task; pairs emit a
// rubric task and an assessment task sharing the try index. The scheduler
// enforces the rubric-before-assessment ordering; expansion only records
// the stages.
func Expand(req ExpandRequest) ([]domain.GradingTask, error) {
	if len(req.Models) == 0 && len(req.ModelPairs) == 0 {
		return nil, domain.NewConfigurationError("models", domain.ErrNoModelsConfigured.Error())
	}

	for i := range req.Models {
		if err := req.Models[i].Validate(); err != nil {
			return nil, &domain.ConfigurationError{
				Field:  fmt.Sprintf("models[%d]", i),
				Reason: "invalid model spec",
				Err:    err,
			}
		}
	}
	for i := range req.ModelPairs {
		if err := req.ModelPairs[i].Validate(); err != nil {
			return nil, &domain.ConfigurationError{
				Field:  fmt.Sprintf("model_pairs[%d]", i),
				Reason: "invalid model pair spec",
				Err:    err,
			}
		}
	}

	seen := make(map[string]struct{})
	claim := func(instanceID string) error {
		if _, dup := seen[instanceID]; dup {
			return domain.NewConfigurationError("instance_id",
				fmt.Sprintf("duplicate model instance id %q", instanceID))
		}
		seen[instanceID] = struct{}{}
		return nil
	}

	var tasks []domain.GradingTask

	for i, spec := range req.Models {
		instanceID := spec.InstanceID
		if instanceID == "" {
			instanceID = domain.SynthesizeInstanceID(spec.Name, i, spec.Reasoning)
		}
		if err := claim(instanceID); err != nil {
			return nil, err
		}

		tries := spec.ResolveTries(req.DefaultTries)
		for try := 1; try <= tries; try++ {
			tasks = append(tasks, domain.GradingTask{
				SessionID:       req.SessionID,
				ModelInstanceID: instanceID,
				Spec:            spec,
				TryIndex:        try,
				Stage:           domain.StageSingle,
				InputBatches:    req.StudentBatches,
			})
		}
	}

	for _, pair := range req.ModelPairs {
		if err := claim(pair.InstanceID); err != nil {
			return nil, err
		}

		tries := pair.AssessmentModel.ResolveTries(req.DefaultTries)
		for try := 1; try <= tries; try++ {
			tasks = append(tasks,
				domain.GradingTask{
					SessionID:       req.SessionID,
					ModelInstanceID: pair.InstanceID,
					Spec:            pair.RubricModel,
					TryIndex:        try,
					Stage:           domain.StageRubric,
					InputBatches:    req.RubricBatches,
				},
				domain.GradingTask{
					SessionID:       req.SessionID,
					ModelInstanceID: pair.InstanceID,
					Spec:            pair.AssessmentModel,
					TryIndex:        try,
					Stage:           domain.StageAssessment,
					InputBatches:    req.StudentBatches,
				},
			)
		}
	}

	return tasks, nil
}
