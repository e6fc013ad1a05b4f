package dynamics

import (
	"fmt"
	"path"

	"github.com/pico-lm/pico-analyze/ml/data"
)

// localStrategy reads states directly from a training run directory, laid out by the
// training harness as:
//
//	{runPath}/
//	    training_config.yaml
//	    checkpoint/
//	        step_{N}/
//	            learning_dynamics/
//	                {split}_activations.safetensors
//	                {split}_weights.safetensors
//	                {split}_gradients.safetensors
//	                {split}_data/
//
// No caching: local filesystem lookups are cheap.
type localStrategy struct {
	runPath string
}

func (s localStrategy) resolveStepDirectory(step int, split string) (string, error) {
	_ = split // The split only selects files inside the step directory.
	if !data.FileExists(s.runPath) {
		return "", &LocationNotFoundError{Path: s.runPath, Reason: "run path does not exist"}
	}
	checkpointPath := path.Join(s.runPath, "checkpoint")
	if !data.FileExists(checkpointPath) {
		return "", &LocationNotFoundError{Path: s.runPath, Reason: "run path does not contain a checkpoint folder"}
	}
	stepPath := path.Join(checkpointPath, fmt.Sprintf("step_%d", step))
	if !data.FileExists(stepPath) {
		return "", &InvalidStepError{
			Step:    step,
			Message: fmt.Sprintf("step %d does not exist in run path %q", step, s.runPath),
		}
	}
	return path.Join(stepPath, LearningDynamicsDir), nil
}
