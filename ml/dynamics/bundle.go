package dynamics

import (
	"fmt"
	"path"
	"slices"

	"github.com/pico-lm/pico-analyze/ml/data"
	"github.com/pico-lm/pico-analyze/types/tensors"
)

// The three kinds of per-component states the training harness records.
const (
	ActivationsKind = "activations"
	WeightsKind     = "weights"
	GradientsKind   = "gradients"
)

// StateKinds lists all state kinds a bundle can hold, in loading order.
var StateKinds = []string{ActivationsKind, WeightsKind, GradientsKind}

// StateBundle holds everything recorded for one step and one data split: per-kind maps of
// component name (e.g. "model.0.mlp") to tensor, plus the optional dataset snapshot the
// states were computed on.
//
// Only kinds whose backing file actually exists are present in States -- absence means
// "not recorded for this step/split", not an error. A bundle is built fresh per retrieval
// and owned by the caller.
type StateBundle struct {
	States  map[string]map[string]*tensors.Tensor
	Dataset *Dataset
}

// IsEmpty reports whether nothing at all was recorded: no states of any kind and no
// dataset. Callers probing for optional artifacts must handle this themselves.
func (b *StateBundle) IsEmpty() bool {
	return len(b.States) == 0 && b.Dataset == nil
}

// Kinds returns the state kinds present in the bundle, sorted.
func (b *StateBundle) Kinds() []string {
	kinds := make([]string, 0, len(b.States))
	for kind := range b.States {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// loadStateBundle reads whatever states exist in the given learning dynamics directory for
// the given split.
//
// Each kind is stored as {split}_{kind}.safetensors and loaded as a component→tensor map;
// missing files are skipped. The dataset snapshot, if any, is the {split}_data
// sub-directory. If none of the four artifacts exist -- including when the directory
// itself doesn't exist -- an empty bundle is returned: the directory's location was
// already validated by the resolving strategy.
func loadStateBundle(learningDynamicsDir, split string) (*StateBundle, error) {
	bundle := &StateBundle{States: make(map[string]map[string]*tensors.Tensor)}
	for _, kind := range StateKinds {
		filePath := path.Join(learningDynamicsDir, fmt.Sprintf("%s_%s.safetensors", split, kind))
		if !data.FileExists(filePath) {
			continue
		}
		loaded, err := tensors.ReadSafetensorsFile(filePath)
		if err != nil {
			return nil, err
		}
		bundle.States[kind] = loaded
	}

	datasetPath := path.Join(learningDynamicsDir, split+"_data")
	if data.FileExists(datasetPath) {
		dataset, err := loadDataset(datasetPath)
		if err != nil {
			return nil, err
		}
		bundle.Dataset = dataset
	}
	return bundle, nil
}
