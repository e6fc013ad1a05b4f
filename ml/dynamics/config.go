package dynamics

import (
	"os"
	"path"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TrainingConfigFileName is the fixed name of the configuration file the training harness
// writes at the root of a run directory, and at the root of a hub repository.
const TrainingConfigFileName = "training_config.yaml"

// GetTrainingConfig loads the training configuration of the given location.
//
// No step resolution is involved: for remote locations the file is read from the branch
// tip, not from a historical snapshot -- the configuration doesn't change over a run.
// A file that exists but fails to parse surfaces as a ConfigParseError.
func (l *Loader) GetTrainingConfig(location CheckpointLocation) (map[string]any, error) {
	if !location.IsRemote() {
		return parseTrainingConfig(path.Join(location.runPath, TrainingConfigFileName))
	}
	repo, err := l.repoFor(location.repoID)
	if err != nil {
		return nil, err
	}
	configPath, err := repo.DownloadFile(location.branch, TrainingConfigFileName)
	if err != nil {
		return nil, err
	}
	return parseTrainingConfig(configPath)
}

func parseTrainingConfig(filePath string) (map[string]any, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read training config %q", filePath)
	}
	var config map[string]any
	if err = yaml.Unmarshal(contents, &config); err != nil {
		return nil, &ConfigParseError{Path: filePath, Err: err}
	}
	return config, nil
}
