package dynamics

import (
	"io"
	"os"
	"path"

	"github.com/go-gota/gota/dataframe"
	"github.com/pico-lm/pico-analyze/ml/data"
	"github.com/pkg/errors"
)

// Dataset is the snapshot of the batch of data the states of one step+split were computed
// on, saved by the training harness as a {split}_data directory holding the rows as
// data.csv or data.json.
type Dataset struct {
	// Path of the snapshot directory the dataset was loaded from.
	Path string

	// Frame holds the rows.
	Frame dataframe.DataFrame
}

// NumRows returns the number of rows in the snapshot.
func (d *Dataset) NumRows() int { return d.Frame.Nrow() }

// loadDataset reads the dataset snapshot directory. A present but unreadable snapshot is
// an error -- unlike missing state files, the directory's existence promises content.
func loadDataset(datasetDir string) (*Dataset, error) {
	if csvPath := path.Join(datasetDir, "data.csv"); data.FileExists(csvPath) {
		return readDatasetFile(datasetDir, csvPath, dataframe.ReadCSV)
	}
	if jsonPath := path.Join(datasetDir, "data.json"); data.FileExists(jsonPath) {
		return readDatasetFile(datasetDir, jsonPath, dataframe.ReadJSON)
	}
	return nil, errors.Errorf("dataset snapshot %q holds neither data.csv nor data.json", datasetDir)
}

func readDatasetFile(datasetDir, filePath string, read func(r io.Reader, options ...dataframe.LoadOption) dataframe.DataFrame) (*Dataset, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset snapshot file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	frame := read(f)
	if frame.Err != nil {
		return nil, errors.Wrapf(frame.Err, "failed to parse dataset snapshot file %q", filePath)
	}
	return &Dataset{Path: datasetDir, Frame: frame}, nil
}
