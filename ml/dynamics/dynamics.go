// Package dynamics locates, downloads and loads the "learning dynamics" checkpoint states
// saved by the training harness: per-layer weights, activations and gradients recorded at
// given training steps, for a given data split, plus the batch of data they were computed
// on.
//
// States live either in a local run directory or in a model-hub repository where every
// save is one commit on a branch. Given a CheckpointLocation, a step and a split, a Loader
// resolves the concrete on-disk directory for that step (downloading and caching the
// matching hub revision when remote) and loads whatever states exist there into a
// StateBundle.
//
// Example, reading the weights saved at step 1000 of a remote run:
//
//	loader := dynamics.NewLoader("~/.cache/pico-analyze")
//	loc := dynamics.NewRemoteLocation("pico-lm/pico-decoder-small", "main")
//	bundle := must.M1(loader.GetCheckpointStates(loc, 1000, "val"))
//	for name, tensor := range bundle.States[dynamics.WeightsKind] {
//		fmt.Printf("\t%s -> %s\n", name, tensor)
//	}
package dynamics

import (
	"path"
	"sync"

	"github.com/pico-lm/pico-analyze/ml/dynamics/hub"
	"github.com/pkg/errors"
)

// CheckpointLocation identifies where a training run's checkpoints live: either a local
// run directory, or a repository+branch in the model hub. Exactly one of the two modes is
// populated; construct it with NewLocalLocation or NewRemoteLocation.
//
// It is an immutable value: the Loader only ever reads it.
type CheckpointLocation struct {
	isRemote       bool
	repoID, branch string
	runPath        string
}

// NewLocalLocation returns a CheckpointLocation pointing at a local run directory.
func NewLocalLocation(runPath string) CheckpointLocation {
	return CheckpointLocation{runPath: runPath}
}

// NewRemoteLocation returns a CheckpointLocation pointing at a hub repository and branch.
func NewRemoteLocation(repoID, branch string) CheckpointLocation {
	return CheckpointLocation{isRemote: true, repoID: repoID, branch: branch}
}

// IsRemote reports whether the location points at a hub repository.
func (l CheckpointLocation) IsRemote() bool { return l.isRemote }

// String implements fmt.Stringer.
func (l CheckpointLocation) String() string {
	if l.isRemote {
		return l.repoID + "@" + l.branch
	}
	return l.runPath
}

// LearningDynamicsDir is the sub-directory of a step's checkpoint that holds the saved
// states, both in local runs and in hub snapshots.
const LearningDynamicsDir = "learning_dynamics"

// strategy resolves the on-disk directory holding one step+split's states. There are two
// implementations, local and remote; the bundle loading that follows is shared and depends
// only on the resolved directory.
type strategy interface {
	resolveStepDirectory(step int, split string) (string, error)
}

// Loader retrieves checkpoint states and training configurations from either backend.
//
// It owns the commit-index cache and the per-repository hub handles, so construct one
// Loader and reuse it: repeated lookups on the same repository then cost one network
// listing in total, and repeated retrievals of the same revision don't re-download.
//
// A Loader is safe for concurrent use.
type Loader struct {
	cacheDir            string
	authToken           string
	hubBaseURL          string
	maxParallelDownload int

	commits *CommitIndex

	mu    sync.Mutex
	repos map[string]*hub.Repo
}

// NewLoader creates a Loader that materializes hub downloads under cacheDir.
func NewLoader(cacheDir string) *Loader {
	return &Loader{
		cacheDir:   cacheDir,
		hubBaseURL: hub.DefaultBaseURL,
		commits:    NewCommitIndex(),
		repos:      make(map[string]*hub.Repo),
	}
}

// WithAuthToken sets the hub authentication token, needed for private repositories.
func (l *Loader) WithAuthToken(authToken string) *Loader {
	l.authToken = authToken
	return l
}

// WithHubBaseURL changes the hub endpoint. Used for private hub deployments and for tests.
func (l *Loader) WithHubBaseURL(baseURL string) *Loader {
	l.hubBaseURL = baseURL
	return l
}

// WithMaxParallelDownload limits how many snapshot files are downloaded at the same time.
func (l *Loader) WithMaxParallelDownload(n int) *Loader {
	l.maxParallelDownload = n
	return l
}

// CommitIndex returns the loader's commit-index cache, so callers that need fresh remote
// listings can invalidate entries explicitly.
func (l *Loader) CommitIndex() *CommitIndex { return l.commits }

// GetCheckpointStates returns all the states available for the given step and data split
// at the given location.
//
// Local locations fail with LocationNotFoundError if the run directory is missing or
// malformed. Both backends fail with InvalidStepError if the step was never saved for the
// split. A step that was saved but recorded no states for the split yields an empty
// bundle, not an error.
func (l *Loader) GetCheckpointStates(location CheckpointLocation, step int, split string) (*StateBundle, error) {
	s, err := l.strategyFor(location)
	if err != nil {
		return nil, err
	}
	dir, err := s.resolveStepDirectory(step, split)
	if err != nil {
		return nil, err
	}
	return loadStateBundle(dir, split)
}

func (l *Loader) strategyFor(location CheckpointLocation) (strategy, error) {
	if !location.isRemote {
		return localStrategy{runPath: location.runPath}, nil
	}
	repo, err := l.repoFor(location.repoID)
	if err != nil {
		return nil, err
	}
	return remoteStrategy{
		repo:    repo,
		repoID:  location.repoID,
		branch:  location.branch,
		commits: l.commits,
	}, nil
}

// repoFor returns the hub handle for the given repository, creating it on first use.
func (l *Loader) repoFor(repoID string) (*hub.Repo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if repo, found := l.repos[repoID]; found {
		return repo, nil
	}
	repo, err := hub.New(repoID, l.authToken, path.Join(l.cacheDir, "hub"))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open hub repository %q", repoID)
	}
	repo.WithBaseURL(l.hubBaseURL)
	if l.maxParallelDownload > 0 {
		repo.MaxParallelDownload = l.maxParallelDownload
	}
	l.repos[repoID] = repo
	return repo, nil
}
