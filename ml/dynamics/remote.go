package dynamics

import (
	"fmt"
	"path"

	"github.com/pico-lm/pico-analyze/ml/dynamics/hub"
)

// remoteStrategy reads states from a hub repository where every save of learning dynamics
// data is one commit on a branch. The step is translated to a concrete revision through
// the commit index, and that revision's content tree is materialized locally before
// loading.
//
// The snapshot is always revision-addressed, never branch-addressed: the branch tip moves
// with every new save, the revision is the immutable historical snapshot we want.
type remoteStrategy struct {
	repo           *hub.Repo
	repoID, branch string
	commits        *CommitIndex
}

func (s remoteStrategy) resolveStepDirectory(step int, split string) (string, error) {
	index, err := s.commits.Resolve(s.repo, s.repoID, s.branch, split)
	if err != nil {
		return "", err
	}
	entry, found := index[step]
	if !found {
		return "", &InvalidStepError{
			Step:    step,
			Message: fmt.Sprintf("step %d does not exist in %q on branch %q", step, s.repoID, s.branch),
		}
	}
	snapshotDir, err := s.repo.Snapshot(entry.RevisionID)
	if err != nil {
		return "", err
	}
	return path.Join(snapshotDir, LearningDynamicsDir), nil
}
