package dynamics

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/pico-lm/pico-analyze/ml/dynamics/hub"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// The training harness records every save of learning dynamics states as one commit whose
// title follows this fixed form. This is a hard contract with the writer of the
// checkpoints: commits whose title doesn't match are unrelated and skipped.
//
//	Saving Learning Dynamics Data ({split}) -- Step ({digits})
func saveEventPattern(split string) *regexp.Regexp {
	return regexp.MustCompile(`Saving Learning Dynamics Data \(` + regexp.QuoteMeta(split) + `\) -- Step \((\d+)\)`)
}

// StepRevisionEntry maps one training step to the hub revision whose snapshot holds its
// states. Message keeps the original commit title, for diagnostics.
type StepRevisionEntry struct {
	Step       int
	RevisionID string
	Date       time.Time
	Message    string
}

// commitLister is the slice of the hub client the resolver needs. *hub.Repo implements it.
type commitLister interface {
	ListCommits(branch string) ([]hub.Commit, error)
}

type indexKey struct {
	repoID, branch, split string
}

// CommitIndex resolves training steps to hub revisions by scanning a branch's commit
// history, and caches the resulting step→revision mapping per (repository, branch, split).
//
// Listing commits is an expensive network call, so an index, once built, is kept for the
// lifetime of the CommitIndex -- there is no TTL. Saves that land on the branch after the
// index was built are not visible until Invalidate (or Clear) is called, or the process
// restarts.
//
// Safe for concurrent use: concurrent resolutions of the same key issue a single listing.
type CommitIndex struct {
	mu      sync.Mutex
	indexes map[indexKey]map[int]StepRevisionEntry
	group   singleflight.Group
}

// NewCommitIndex returns an empty index cache.
func NewCommitIndex() *CommitIndex {
	return &CommitIndex{indexes: make(map[indexKey]map[int]StepRevisionEntry)}
}

// Resolve returns the step→revision mapping for the given repository, branch and split,
// listing the branch's commits on first use and from cache afterward.
//
// Commits whose title doesn't name a learning dynamics save for this split are silently
// skipped. If two commits claim the same step -- which the training harness shouldn't
// produce -- the one processed last wins; the hub serves history newest first, so that is
// the oldest such commit.
//
// The returned map is the cached instance: callers must treat it as read-only.
func (ci *CommitIndex) Resolve(lister commitLister, repoID, branch, split string) (map[int]StepRevisionEntry, error) {
	key := indexKey{repoID: repoID, branch: branch, split: split}
	ci.mu.Lock()
	if index, found := ci.indexes[key]; found {
		ci.mu.Unlock()
		klog.V(1).Infof("commit index for %s@%s (%s): cache hit, %d steps", repoID, branch, split, len(index))
		return index, nil
	}
	ci.mu.Unlock()

	groupKey := repoID + "\x00" + branch + "\x00" + split
	v, err, _ := ci.group.Do(groupKey, func() (any, error) {
		// Re-check: another caller may have populated the key between the miss above and
		// this singleflight execution.
		ci.mu.Lock()
		if index, found := ci.indexes[key]; found {
			ci.mu.Unlock()
			return index, nil
		}
		ci.mu.Unlock()

		commits, err := lister.ListCommits(branch)
		if err != nil {
			return nil, err
		}
		pattern := saveEventPattern(split)
		index := make(map[int]StepRevisionEntry)
		for _, commit := range commits {
			match := pattern.FindStringSubmatch(commit.Title)
			if match == nil {
				continue
			}
			step, err := strconv.Atoi(match[1])
			if err != nil {
				// Unreachable with the \d+ group, short of an absurdly long number.
				continue
			}
			index[step] = StepRevisionEntry{
				Step:       step,
				RevisionID: commit.ID,
				Date:       commit.Date,
				Message:    commit.Title,
			}
		}
		klog.V(1).Infof("commit index for %s@%s (%s): built from %d commits, %d steps",
			repoID, branch, split, len(commits), len(index))
		ci.mu.Lock()
		ci.indexes[key] = index
		ci.mu.Unlock()
		return index, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[int]StepRevisionEntry), nil
}

// Invalidate drops the cached index for one (repository, branch, split), forcing the next
// Resolve to list commits again.
func (ci *CommitIndex) Invalidate(repoID, branch, split string) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	delete(ci.indexes, indexKey{repoID: repoID, branch: branch, split: split})
}

// Clear drops all cached indexes.
func (ci *CommitIndex) Clear() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.indexes = make(map[indexKey]map[int]StepRevisionEntry)
}
