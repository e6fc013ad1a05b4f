package dynamics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pico-lm/pico-analyze/ml/dynamics/hub"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLister serves a fixed commit history and counts listing calls.
type fakeLister struct {
	commits []hub.Commit
	calls   atomic.Int32
	delay   time.Duration
	err     error
}

func (f *fakeLister) ListCommits(branch string) ([]hub.Commit, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.commits, nil
}

func saveCommit(id, split string, step int) hub.Commit {
	return hub.Commit{
		ID:    id,
		Title: fmt.Sprintf("Saving Learning Dynamics Data (%s) -- Step (%d)", split, step),
		Date:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCommitTitleParsing(t *testing.T) {
	lister := &fakeLister{commits: []hub.Commit{
		{ID: "c0", Title: "Initial commit"},
		saveCommit("c1", "val", 12),
		saveCommit("c2", "train", 12),
		{ID: "c3", Title: "Uploading Learning Dynamics Data (val) -- Step (13)"},
		{ID: "c4", Title: "Saving Learning Dynamics Data (val) -- Step (xii)"},
		saveCommit("c5", "val", 40),
	}}
	index, err := NewCommitIndex().Resolve(lister, "org/model", "main", "val")
	require.NoError(t, err)

	// Only the two well-formed "val" titles count: the "train" one and the malformed
	// titles are silently skipped.
	require.Len(t, index, 2)
	assert.Equal(t, "c1", index[12].RevisionID)
	assert.Equal(t, 12, index[12].Step)
	assert.Equal(t, "Saving Learning Dynamics Data (val) -- Step (12)", index[12].Message)
	assert.Equal(t, "c5", index[40].RevisionID)
}

func TestDuplicateStepTieBreak(t *testing.T) {
	// Two commits claim step 5: for a fixed input ordering, the one processed last wins.
	lister := &fakeLister{commits: []hub.Commit{
		saveCommit("first", "val", 5),
		saveCommit("second", "val", 5),
	}}
	index, err := NewCommitIndex().Resolve(lister, "org/model", "main", "val")
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, "second", index[5].RevisionID)
}

func TestCommitIndexCaching(t *testing.T) {
	lister := &fakeLister{commits: []hub.Commit{saveCommit("c1", "val", 10)}}
	ci := NewCommitIndex()

	_, err := ci.Resolve(lister, "org/model", "main", "val")
	require.NoError(t, err)
	_, err = ci.Resolve(lister, "org/model", "main", "val")
	require.NoError(t, err)
	assert.Equal(t, int32(1), lister.calls.Load(), "second resolve must be served from cache")

	// A different split is a different cache key.
	_, err = ci.Resolve(lister, "org/model", "main", "train")
	require.NoError(t, err)
	assert.Equal(t, int32(2), lister.calls.Load())

	// Invalidate forces a new listing for that key only.
	ci.Invalidate("org/model", "main", "val")
	_, err = ci.Resolve(lister, "org/model", "main", "val")
	require.NoError(t, err)
	assert.Equal(t, int32(3), lister.calls.Load())
	_, err = ci.Resolve(lister, "org/model", "main", "train")
	require.NoError(t, err)
	assert.Equal(t, int32(3), lister.calls.Load())

	// Clear drops everything.
	ci.Clear()
	_, err = ci.Resolve(lister, "org/model", "main", "train")
	require.NoError(t, err)
	assert.Equal(t, int32(4), lister.calls.Load())
}

func TestCommitIndexErrorsAreNotCached(t *testing.T) {
	lister := &fakeLister{err: errors.New("service unavailable")}
	ci := NewCommitIndex()
	_, err := ci.Resolve(lister, "org/model", "main", "val")
	require.Error(t, err)

	// The failure must not be cached as an (empty) index.
	lister.err = nil
	lister.commits = []hub.Commit{saveCommit("c1", "val", 10)}
	index, err := ci.Resolve(lister, "org/model", "main", "val")
	require.NoError(t, err)
	assert.Len(t, index, 1)
}

func TestCommitIndexConcurrentResolve(t *testing.T) {
	lister := &fakeLister{
		commits: []hub.Commit{saveCommit("c1", "val", 10)},
		delay:   20 * time.Millisecond,
	}
	ci := NewCommitIndex()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			index, err := ci.Resolve(lister, "org/model", "main", "val")
			assert.NoError(t, err)
			assert.Len(t, index, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), lister.calls.Load(), "concurrent resolves must share one listing")
}
