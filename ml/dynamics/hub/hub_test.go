package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	mu       sync.Mutex
	requests map[string]int
}

// newFakeEndpoint serves one repository "org/model" with one revision "rev1" holding two
// files, counting requests per path.
func newFakeEndpoint(t *testing.T) (*fakeEndpoint, *httptest.Server) {
	fake := &fakeEndpoint{requests: make(map[string]int)}
	files := map[string][]byte{
		"learning_dynamics/val_weights.safetensors": []byte("tensor bytes"),
		"training_config.yaml":                      []byte("learning_rate: 0.001\n"),
	}
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		fake.mu.Lock()
		fake.requests[r.URL.Path]++
		fake.mu.Unlock()
	}
	mux.HandleFunc("/api/models/org/model/commits/main", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_ = json.NewEncoder(w).Encode([]Commit{
			{ID: "rev1", Title: "Saving Learning Dynamics Data (val) -- Step (10)",
				Date: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)},
			{ID: "rev0", Title: "Initial commit"},
		})
	})
	mux.HandleFunc("/api/models/org/model/revision/rev1", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		info := Info{ID: "org/model", SHA: "rev1"}
		for name := range files {
			info.Siblings = append(info.Siblings, &FileInfo{Name: name})
		}
		_ = json.NewEncoder(w).Encode(&info)
	})
	mux.HandleFunc("/org/model/resolve/", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/org/model/resolve/"), "/", 2)
		if len(parts) != 2 {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		content, found := files[parts[1]]
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write(content)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return fake, server
}

func (f *fakeEndpoint) count(urlPath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[urlPath]
}

func newTestRepo(t *testing.T, server *httptest.Server) *Repo {
	repo, err := New("org/model", "", t.TempDir())
	require.NoError(t, err)
	repo.Verbosity = 0
	return repo.WithBaseURL(server.URL)
}

func TestListCommits(t *testing.T) {
	_, server := newFakeEndpoint(t)
	repo := newTestRepo(t, server)

	commits, err := repo.ListCommits("main")
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "rev1", commits[0].ID)
	assert.Equal(t, "Saving Learning Dynamics Data (val) -- Step (10)", commits[0].Title)
	assert.Equal(t, 2025, commits[0].Date.Year())

	_, err = repo.ListCommits("gone")
	require.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	fake, server := newFakeEndpoint(t)
	repo := newTestRepo(t, server)

	dir, err := repo.Snapshot("rev1")
	require.NoError(t, err)
	content, err := os.ReadFile(path.Join(dir, "learning_dynamics", "val_weights.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "tensor bytes", string(content))
	assert.Equal(t, 1, fake.count("/api/models/org/model/revision/rev1"))
	assert.Equal(t, 1, fake.count("/org/model/resolve/rev1/training_config.yaml"))

	// Second materialization of the same revision: everything is already on disk.
	dir2, err := repo.Snapshot("rev1")
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)
	assert.Equal(t, 1, fake.count("/api/models/org/model/revision/rev1"))
	assert.Equal(t, 1, fake.count("/org/model/resolve/rev1/learning_dynamics/val_weights.safetensors"))
}

func TestDownloadFile(t *testing.T) {
	fake, server := newFakeEndpoint(t)
	repo := newTestRepo(t, server)

	filePath, err := repo.DownloadFile("rev1", "training_config.yaml")
	require.NoError(t, err)
	content, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "learning_rate: 0.001\n", string(content))

	// Cached: a second fetch doesn't hit the network.
	_, err = repo.DownloadFile("rev1", "training_config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.count("/org/model/resolve/rev1/training_config.yaml"))

	_, err = repo.DownloadFile("rev1", "../escape.yaml")
	require.Error(t, err)
}
