// Package hub provides read access to a model-hub repository: listing the commit history
// of a branch, materializing the full content tree of a revision to local storage, and
// fetching single files.
//
// Everything downloaded is cached under the repository's base directory, keyed by
// revision, so the same historical snapshot is never fetched twice. Revisions are
// content-addressed and immutable, which makes the cache trivially correct.
//
// Example: materialize the snapshot a given commit points to:
//
//	repo := must.M1(hub.New("pico-lm/pico-decoder-small", "", "~/.cache/pico-analyze"))
//	commits := must.M1(repo.ListCommits("main"))
//	dir := must.M1(repo.Snapshot(commits[0].ID))
package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pico-lm/pico-analyze/ml/data"
	"github.com/pico-lm/pico-analyze/ml/data/downloader"
	"github.com/pico-lm/pico-analyze/types/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBaseURL is the public HuggingFace Hub endpoint.
const DefaultBaseURL = "https://huggingface.co"

// Repo is a reference to one model repository in the hub.
type Repo struct {
	// ID may include owner/model. E.g.: pico-lm/pico-decoder-small
	ID string

	// AuthToken is the hub authentication token to be used when downloading files.
	AuthToken string

	// BaseDir is where the local copies of the repository's revisions are stored.
	BaseDir string

	// Verbosity: 0 for quiet operation; 1 for information about progress; 2 and higher for debugging.
	Verbosity int

	// MaxParallelDownload indicates how many files to download at the same time. Default is 20.
	// Set to 1 to make downloads sequential.
	MaxParallelDownload int

	baseURL string
}

// New creates a reference to a hub repository given its id.
//
// The id typically includes owner/model. E.g.: "pico-lm/pico-decoder-small".
//
// The authToken can be created in the hub site, in the profile settings page. A "read-only"
// token will do. Leave empty if not using one (but private repositories can't be read
// without it).
//
// The baseDir is suffixed with the repository's id (after converting "/" to "_"), so the
// same baseDir can be shared by different repositories.
func New(id, authToken, baseDir string) (*Repo, error) {
	baseDir = data.ReplaceTildeInDir(baseDir)
	if !path.IsAbs(baseDir) {
		workingDir, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrapf(err, "cannot find current working dir for hub.New() baseDir")
		}
		baseDir = path.Join(workingDir, baseDir)
	}
	baseDir = path.Join(baseDir, strings.Replace(id, "/", "_", -1))
	err := os.MkdirAll(baseDir, 0755)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create base directory for repository %q in %q", id, baseDir)
	}
	return &Repo{
		ID:                  id,
		AuthToken:           authToken,
		BaseDir:             baseDir,
		Verbosity:           1,
		MaxParallelDownload: 20, // At most 20 parallel downloads.
		baseURL:             DefaultBaseURL,
	}, nil
}

// WithBaseURL changes the hub endpoint. Used for private hub deployments and for tests.
func (r *Repo) WithBaseURL(baseURL string) *Repo {
	r.baseURL = strings.TrimSuffix(baseURL, "/")
	return r
}

// Commit is one entry of a branch's history, newest first, as reported by the hub.
type Commit struct {
	// ID is the revision: an opaque, content-addressed, immutable identifier.
	ID string `json:"id"`

	// Title is the first line of the commit message. The training harness encodes the
	// saved split and step in it.
	Title string `json:"title"`

	// Message is the rest of the commit message, possibly empty.
	Message string `json:"message"`

	// Date the commit was created.
	Date time.Time `json:"date"`
}

// ListCommits returns the full commit history of the given branch, as served by the hub
// (newest first). Every call hits the network -- callers are expected to cache.
func (r *Repo) ListCommits(branch string) ([]Commit, error) {
	url := fmt.Sprintf("%s/api/models/%s/commits/%s", r.baseURL, r.ID, branch)
	body, err := r.apiGet(url)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to list commits of %q branch %q", r.ID, branch)
	}
	var commits []Commit
	if err = json.Unmarshal(body, &commits); err != nil {
		return nil, errors.Wrapf(err, "failed to parse commits of %q branch %q from %q", r.ID, branch, url)
	}
	return commits, nil
}

// InfoFile is the file with the cached information about one revision of the repository.
// The info is fetched once and stored in this file inside the snapshot directory, to
// prevent going to the network -- remove the file if you want to have it re-downloaded.
const InfoFile = "_info_.json"

// Info holds the information about one revision of a repository, the json served when
// hitting the URL {baseURL}/api/models/{id}/revision/{revision}.
type Info struct {
	ID       string      `json:"id"`
	SHA      string      `json:"sha"`
	Siblings []*FileInfo `json:"siblings"`
}

// FileInfo represents one of the repository files, in the Info structure.
type FileInfo struct {
	Name string `json:"rfilename"`
}

// revisionInfo fetches (or reads from cache) the Info of the given revision.
func (r *Repo) revisionInfo(revision string) (*Info, error) {
	infoFilePath := path.Join(r.snapshotDir(revision), InfoFile)
	if !data.FileExists(infoFilePath) {
		url := fmt.Sprintf("%s/api/models/%s/revision/%s", r.baseURL, r.ID, revision)
		body, err := r.apiGet(url)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to fetch info of %q revision %q", r.ID, revision)
		}
		if err = os.MkdirAll(path.Dir(infoFilePath), 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create snapshot directory for revision %q", revision)
		}
		if err = os.WriteFile(infoFilePath, body, 0644); err != nil {
			return nil, errors.Wrapf(err, "failed to cache info of revision %q in %q", revision, infoFilePath)
		}
	}
	infoJson, err := os.ReadFile(infoFilePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read info of revision %q from disk in %q", revision, infoFilePath)
	}
	info := &Info{}
	if err = json.Unmarshal(infoJson, info); err != nil {
		return nil, errors.Wrapf(err, "failed to parse info of revision %q in %q", revision, infoFilePath)
	}
	return info, nil
}

// Snapshot materializes the full content tree of the given revision under the local base
// directory and returns the directory it lives in.
//
// Files already materialized are not downloaded again: since a revision is immutable, the
// snapshot directory, once complete, is valid forever. The revision must be a concrete
// commit id, never a branch name, so that the correct historical snapshot -- not the
// branch tip -- is retrieved.
func (r *Repo) Snapshot(revision string) (string, error) {
	info, err := r.revisionInfo(revision)
	if err != nil {
		return "", err
	}
	snapshotDir := r.snapshotDir(revision)

	type fileToFetch struct{ name, filePath string }
	var requireDownload []fileToFetch
	for _, si := range info.Siblings {
		fileName := si.Name
		if path.IsAbs(fileName) || strings.Contains(fileName, "..") {
			return "", errors.Errorf("repository %q revision %q contains illegal file name %q -- it cannot be an "+
				"absolute path, nor contain \"..\"", r.ID, revision, fileName)
		}
		filePath := path.Join(snapshotDir, fileName)
		if !data.FileExists(filePath) {
			requireDownload = append(requireDownload, fileToFetch{fileName, filePath})
		}
	}
	if len(requireDownload) == 0 {
		klog.V(1).Infof("snapshot %s@%s already materialized in %s", r.ID, revision, snapshotDir)
		return snapshotDir, nil
	}

	mgr := downloader.New().WithAuthToken(r.AuthToken).MaxParallel(r.MaxParallelDownload)
	type downloadState struct {
		cancel *xsync.Latch
		bytes  int64
	}
	downloading := make(map[string]*downloadState, len(requireDownload))
	var downloadingMu sync.Mutex
	var wg sync.WaitGroup
	var allFilesBytes uint64
	numDownloadedFiles := 0
	var firstError error
	lastPrintTime := time.Now()

	for _, fetch := range requireDownload {
		wg.Add(1)
		fileName, filePath := fetch.name, fetch.filePath
		url := fmt.Sprintf("%s/%s/resolve/%s/%s", r.baseURL, r.ID, revision, fileName)
		downloadingMu.Lock()
		canceller := mgr.Download(url, filePath+".downloading", func(downloadedBytes, totalBytes int64, finished bool, err error) {
			// Executed at every report of download progress.
			downloadingMu.Lock()
			defer downloadingMu.Unlock()

			if err == nil {
				if state := downloading[fileName]; state != nil {
					allFilesBytes += uint64(downloadedBytes - state.bytes)
					state.bytes = downloadedBytes
				}
			} else {
				if firstError == nil {
					firstError = err
				}
				for _, state := range downloading {
					state.cancel.Trigger()
				}
			}
			if finished {
				delete(downloading, fileName)
				numDownloadedFiles++
			}
			if r.Verbosity >= 1 && (finished || time.Since(lastPrintTime) > time.Second) {
				if firstError == nil {
					fmt.Printf("\rMaterializing %s@%s: %d/%d files, %s downloaded    ",
						r.ID, revision, numDownloadedFiles, len(requireDownload), humanize.Bytes(allFilesBytes))
				} else {
					fmt.Printf("\rMaterializing %s@%s: %d/%d files: error - %v     ",
						r.ID, revision, numDownloadedFiles, len(requireDownload), firstError)
				}
				lastPrintTime = time.Now()
			}
			if finished {
				if err == nil {
					if renameErr := os.Rename(filePath+".downloading", filePath); renameErr != nil {
						if firstError == nil {
							firstError = errors.Wrapf(renameErr, "failed to rename file %q", filePath)
							for _, state := range downloading {
								state.cancel.Trigger()
							}
						}
					}
				}
				wg.Done()
			}
		})
		downloading[fileName] = &downloadState{canceller, 0}
		downloadingMu.Unlock()
	}
	wg.Wait()
	if r.Verbosity >= 1 {
		fmt.Println()
	}
	if firstError != nil {
		return "", firstError
	}
	return snapshotDir, nil
}

// DownloadFile fetches one file of the repository at the given revision (which may be a
// branch name, in which case the file is resolved at the branch tip) and returns its local
// path.
//
// The file is cached by (revision, fileName) -- remove the cached file to force a
// re-fetch, which matters when revision is a mutable branch name.
func (r *Repo) DownloadFile(revision, fileName string) (string, error) {
	if path.IsAbs(fileName) || strings.Contains(fileName, "..") {
		return "", errors.Errorf("illegal file name %q -- it cannot be an absolute path, nor contain \"..\"", fileName)
	}
	filePath := path.Join(r.BaseDir, "files", revision, fileName)
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", r.baseURL, r.ID, revision, fileName)
	if err := data.DownloadIfMissing(url, filePath, r.AuthToken, false); err != nil {
		return "", errors.WithMessagef(err, "failed to fetch %q of %q revision %q", fileName, r.ID, revision)
	}
	return filePath, nil
}

func (r *Repo) snapshotDir(revision string) string {
	return path.Join(r.BaseDir, "snapshots", revision)
}

func (r *Repo) apiGet(url string) ([]byte, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed creating request for %q", url)
	}
	if r.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed request to %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("request to %q returned status %d: %q",
			url, resp.StatusCode, resp.Header.Get("X-Error-Message"))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading response of %q", url)
	}
	return body, nil
}
