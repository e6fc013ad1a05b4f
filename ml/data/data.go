// Package data holds the filesystem and download helpers shared by the checkpoint
// retrieval backends.
package data

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"path"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// FileExists returns true if file or directory exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	panic(err)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	usr, _ := user.Current()
	homeDir := usr.HomeDir
	return path.Join(homeDir, dir[1:])
}

// ByteCountIEC converts a byte count to string using the appropriate unit (B, KiB, MiB, GiB, ...).
// It uses the binary prefix system from IEC -- so powers of 1024 (as opposed to powers 1000).
func ByteCountIEC(count int64) string {
	const unit = 1024
	if count < unit {
		return fmt.Sprintf("%d B", count)
	}
	div, exp := int64(unit), 0
	for n := count / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(count)/float64(div), "KMGTPE"[exp])
}

// copyBytesBar copies bytes from an io.Reader to an io.Writer while displaying a progressbar.
// It requires knowing the contentLength.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	contentLength, amountWritten  int64
	barUnit, numUnits, addedUnits int64
}

// newCopyBytesBar creates a new copyBytesBar. It requires knowing the contentLength.
func newCopyBytesBar(w io.Writer, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w}
	bar.barUnit = 1
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions(int(bar.numUnits),
		progressbar.OptionSetDescription(ByteCountIEC(contentLength)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: ".",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return bar
}

// Write implements io.Writer, while updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add(int(toUnits - bar.addedUnits))
		bar.addedUnits = toUnits
	}
	return
}

// CopyWithProgressBar is similar to io.Copy, but updates the progress bar with the amount
// of data copied.
//
// It requires knowing the amount of data to copy up-front.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	bar := newCopyBytesBar(dst, contentLength)
	n, err = io.Copy(bar, src)
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add(int(bar.numUnits - bar.addedUnits))
	}
	_ = bar.bar.Close()
	fmt.Println()
	return
}

// Download file from url and save at given path. Attempts to create the directory if it
// doesn't yet exist.
//
// An authToken, if given, is passed in the "Authorization" header prefixed with "Bearer ".
//
// Optionally, use showProgressBar.
func Download(url, filePath, authToken string, showProgressBar bool) (size int64, err error) {
	filePath = ReplaceTildeInDir(filePath)
	err = os.MkdirAll(path.Dir(filePath), 0777)
	if err != nil && !os.IsExist(err) {
		err = errors.Wrapf(err, "failed to create the directory for the path: %q", path.Dir(filePath))
		return
	}
	var file *os.File
	file, err = os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating request for %q", url)
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	var resp *http.Response
	resp, err = client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return 0, errors.Errorf("failed downloading %q: bad status code %d: %q",
			url, resp.StatusCode, resp.Header.Get("X-Error-Message"))
	}

	if showProgressBar {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	err = file.Close()
	if err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	err = resp.Body.Close()
	if err != nil {
		return 0, errors.Wrapf(err, "failed closing connection to %q", url)
	}
	return size, nil
}

// DownloadIfMissing will check if the path exists already, and if not it will download the
// file from the given URL.
func DownloadIfMissing(url, filePath, authToken string, showProgressBar bool) error {
	filePath = ReplaceTildeInDir(filePath)
	if FileExists(filePath) {
		return nil
	}
	_, err := Download(url, filePath, authToken, showProgressBar)
	return err
}
