package civitai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/sdxl-tools/sdgguf/pkg/progress"
)

// ErrChecksumMismatch is returned when a completed download does not match
// the SHA256 published in the version metadata.
var ErrChecksumMismatch = errors.New("downloaded file checksum mismatch")

// incompletePath returns the staging path for an in-progress download.
func incompletePath(path string) string {
	return path + ".incomplete"
}

// DownloadFile downloads file into destDir and returns the final path. An
// existing file with a matching checksum is reused without downloading. A
// leftover .incomplete file from an interrupted run is resumed with a Range
// request. Progress updates are sent to updates when non-nil.
func (c *Client) DownloadFile(ctx context.Context, file *ModelFile, destDir string, updates chan<- progress.Update) (string, error) {
	name := filepath.Base(file.Name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("file has unusable name %q", file.Name)
	}
	dest := filepath.Join(destDir, name)

	if _, err := os.Stat(dest); err == nil {
		ok, err := c.verifyChecksum(dest, file.Hashes.SHA256)
		if err != nil {
			return "", err
		}
		if ok {
			c.log.Infof("%s already downloaded, skipping", name)
			return dest, nil
		}
		c.log.Warnf("%s exists but checksum differs, downloading again", name)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	staging := incompletePath(dest)
	var offset int64
	if stat, err := os.Stat(staging); err == nil {
		offset = stat.Size()
	}

	rawURL, err := c.downloadURL(file)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.dl.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()

	var f *os.File
	switch resp.StatusCode {
	case http.StatusPartialContent:
		c.log.Infof("resuming %s at %d bytes", name, offset)
		f, err = os.OpenFile(staging, os.O_WRONLY|os.O_APPEND, 0o644)
	case http.StatusOK:
		// Server ignored the Range header or there was nothing to resume;
		// start over.
		offset = 0
		f, err = os.Create(staging)
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("download %s: %w", name, ErrUnauthorized)
	case http.StatusNotFound:
		return "", fmt.Errorf("download %s: %w", name, ErrNotFound)
	default:
		return "", fmt.Errorf("download %s: unexpected status %s", name, resp.Status)
	}
	if err != nil {
		return "", fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()

	var r io.Reader = resp.Body
	if updates != nil {
		total := offset + resp.ContentLength
		if resp.ContentLength < 0 {
			total = int64(file.SizeKB * 1024)
		}
		r = progress.NewReaderWithOffset(resp.Body, total, offset, updates)
	}

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close staging file: %w", err)
	}

	ok, err := c.verifyChecksum(staging, file.Hashes.SHA256)
	if err != nil {
		return "", err
	}
	if !ok {
		// Remove the staging file so the next attempt starts fresh instead
		// of resuming corrupt data.
		os.Remove(staging)
		return "", fmt.Errorf("download %s: %w", name, ErrChecksumMismatch)
	}

	if err := os.Rename(staging, dest); err != nil {
		return "", fmt.Errorf("finalize download: %w", err)
	}
	c.log.Infof("downloaded %s", dest)
	return dest, nil
}

// verifyChecksum reports whether the file at path matches the expected hex
// SHA256. An empty expected hash skips verification.
func (c *Client) verifyChecksum(path, expected string) (bool, error) {
	if expected == "" {
		c.log.Warnf("no checksum published for %s, skipping verification", filepath.Base(path))
		return true, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s for verification: %w", path, err)
	}
	defer f.Close()

	got, err := digest.SHA256.FromReader(f)
	if err != nil {
		return false, fmt.Errorf("hash %s: %w", path, err)
	}
	want := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(expected))
	return got == want, nil
}
