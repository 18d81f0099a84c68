// Package filesystem resolves where a download's bytes live on disk: the
// per-segment temp directory, the final save path, collision-avoiding
// renames, and a disk-space preflight check.
package filesystem

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// TempDir is the directory holding part files while downloads are in
// flight; it survives process restarts so interrupted runs can resume.
func TempDir() string {
	return filepath.Join(os.TempDir(), "speedy")
}

// PartPath returns the on-disk path for segment i of filename.
func PartPath(filename string, i int) string {
	return filepath.Join(TempDir(), fmt.Sprintf("%s.%d", filename, i))
}

// FilenameFromURL derives a filename from a URL's final path segment,
// stripped of its query string, falling back to "download" if empty.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	var path string
	if err == nil {
		path = u.Path
	} else {
		path = rawURL
	}
	name := filepath.Base(path)
	if idx := strings.IndexByte(name, '?'); idx >= 0 {
		name = name[:idx]
	}
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}

// DefaultDownloadsDir returns the user's Downloads directory, falling back
// to the process working directory if it cannot be determined.
func DefaultDownloadsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			return cwd
		}
		return "."
	}
	dir := filepath.Join(home, "Downloads")
	if _, err := os.Stat(dir); err != nil {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			return cwd
		}
	}
	return dir
}

// FindAvailablePath returns basePath unchanged if nothing occupies it,
// otherwise the smallest "<stem> (k).<ext>" that doesn't collide.
func FindAvailablePath(basePath string) string {
	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		return basePath
	}

	ext := filepath.Ext(basePath)
	dir := filepath.Dir(basePath)
	nameOnly := strings.TrimSuffix(filepath.Base(basePath), ext)

	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", nameOnly, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s (9999)%s", nameOnly, ext))
}

// CheckDiskSpace verifies the target directory's volume has at least
// `required` bytes free, plus a 100MB safety buffer.
func CheckDiskSpace(dir string, required int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		// A brand-new temp/output directory may not exist yet; check its
		// parent instead of failing the preflight outright.
		usage, err = disk.Usage(filepath.Dir(dir))
		if err != nil {
			return fmt.Errorf("filesystem: check disk space: %w", err)
		}
	}

	const buffer = 100 * 1024 * 1024
	if int64(usage.Free) < required+buffer {
		return fmt.Errorf("filesystem: insufficient disk space: need %d bytes, have %d free", required, usage.Free)
	}
	return nil
}

// ExistingDownloadInfo is the result of scanning for a prior run of the same URL.
type ExistingDownloadInfo struct {
	Exists             bool   `json:"exists"`
	Type               string `json:"type,omitempty"` // "completed" or "in_progress"
	OriginalFilename   string `json:"original_filename,omitempty"`
	SuggestedFilename  string `json:"suggested_filename,omitempty"`
	CompletedPath      string `json:"completed_path,omitempty"`
	InProgressSegments int    `json:"in_progress_segments,omitempty"`
}

// CheckExistingDownload inspects downloadsDir for a completed file under the
// URL's derived filename, and TempDir for that filename's segment part
// files, so a caller can warn before re-downloading something it already has.
func CheckExistingDownload(rawURL, downloadsDir string) ExistingDownloadInfo {
	filename := FilenameFromURL(rawURL)
	completedPath := filepath.Join(downloadsDir, filename)

	if _, err := os.Stat(completedPath); err == nil {
		return ExistingDownloadInfo{
			Exists:            true,
			Type:              "completed",
			OriginalFilename:  filename,
			SuggestedFilename: filepath.Base(FindAvailablePath(completedPath)),
			CompletedPath:     completedPath,
		}
	}

	entries, err := os.ReadDir(TempDir())
	if err == nil {
		prefix := filename + "."
		count := 0
		for _, e := range entries {
			if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
				rest := strings.TrimPrefix(e.Name(), prefix)
				if _, convErr := fmt.Sscanf(rest, "%d", new(int)); convErr == nil {
					count++
				}
			}
		}
		if count > 0 {
			return ExistingDownloadInfo{
				Exists:             true,
				Type:               "in_progress",
				OriginalFilename:   filename,
				SuggestedFilename:  filepath.Base(FindAvailablePath(completedPath)),
				InProgressSegments: count,
			}
		}
	}

	return ExistingDownloadInfo{Exists: false}
}
