// Package engine plans and executes segmented downloads: probing a URL,
// splitting it into byte ranges, running one worker per range, merging the
// resulting part files, and reporting progress through an event stream that
// a lifecycle task and a progress aggregator both consume.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"speedy/internal/filesystem"
)

const (
	minParts = 1
	maxParts = 32
)

// Engine owns a single download end to end: one per (DownloadID, attempt).
// A paused-then-resumed download gets a fresh Engine: pausing cancels the
// running Engine's context, which stops its workers and leaves their part
// files on disk, and the new Engine's resume scan against the same part
// files is what makes that safe.
type Engine struct {
	DownloadID   uint64
	URL          string
	Parts        int
	DownloadsDir string

	client      *http.Client
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// New constructs an Engine, clamping parts to [1, 32] and validating the
// URL scheme. client may be shared across Engines; its consumers are
// Lifecycle() (persistence writer) and Progress() (aggregator).
func New(downloadID uint64, rawURL string, parts int, downloadsDir string, client *http.Client, logger *slog.Logger) (*Engine, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("engine: url must be absolute http(s): %q", rawURL)
	}
	if parts < minParts {
		parts = minParts
	}
	if parts > maxParts {
		logger.Warn("requested parts exceeds maximum, clamping", "requested", parts, "max", maxParts)
		parts = maxParts
	}
	if client == nil {
		client = newHTTPClient()
	}
	return &Engine{
		DownloadID:   downloadID,
		URL:          rawURL,
		Parts:        parts,
		DownloadsDir: downloadsDir,
		client:       client,
		broadcaster:  NewBroadcaster(2),
		logger:       logger,
	}, nil
}

// Lifecycle returns the event stream consumed by the persistence writer.
func (e *Engine) Lifecycle() <-chan Event { return e.broadcaster.Consumer(0) }

// Progress returns the event stream consumed by the progress aggregator.
func (e *Engine) Progress() <-chan Event { return e.broadcaster.Consumer(1) }

// plan splits [0, total) into e.Parts contiguous ranges; the last segment
// absorbs the division remainder.
func (e *Engine) plan(total int64) []SegmentSpec {
	chunk := total / int64(e.Parts)
	segments := make([]SegmentSpec, e.Parts)
	for i := 0; i < e.Parts; i++ {
		start := int64(i) * chunk
		end := start + chunk - 1
		if i == e.Parts-1 {
			end = total - 1
		}
		segments[i] = SegmentSpec{
			SegmentID:  i + 1,
			Start:      start,
			End:        end,
			TotalBytes: end - start + 1,
		}
	}
	return segments
}

// resumeScan stats each segment's part file, filling in AlreadyHave so the
// first Initialize event (and the aggregator's first snapshot) reflects
// bytes a prior, interrupted run already wrote to disk.
func resumeScan(segments []SegmentSpec, filename string) []SegmentSpec {
	for i := range segments {
		path := filesystem.PartPath(filename, i)
		if info, err := os.Stat(path); err == nil {
			segments[i].AlreadyHave = info.Size()
		}
	}
	return segments
}

// Run drives the download to completion: probe, plan, resume scan, dispatch
// N segment workers, join, merge. It returns the merged artifact's path.
// If ctx is cancelled before the workers finish, Run returns ctx's error
// without merging, so the part files stay on disk for a later resume scan.
// The caller must be reading Lifecycle() and Progress() concurrently with
// Run, since the broadcaster forwards every event to both and a stalled
// consumer stalls the workers that feed it.
func (e *Engine) Run(ctx context.Context) (string, error) {
	go e.broadcaster.Run()
	defer close(e.broadcaster.In)

	probe, err := ProbeURL(ctx, e.client, e.URL)
	if err != nil {
		return "", fmt.Errorf("probe: %w", err)
	}

	filename := filesystem.FilenameFromURL(e.URL)
	if probe.Filename != "" {
		filename = filesystem.FilenameFromURL(probe.Filename)
	}

	if err := os.MkdirAll(filesystem.TempDir(), 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	segments := resumeScan(e.plan(probe.Size), filename)

	var alreadyHave int64
	for _, seg := range segments {
		alreadyHave += seg.AlreadyHave
	}
	if err := filesystem.CheckDiskSpace(filesystem.TempDir(), probe.Size-alreadyHave); err != nil {
		return "", err
	}

	initSegments := make([]SegmentSpec, len(segments))
	copy(initSegments, segments)
	e.broadcaster.In <- Event{Kind: EventInitialize, DownloadID: e.DownloadID, FileSize: probe.Size, Segments: initSegments}

	var wg sync.WaitGroup
	for _, seg := range segments {
		wg.Add(1)
		go func(seg SegmentSpec) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("segment panicked", "download_id", e.DownloadID, "segment_id", seg.SegmentID, "panic", r)
					e.broadcaster.In <- Event{Kind: EventSegmentError, DownloadID: e.DownloadID, SegmentID: seg.SegmentID, Message: fmt.Sprintf("segment panicked: %v", r)}
				}
			}()
			partPath := filesystem.PartPath(filename, seg.SegmentID-1)
			if err := runSegment(ctx, e.client, e.URL, partPath, seg, e.DownloadID, e.broadcaster.In); err != nil {
				e.logger.Error("segment failed", "download_id", e.DownloadID, "segment_id", seg.SegmentID, "error", err)
				e.broadcaster.In <- Event{Kind: EventSegmentError, DownloadID: e.DownloadID, SegmentID: seg.SegmentID, Message: err.Error()}
			}
		}(seg)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("cancelled: %w", err)
	}

	savePath, err := mergeParts(e.logger, resolveDownloadsDir(e.DownloadsDir), filename, segments)
	if err != nil {
		return "", fmt.Errorf("merge: %w", err)
	}

	e.broadcaster.In <- Event{Kind: EventComplete, DownloadID: e.DownloadID, SavePath: savePath}
	return savePath, nil
}

func resolveDownloadsDir(dir string) string {
	if dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
	}
	return filesystem.DefaultDownloadsDir()
}

func outputPath(downloadsDir, filename string) string {
	return filepath.Join(downloadsDir, filename)
}
