package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// bufferSize is the read chunk size for streaming a segment's response body.
const bufferSize = 32 * 1024

// minEmitDelta is the smallest unreported byte delta that triggers a
// BytesReceived event outside of completion; below this, deltas accumulate
// locally to avoid flooding the event channel.
const minEmitDelta = 16 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, bufferSize)
		return &b
	},
}

// runSegment downloads exactly the bytes in [start+alreadyHave, end] for one
// segment and appends them to its part file, emitting BytesReceived events
// as it goes.
func runSegment(ctx context.Context, client *http.Client, urlStr, partPath string, spec SegmentSpec, downloadID uint64, emit chan<- Event) error {
	if spec.Start+spec.AlreadyHave > spec.End {
		emit <- Event{Kind: EventBytesReceived, DownloadID: downloadID, SegmentID: spec.SegmentID, Delta: 0, Speed: 0}
		return nil
	}

	req, err := newRequest(ctx, http.MethodGet, urlStr)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", spec.Start+spec.AlreadyHave, spec.End))

	resp, err := client.Do(req)
	if err != nil {
		return friendlyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return friendlyHTTPError(resp.StatusCode)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if spec.AlreadyHave > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open part file: %w", err)
	}
	defer file.Close()

	if spec.AlreadyHave > 0 {
		emit <- Event{Kind: EventBytesReceived, DownloadID: downloadID, SegmentID: spec.SegmentID, Delta: spec.AlreadyHave, Speed: 0}
	}

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	downloaded := spec.AlreadyHave
	unreported := int64(0)
	speed := 0.0
	start := time.Now()

	for downloaded < spec.TotalBytes {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("write part file: %w", err)
			}
			remaining := spec.TotalBytes - downloaded
			chunk := int64(n)
			if chunk > remaining {
				chunk = remaining
			}
			downloaded += chunk
			unreported += chunk

			if elapsed := time.Since(start).Seconds(); elapsed > 0 {
				speed = float64(downloaded-spec.AlreadyHave) / elapsed
			}

			if unreported >= minEmitDelta || downloaded >= spec.TotalBytes {
				emit <- Event{Kind: EventBytesReceived, DownloadID: downloadID, SegmentID: spec.SegmentID, Delta: unreported, Speed: speed}
				unreported = 0
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return fmt.Errorf("read response body: %w", readErr)
		}
	}

	if downloaded < spec.TotalBytes {
		final := spec.TotalBytes - downloaded
		emit <- Event{Kind: EventBytesReceived, DownloadID: downloadID, SegmentID: spec.SegmentID, Delta: final, Speed: speed}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("flush part file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat part file: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("part file is empty after download")
	}
	return nil
}
