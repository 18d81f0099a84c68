package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"speedy/internal/filesystem"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// rangeServer serves content as a ranged resource: an unranged GET returns
// the full body with Content-Length (the probe), a GET with a Range header
// returns the matching slice with 206 (a segment fetch).
func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			w.Write(content)
			return
		}

		parts := strings.Split(strings.TrimPrefix(rangeHeader, "bytes="), "-")
		start, _ := strconv.Atoi(parts[0])
		end := len(content) - 1
		if len(parts) > 1 && parts[1] != "" {
			end, _ = strconv.Atoi(parts[1])
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
}

func md5Hex(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func drainEvents(ch <-chan Event) {
	go func() {
		for range ch {
		}
	}()
}

func TestEngineRunSingleSegment(t *testing.T) {
	content := make([]byte, 256*1024)
	rand.Read(content)
	wantHash := md5.Sum(content)

	server := rangeServer(t, content)
	defer server.Close()

	downloadsDir := t.TempDir()
	eng, err := New(1, server.URL, 1, downloadsDir, nil, discardLogger())
	require.NoError(t, err)

	drainEvents(eng.Lifecycle())
	drainEvents(eng.Progress())

	path, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(wantHash[:]), md5Hex(path))
}

func TestEngineRunMultiSegmentMatchesSingleFetch(t *testing.T) {
	content := make([]byte, 1024*1024)
	rand.Read(content)
	wantHash := md5.Sum(content)

	server := rangeServer(t, content)
	defer server.Close()

	downloadsDir := t.TempDir()
	eng, err := New(2, server.URL, 5, downloadsDir, nil, discardLogger())
	require.NoError(t, err)

	var segCount int
	lifecycle := eng.Lifecycle()
	progress := eng.Progress()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range progress {
			if ev.Kind == EventInitialize {
				segCount = len(ev.Segments)
			}
		}
	}()
	drainEvents(lifecycle)

	path, err := eng.Run(context.Background())
	require.NoError(t, err)
	<-done

	require.Equal(t, 5, segCount)
	require.Equal(t, hex.EncodeToString(wantHash[:]), md5Hex(path))
}

func TestPlanLastSegmentAbsorbsRemainder(t *testing.T) {
	e := &Engine{Parts: 5}
	segments := e.plan(1048576)

	require.Len(t, segments, 5)
	var sum int64
	for i, seg := range segments {
		require.Equal(t, i+1, seg.SegmentID)
		require.Equal(t, seg.End-seg.Start+1, seg.TotalBytes)
		sum += seg.TotalBytes
	}
	require.Equal(t, int64(209715), segments[0].TotalBytes)
	require.Equal(t, int64(209716), segments[4].TotalBytes)
	require.Equal(t, int64(1048576), sum)
	require.Equal(t, int64(0), segments[0].Start)
	require.Equal(t, int64(1048575), segments[4].End)
}

func TestEngineClampsExcessiveParts(t *testing.T) {
	server := rangeServer(t, []byte("x"))
	defer server.Close()

	eng, err := New(3, server.URL, 100, t.TempDir(), nil, discardLogger())
	require.NoError(t, err)
	require.Equal(t, maxParts, eng.Parts)
}

func TestNewRejectsNonHTTPURL(t *testing.T) {
	_, err := New(4, "ftp://example.com/f", 1, ".", nil, discardLogger())
	require.Error(t, err)
}

func TestResumeScanReadsExistingPartFileSize(t *testing.T) {
	filename := fmt.Sprintf("resume-scan-test-%d.bin", rand.Int63())
	require.NoError(t, os.MkdirAll(filesystem.TempDir(), 0o755))
	partPath := filesystem.PartPath(filename, 0)
	require.NoError(t, os.WriteFile(partPath, make([]byte, 1234), 0o644))
	defer os.Remove(partPath)

	segments := resumeScan([]SegmentSpec{{SegmentID: 1, Start: 0, End: 9999, TotalBytes: 10000}}, filename)
	require.Equal(t, int64(1234), segments[0].AlreadyHave)
}

func TestEngineResumeAfterInterruptionMatchesFreshDownload(t *testing.T) {
	content := make([]byte, 512*1024)
	rand.Read(content)
	wantHash := hex.EncodeToString(func() []byte { h := md5.Sum(content); return h[:] }())

	server := rangeServer(t, content)
	defer server.Close()

	downloadsDir := t.TempDir()
	eng, err := New(6, server.URL, 1, downloadsDir, nil, discardLogger())
	require.NoError(t, err)
	filename := filesystem.FilenameFromURL(server.URL)

	// Simulate a prior, interrupted run that had already written the first
	// half of the single segment's part file.
	require.NoError(t, os.MkdirAll(filesystem.TempDir(), 0o755))
	partPath := filesystem.PartPath(filename, 0)
	require.NoError(t, os.WriteFile(partPath, content[:len(content)/2], 0o644))

	drainEvents(eng.Lifecycle())
	drainEvents(eng.Progress())
	path, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, wantHash, md5Hex(path))
}
