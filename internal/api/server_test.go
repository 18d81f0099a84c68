package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"speedy/internal/analytics"
	"speedy/internal/config"
	"speedy/internal/logger"
	"speedy/internal/queue"
	"speedy/internal/security"
	"speedy/internal/storage"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestBridge stands up a full bridge stack (in-memory store, coordinator,
// audit log) behind an httptest server, returning the server, the shared
// token callers must present, and the backing store for assertions.
func newTestBridge(t *testing.T) (*httptest.Server, string, *storage.Store) {
	t.Helper()

	store, err := storage.OpenAt(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := discardLogger()
	cfg := config.New(store)
	audit := security.NewAuditLoggerAt(t.TempDir()+"/access.log", log)
	t.Cleanup(audit.Close)

	downloadsDir := t.TempDir()
	tracker := analytics.NewTracker(store, func() string { return downloadsDir })
	coordinator := queue.New(store, cfg, tracker, log, downloadsDir)

	bridge := NewBridgeServer(coordinator, cfg, audit, tracker, logger.NewBroadcastHandler(), log, downloadsDir)
	srv := httptest.NewServer(bridge.router)
	t.Cleanup(srv.Close)

	return srv, cfg.BridgeToken(), store
}

func doRequest(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("X-Speedy-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

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

func TestBridgeRejectsMissingToken(t *testing.T) {
	srv, _, _ := newTestBridge(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/downloads", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBridgeStartDownloadRunsToCompletion(t *testing.T) {
	content := make([]byte, 64*1024)
	rand.Read(content)
	origin := rangeServer(t, content)
	defer origin.Close()

	srv, token, store := newTestBridge(t)

	body, _ := json.Marshal(map[string]string{
		"url":   origin.URL + "/file.bin",
		"parts": "3",
		"id":    "777",
	})
	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/downloads", token, body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started startResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.Equal(t, "777", started.DownloadID)

	require.Eventually(t, func() bool {
		rec, err := store.Get(777)
		return err == nil && rec.Status == storage.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	getResp := doRequest(t, http.MethodGet, srv.URL+"/v1/downloads/777", token, nil)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var rec storage.Download
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&rec))
	require.Equal(t, storage.StatusCompleted, rec.Status)
	require.NotEmpty(t, rec.SavePath)
}

func TestBridgeGetCoercesUnparseableIDToZero(t *testing.T) {
	srv, token, _ := newTestBridge(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/downloads/not-a-number", token, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBridgeListFiltersByStatus(t *testing.T) {
	srv, token, store := newTestBridge(t)
	require.NoError(t, store.Insert(storage.Download{DownloadID: 1, URL: "https://x/a", Filename: "a", Status: storage.StatusQueued}))
	require.NoError(t, store.Insert(storage.Download{DownloadID: 2, URL: "https://x/b", Filename: "b", Status: storage.StatusCompleted}))

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/downloads?status=completed", token, nil)
	defer resp.Body.Close()

	var rows []storage.Download
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	require.Equal(t, uint64(2), rows[0].DownloadID)
}

func TestBridgeCheckExisting(t *testing.T) {
	srv, token, _ := newTestBridge(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/downloads/check?url=https://example.com/absent.bin", token, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info struct {
		Exists bool `json:"exists"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.False(t, info.Exists)
}

func TestBridgeAuditLogRecordsRequests(t *testing.T) {
	srv, token, _ := newTestBridge(t)

	doRequest(t, http.MethodGet, srv.URL+"/v1/downloads", token, nil).Body.Close()

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/audit", token, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []security.AccessLogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.NotEmpty(t, entries)
}
