// Package api implements the bridge server: the local HTTP+SSE boundary a
// desktop shell's IPC layer would otherwise provide. Every download
// operation is a chi route, and one SSE stream carries download-progress
// frames to whatever UI is subscribed.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"speedy/internal/analytics"
	"speedy/internal/config"
	"speedy/internal/filesystem"
	"speedy/internal/logger"
	"speedy/internal/progress"
	"speedy/internal/queue"
	"speedy/internal/security"
	"speedy/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"log/slog"
)

// BridgeServer is the chi router exposing the download boundary. It is the
// engine's only transport: every boundary operation goes through this
// server, not an optional side channel, so its localhost+token guard is
// always on rather than a feature flag.
type BridgeServer struct {
	coordinator  *queue.Coordinator
	cfg          *config.Manager
	audit        *security.AuditLogger
	tracker      *analytics.Tracker
	logs         *logger.BroadcastHandler
	logger       *slog.Logger
	downloadsDir string
	router       *chi.Mux
	hub          *eventHub
}

// NewBridgeServer builds a BridgeServer and wires its routes. logs is the
// BroadcastHandler logger.New returns; its /v1/logs route is the live
// tail a UI would otherwise get over the desktop IPC bridge's log channel.
func NewBridgeServer(coordinator *queue.Coordinator, cfg *config.Manager, audit *security.AuditLogger, tracker *analytics.Tracker, logs *logger.BroadcastHandler, log *slog.Logger, downloadsDir string) *BridgeServer {
	s := &BridgeServer{
		coordinator:  coordinator,
		cfg:          cfg,
		audit:        audit,
		tracker:      tracker,
		logs:         logs,
		logger:       log,
		downloadsDir: downloadsDir,
		router:       chi.NewRouter(),
		hub:          newEventHub(),
	}
	s.routes()
	return s
}

// ListenAndServe binds the loopback listener and serves until ctx is
// cancelled or the listener fails.
func (s *BridgeServer) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.BridgePort())
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: bind %s: %w", addr, err)
	}
	s.logger.Info("bridge server listening", "addr", addr)

	srv := &http.Server{Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

func (s *BridgeServer) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)

	s.router.Post("/v1/downloads", s.handleStart)
	s.router.Get("/v1/downloads", s.handleList)
	s.router.Get("/v1/downloads/check", s.handleCheckExisting)
	s.router.Get("/v1/downloads/{id}", s.handleGet)
	s.router.Delete("/v1/downloads/{id}", s.handleDelete)
	s.router.Post("/v1/downloads/{id}/pause", s.handlePause)
	s.router.Post("/v1/downloads/{id}/resume", s.handleResume)
	s.router.Get("/v1/events", s.handleEvents)
	s.router.Get("/v1/analytics", s.handleAnalytics)
	s.router.Get("/v1/logs", s.handleLogStream)
	s.router.Get("/v1/audit", s.handleAuditLog)
}

// securityMiddleware enforces a loopback-only, shared-secret guard on
// every route.
func (s *BridgeServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Record(r, http.StatusForbidden, "external access denied")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Speedy-Token")
		if token != s.cfg.BridgeToken() {
			s.audit.Record(r, http.StatusUnauthorized, "invalid token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Record(r, http.StatusOK, "authorized")
		next.ServeHTTP(w, r)
	})
}

type startRequest struct {
	URL   string `json:"url"`
	Name  string `json:"name"`
	Parts string `json:"parts"`
	ID    string `json:"id"`
}

type startResponse struct {
	DownloadID string `json:"download_id"`
}

func (s *BridgeServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	parts, _ := strconv.Atoi(req.Parts)
	if parts <= 0 {
		parts = s.cfg.DefaultParts()
	}

	downloadID, err := s.coordinator.Start(parseID(req.ID), req.URL, req.Name, parts, s.publishingObserver())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, startResponse{DownloadID: strconv.FormatUint(downloadID, 10)})
}

func (s *BridgeServer) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	var (
		recs []storage.Download
		err  error
	)
	if status != "" {
		recs, err = s.coordinator.ListByStatus(status)
	} else {
		recs, err = s.coordinator.List()
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *BridgeServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := parseID(chi.URLParam(r, "id"))
	rec, err := s.coordinator.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *BridgeServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := parseID(chi.URLParam(r, "id"))
	alsoDeleteFile := r.URL.Query().Get("deleteFile") == "true"
	if err := s.coordinator.Delete(id, alsoDeleteFile); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *BridgeServer) handlePause(w http.ResponseWriter, r *http.Request) {
	id := parseID(chi.URLParam(r, "id"))
	if err := s.coordinator.Pause(id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *BridgeServer) handleResume(w http.ResponseWriter, r *http.Request) {
	id := parseID(chi.URLParam(r, "id"))
	if err := s.coordinator.Resume(id, s.publishingObserver()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *BridgeServer) handleCheckExisting(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	info := filesystem.CheckExistingDownload(rawURL, s.downloadsDir)
	s.writeJSON(w, http.StatusOK, info)
}

// handleAnalytics reports lifetime/daily byte & file counters, the current
// aggregate speed across active downloads, and disk usage for the
// downloads volume — the read side of internal/analytics.Tracker.
func (s *BridgeServer) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		s.writeJSON(w, http.StatusOK, analytics.Snapshot{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

// handleAuditLog returns the most recent boundary-access audit entries, the
// read-back side of the audit trail securityMiddleware writes.
func (s *BridgeServer) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	s.writeJSON(w, http.StatusOK, s.audit.RecentLogs(limit))
}

// handleLogStream streams structured log records as server-sent "log"
// events, a live tail for any number of UI subscribers.
func (s *BridgeServer) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		http.Error(w, "log streaming unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	entries, unsubscribe := s.logs.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			b, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", b)
			flusher.Flush()
		}
	}
}

// handleEvents streams every download's progress snapshots as
// server-sent "download-progress" events, at whatever cadence the
// Progress Aggregator emits them (50ms while active).
func (s *BridgeServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	frames, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: download-progress\ndata: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

// publishingObserver returns a progress.Observer that fans every snapshot
// out to the SSE hub; every handler that starts or resumes a download
// passes one so its progress reaches whatever is subscribed to /v1/events.
func (s *BridgeServer) publishingObserver() queue.Observer {
	return func(snap progress.Snapshot) {
		s.hub.publish(snap)
	}
}

func (s *BridgeServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *BridgeServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseID parses a decimal id string to uint64, coercing unparseable input
// to 0. Ids travel the wire as decimal strings so callers whose number
// type is a 64-bit float never lose precision.
func parseID(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
