// Package security provides the bridge server's access audit trail. Every
// boundary request is recorded twice: appended to a JSON-lines file for
// durability across restarts, and kept in a bounded in-memory ring so the
// bridge's read-back route serves recent entries without re-reading the
// file on every call. The ring is warmed from the file's tail on startup,
// so read-back spans restarts too.
package security

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ringSize bounds how many entries RecentLogs can serve; older entries
// survive only in the log file.
const ringSize = 512

// AccessLogEntry is one audited boundary request.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"`
	Status    int       `json:"status"`
	Details   string    `json:"details"`
}

// AuditLogger records the outcome of every boundary request.
type AuditLogger struct {
	logger *slog.Logger

	mu      sync.Mutex
	logFile *os.File
	ring    [ringSize]AccessLogEntry
	next    int // next write position
	count   int // entries held, <= ringSize
}

// NewAuditLogger opens the access log under the platform config directory.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	appData, _ := os.UserConfigDir()
	logDir := filepath.Join(appData, "speedy", "logs")
	os.MkdirAll(logDir, 0o755)
	return NewAuditLoggerAt(filepath.Join(logDir, "access.log"), logger)
}

// NewAuditLoggerAt opens the access log at an explicit path.
func NewAuditLoggerAt(path string, logger *slog.Logger) *AuditLogger {
	a := &AuditLogger{logger: logger}
	a.warmFromFile(path)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
		return a
	}
	a.logFile = f
	return a
}

// warmFromFile replays the log file's last ringSize entries into the ring.
func (a *AuditLogger) warmFromFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	var tail []AccessLogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry AccessLogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		tail = append(tail, entry)
		if len(tail) > ringSize {
			tail = tail[1:]
		}
	}
	for _, entry := range tail {
		a.push(entry)
	}
}

// Record audits one request: source IP, user agent, and action are derived
// from the request itself rather than passed through by every call site.
func (a *AuditLogger) Record(r *http.Request, status int, details string) {
	sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: r.UserAgent(),
		Action:    r.Method + " " + r.URL.Path,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	a.push(entry)
	if a.logFile != nil {
		if b, err := json.Marshal(entry); err == nil {
			a.logFile.Write(append(b, '\n'))
		}
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(r.Context(), level, "audit", "action", entry.Action, "status", status, "ip", sourceIP)
}

// push stores entry in the ring, overwriting the oldest slot once full.
// Callers hold a.mu except during single-goroutine construction.
func (a *AuditLogger) push(entry AccessLogEntry) {
	a.ring[a.next] = entry
	a.next = (a.next + 1) % ringSize
	if a.count < ringSize {
		a.count++
	}
}

// RecentLogs returns up to limit entries from the ring, most recent first.
func (a *AuditLogger) RecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit > a.count {
		limit = a.count
	}
	entries := make([]AccessLogEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		entries = append(entries, a.ring[(a.next-i+ringSize)%ringSize])
	}
	return entries
}

// Close releases the underlying file handle.
func (a *AuditLogger) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
}
