package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessLogEntry is one recorded request against the diagnostics HTTP
// surface.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"` // e.g. "GET /status"
	Status    int       `json:"status"`
	Details   string    `json:"details"`
}

// AuditLogger appends AccessLogEntry records to a JSON-lines file and mirrors
// them to the structured logger, the same "write, then log" shape the
// teacher used to pair a persisted trail with live debugging output.
type AuditLogger struct {
	logFile *os.File
	mu      sync.Mutex
	logPath string
	logger  *slog.Logger
}

// NewAuditLogger opens (creating if needed) the access log at logPath.
func NewAuditLogger(logger *slog.Logger, logPath string) *AuditLogger {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		logger.Error("failed to create audit log directory", "error", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
	}

	return &AuditLogger{
		logFile: f,
		logPath: logPath,
		logger:  logger,
	}
}

// Log records one access attempt against the diagnostics surface.
func (a *AuditLogger) Log(sourceIP, userAgent, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		if jsonBytes, err := json.Marshal(entry); err == nil {
			a.logFile.WriteString(string(jsonBytes) + "\n")
		}
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "diagnostics access", "action", action, "status", status, "ip", sourceIP)
}

// Close releases the underlying log file handle.
func (a *AuditLogger) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// GetRecentLogs returns up to limit entries, most recent first.
func (a *AuditLogger) GetRecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	content, err := os.ReadFile(a.logPath)
	if err != nil {
		return []AccessLogEntry{}
	}

	lines := strings.Split(string(content), "\n")
	var entries []AccessLogEntry
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
		if len(entries) >= limit {
			break
		}
	}
	return entries
}
