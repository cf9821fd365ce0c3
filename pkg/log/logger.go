// Package log provides structured logging utilities for the gomp miner.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger that writes to w instead of stdout
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "text")
}

// ParseLevel maps a level name to slog.Level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithEndpoint returns a logger tagged with the pool endpoint in use
func (l *Logger) WithEndpoint(name, addr string) *Logger {
	return l.WithFields("pool", name, "pool_addr", addr)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithWorker returns a logger with the hashing worker id
func (l *Logger) WithWorker(workerID uint32) *Logger {
	return l.WithFields("worker_id", workerID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Elapsed renders a duration the way an operator reads it, e.g. "1 minute 5 seconds".
func Elapsed(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String()
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareResult logs the pool's verdict on a submitted share
func (l *Logger) LogShareResult(jobID string, accepted bool, latency time.Duration, total uint64) {
	if accepted {
		l.Info("share accepted",
			"job_id", jobID,
			"latency_ms", latency.Milliseconds(),
			"share_number", total,
		)
		return
	}
	l.Warn("share rejected",
		"job_id", jobID,
		"latency_ms", latency.Milliseconds(),
		"share_number", total,
	)
}

// LogJobReceived logs a mining.notify job at debug level
func (l *Logger) LogJobReceived(jobID, prevHash string, branches int, cleanJobs bool, versionMask uint32, difficulty float64) {
	l.Debug("job received",
		"job_id", jobID,
		"prev_hash", prevHash,
		"merkle_branches", branches,
		"clean_jobs", cleanJobs,
		"version_mask", versionMask,
		"pool_difficulty", difficulty,
	)
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	)
}
