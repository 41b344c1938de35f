package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog with the daemon's event helpers
type Logger struct {
	*slog.Logger
}

// Options select level, handler format and destination
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// New creates a structured logger. JSON is the default format; "text"
// selects the human readable handler.
func New(opts Options) *Logger {
	output := opts.Output
	if output == nil {
		output = os.Stdout
		if isSystemd() {
			// journald captures stderr
			output = os.Stderr
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLogLevel(opts.Level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(output, handlerOpts)
	}

	return &Logger{Logger: slog.New(handler).With("service", "nets")}
}

// Discard returns a logger that drops everything below Error, for tests
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// parseLogLevel parses log level string
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isSystemd checks if running under systemd
func isSystemd() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("NOTIFY_SOCKET") != ""
}

// LogSystemEvent logs daemon lifecycle events
func (l *Logger) LogSystemEvent(event string, additional ...any) {
	args := []any{"event", event}
	args = append(args, additional...)

	switch event {
	case "daemon_started":
		l.Info("Daemon started", args...)
	case "daemon_stopped":
		l.Info("Daemon stopped", args...)
	case "shutdown_signal":
		l.Info("Shutdown signal received", args...)
	case "config_loaded":
		l.Info("Configuration loaded", args...)
	case "http_server_started":
		l.Info("HTTP server started", args...)
	case "http_server_stopped":
		l.Info("HTTP server stopped", args...)
	case "pipeline_failed":
		l.Error("Pipeline failed", args...)
	default:
		l.Info("System event", args...)
	}
}

// LogRuleEvent logs rule bundle lifecycle events
func (l *Logger) LogRuleEvent(event string, additional ...any) {
	args := []any{"event", event}
	args = append(args, additional...)

	switch event {
	case "bundle_loaded":
		l.Info("Rule bundle loaded", args...)
	case "bundle_unchanged":
		l.Debug("Rule bundle unchanged", args...)
	case "bundle_rejected":
		l.Warn("Rule bundle rejected", args...)
	default:
		l.Info("Rule event", args...)
	}
}
