// Package logging provides structured logging functionality for appstrap.
//
// This package implements a small logging layer over Go's slog package:
// - Configurable log levels and output formats (text or json)
// - Optional file output
// - Correlation IDs carried through context.Context
// - Helpers for timing and typed errors
//
// Example usage:
//
//	logger, err := logging.NewLogger(cfg.Logging)
//	logger.Info("config loaded", "some_path", cfg.SomePath)
//
//	ctx = logging.WithCorrelationID(ctx, runID)
//	logger.InfoContext(ctx, "shutting down", "cause", "signal")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bebsworthy/appstrap/internal/config"
	apperrors "github.com/bebsworthy/appstrap/internal/errors"
)

// CorrelationIDKey is the context key for correlation IDs
type CorrelationIDKey struct{}

// Logger wraps slog.Logger with appstrap-specific functionality
type Logger struct {
	*slog.Logger
	config config.LoggingConfig
	writer io.Writer
}

// NewLogger creates a new structured logger writing to the configured output
func NewLogger(cfg config.LoggingConfig) (*Logger, error) {
	writer, err := createLogWriter(cfg.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	logger, err := NewLoggerWithWriter(cfg, writer)
	if err != nil {
		if closer, ok := writer.(io.Closer); ok && writer != os.Stderr {
			closer.Close()
		}
		return nil, err
	}
	return logger, nil
}

// NewLoggerWithWriter creates a logger that writes to w instead of the
// configured output file
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) (*Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Verbose,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return &Logger{
		Logger: slog.New(&CorrelationHandler{Handler: handler}),
		config: cfg,
		writer: w,
	}, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

// createLogWriter creates the appropriate writer for log output
func createLogWriter(outputFile string) (io.Writer, error) {
	if outputFile == "" {
		return os.Stderr, nil
	}

	dir := filepath.Dir(outputFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}

	file, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %q: %w", outputFile, err)
	}

	return file, nil
}

// CorrelationHandler wraps another handler to add correlation ID support
type CorrelationHandler struct {
	slog.Handler
}

// Handle processes log records and adds correlation ID if present in context
func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		r.AddAttrs(slog.String("correlation_id", correlationID))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes
func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup returns a new handler with the given group
func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{Handler: h.Handler.WithGroup(name)}
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey{}, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewAppLogger creates the process logger, tagged with the service name
func NewAppLogger(cfg config.LoggingConfig) (*Logger, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	logger.Logger = logger.Logger.With(slog.String("service", "appstrap"))
	return logger, nil
}

// LogTiming logs the duration of an operation
func (l *Logger) LogTiming(ctx context.Context, operation string, start time.Time, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", time.Since(start)),
	}
	allAttrs = append(allAttrs, attrs...)

	l.LogAttrs(ctx, slog.LevelInfo, "Operation completed", allAttrs...)
}

// LogError logs an error, expanding typed application errors into attributes
func (l *Logger) LogError(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	var allAttrs []slog.Attr
	if appErr, ok := apperrors.As(err); ok {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
		allAttrs = append(allAttrs, appErr.LogAttrs()...)
	} else {
		allAttrs = []slog.Attr{
			slog.String("error", err.Error()),
			slog.String("error_type", fmt.Sprintf("%T", err)),
			slog.String("error_code", apperrors.GetCode(err)),
		}
	}
	allAttrs = append(allAttrs, attrs...)

	l.LogAttrs(ctx, slog.LevelError, msg, allAttrs...)
}

// Close closes any file resources used by the logger
func (l *Logger) Close() error {
	if l.writer == os.Stderr || l.writer == os.Stdout {
		return nil
	}
	if closer, ok := l.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Global logger management

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// SetDefault sets the default logger instance and installs it as the slog default
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
	if logger != nil {
		slog.SetDefault(logger.Logger)
	}
}

// Default returns the default logger instance
func Default() *Logger {
	defaultMu.RLock()
	logger := defaultLogger
	defaultMu.RUnlock()

	if logger == nil {
		logger, _ = NewLogger(config.LoggingConfig{Level: "info", Format: "text"})
	}
	return logger
}

// Package-level convenience functions

// Info logs at Info level using the default logger
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Debug logs at Debug level using the default logger
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}
