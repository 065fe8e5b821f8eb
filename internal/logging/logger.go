package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Format represents the log output format
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Level represents log levels
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level  Level
	Format Format
	Output io.Writer // defaults to os.Stdout if nil

	// Attached to every record when set
	Service  string
	DeviceID string
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Format:  FormatConsole,
		Output:  os.Stdout,
		Service: "trackwatch",
	}
}

var defaultLogger *slog.Logger

func init() {
	defaultLogger = New(DefaultConfig())
}

// New creates a structured logger. Console output is slog's text format.
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	var base []slog.Attr
	if cfg.Service != "" {
		base = append(base, slog.String("service", cfg.Service))
	}
	if cfg.DeviceID != "" {
		base = append(base, slog.String("device_id", cfg.DeviceID))
	}
	if len(base) > 0 {
		handler = handler.WithAttrs(base)
	}

	return slog.New(handler)
}

// slogLevel maps l to slog; unknown levels log at info
func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault sets the default logger for the package
func SetDefault(logger *slog.Logger) {
	defaultLogger = logger
	slog.SetDefault(logger)
}

// Default returns the default logger
func Default() *slog.Logger {
	return defaultLogger
}

// ParseLevel converts a config string to a Level, defaulting to info
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	}
	return LevelInfo
}

// ParseFormat converts a config string to a Format, defaulting to console
func ParseFormat(s string) Format {
	if Format(s) == FormatJSON {
		return FormatJSON
	}
	return FormatConsole
}

// Context keys for logging
type contextKey string

const (
	// ContextKeyStation is the context key for the monitored station
	ContextKeyStation contextKey = "station"
	// ContextKeyTick is the context key for the tick sequence number
	ContextKeyTick contextKey = "tick"
)

// WithStation adds the monitored station to context
func WithStation(ctx context.Context, station string) context.Context {
	return context.WithValue(ctx, ContextKeyStation, station)
}

// WithTick adds the tick sequence number to context
func WithTick(ctx context.Context, seq uint64) context.Context {
	return context.WithValue(ctx, ContextKeyTick, seq)
}

// ContextAttrs extracts station and tick attributes stored in ctx
func ContextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if station, ok := ctx.Value(ContextKeyStation).(string); ok {
		attrs = append(attrs, slog.String("station", station))
	}
	if seq, ok := ctx.Value(ContextKeyTick).(uint64); ok {
		attrs = append(attrs, slog.Uint64("tick", seq))
	}
	return attrs
}

// TickAttrs returns common attributes for tick logging
func TickAttrs(seq uint64, score float64, alerts int, durationMs int64) []slog.Attr {
	return []slog.Attr{
		slog.Uint64("tick", seq),
		slog.Float64("score", score),
		slog.Int("alerts", alerts),
		slog.Int64("duration_ms", durationMs),
	}
}

// AlertAttrs returns common attributes for alert logging
func AlertAttrs(severity, metric string, value float64, message string) []slog.Attr {
	return []slog.Attr{
		slog.String("severity", severity),
		slog.String("metric", metric),
		slog.Float64("value", value),
		slog.String("message", message),
	}
}

// RetryAttrs returns common attributes for retry logging
func RetryAttrs(notifier string, attempt int, backoffMs int64, err error) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("notifier", notifier),
		slog.Int("attempt", attempt),
		slog.Int64("backoff_ms", backoffMs),
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("error", err.Error()),
			slog.String("error_type", errorType(err)),
		)
	}
	return attrs
}

// ErrorAttrs returns common attributes for error logging
func ErrorAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}
	return []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", errorType(err)),
	}
}

// errorType attempts to determine the type of error
func errorType(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}

// Helper functions for common logging patterns

// LogTick logs a completed tick at debug level
func LogTick(ctx context.Context, logger *slog.Logger, seq uint64, score float64, alerts int, durationMs int64) {
	attrs := append(ContextAttrs(ctx), TickAttrs(seq, score, alerts, durationMs)...)
	logger.LogAttrs(ctx, slog.LevelDebug, "Tick completed", attrs...)
}

// LogTickError logs a failed tick with standard fields
func LogTickError(ctx context.Context, logger *slog.Logger, source string, err error) {
	attrs := append(ContextAttrs(ctx), slog.String("source", source))
	attrs = append(attrs, ErrorAttrs(err)...)
	logger.LogAttrs(ctx, slog.LevelError, "Tick failed", attrs...)
}

// LogAlert logs a raised alert; critical alerts log at warn level
func LogAlert(ctx context.Context, logger *slog.Logger, severity, metric string, value float64, message string) {
	level := slog.LevelInfo
	if severity == "critical" {
		level = slog.LevelWarn
	}
	attrs := append(ContextAttrs(ctx), AlertAttrs(severity, metric, value, message)...)
	logger.LogAttrs(ctx, level, "Alert raised", attrs...)
}

// LogRetry logs a retry attempt with standard fields
func LogRetry(logger *slog.Logger, notifier string, attempt int, backoffMs int64, err error) {
	logger.LogAttrs(context.Background(), slog.LevelWarn, "Retrying after failure",
		RetryAttrs(notifier, attempt, backoffMs, err)...)
}
