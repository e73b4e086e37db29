package stagectl

import "log/slog"

// Logger defines the structured logging contract used by every component.
// Arguments are key-value pairs:
//
//	logger.Info("Configuration activated", "version", 3, "previous", 2)
//
// The shape matches log/slog, so a *slog.Logger can be adapted directly
// with NewSlogLogger.
type Logger interface {
	// Info logs normal control-plane activity such as activations and registrations.
	Info(msg string, args ...any)

	// Error logs failures that were handled but should be noted.
	Error(msg string, args ...any)

	// Warn logs degraded operation, for example a fallback substitution.
	Warn(msg string, args ...any)

	// Debug logs diagnostic detail.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps l. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// With returns a logger that adds args to every record.
func (l *SlogLogger) With(args ...any) *SlogLogger {
	return &SlogLogger{logger: l.logger.With(args...)}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

// LoggerOrNop returns l, or a no-op logger when l is nil.
func LoggerOrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
