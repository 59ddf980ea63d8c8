// Package logging provides structured logging for the harvest service.
// It wraps logrus with field chaining and context propagation helpers.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry so call sites can chain fields without
// touching logrus directly.
type Logger struct {
	entry *logrus.Entry
}

// Config holds logger configuration.
type Config struct {
	Level   string    // debug, info, warn, error
	Format  string    // json, text
	Output  io.Writer // defaults to os.Stdout
	Service string    // service name attached to every entry
}

// New creates a logger from the given configuration.
func New(cfg *Config) *Logger {
	base := logrus.New()

	if cfg != nil && cfg.Output != nil {
		base.SetOutput(cfg.Output)
	} else {
		base.SetOutput(os.Stdout)
	}

	level := logrus.InfoLevel
	if cfg != nil {
		if parsed, err := logrus.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	base.SetLevel(level)

	if cfg != nil && cfg.Format == "text" {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	}

	entry := logrus.NewEntry(base)
	if cfg != nil && cfg.Service != "" {
		entry = entry.WithField("service", cfg.Service)
	}

	return &Logger{entry: entry}
}

// WithField returns a logger with one additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// WithJob returns a logger tagged with job and tenant identifiers.
func (l *Logger) WithJob(jobID, tenantID string) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields{
		"job_id":    jobID,
		"tenant_id": tenantID,
	})}
}

func (l *Logger) Debug(msg string)                          { l.entry.Debug(msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(msg string)                           { l.entry.Info(msg) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(msg string)                          { l.entry.Error(msg) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logger) Fatal(msg string)                          { l.entry.Fatal(msg) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// SetOutput redirects log output, primarily for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

type loggerKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext retrieves the logger from the context, falling back to
// the default logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return Default()
}

var defaultLogger = New(nil)

// Default returns the process-wide default logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(logger *Logger) {
	if logger != nil {
		defaultLogger = logger
	}
}
