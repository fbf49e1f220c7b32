package permission

import (
	"context"

	glog "github.com/goliatone/go-logger/glog"
)

// Logger is the logging contract shared by every package in the module.
type Logger = glog.Logger

// FieldsLogger extends Logger with structured fields.
type FieldsLogger = glog.FieldsLogger

// NopLogger returns a logger that discards everything.
func NopLogger() Logger { return glog.Nop() }

// EnsureLogger returns logger or a no-op logger when nil.
func EnsureLogger(logger Logger) Logger {
	return glog.Ensure(logger)
}

// LoggerFor scopes logger to ctx and attaches fields when the logger supports them.
func LoggerFor(ctx context.Context, logger Logger, fields map[string]any) Logger {
	logger = EnsureLogger(logger)
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if len(fields) == 0 {
		return logger
	}
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}
