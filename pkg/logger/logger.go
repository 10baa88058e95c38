// Package logger provides context-aware structured logging for skillbox using
// logrus. Components fetch their logger with G(ctx); per-skill and per-invocation
// fields are attached to the context so sandboxed console output, storage
// mutations and migrations all share the same structured fields.
package logger

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// G is a convenience alias for GetLogger.
	G = GetLogger
	// L is the global logger entry used when no logger is attached to the context.
	L = logrus.NewEntry(newLogger())
)

type (
	loggerKey struct{}
)

// WithLogger attaches a logger entry to ctx, making it retrievable via GetLogger.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	e := logger.WithContext(ctx)
	return context.WithValue(ctx, loggerKey{}, e)
}

// WithFields returns a context whose logger carries the given fields in
// addition to the ones already attached.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, G(ctx).WithFields(fields))
}

// ForSkill returns a context whose logger is tagged with the skill id.
func ForSkill(ctx context.Context, skillID string) context.Context {
	return WithFields(ctx, logrus.Fields{"skill_id": skillID})
}

// GetLogger retrieves the logger entry from the context, falling back to the
// global logger L.
func GetLogger(ctx context.Context) *logrus.Entry {
	logger := ctx.Value(loggerKey{})

	if logger == nil {
		return L.WithContext(ctx)
	}

	return logger.(*logrus.Entry)
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	setLoggerFormat(l, "fmt")
	return l
}

// formatters maps log_format values to logrus formatters. "fmt" is the
// terminal format; "text" is the same layout without colors for log files.
var formatters = map[string]func() logrus.Formatter{
	"fmt": func() logrus.Formatter {
		return &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true}
	},
	"text": func() logrus.Formatter {
		return &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true, DisableColors: true}
	},
	"json": func() logrus.Formatter {
		return &logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "logLevel",
				logrus.FieldKeyMsg:   "message",
			},
			TimestampFormat: time.RFC3339Nano,
		}
	},
}

func setLoggerFormat(logger *logrus.Logger, format string) {
	newFormatter, ok := formatters[format]
	if !ok {
		newFormatter = formatters["fmt"]
	}
	logger.Formatter = newFormatter()
}

// Configure applies level and format to the global logger. An empty level
// leaves the current level untouched; an empty format selects "fmt".
func Configure(level, format string) error {
	if _, ok := formatters[format]; !ok && format != "" {
		return errors.Errorf("unknown log format %q, must be one of fmt, text, json", format)
	}
	if level != "" {
		if err := SetLogLevel(level); err != nil {
			return err
		}
	}
	SetLogFormat(format)
	return nil
}

// SetLogLevel sets the log level for the global logger.
func SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	L.Logger.SetLevel(logLevel)
	return nil
}

// SetLogFormat sets the log format for the global logger.
func SetLogFormat(format string) {
	setLoggerFormat(L.Logger, format)
}

// SetLogOutput sets the output destination for the global logger.
func SetLogOutput(w io.Writer) {
	L.Logger.SetOutput(w)
}
