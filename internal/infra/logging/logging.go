// Package logging builds the logrus logger shared by venuelink components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	Level  string
	Format string
	// File enables a rotating file sink in addition to stdout.
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	Caller     bool
}

// New builds a logger from opts. LOG_LEVEL overrides the configured level.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()
	level := strings.TrimSpace(opts.Level)
	if env := strings.TrimSpace(os.Getenv("LOG_LEVEL")); env != "" {
		level = env
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	logger.SetLevel(lvl)
	logger.SetReportCaller(opts.Caller)

	prettyCaller := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: prettyCaller,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyCaller,
		})
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	var out io.Writer = os.Stdout
	if file := strings.TrimSpace(opts.File); file != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename: file,
			MaxSize:  maxSize,
			MaxAge:   opts.MaxAgeDays,
			Compress: true,
		})
	}
	logger.SetOutput(out)
	return logger, nil
}

// Discard returns a logger that drops every entry.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Component derives a component-scoped entry, substituting a discard logger for nil.
func Component(base logrus.FieldLogger, component, exchange string) *logrus.Entry {
	if base == nil {
		base = Discard()
	}
	fields := logrus.Fields{"component": component}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	return base.WithFields(fields)
}
