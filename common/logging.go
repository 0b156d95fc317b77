// Package common holds process-wide helpers shared by all binaries: logger setup and version information.
package common

import (
	"log/slog"
	"os"
)

var (
	// Version is overridden at build time with -ldflags "-X .../common.Version=..."
	Version = "dev"

	// PackageName is used as the metrics namespace and the default service tag.
	PackageName = "rps"
)

// LoggingOpts configures the process logger.
type LoggingOpts struct {
	// Debug enables debug level messages.
	Debug bool

	// JSON switches the handler from text to JSON output.
	JSON bool

	// Service is added to every record as the "service" attribute.
	Service string

	// Version is added to every record as the "version" attribute.
	Version string
}

// SetupLogger builds a slog logger writing to stdout according to opts.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}
