// Package logging builds the process logger.
package logging

import (
	"io"
	"log"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"go.opentelemetry.io/otel"
)

// New returns a logr.Logger writing stdlib-log lines to out. Messages at
// V(n) are printed when n <= verbosity.
func New(out io.Writer, name string, verbosity int) logr.Logger {
	std := log.New(out, "", log.LstdFlags|log.Lmsgprefix)
	stdr.SetVerbosity(verbosity)
	logger := stdr.NewWithOptions(std, stdr.Options{LogCaller: stdr.None})
	if name != "" {
		logger = logger.WithName(name)
	}
	return logger
}

// Install routes OpenTelemetry's internal diagnostics to logger.
func Install(logger logr.Logger) {
	otel.SetLogger(logger.WithName("otel"))
}
