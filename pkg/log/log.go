// Package log owns the process-wide zerolog root. Every component takes a
// child logger from here so queue workers, sweepers, and HTTP handlers all
// emit the same correlation fields (service, component, job_id,
// document_id) and a job can be traced across processes.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// base is the root logger. It defaults to JSON on stdout at info level so
// packages constructed before Setup runs (tests, mostly) still log sanely.
var base = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Options configures the root logger for a process.
type Options struct {
	Service string // stamped on every line, e.g. "ledgerlift-worker"
	Level   string // debug, info, warn, error; unknown values mean info
	Console bool   // human-readable output instead of JSON
	Writer  io.Writer
}

// Setup replaces the root logger. Call it once from main before any
// component loggers are taken.
func Setup(opts Options) {
	out := opts.Writer
	if out == nil {
		out = os.Stdout
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	base = ctx.Logger()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// ForJob returns a logger carrying the job and document correlation ids that
// tie log lines to progress snapshots, audit rows, and cost records.
func ForJob(jobID, documentID string) zerolog.Logger {
	ctx := base.With()
	if jobID != "" {
		ctx = ctx.Str("job_id", jobID)
	}
	if documentID != "" {
		ctx = ctx.Str("document_id", documentID)
	}
	return ctx.Logger()
}

// ForRequest returns a logger for one HTTP request, keyed by the request id
// the API middleware assigns. The id also appears in error envelopes, so a
// client-reported failure can be grepped straight to its log lines.
func ForRequest(requestID string) zerolog.Logger {
	return base.With().Str("request_id", requestID).Logger()
}
