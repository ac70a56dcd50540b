package pgas

import (
	"fmt"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logging interface used throughout the runtime:
// VERBOSE diagnostics, assertion-failure reports and quiescence warnings all
// go through it rather than fmt.Fprintln directly. Callers may substitute
// their own implementation via SetLogger before calling Init.
type Logger interface {
	// Infof logs an informational message, e.g. a persona lifecycle event.
	Infof(format string, args ...any)
	// Debugf logs a verbose diagnostic, gated on VERBOSE by the default
	// implementation.
	Debugf(format string, args ...any)
	// Errorf logs an error that does not itself abort the process, such as
	// a QuiescenceWarning.
	Errorf(format string, args ...any)
	// IsVerbose reports whether Debugf output is currently enabled, so
	// callers can skip formatting work on the hot path.
	IsVerbose() bool
}

// logifaceLogger adapts a github.com/joeycumines/logiface Logger, backed by
// the github.com/joeycumines/stumpy zero-allocation JSON writer, to the
// Logger interface above. Init installs it, writing to stderr, when VERBOSE
// is set and no other Logger was configured, so that VERBOSE diagnostics
// are emitted through a real structured-logging library.
type logifaceLogger struct {
	l       *logiface.Logger[*stumpy.Event]
	verbose bool
}

// newDefaultLogger constructs the logiface+stumpy backed default Logger,
// writing newline-delimited JSON to w at the given minimum level.
func newDefaultLogger(w *os.File, verbose bool) *logifaceLogger {
	level := logiface.LevelInformational
	if verbose {
		level = logiface.LevelDebug
	}
	return &logifaceLogger{
		l: stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(w)),
			stumpy.L.WithLevel(level),
		),
		verbose: verbose,
	}
}

func (d *logifaceLogger) Infof(format string, args ...any) {
	d.l.Info().Log(formatMessage(format, args))
}

func (d *logifaceLogger) Debugf(format string, args ...any) {
	d.l.Debug().Log(formatMessage(format, args))
}

func (d *logifaceLogger) Errorf(format string, args ...any) {
	d.l.Err().Log(formatMessage(format, args))
}

func (d *logifaceLogger) IsVerbose() bool { return d.verbose }

func formatMessage(format string, args []any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// global logger state, mirroring the eventloop package's pattern of a single
// process-wide pluggable logger guarded by a RWMutex rather than an atomic
// pointer, since swaps are rare (typically once, at Init) but reads happen
// on every progress-loop iteration under VERBOSE.
var (
	globalLoggerMu sync.RWMutex
	globalLogger   Logger = &noOpLogger{}
)

// SetLogger installs l as the process-wide logger. It must be called before
// Init to take effect for startup diagnostics; it may also be called later
// to redirect logging at runtime. Passing nil restores the no-op logger.
func SetLogger(l Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if l == nil {
		l = &noOpLogger{}
	}
	globalLogger = l
}

func getLogger() Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

type noOpLogger struct{}

func (*noOpLogger) Infof(string, ...any)  {}
func (*noOpLogger) Debugf(string, ...any) {}
func (*noOpLogger) Errorf(string, ...any) {}
func (*noOpLogger) IsVerbose() bool       { return false }
