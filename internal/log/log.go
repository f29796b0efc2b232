// Package log is a small, severity-leveled logging package in the shape of
// the teacher's pkg/util/log: a package-level surface (Infof, Warningf,
// Errorf, Fatalf) backed by a single process-wide logger, redaction-aware
// formatting via cockroachdb/redact (structured.go's FormatWithContextTags
// and log_bridge.go's use of redact.Sprintf/redact.RedactableString), and a
// SetExitFunc override for Fatalf's termination behavior (exit_override.go's
// SetExitFunc/ResetExitFunc, used there — and here — so tests can observe a
// fatal call without killing the test binary). This package does not carry
// over the teacher's channel/redaction-policy/crash-reporting machinery
// (logpb, channel, settings, sendCrashReport): those are tied to a
// multi-process cluster deployment outside this module's scope.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/redact"
)

// Severity mirrors the teacher's logpb.Severity levels this package
// actually emits.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARN"
	case SeverityError:
		return "ERROR"
	case SeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

var mu sync.Mutex
var out io.Writer = os.Stderr

// exitOverride mirrors exit_override.go's logging.mu.exitOverride: the
// function SetExitFunc installs in place of os.Exit for Fatalf. nil means
// "exit for real".
var exitOverride func(code int)

// SetOutput redirects where log lines are written, e.g. to a buffer in a
// test that wants to assert on log content. The zero value is os.Stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetExitFunc installs f in place of os.Exit(2) for subsequent Fatalf
// calls, the same override exit_override.go's SetExitFunc provides so a
// test can turn a fatal, process-terminating invariant violation into an
// observable panic or recorded call instead of killing the test binary.
// Call with nil to undo (ResetExitFunc there, re-calling SetExitFunc(nil)
// here).
func SetExitFunc(f func(code int)) {
	mu.Lock()
	defer mu.Unlock()
	exitOverride = f
}

func emit(sev Severity, msg string) {
	mu.Lock()
	w, override := out, exitOverride
	mu.Unlock()

	fmt.Fprintf(w, "%s: %s\n", sev, msg)

	if sev == SeverityFatal {
		if override != nil {
			override(2)
			return
		}
		os.Exit(2)
	}
}

// Infof logs at info severity.
func Infof(format string, args ...interface{}) {
	emit(SeverityInfo, redact.Sprintf(format, args...).StripMarkers())
}

// Warningf logs at warn severity.
func Warningf(format string, args ...interface{}) {
	emit(SeverityWarning, redact.Sprintf(format, args...).StripMarkers())
}

// Errorf logs at error severity.
func Errorf(format string, args ...interface{}) {
	emit(SeverityError, redact.Sprintf(format, args...).StripMarkers())
}

// Fatalf logs at fatal severity and terminates the process (or calls the
// function installed by SetExitFunc). This is spec.md's "fatal invariants"
// stand-in (a statement id committed at two different write positions, an
// illegal strict state transition): unrecoverable process-termination
// conditions, not errors to propagate to a caller.
func Fatalf(format string, args ...interface{}) {
	emit(SeverityFatal, redact.Sprintf(format, args...).StripMarkers())
}
