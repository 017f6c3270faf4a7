// Closed enumerations for span kind, status and outcome, and the outcome classifier
// Maps a test's raw completion signal to the status/outcome pair recorded on its span
package session

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Kind identifies the role of a span in the session tree.
type Kind int

const (
	// KindSession is the single root span of a run.
	KindSession Kind = iota + 1
	// KindTest is a span for one executed test, nested under the session.
	KindTest
)

// SpanKind returns the OpenTelemetry span kind used on the wire.
func (k Kind) SpanKind() trace.SpanKind {
	switch k {
	case KindSession:
		return trace.SpanKindServer
	case KindTest:
		return trace.SpanKindInternal
	default:
		return trace.SpanKindUnspecified
	}
}

func (k Kind) String() string {
	return k.SpanKind().String()
}

// StatusCode is the health of a closed span. The builder only ever sets OK
// or ERROR; Unset is the zero value of a span that has not been closed.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// Code converts to the OpenTelemetry status code.
func (s StatusCode) Code() codes.Code {
	switch s {
	case StatusOK:
		return codes.Ok
	case StatusError:
		return codes.Error
	default:
		return codes.Unset
	}
}

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNSET"
	}
}

// StatusFromCode converts an OpenTelemetry status code.
func StatusFromCode(c codes.Code) StatusCode {
	switch c {
	case codes.Ok:
		return StatusOK
	case codes.Error:
		return StatusError
	default:
		return StatusUnset
	}
}

// Outcome is the normalised pass/fail classification of a test.
type Outcome int

const (
	// OutcomeNone means no determinate outcome; the attribute is omitted.
	OutcomeNone Outcome = iota
	OutcomePassed
	OutcomeFailed
	// OutcomeSuppressed marks skip and expected-failure signals. No test span
	// is produced for it and it never affects the session status.
	OutcomeSuppressed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassed:
		return "passed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSuppressed:
		return "suppressed"
	default:
		return ""
	}
}

// Determinate reports whether the outcome is recorded as a tests.status attribute.
func (o Outcome) Determinate() bool {
	return o == OutcomePassed || o == OutcomeFailed
}

// Signal is the raw completion signal reported by the test runner.
type Signal int

const (
	SignalPassed Signal = iota + 1
	// SignalFailed is an assertion failure.
	SignalFailed
	// SignalErrored is an uncaught error or panic during execution.
	SignalErrored
	SignalSkipped
	// SignalXFailed is an expected failure that ran and failed as expected.
	SignalXFailed
	// SignalXFailNotRun is an expected failure that was not executed.
	SignalXFailNotRun
)

var signalNames = map[Signal]string{
	SignalPassed:      "passed",
	SignalFailed:      "failed",
	SignalErrored:     "errored",
	SignalSkipped:     "skipped",
	SignalXFailed:     "xfailed",
	SignalXFailNotRun: "xfail-not-run",
}

func (s Signal) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return "unknown"
}

// Classify maps a raw signal to the status code and outcome of its span.
// Unknown signals are treated as errors so they cannot pass silently.
func Classify(sig Signal) (StatusCode, Outcome) {
	switch sig {
	case SignalPassed:
		return StatusOK, OutcomePassed
	case SignalFailed, SignalErrored:
		return StatusError, OutcomeFailed
	case SignalSkipped, SignalXFailed, SignalXFailNotRun:
		return StatusUnset, OutcomeSuppressed
	default:
		return StatusError, OutcomeFailed
	}
}
