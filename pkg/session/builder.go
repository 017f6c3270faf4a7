// Span tree builder for an instrumented test session
// Turns session and test lifecycle transitions into a root span with one child per executed test
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Span attribute keys.
const (
	AttrServiceName = "service.name"
	AttrSessionID   = "tests.session.id"
	AttrTestName    = "tests.name"
	AttrPackage     = "tests.package"
	AttrStatus      = "tests.status"
	AttrDuration    = "tests.duration"
	AttrError       = "tests.error"
	AttrTotal       = "tests.suite.total"
	AttrPassed      = "tests.suite.passed"
	AttrFailed      = "tests.suite.failed"
	AttrSuppressed  = "tests.suite.suppressed"
)

// SessionSpanName is the name of the root span.
const SessionSpanName = "Test Suite"

// incompleteMessage is recorded on tests still running when the session ends.
const incompleteMessage = "test did not complete"

var (
	ErrSessionNotStarted = errors.New("session not started")
	ErrSessionStarted    = errors.New("session already started")
	ErrSessionFinished   = errors.New("session already finished")
	ErrTestRunning       = errors.New("test already running")
)

// TestID identifies one test item.
type TestID struct {
	Package string
	Name    string
}

// String returns the test identifier used in span names and tests.name.
func (id TestID) String() string {
	return id.Name
}

// Result is the raw completion of a test as reported by the runner.
type Result struct {
	Signal Signal
	// At is the completion time; zero means now.
	At time.Time
	// Message is failure detail, typically the tail of the test output.
	Message string
}

// PackageTally counts results for one package.
type PackageTally struct {
	Passed     int
	Failed     int
	Suppressed int
}

// Summary is the outcome of a finished session.
type Summary struct {
	SessionID   string
	Passed      int
	Failed      int
	Suppressed  int
	Unstarted   int
	Interrupted int
	Status      StatusCode
	Outcome     Outcome
	Packages    map[string]PackageTally
}

// Executed returns the number of tests that produced a span.
func (s Summary) Executed() int {
	return s.Passed + s.Failed
}

func (s *Summary) count(pkg string, o Outcome) {
	if s.Packages == nil {
		s.Packages = make(map[string]PackageTally)
	}
	t := s.Packages[pkg]
	switch o {
	case OutcomePassed:
		s.Passed++
		t.Passed++
	case OutcomeFailed:
		s.Failed++
		t.Failed++
	case OutcomeSuppressed:
		s.Suppressed++
		t.Suppressed++
	}
	s.Packages[pkg] = t
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	ServiceName string
	// SessionID defaults to a random UUID.
	SessionID string
	Observers []TestObserver
	Logger    *zap.Logger
	// Now defaults to time.Now and supplies zero timestamps.
	Now func() time.Time
}

type state int

const (
	stateIdle state = iota
	stateOpen
	stateClosed
)

type pendingTest struct {
	id    TestID
	start time.Time
}

// Builder maps session lifecycle transitions to spans. Transitions must be
// invoked from a single goroutine, with every test started and finished
// between StartSession and FinishSession.
//
// Test spans are started when their outcome is known, backdated to the
// recorded start time, so suppressed outcomes never produce a span.
type Builder struct {
	tracer trace.Tracer
	opts   BuilderOptions
	log    *zap.Logger

	state      state
	sessionCtx context.Context
	session    trace.Span
	pending    map[TestID]pendingTest
	lastEnd    time.Time
	summary    Summary
}

// NewBuilder creates a Builder that emits spans through tracer.
func NewBuilder(tracer trace.Tracer, opts BuilderOptions) *Builder {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		tracer:  tracer,
		opts:    opts,
		log:     log,
		pending: make(map[TestID]pendingTest),
		summary: Summary{SessionID: opts.SessionID},
	}
}

// SessionSpanContext returns the span context of the session span, or an
// invalid context before StartSession.
func (b *Builder) SessionSpanContext() trace.SpanContext {
	if b.session == nil {
		return trace.SpanContext{}
	}
	return b.session.SpanContext()
}

// Running reports the number of tests started but not yet finished.
func (b *Builder) Running() int {
	return len(b.pending)
}

// StartSession opens the root span.
func (b *Builder) StartSession(ctx context.Context, at time.Time) error {
	switch b.state {
	case stateOpen:
		return ErrSessionStarted
	case stateClosed:
		return ErrSessionFinished
	}

	attrs := []attribute.KeyValue{attribute.String(AttrSessionID, b.opts.SessionID)}
	if b.opts.ServiceName != "" {
		attrs = append(attrs, attribute.String(AttrServiceName, b.opts.ServiceName))
	}
	b.sessionCtx, b.session = b.tracer.Start(ctx, SessionSpanName,
		trace.WithNewRoot(),
		trace.WithSpanKind(KindSession.SpanKind()),
		trace.WithTimestamp(b.at(at)),
		trace.WithAttributes(attrs...),
	)
	b.state = stateOpen
	b.log.Debug("session started", zap.String("session_id", b.opts.SessionID))
	return nil
}

// StartTest records that a test began executing.
func (b *Builder) StartTest(id TestID, at time.Time) error {
	if err := b.requireOpen(); err != nil {
		return err
	}
	if _, running := b.pending[id]; running {
		return fmt.Errorf("%w: %s", ErrTestRunning, id)
	}
	b.pending[id] = pendingTest{id: id, start: b.at(at)}
	return nil
}

// FinishTest classifies the test's result and, for determinate outcomes,
// emits its span as a child of the session span. A test that was never
// started produces no span and does not affect the session status.
func (b *Builder) FinishTest(id TestID, res Result) (Outcome, error) {
	if err := b.requireOpen(); err != nil {
		return OutcomeNone, err
	}
	status, outcome := Classify(res.Signal)

	p, ok := b.pending[id]
	if !ok {
		b.summary.Unstarted++
		b.log.Debug("result for test that never started",
			zap.String("package", id.Package),
			zap.String("test", id.Name),
			zap.Stringer("signal", res.Signal),
		)
		return outcome, nil
	}
	delete(b.pending, id)

	b.summary.count(id.Package, outcome)
	if outcome == OutcomeSuppressed {
		b.log.Debug("suppressed test span",
			zap.String("package", id.Package),
			zap.String("test", id.Name),
			zap.Stringer("signal", res.Signal),
		)
		return outcome, nil
	}

	b.emitTest(p, res.Signal, status, outcome, res.Message, b.at(res.At))
	return outcome, nil
}

// FinishSession closes tests that never finished as failures, sets the
// aggregate status and outcome, and closes the session span last.
func (b *Builder) FinishSession(at time.Time) (Summary, error) {
	if err := b.requireOpen(); err != nil {
		return Summary{}, err
	}
	end := b.at(at)
	if end.Before(b.lastEnd) {
		end = b.lastEnd
	}

	if len(b.pending) > 0 {
		stale := slices.Collect(maps.Values(b.pending))
		slices.SortFunc(stale, func(x, y pendingTest) int {
			if c := x.start.Compare(y.start); c != 0 {
				return c
			}
			return cmp.Or(cmp.Compare(x.id.Package, y.id.Package), cmp.Compare(x.id.Name, y.id.Name))
		})
		// Latest-started first so nested subtests close before their parents.
		for i := len(stale) - 1; i >= 0; i-- {
			p := stale[i]
			delete(b.pending, p.id)
			b.summary.count(p.id.Package, OutcomeFailed)
			b.summary.Interrupted++
			b.log.Warn("test did not complete before session end",
				zap.String("package", p.id.Package),
				zap.String("test", p.id.Name),
			)
			b.emitTest(p, SignalErrored, StatusError, OutcomeFailed, incompleteMessage, end)
		}
	}

	s := &b.summary
	s.Status = StatusOK
	if s.Failed > 0 {
		s.Status = StatusError
	}
	switch {
	case s.Failed > 0:
		s.Outcome = OutcomeFailed
	case s.Passed > 0:
		s.Outcome = OutcomePassed
	default:
		s.Outcome = OutcomeNone
	}

	b.session.SetAttributes(
		attribute.Int(AttrTotal, s.Executed()),
		attribute.Int(AttrPassed, s.Passed),
		attribute.Int(AttrFailed, s.Failed),
		attribute.Int(AttrSuppressed, s.Suppressed),
	)
	if s.Outcome.Determinate() {
		b.session.SetAttributes(attribute.String(AttrStatus, s.Outcome.String()))
	}
	b.session.SetStatus(s.Status.Code(), "")
	b.session.End(trace.WithTimestamp(end))
	b.state = stateClosed

	b.log.Debug("session finished",
		zap.Stringer("status", s.Status),
		zap.Int("passed", s.Passed),
		zap.Int("failed", s.Failed),
		zap.Int("suppressed", s.Suppressed),
	)
	return *s, nil
}

// emitTest starts, annotates and ends a test span in one step.
func (b *Builder) emitTest(p pendingTest, sig Signal, status StatusCode, outcome Outcome, msg string, end time.Time) {
	if end.Before(p.start) {
		end = p.start
	}
	if end.After(b.lastEnd) {
		b.lastEnd = end
	}
	duration := end.Sub(p.start)

	attrs := []attribute.KeyValue{
		attribute.String(AttrTestName, p.id.String()),
		attribute.String(AttrStatus, outcome.String()),
		attribute.Float64(AttrDuration, duration.Seconds()),
	}
	if p.id.Package != "" {
		attrs = append(attrs, attribute.String(AttrPackage, p.id.Package))
	}
	if b.opts.ServiceName != "" {
		attrs = append(attrs, attribute.String(AttrServiceName, b.opts.ServiceName))
	}

	_, span := b.tracer.Start(b.sessionCtx, "Running "+p.id.String(),
		trace.WithSpanKind(KindTest.SpanKind()),
		trace.WithTimestamp(p.start),
		trace.WithAttributes(attrs...),
	)
	if status == StatusError {
		if msg != "" {
			span.SetAttributes(attribute.String(AttrError, msg))
			span.RecordError(errors.New(msg), trace.WithTimestamp(end))
		}
		span.SetStatus(status.Code(), "test "+sig.String())
	} else {
		span.SetStatus(status.Code(), "")
	}
	span.End(trace.WithTimestamp(end))

	if len(b.opts.Observers) > 0 {
		info := TestInfo{
			ID:       p.id,
			Signal:   sig,
			Status:   status,
			Outcome:  outcome,
			Start:    p.start,
			Duration: duration,
			Message:  msg,
		}
		for _, obs := range b.opts.Observers {
			obs.Observe(info)
		}
	}
}

func (b *Builder) requireOpen() error {
	switch b.state {
	case stateIdle:
		return ErrSessionNotStarted
	case stateClosed:
		return ErrSessionFinished
	}
	return nil
}

func (b *Builder) at(t time.Time) time.Time {
	if t.IsZero() {
		return b.opts.Now()
	}
	return t
}
