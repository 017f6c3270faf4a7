// Translation of test2json events into session builder transitions
// Tracks per-test output so failures carry the tail of what the test printed
package gotest

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/andrewh/testotel/pkg/session"
	"go.uber.org/zap"
)

const defaultTailLines = 10

// DriverOptions configures a Driver.
type DriverOptions struct {
	// Output receives every output line verbatim. Nil discards.
	Output io.Writer
	Logger *zap.Logger
	// TailLines bounds the failure message attached to failed tests.
	TailLines int
	// Now supplies timestamps for events that carry none.
	Now func() time.Time
}

type testState struct {
	tail     []string
	panicked bool
}

type packageState struct {
	started int
	tail    []string
}

// Driver feeds test2json events into a session builder. It opens the session
// on the first event and must be closed with Finish.
type Driver struct {
	b    *session.Builder
	opts DriverOptions
	log  *zap.Logger

	started  bool
	last     time.Time
	tests    map[session.TestID]*testState
	packages map[string]*packageState
	failed   []string
}

// NewDriver returns a driver for b.
func NewDriver(b *session.Builder, opts DriverOptions) *Driver {
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.TailLines <= 0 {
		opts.TailLines = defaultTailLines
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		b:        b,
		opts:     opts,
		log:      log,
		tests:    make(map[session.TestID]*testState),
		packages: make(map[string]*packageState),
	}
}

// Start opens the session at the given time. Handle calls it implicitly
// with the first event's time.
func (d *Driver) Start(ctx context.Context, at time.Time) error {
	if d.started {
		return nil
	}
	if at.IsZero() {
		at = d.opts.Now()
	}
	if err := d.b.StartSession(ctx, at); err != nil {
		return err
	}
	d.started = true
	d.last = at
	return nil
}

// Consume decodes and handles every event from r. Events the builder
// rejects are logged and skipped.
func (d *Driver) Consume(ctx context.Context, r io.Reader) error {
	dec := NewDecoder(r)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := d.Handle(ctx, ev); err != nil {
			d.log.Warn("ignoring test event",
				zap.String("action", ev.Action),
				zap.String("package", ev.Package),
				zap.String("test", ev.Test),
				zap.Error(err),
			)
		}
	}
}

// Handle applies one event. Untimed output and build events, such as the
// plain-text compiler lines that can lead a captured stream, are handled
// without opening the session, so it starts at the first timed event.
func (d *Driver) Handle(ctx context.Context, ev Event) error {
	if !d.started && ev.Time.IsZero() {
		switch ev.Action {
		case ActionOutput, ActionBuildOutput:
			d.output(ev)
			return nil
		case ActionBuildFail:
			d.buildFailed(ev.ImportPath)
			return nil
		}
	}
	if err := d.Start(ctx, ev.Time); err != nil {
		return err
	}
	if ev.Time.After(d.last) {
		d.last = ev.Time
	}

	switch ev.Action {
	case ActionOutput, ActionBuildOutput:
		d.output(ev)
		return nil
	case ActionBuildFail:
		d.buildFailed(ev.ImportPath)
		return nil
	case ActionRun:
		return d.run(ev)
	case ActionPass, ActionFail, ActionSkip:
		if ev.Test == "" {
			return d.packageDone(ev)
		}
		return d.finish(ev)
	default:
		return nil
	}
}

// Finish closes the session at the time of the last event seen, or now if
// no events arrived.
func (d *Driver) Finish(ctx context.Context) (session.Summary, error) {
	if err := d.Start(ctx, time.Time{}); err != nil {
		return session.Summary{}, err
	}
	return d.b.FinishSession(d.last)
}

// BuildFailures returns the packages that failed without running any test,
// in the order they were reported.
func (d *Driver) BuildFailures() []string {
	return slices.Clone(d.failed)
}

func (d *Driver) output(ev Event) {
	_, _ = io.WriteString(d.opts.Output, ev.Output)

	line := strings.TrimRight(ev.Output, "\r\n")
	if ev.Test == "" {
		if pkg, ok := buildFailedLine(line); ok {
			d.buildFailed(pkg)
		}
	}
	if t, ok := d.tests[session.TestID{Package: ev.Package, Name: ev.Test}]; ok {
		if strings.HasPrefix(strings.TrimSpace(line), "panic: ") {
			t.panicked = true
		}
		if !isFraming(line) {
			t.tail = appendTail(t.tail, line, d.opts.TailLines)
		}
		return
	}
	pkg := ev.Package
	if pkg == "" {
		pkg = ev.ImportPath
	}
	if pkg == "" {
		return
	}
	p := d.pkg(pkg)
	if !isFraming(line) {
		p.tail = appendTail(p.tail, line, d.opts.TailLines)
	}
}

func (d *Driver) run(ev Event) error {
	id := session.TestID{Package: ev.Package, Name: ev.Test}
	d.tests[id] = &testState{}
	d.pkg(ev.Package).started++
	return d.b.StartTest(id, ev.Time)
}

func (d *Driver) finish(ev Event) error {
	id := session.TestID{Package: ev.Package, Name: ev.Test}
	t, ok := d.tests[id]
	if !ok {
		t = &testState{}
	}
	delete(d.tests, id)

	res := session.Result{At: ev.Time}
	switch ev.Action {
	case ActionPass:
		res.Signal = session.SignalPassed
	case ActionSkip:
		res.Signal = session.SignalSkipped
	default:
		res.Signal = session.SignalFailed
		if t.panicked {
			res.Signal = session.SignalErrored
		}
		res.Message = strings.Join(t.tail, "\n")
	}
	_, err := d.b.FinishTest(id, res)
	return err
}

// packageDone handles a package's terminal event. Tests of the package
// still open when its binary exits are closed as errored with the
// package output as their message.
func (d *Driver) packageDone(ev Event) error {
	p := d.pkg(ev.Package)
	if ev.Action != ActionFail {
		return nil
	}
	if p.started == 0 {
		if !slices.Contains(d.failed, ev.Package) {
			d.buildFailed(ev.Package)
		}
		return nil
	}

	var errs []error
	for _, id := range d.openTests(ev.Package) {
		delete(d.tests, id)
		d.log.Debug("closing test left open by package failure",
			zap.String("package", id.Package),
			zap.String("test", id.Name),
		)
		if _, err := d.b.FinishTest(id, session.Result{
			Signal:  session.SignalErrored,
			At:      ev.Time,
			Message: strings.Join(p.tail, "\n"),
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildFailedLine recognises go test's "FAIL\t<pkg> [build failed]" summary,
// which older toolchains print without a build-fail event.
func buildFailedLine(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "FAIL\t")
	if !ok {
		return "", false
	}
	pkg, ok := strings.CutSuffix(rest, " [build failed]")
	if !ok {
		pkg, ok = strings.CutSuffix(rest, " [setup failed]")
	}
	if !ok || pkg == "" || strings.ContainsAny(pkg, " \t") {
		return "", false
	}
	return pkg, true
}

func (d *Driver) buildFailed(pkg string) {
	if pkg == "" || slices.Contains(d.failed, pkg) {
		return
	}
	d.failed = append(d.failed, pkg)
	d.log.Warn("package failed without running tests", zap.String("package", pkg))
}

// openTests returns the package's open tests, most recently started last.
func (d *Driver) openTests(pkg string) []session.TestID {
	var ids []session.TestID
	for id := range d.tests {
		if id.Package == pkg {
			ids = append(ids, id)
		}
	}
	// Subtests sort after their parents and are closed first.
	slices.SortFunc(ids, func(a, b session.TestID) int {
		return strings.Compare(b.Name, a.Name)
	})
	return ids
}

func (d *Driver) pkg(name string) *packageState {
	p, ok := d.packages[name]
	if !ok {
		p = &packageState{}
		d.packages[name] = p
	}
	return p
}

// isFraming reports whether line is test2json's own progress output rather
// than something the test printed.
func isFraming(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range []string{"=== RUN", "=== PAUSE", "=== CONT", "=== NAME", "--- PASS", "--- FAIL", "--- SKIP"} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	switch {
	case trimmed == "":
		return true
	case trimmed == "PASS", trimmed == "FAIL":
		return true
	case strings.HasPrefix(trimmed, "ok  \t"), strings.HasPrefix(trimmed, "FAIL\t"):
		return true
	}
	return false
}

func appendTail(tail []string, line string, limit int) []string {
	tail = append(tail, line)
	if len(tail) > limit {
		tail = slices.Delete(tail, 0, len(tail)-limit)
	}
	return tail
}
