package gotest

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/andrewh/testotel/pkg/semconv"
	"github.com/andrewh/testotel/pkg/session"
	"github.com/andrewh/testotel/pkg/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var streamStart = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// stream renders events as test2json lines, one second apart.
func stream(events ...Event) string {
	var b strings.Builder
	for i, ev := range events {
		ev.Time = streamStart.Add(time.Duration(i) * time.Second)
		b.WriteString(mustJSON(ev))
		b.WriteByte('\n')
	}
	return b.String()
}

func run(pkg, test string) Event { return Event{Action: ActionRun, Package: pkg, Test: test} }
func out(pkg, test, line string) Event {
	return Event{Action: ActionOutput, Package: pkg, Test: test, Output: line + "\n"}
}
func pass(pkg, test string) Event { return Event{Action: ActionPass, Package: pkg, Test: test} }
func fail(pkg, test string) Event { return Event{Action: ActionFail, Package: pkg, Test: test} }
func skip(pkg, test string) Event { return Event{Action: ActionSkip, Package: pkg, Test: test} }

type harness struct {
	driver   *Driver
	exporter *tracetest.InMemoryExporter
	output   *bytes.Buffer
	logs     *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	core, logs := observer.New(zapcore.DebugLevel)
	b := session.NewBuilder(tp.Tracer("test"), session.BuilderOptions{ServiceName: "svc"})
	var output bytes.Buffer
	d := NewDriver(b, DriverOptions{Output: &output, Logger: zap.New(core)})
	return &harness{driver: d, exporter: exporter, output: &output, logs: logs}
}

func (h *harness) replay(t *testing.T, input string) session.Summary {
	t.Helper()
	require.NoError(t, h.driver.Consume(context.Background(), strings.NewReader(input)))
	summary, err := h.driver.Finish(context.Background())
	require.NoError(t, err)
	return summary
}

func spanByName(t *testing.T, spans tracetest.SpanStubs, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range spans {
		if s.Name == name {
			return s
		}
	}
	require.Failf(t, "span not found", "no span named %q", name)
	return tracetest.SpanStub{}
}

func attr(s tracetest.SpanStub, key string) string {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

const appPkg = "example.com/app"

func TestDriverMixedPackage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	summary := h.replay(t, stream(
		Event{Action: ActionStart, Package: appPkg},
		run(appPkg, "TestPass"),
		out(appPkg, "TestPass", "=== RUN   TestPass"),
		out(appPkg, "TestPass", "--- PASS: TestPass (0.00s)"),
		pass(appPkg, "TestPass"),
		run(appPkg, "TestFail"),
		out(appPkg, "TestFail", "=== RUN   TestFail"),
		out(appPkg, "TestFail", "    app_test.go:10: expected 1, got 2"),
		out(appPkg, "TestFail", "--- FAIL: TestFail (0.00s)"),
		fail(appPkg, "TestFail"),
		run(appPkg, "TestSkip"),
		out(appPkg, "TestSkip", "    app_test.go:20: needs network"),
		skip(appPkg, "TestSkip"),
		run(appPkg, "TestPanic"),
		out(appPkg, "TestPanic", "--- FAIL: TestPanic (0.00s)"),
		out(appPkg, "TestPanic", "panic: boom [recovered]"),
		out(appPkg, "TestPanic", "\tpanic: boom"),
		fail(appPkg, "TestPanic"),
		run(appPkg, "TestSub"),
		run(appPkg, "TestSub/one"),
		pass(appPkg, "TestSub/one"),
		run(appPkg, "TestSub/two"),
		out(appPkg, "TestSub/two", "    app_test.go:40: mismatch"),
		fail(appPkg, "TestSub/two"),
		fail(appPkg, "TestSub"),
		out(appPkg, "", "FAIL"),
		fail(appPkg, ""),
	))

	assert.Equal(t, 2, summary.Passed)
	assert.Equal(t, 4, summary.Failed)
	assert.Equal(t, 1, summary.Suppressed)
	assert.Equal(t, session.StatusError, summary.Status)
	assert.Empty(t, h.driver.BuildFailures())

	spans := h.exporter.GetSpans()
	require.Len(t, spans, 7)
	root := spans[len(spans)-1]
	assert.Equal(t, session.SessionSpanName, root.Name)
	assert.Equal(t, streamStart, root.StartTime)
	assert.Equal(t, streamStart.Add(26*time.Second), root.EndTime)

	passed := spanByName(t, spans, "Running TestPass")
	assert.Equal(t, codes.Ok, passed.Status.Code)
	assert.Equal(t, streamStart.Add(1*time.Second), passed.StartTime)
	assert.Equal(t, streamStart.Add(4*time.Second), passed.EndTime)

	failed := spanByName(t, spans, "Running TestFail")
	assert.Equal(t, codes.Error, failed.Status.Code)
	assert.Equal(t, "test failed", failed.Status.Description)
	assert.Equal(t, "    app_test.go:10: expected 1, got 2", attr(failed, session.AttrError))

	panicked := spanByName(t, spans, "Running TestPanic")
	assert.Equal(t, "test errored", panicked.Status.Description)
	assert.Contains(t, attr(panicked, session.AttrError), "panic: boom [recovered]")

	assert.Equal(t, codes.Ok, spanByName(t, spans, "Running TestSub/one").Status.Code)
	assert.Equal(t, codes.Error, spanByName(t, spans, "Running TestSub/two").Status.Code)
	assert.Equal(t, codes.Error, spanByName(t, spans, "Running TestSub").Status.Code)

	for _, s := range spans[:len(spans)-1] {
		assert.Equal(t, root.SpanContext.SpanID(), s.Parent.SpanID())
		assert.Equal(t, appPkg, attr(s, session.AttrPackage))
		assert.NotEqual(t, "Running TestSkip", s.Name)
	}

	assert.Contains(t, h.output.String(), "=== RUN   TestPass\n")
	assert.Contains(t, h.output.String(), "needs network")
}

func TestDriverBuildFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	input := `{"ImportPath":"example.com/broken","Action":"build-output","Output":"# example.com/broken\n"}
{"ImportPath":"example.com/broken","Action":"build-output","Output":"./x.go:3:1: syntax error\n"}
{"ImportPath":"example.com/broken","Action":"build-fail"}
` + stream(
		Event{Action: ActionStart, Package: "example.com/broken"},
		out("example.com/broken", "", "FAIL\texample.com/broken [build failed]"),
		Event{Action: ActionFail, Package: "example.com/broken", FailedBuild: "example.com/broken"},
		Event{Action: ActionStart, Package: appPkg},
		run(appPkg, "TestOK"),
		pass(appPkg, "TestOK"),
		pass(appPkg, ""),
	)
	summary := h.replay(t, input)

	assert.Equal(t, []string{"example.com/broken"}, h.driver.BuildFailures())
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, session.StatusOK, summary.Status)
	assert.Len(t, h.exporter.GetSpans(), 2)
	assert.Contains(t, h.output.String(), "syntax error")
	assert.Equal(t, 1, h.logs.FilterMessage("package failed without running tests").Len())
}

func TestDriverPackageCrashClosesOpenTests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	summary := h.replay(t, stream(
		run(appPkg, "TestHang"),
		run(appPkg, "TestHang/inner"),
		out(appPkg, "", "panic: test timed out after 1s"),
		out(appPkg, "", "FAIL\texample.com/app\t1.005s"),
		fail(appPkg, ""),
	))

	assert.Equal(t, 2, summary.Failed)
	assert.Zero(t, summary.Interrupted, "closed by the package failure, not at session end")

	spans := h.exporter.GetSpans()
	require.Len(t, spans, 3)
	assert.Equal(t, "Running TestHang/inner", spans[0].Name)
	assert.Equal(t, "Running TestHang", spans[1].Name)
	for _, s := range spans[:2] {
		assert.Equal(t, "test errored", s.Status.Description)
		assert.Equal(t, "panic: test timed out after 1s", attr(s, session.AttrError))
	}
}

func TestDriverTruncatedStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	summary := h.replay(t, stream(
		run(appPkg, "TestA"),
		pass(appPkg, "TestA"),
		run(appPkg, "TestB"),
	))

	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Interrupted)
}

func TestDriverEmptyStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	summary := h.replay(t, "")

	assert.Equal(t, session.StatusOK, summary.Status)
	assert.Equal(t, session.OutcomeNone, summary.Outcome)
	require.Len(t, h.exporter.GetSpans(), 1)
}

func TestDriverRejectedEventIsLogged(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.replay(t, stream(
		run(appPkg, "TestA"),
		run(appPkg, "TestA"),
		pass(appPkg, "TestA"),
	))
	assert.Equal(t, 1, h.logs.FilterMessage("ignoring test event").Len())
	assert.Len(t, h.exporter.GetSpans(), 2)
}

func TestDriverTailLimit(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	d := NewDriver(session.NewBuilder(tp.Tracer("test"), session.BuilderOptions{}), DriverOptions{TailLines: 2})

	events := []Event{run(appPkg, "TestNoisy")}
	for _, line := range []string{"one", "two", "three", "four"} {
		events = append(events, out(appPkg, "TestNoisy", line))
	}
	events = append(events, fail(appPkg, "TestNoisy"))
	require.NoError(t, d.Consume(context.Background(), strings.NewReader(stream(events...))))
	_, err := d.Finish(context.Background())
	require.NoError(t, err)

	s := spanByName(t, exporter.GetSpans(), "Running TestNoisy")
	assert.Equal(t, "three\nfour", attr(s, session.AttrError))
}

func TestIsFraming(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"=== RUN   TestA", "    --- FAIL: TestA/sub (0.00s)", "PASS", "FAIL", "ok  \texample.com/app\t0.01s", "FAIL\texample.com/app\t0.01s", "  "} {
		assert.True(t, isFraming(line), line)
	}
	for _, line := range []string{"    app_test.go:10: boom", "panic: boom", "FAILED to connect"} {
		assert.False(t, isFraming(line), line)
	}
}

func TestDriverLeadingPlainTextBuildOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	input := "# example.com/c\n" +
		"c/c.go:3:9: undefined: missing\n" +
		"FAIL\texample.com/c [build failed]\n" +
		stream(
			Event{Action: ActionStart, Package: appPkg},
			run(appPkg, "TestA"),
			pass(appPkg, "TestA"),
			run(appPkg, "TestB"),
			fail(appPkg, "TestB"),
			fail(appPkg, ""),
		)
	summary := h.replay(t, input)

	assert.Equal(t, []string{"example.com/c"}, h.driver.BuildFailures())
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, h.output.String(), "undefined: missing")

	spans := h.exporter.GetSpans()
	require.Len(t, spans, 3)
	root := spans[2]
	assert.Equal(t, session.SessionSpanName, root.Name)
	assert.True(t, root.StartTime.Equal(streamStart), "session starts at the first timed event, got %v", root.StartTime)
	assert.True(t, root.EndTime.Equal(streamStart.Add(5*time.Second)))

	records := make([]sink.Record, 0, len(spans))
	for _, s := range spans {
		records = append(records, sink.NewRecord(s.Snapshot()))
	}
	conv, err := semconv.LoadEmbedded()
	require.NoError(t, err)
	results := sink.Verify(records, conv)
	assert.False(t, sink.Failed(results), "%+v", results)
}

func TestBuildFailedLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		pkg  string
		ok   bool
	}{
		{"FAIL\texample.com/c [build failed]", "example.com/c", true},
		{"FAIL\texample.com/c [setup failed]", "example.com/c", true},
		{"FAIL\texample.com/app\t1.005s", "", false},
		{"FAIL", "", false},
		{"--- FAIL: TestB (0.00s)", "", false},
	}
	for _, tt := range tests {
		pkg, ok := buildFailedLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.pkg, pkg, tt.line)
	}
}

func TestDriverBuildFailedLineWithoutEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.replay(t, stream(
		out("", "", "FAIL\texample.com/old [build failed]"),
		Event{Action: ActionStart, Package: appPkg},
		run(appPkg, "TestA"),
		pass(appPkg, "TestA"),
		pass(appPkg, ""),
	))

	assert.Equal(t, []string{"example.com/old"}, h.driver.BuildFailures())
	assert.Len(t, h.exporter.GetSpans(), 2)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
