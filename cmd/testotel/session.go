package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/andrewh/testotel/pkg/config"
	"github.com/andrewh/testotel/pkg/gotest"
	"github.com/andrewh/testotel/pkg/session"
	"github.com/andrewh/testotel/pkg/sink"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// sessionContext is what a feed function needs to drive one session.
type sessionContext struct {
	ctx    context.Context
	cfg    *config.Config
	driver *gotest.Driver
	log    *zap.Logger
}

// runSession resolves configuration, opens the pipelines, lets feed push
// events through the driver, then closes the session and prints a summary.
// The feed error is returned last so go test's exit status survives.
func runSession(cmd *cobra.Command, flags *otelFlags, feed func(*sessionContext) error) error {
	warnIgnoredFlags(cmd, flags)
	log := newLogger(cmd.ErrOrStderr(), flags.debug)
	defer log.Sync() //nolint:errcheck // stderr sync errors are not actionable

	enabled, err := sink.ParseSignals(flags.signals)
	if err != nil {
		return err
	}

	cfg, err := config.Resolve(flags.options(cmd, log))
	if err != nil {
		return err
	}
	if err := cfg.Install(os.Setenv); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinkOpts := sink.Options{
		Logger:      log,
		DebugWriter: cmd.ErrOrStderr(),
		Version:     version,
	}

	var (
		observers []session.TestObserver
		providers []shutdownable
	)
	if enabled[sink.SignalMetrics] {
		mp, err := sink.OpenMetrics(ctx, cfg, sinkOpts)
		if err != nil {
			return fmt.Errorf("creating metric exporter: %w", err)
		}
		if mp != nil {
			providers = append(providers, mp)
			obs, err := session.NewMetricObserver(mp)
			if err != nil {
				shutdownAll(ctx, providers, log)
				return fmt.Errorf("creating metric instruments: %w", err)
			}
			observers = append(observers, obs)
		}
	}
	if enabled[sink.SignalLogs] {
		lp, err := sink.OpenLogs(ctx, cfg, sinkOpts)
		if err != nil {
			shutdownAll(ctx, providers, log)
			return fmt.Errorf("creating log exporter: %w", err)
		}
		if lp != nil {
			observers = append(observers, session.NewLogObserver(lp, flags.slowThreshold))
			providers = append(providers, lp)
		}
	}

	spans, err := sink.Open(ctx, cfg, sinkOpts)
	if err != nil {
		shutdownAll(ctx, providers, log)
		return err
	}

	builder := session.NewBuilder(spans.Tracer(), session.BuilderOptions{
		ServiceName: cfg.ServiceName,
		Observers:   observers,
		Logger:      log,
	})
	driver := gotest.NewDriver(builder, gotest.DriverOptions{
		Output: cmd.OutOrStdout(),
		Logger: log,
	})

	feedErr := feed(&sessionContext{ctx: ctx, cfg: cfg, driver: driver, log: log})

	// Closing the session must not be cut short by an interrupt.
	closeCtx := context.WithoutCancel(ctx)
	summary, err := driver.Finish(closeCtx)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	shutdownAll(closeCtx, providers, log)
	if err := spans.Shutdown(closeCtx); err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), summary, driver.BuildFailures(), spans, cfg)

	var exitErr *gotest.ExitError
	if feedErr != nil && !errors.As(feedErr, &exitErr) {
		log.Warn("test run did not complete", zap.Error(feedErr))
	}
	return feedErr
}

// shutdownable is anything with a Shutdown method (MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts down all items concurrently within sink.ShutdownTimeout.
// Errors are logged individually; a slow item does not block others.
func shutdownAll[S shutdownable](ctx context.Context, items []S, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, sink.ShutdownTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				log.Warn("error shutting down signal provider", zap.Error(err))
			}
		})
	}
	wg.Wait()
}

func printSummary(w io.Writer, s session.Summary, buildFailures []string, spans *sink.Sink, cfg *config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Package", "Passed", "Failed", "Suppressed"})
	for _, pkg := range slices.Sorted(maps.Keys(s.Packages)) {
		tally := s.Packages[pkg]
		name := pkg
		if name == "" {
			name = "(none)"
		}
		t.AppendRow(table.Row{name, tally.Passed, tally.Failed, tally.Suppressed})
	}
	t.AppendFooter(table.Row{"Total", s.Passed, s.Failed, s.Suppressed})
	t.Render()

	outcome := s.Outcome.String()
	if outcome == "" {
		outcome = "no tests"
	}
	_, _ = fmt.Fprintf(w, "Session %s: %s (%s)\n", s.SessionID, s.Status, outcome)
	if s.Interrupted > 0 {
		_, _ = fmt.Fprintf(w, "%d test(s) did not complete\n", s.Interrupted)
	}
	for _, pkg := range buildFailures {
		_, _ = fmt.Fprintf(w, "Build failed: %s\n", pkg)
	}
	switch spans.Mode {
	case sink.ModeFile:
		_, _ = fmt.Fprintf(w, "Spans written to %s\n", spans.File().Path())
	case sink.ModeNetwork:
		_, _ = fmt.Fprintf(w, "Spans exported to %s (%s)\n", cfg.TraceEndpoint(), cfg.Protocol)
	}
}
