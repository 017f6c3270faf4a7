// OpenTelemetry tracing for go test runs
// Runs or replays a go test -json stream and records each test as a span under one session span
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andrewh/testotel/pkg/config"
	"github.com/andrewh/testotel/pkg/gotest"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		var exitErr *gotest.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "testotel",
		Short:        "OpenTelemetry tracing for go test runs",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(spansCmd())
	root.AddCommand(versionCmd())

	return root
}

// otelFlags are the session options shared by run and replay.
type otelFlags struct {
	spanFile      string
	debug         bool
	protocol      string
	endpoint      string
	serviceName   string
	headers       string
	dotenvPath    string
	signals       string
	slowThreshold time.Duration
}

// overrideFlags maps flags to the environment keys they override. Only
// flags the user set take part, so unset flags never mask the dotenv file.
var overrideFlags = map[string]string{
	"otel-exporter-protocol": config.EnvProtocol,
	"otel-endpoint":          config.EnvEndpoint,
	"otel-service-name":      config.EnvServiceName,
	"otel-headers":           config.EnvHeaders,
}

func (f *otelFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.spanFile, "otel-span-file-output", "", "write finished spans as a JSON array to this file")
	fs.BoolVar(&f.debug, "otel-debug", false, "print spans to stderr and enable debug logging")
	fs.StringVar(&f.protocol, "otel-exporter-protocol", config.DefaultProtocol, "OTLP protocol (grpc or http/protobuf)")
	fs.StringVar(&f.endpoint, "otel-endpoint", "", "OTLP collector endpoint (e.g. localhost:4317)")
	fs.StringVar(&f.serviceName, "otel-service-name", config.DefaultServiceName, "service.name for the session")
	fs.StringVar(&f.headers, "otel-headers", "", "OTLP exporter headers as key=value,key=value")
	fs.StringVar(&f.dotenvPath, "otel-dotenv-path", config.DefaultDotenvPath, "dotenv file overlaid on the process environment")
	fs.StringVar(&f.signals, "signals", "traces", "comma-separated signals to emit: traces,metrics,logs")
	fs.DurationVar(&f.slowThreshold, "slow-threshold", 0, "emit a warning log for tests slower than this (requires --signals logs)")
}

func (f *otelFlags) options(cmd *cobra.Command, log *zap.Logger) config.Options {
	values := map[string]string{
		"otel-exporter-protocol": f.protocol,
		"otel-endpoint":          f.endpoint,
		"otel-service-name":      f.serviceName,
		"otel-headers":           f.headers,
	}
	overrides := make(map[string]string)
	for flag, key := range overrideFlags {
		if cmd.Flags().Changed(flag) {
			overrides[key] = values[flag]
		}
	}
	return config.Options{
		DotenvPath: f.dotenvPath,
		Overrides:  overrides,
		OutputFile: f.spanFile,
		Debug:      f.debug,
		Logger:     log,
	}
}

func newLogger(w io.Writer, debug bool) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	level := zap.WarnLevel
	if debug {
		level = zap.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core).Named("testotel")
}

func runCmd() *cobra.Command {
	var (
		flags otelFlags
		goBin string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] [-- go test flags and packages]",
		Short: "Run go test and record each test as a span",
		Long: "Run go test -json with the given arguments, echo its output, and record\n" +
			"one session span with a child span per executed test.\n\n" +
			"The exit status mirrors go test's.",
		Example: "  testotel run -- ./...\n" +
			"  testotel run --otel-span-file-output spans.json -- -run TestFoo ./pkg/...",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"./..."}
			}
			return runSession(cmd, &flags, func(sc *sessionContext) error {
				return gotest.Run(sc.ctx, sc.driver, gotest.RunOptions{
					Args:   args,
					Env:    sc.cfg.Environ(),
					GoBin:  goBin,
					Stderr: cmd.ErrOrStderr(),
					Logger: sc.log,
				})
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&goBin, "go", "go", "go command used to run the tests")
	return cmd
}

func replayCmd() *cobra.Command {
	var flags otelFlags

	cmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Record spans from a saved go test -json stream",
		Long:  "Reads a go test -json stream from a file or stdin and records it as if the tests had just run.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0]) //nolint:gosec // user-supplied file path is expected
				if err != nil {
					return fmt.Errorf("opening input: %w", err)
				}
				defer f.Close() //nolint:errcheck // best-effort close on read-only file
				r = f
			}
			return runSession(cmd, &flags, func(sc *sessionContext) error {
				return sc.driver.Consume(sc.ctx, r)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "testotel %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

func warnIgnoredFlags(cmd *cobra.Command, flags *otelFlags) {
	if cmd.Flags().Changed("slow-threshold") && !strings.Contains(flags.signals, "logs") {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Warning: --slow-threshold has no effect without --signals logs")
	}
}
