// Span sink selection and trace pipeline construction
// Routes finished spans to a JSON file, an OTLP collector, or a non-failing in-memory exporter
package sink

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/andrewh/testotel/pkg/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Mode is the delivery mode selected for a session.
type Mode int

const (
	ModeMemory Mode = iota
	ModeFile
	ModeNetwork
)

func (m Mode) String() string {
	switch m {
	case ModeFile:
		return "file"
	case ModeNetwork:
		return "network"
	default:
		return "memory"
	}
}

const (
	defaultExportTimeout = 10 * time.Second
	instrumentationName  = "github.com/andrewh/testotel"
)

// ShutdownTimeout bounds the flush of each signal pipeline at exit.
const ShutdownTimeout = 5 * time.Second

// Options tunes Open beyond what the Config carries.
type Options struct {
	Logger *zap.Logger
	// DebugWriter receives stdouttrace output when the config has Debug set.
	// Defaults to os.Stderr.
	DebugWriter io.Writer
	// ExportTimeout bounds each network export. Defaults to 10s.
	ExportTimeout time.Duration
	Version       string
}

// Sink owns the tracer provider for one session.
type Sink struct {
	Mode Mode

	provider *sdktrace.TracerProvider
	file     *FileExporter
	memory   *tracetest.InMemoryExporter
	log      *zap.Logger
}

// Open selects the delivery mode from cfg: a file when an output path is
// set, the network when a trace endpoint is set, and memory otherwise. The
// memory mode performs no I/O. An unwritable output path is returned as an
// error wrapping ErrUnwritable.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Sink, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	opts.ExportTimeout = exportTimeout(opts)

	res, err := newResource(ctx, cfg, opts.Version)
	if err != nil {
		return nil, err
	}

	s := &Sink{log: log}
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	switch {
	case cfg.OutputFile != "":
		s.Mode = ModeFile
		s.file, err = NewFileExporter(cfg.OutputFile)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithSyncer(s.file))
	case cfg.TraceEndpoint() != "":
		s.Mode = ModeNetwork
		exp, expErr := newNetworkExporter(ctx, cfg, opts.ExportTimeout)
		if expErr != nil {
			return nil, fmt.Errorf("creating %s trace exporter: %w", cfg.Protocol, expErr)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp, sdktrace.WithExportTimeout(opts.ExportTimeout)))
	default:
		s.Mode = ModeMemory
		s.memory = tracetest.NewInMemoryExporter()
		tpOpts = append(tpOpts, sdktrace.WithSyncer(s.memory))
	}

	if cfg.Debug {
		w := opts.DebugWriter
		if w == nil {
			w = os.Stderr
		}
		debugExp, dErr := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if dErr != nil {
			return nil, fmt.Errorf("creating debug exporter: %w", dErr)
		}
		tpOpts = append(tpOpts, sdktrace.WithSyncer(debugExp))
	}

	s.provider = sdktrace.NewTracerProvider(tpOpts...)
	log.Debug("span sink opened",
		zap.Stringer("mode", s.Mode),
		zap.String("protocol", cfg.Protocol),
		zap.String("endpoint", cfg.TraceEndpoint()),
		zap.String("output", cfg.OutputFile),
	)
	return s, nil
}

// Tracer returns the tracer spans are created with.
func (s *Sink) Tracer() trace.Tracer {
	return s.provider.Tracer(instrumentationName)
}

// Provider returns the underlying tracer provider.
func (s *Sink) Provider() *sdktrace.TracerProvider {
	return s.provider
}

// File returns the file exporter in ModeFile, nil otherwise.
func (s *Sink) File() *FileExporter {
	return s.file
}

// Memory returns the in-memory exporter in ModeMemory, nil otherwise.
func (s *Sink) Memory() *tracetest.InMemoryExporter {
	return s.memory
}

// Shutdown flushes and closes the pipeline within a bounded time. Spans that
// cannot be delivered in time are dropped. In ModeFile the returned error
// reports a failed write of the span file; network delivery errors are only
// logged.
func (s *Sink) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	err := s.provider.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if s.Mode == ModeFile {
		return fmt.Errorf("shutting down span sink: %w", err)
	}
	s.log.Warn("spans may have been dropped", zap.Stringer("mode", s.Mode), zap.Error(err))
	return nil
}

func newResource(ctx context.Context, cfg *config.Config, version string) (*resource.Resource, error) {
	attrs := make([]attribute.KeyValue, 0, len(cfg.ResourceAttributes)+2)
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	attrs = append(attrs, attribute.String("service.name", cfg.ServiceName))
	if version != "" {
		attrs = append(attrs, attribute.String("testotel.version", version))
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	return res, nil
}

// newNetworkExporter builds an OTLP trace exporter for cfg's protocol with a
// bounded per-export timeout and bounded retry.
func newNetworkExporter(ctx context.Context, cfg *config.Config, timeout time.Duration) (sdktrace.SpanExporter, error) {
	endpoint := cfg.TraceEndpoint()
	hasScheme := strings.Contains(endpoint, "://")

	switch cfg.Protocol {
	case config.ProtocolGRPC:
		grpcOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithTimeout(timeout),
			otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsedTime:  timeout,
			}),
		}
		if hasScheme {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpointURL(endpoint))
		} else {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	case config.ProtocolHTTPProtobuf:
		httpOpts := []otlptracehttp.Option{
			otlptracehttp.WithTimeout(timeout),
			otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsedTime:  timeout,
			}),
		}
		if hasScheme {
			u, err := httpTraceURL(endpoint, cfg.TracesEndpoint != "")
			if err != nil {
				return nil, err
			}
			httpOpts = append(httpOpts, otlptracehttp.WithEndpointURL(u))
		} else {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			httpOpts = append(httpOpts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, httpOpts...)
	default:
		return nil, config.ValidateProtocol(cfg.Protocol)
	}
}

func exportTimeout(opts Options) time.Duration {
	if opts.ExportTimeout <= 0 {
		return defaultExportTimeout
	}
	return opts.ExportTimeout
}

// httpTraceURL appends the OTLP traces path to a generic endpoint. A
// signal-specific endpoint is used as given.
func httpTraceURL(endpoint string, signalSpecific bool) (string, error) {
	if signalSpecific {
		if _, err := url.Parse(endpoint); err != nil {
			return "", fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
		}
		return endpoint, nil
	}
	return signalURL(endpoint, "/v1/traces")
}

// signalURL joins a generic OTLP/HTTP endpoint with a signal path.
func signalURL(endpoint, signalPath string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + signalPath
	return u.String(), nil
}
