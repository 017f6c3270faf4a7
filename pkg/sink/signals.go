// Optional metric and log pipelines derived from test results
// Built only when a collector endpoint is configured or debug output is requested
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andrewh/testotel/pkg/config"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Signal names accepted by ParseSignals.
const (
	SignalTraces  = "traces"
	SignalMetrics = "metrics"
	SignalLogs    = "logs"
)

var validSignals = map[string]bool{
	SignalTraces:  true,
	SignalMetrics: true,
	SignalLogs:    true,
}

// ParseSignals parses a comma-separated list of signal names.
func ParseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, metrics, logs", sig)
		}
		set[sig] = true
	}
	return set, nil
}

// OpenMetrics returns a meter provider exporting to the configured
// collector, or to the debug writer in debug mode. It returns nil when
// neither applies, in which case no metrics are derived.
func OpenMetrics(ctx context.Context, cfg *config.Config, opts Options) (*sdkmetric.MeterProvider, error) {
	exporter, err := newMetricExporter(ctx, cfg, opts)
	if err != nil || exporter == nil {
		return nil, err
	}
	res, err := newResource(ctx, cfg, opts.Version)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}

// OpenLogs returns a logger provider exporting to the configured collector,
// or to the debug writer in debug mode. It returns nil when neither applies.
func OpenLogs(ctx context.Context, cfg *config.Config, opts Options) (*sdklog.LoggerProvider, error) {
	exporter, err := newLogExporter(ctx, cfg, opts)
	if err != nil || exporter == nil {
		return nil, err
	}
	res, err := newResource(ctx, cfg, opts.Version)
	if err != nil {
		return nil, err
	}
	var processor sdklog.Processor
	if cfg.Endpoint == "" {
		processor = sdklog.NewSimpleProcessor(exporter)
	} else {
		processor = sdklog.NewBatchProcessor(exporter)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(processor),
		sdklog.WithResource(res),
	), nil
}

func debugWriter(opts Options) io.Writer {
	if opts.DebugWriter != nil {
		return opts.DebugWriter
	}
	return os.Stderr
}

func newMetricExporter(ctx context.Context, cfg *config.Config, opts Options) (sdkmetric.Exporter, error) {
	timeout := exportTimeout(opts)
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Debug {
			return stdoutmetric.New(stdoutmetric.WithWriter(debugWriter(opts)))
		}
		return nil, nil
	}
	switch cfg.Protocol {
	case config.ProtocolGRPC:
		grpcOpts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithHeaders(cfg.Headers),
			otlpmetricgrpc.WithTimeout(timeout),
			otlpmetricgrpc.WithRetry(otlpmetricgrpc.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsedTime:  timeout,
			}),
		}
		if strings.Contains(endpoint, "://") {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpointURL(endpoint))
		} else {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, grpcOpts...)
	case config.ProtocolHTTPProtobuf:
		httpOpts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithHeaders(cfg.Headers),
			otlpmetrichttp.WithTimeout(timeout),
			otlpmetrichttp.WithRetry(otlpmetrichttp.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsedTime:  timeout,
			}),
		}
		if strings.Contains(endpoint, "://") {
			u, err := signalURL(endpoint, "/v1/metrics")
			if err != nil {
				return nil, err
			}
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpointURL(u))
		} else {
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q for metrics", cfg.Protocol)
	}
}

func newLogExporter(ctx context.Context, cfg *config.Config, opts Options) (sdklog.Exporter, error) {
	timeout := exportTimeout(opts)
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Debug {
			return stdoutlog.New(stdoutlog.WithWriter(debugWriter(opts)))
		}
		return nil, nil
	}
	switch cfg.Protocol {
	case config.ProtocolGRPC:
		grpcOpts := []otlploggrpc.Option{
			otlploggrpc.WithHeaders(cfg.Headers),
			otlploggrpc.WithTimeout(timeout),
			otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsedTime:  timeout,
			}),
		}
		if strings.Contains(endpoint, "://") {
			grpcOpts = append(grpcOpts, otlploggrpc.WithEndpointURL(endpoint))
		} else {
			grpcOpts = append(grpcOpts, otlploggrpc.WithEndpoint(endpoint), otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, grpcOpts...)
	case config.ProtocolHTTPProtobuf:
		httpOpts := []otlploghttp.Option{
			otlploghttp.WithHeaders(cfg.Headers),
			otlploghttp.WithTimeout(timeout),
			otlploghttp.WithRetry(otlploghttp.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsedTime:  timeout,
			}),
		}
		if strings.Contains(endpoint, "://") {
			u, err := signalURL(endpoint, "/v1/logs")
			if err != nil {
				return nil, err
			}
			httpOpts = append(httpOpts, otlploghttp.WithEndpointURL(u))
		} else {
			httpOpts = append(httpOpts, otlploghttp.WithEndpoint(endpoint), otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q for logs", cfg.Protocol)
	}
}
