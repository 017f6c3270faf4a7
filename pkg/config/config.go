// Effective configuration for one instrumented test session
// Layers process env, a dotenv overlay, and explicit options into a single immutable Config
package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Standard OpenTelemetry environment variables read by the resolver.
const (
	EnvServiceName        = "OTEL_SERVICE_NAME"
	EnvProtocol           = "OTEL_EXPORTER_OTLP_PROTOCOL"
	EnvEndpoint           = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvTracesEndpoint     = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
	EnvHeaders            = "OTEL_EXPORTER_OTLP_HEADERS"
	EnvResourceAttributes = "OTEL_RESOURCE_ATTRIBUTES"
)

// Protocols accepted for the OTLP exporters.
const (
	ProtocolGRPC         = "grpc"
	ProtocolHTTPProtobuf = "http/protobuf"
)

// Library defaults used when no source sets a key.
const (
	DefaultServiceName = "testotel"
	DefaultProtocol    = ProtocolGRPC
	DefaultDotenvPath  = ".env"
)

// Options are the inputs to Resolve.
type Options struct {
	// Environ is the inherited process environment in os.Environ form.
	// Nil means os.Environ().
	Environ []string

	// DotenvPath is the optional overlay file. A missing file is not an error.
	DotenvPath string

	// Overrides are explicit invocation options keyed by environment variable
	// name. Only keys the caller actually set belong here.
	Overrides map[string]string

	OutputFile string
	Debug      bool

	Logger *zap.Logger
}

// Config is the Effective Configuration of a session. It is not modified
// after Resolve returns.
type Config struct {
	ServiceName        string
	Protocol           string
	Endpoint           string
	TracesEndpoint     string
	Headers            map[string]string
	ResourceAttributes map[string]string

	OutputFile string
	Debug      bool
	DotenvPath string

	// Env is the fully merged environment.
	Env map[string]string

	// overlaid holds the keys that came from the dotenv file or overrides;
	// these are the ones Install writes back.
	overlaid []string
}

// Resolve merges the three configuration layers. Precedence, highest first:
// explicit overrides, dotenv overlay, process environment, library defaults.
// Dotenv problems are logged and never abort resolution; an unsupported
// protocol is returned as an error.
func Resolve(opts Options) (*Config, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	// Env names may contain dots; keep viper from nesting them. Viper folds
	// key case, so names go through envKey to stay case-sensitive.
	v := viper.NewWithOptions(viper.KeyDelimiter("\x00"))

	for _, kv := range environ {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		v.SetDefault(envKey(k), val)
	}

	overlay := LoadDotenv(opts.DotenvPath, log)
	if len(overlay) > 0 {
		m := make(map[string]any, len(overlay))
		for k, val := range overlay {
			m[envKey(k)] = val
		}
		if err := v.MergeConfigMap(m); err != nil {
			log.Warn("ignoring dotenv overlay", zap.String("path", opts.DotenvPath), zap.Error(err))
		}
	}

	for k, val := range opts.Overrides {
		v.Set(envKey(k), val)
	}

	keys := v.AllKeys()
	env := make(map[string]string, len(keys))
	for _, key := range keys {
		name, err := envName(key)
		if err != nil {
			log.Warn("skipping unreadable configuration key", zap.String("key", key), zap.Error(err))
			continue
		}
		env[name] = v.GetString(key)
	}

	overlaid := make([]string, 0, len(overlay)+len(opts.Overrides))
	for k := range overlay {
		overlaid = append(overlaid, k)
	}
	for k := range opts.Overrides {
		if _, dup := overlay[k]; !dup {
			overlaid = append(overlaid, k)
		}
	}
	slices.Sort(overlaid)

	cfg := &Config{
		Protocol:       orDefault(env[EnvProtocol], DefaultProtocol),
		Endpoint:       env[EnvEndpoint],
		TracesEndpoint: env[EnvTracesEndpoint],
		OutputFile:     opts.OutputFile,
		Debug:          opts.Debug,
		DotenvPath:     opts.DotenvPath,
		Env:            env,
		overlaid:       overlaid,
	}

	var err error
	if cfg.Headers, err = ParseKeyValues(env[EnvHeaders]); err != nil {
		log.Warn("ignoring malformed exporter headers", zap.String("key", EnvHeaders), zap.Error(err))
	}
	if cfg.ResourceAttributes, err = ParseKeyValues(env[EnvResourceAttributes]); err != nil {
		log.Warn("ignoring malformed resource attributes", zap.String("key", EnvResourceAttributes), zap.Error(err))
	}

	// OTEL_SERVICE_NAME wins over a service.name resource attribute.
	cfg.ServiceName = orDefault(env[EnvServiceName], orDefault(cfg.ResourceAttributes["service.name"], DefaultServiceName))

	if err := ValidateProtocol(cfg.Protocol); err != nil {
		return nil, err
	}

	log.Debug("resolved configuration",
		zap.String("service", cfg.ServiceName),
		zap.String("protocol", cfg.Protocol),
		zap.String("endpoint", cfg.TraceEndpoint()),
		zap.String("output", cfg.OutputFile),
		zap.Strings("overlaid", cfg.overlaid),
	)
	return cfg, nil
}

// ValidateProtocol reports whether p names a supported OTLP protocol.
func ValidateProtocol(p string) error {
	switch p {
	case ProtocolGRPC, ProtocolHTTPProtobuf:
		return nil
	default:
		return fmt.Errorf("unsupported protocol %q, supported: %s, %s", p, ProtocolGRPC, ProtocolHTTPProtobuf)
	}
}

// TraceEndpoint returns the signal-specific endpoint if set, otherwise the
// generic one. Empty means no collector is configured.
func (c *Config) TraceEndpoint() string {
	if c.TracesEndpoint != "" {
		return c.TracesEndpoint
	}
	return c.Endpoint
}

// Get returns the merged value of an environment key.
func (c *Config) Get(key string) string {
	return c.Env[key]
}

// Overlaid returns the sorted keys that came from the dotenv overlay or the
// explicit overrides.
func (c *Config) Overlaid() []string {
	return slices.Clone(c.overlaid)
}

// Install writes the overlaid keys into the process environment through
// setenv (normally os.Setenv). Call it once, immediately before SDK
// initialisation that reads the environment itself.
func (c *Config) Install(setenv func(key, value string) error) error {
	for _, k := range c.overlaid {
		if err := setenv(k, c.Env[k]); err != nil {
			return fmt.Errorf("installing %s: %w", k, err)
		}
	}
	return nil
}

// Environ returns the merged environment in os.Environ form, sorted by key,
// for handing to a child process.
func (c *Config) Environ() []string {
	keys := slices.Sorted(maps.Keys(c.Env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

const hexDigits = "0123456789abcdef"

// envKey encodes an environment name as a key viper's case folding leaves
// intact: lowercase letters, digits and '_' are kept, every other byte
// becomes '^' and two hex digits.
func envKey(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('^')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0xf])
	}
	return b.String()
}

// envName reverses envKey.
func envName(key string) (string, error) {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		if key[i] != '^' {
			b.WriteByte(key[i])
			continue
		}
		if i+2 >= len(key) {
			return "", fmt.Errorf("truncated escape in %q", key)
		}
		hi, lo := strings.IndexByte(hexDigits, key[i+1]), strings.IndexByte(hexDigits, key[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("bad escape in %q", key)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
