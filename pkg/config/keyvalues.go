package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ParseKeyValues parses the comma-separated key=value list format used by
// OTEL_RESOURCE_ATTRIBUTES and OTEL_EXPORTER_OTLP_HEADERS. Values may be
// percent-encoded. Malformed entries are skipped and reported together in the
// returned error; well-formed entries are always returned.
func ParseKeyValues(s string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}

	var errs []error
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		k, v, ok := strings.Cut(entry, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			errs = append(errs, fmt.Errorf("entry %q: missing key=value separator", entry))
			continue
		}
		unescaped, err := url.PathUnescape(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %q: %w", entry, err))
			continue
		}
		out[k] = unescaped
	}
	return out, errors.Join(errs...)
}
