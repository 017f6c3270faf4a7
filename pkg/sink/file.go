package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrUnwritable is returned when the span output file cannot be created.
var ErrUnwritable = errors.New("span output file is not writable")

// FileExporter collects finished spans and writes them as a JSON array when
// shut down. The file is created and truncated up front so an unwritable
// path fails before any test runs.
type FileExporter struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	records []Record
	done    bool
}

var _ sdktrace.SpanExporter = (*FileExporter)(nil)

// NewFileExporter creates or truncates path.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // user-supplied output path is expected
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnwritable, err)
	}
	return &FileExporter{path: path, f: f, records: []Record{}}, nil
}

// Path returns the output file path.
func (e *FileExporter) Path() string {
	return e.path
}

// ExportSpans appends spans in the order they are delivered.
func (e *FileExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	for _, s := range spans {
		e.records = append(e.records, NewRecord(s))
	}
	return nil
}

// Records returns a copy of the spans collected so far.
func (e *FileExporter) Records() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.records)
}

// Shutdown writes the collected spans, syncs and closes the file. Calls
// after the first are no-ops.
func (e *FileExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true

	enc := json.NewEncoder(e.f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e.records); err != nil {
		_ = e.f.Close()
		return fmt.Errorf("writing %s: %w", e.path, err)
	}
	if err := e.f.Sync(); err != nil {
		_ = e.f.Close()
		return fmt.Errorf("syncing %s: %w", e.path, err)
	}
	if err := e.f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", e.path, err)
	}
	return nil
}
