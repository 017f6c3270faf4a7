// JSON span records written by the file sink
// One object per finished span, in close order, readable back for verification
package sink

import (
	"fmt"
	"time"

	"github.com/andrewh/testotel/pkg/session"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Record is the serialised form of one finished span.
type Record struct {
	Name       string         `json:"name" yaml:"name"`
	Context    RecordContext  `json:"context" yaml:"context"`
	Kind       string         `json:"kind" yaml:"kind"`
	ParentID   *string        `json:"parent_id" yaml:"parent_id"`
	StartTime  time.Time      `json:"start_time" yaml:"start_time"`
	EndTime    time.Time      `json:"end_time" yaml:"end_time"`
	Status     RecordStatus   `json:"status" yaml:"status"`
	Attributes map[string]any `json:"attributes" yaml:"attributes"`
	Resource   map[string]any `json:"resource" yaml:"resource"`
}

// RecordContext identifies a span.
type RecordContext struct {
	TraceID string `json:"trace_id" yaml:"trace_id"`
	SpanID  string `json:"span_id" yaml:"span_id"`
}

// RecordStatus holds the span status.
type RecordStatus struct {
	StatusCode  string `json:"status_code" yaml:"status_code"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Parent returns the parent span ID, or "" for a root span.
func (r Record) Parent() string {
	if r.ParentID == nil {
		return ""
	}
	return *r.ParentID
}

// Attr returns an attribute value formatted as a string, or "" if absent.
func (r Record) Attr(key string) string {
	v, ok := r.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// NewRecord converts a finished SDK span.
func NewRecord(s sdktrace.ReadOnlySpan) Record {
	rec := Record{
		Name: s.Name(),
		Context: RecordContext{
			TraceID: s.SpanContext().TraceID().String(),
			SpanID:  s.SpanContext().SpanID().String(),
		},
		Kind:      s.SpanKind().String(),
		StartTime: s.StartTime().UTC(),
		EndTime:   s.EndTime().UTC(),
		Status: RecordStatus{
			StatusCode:  session.StatusFromCode(s.Status().Code).String(),
			Description: s.Status().Description,
		},
		Attributes: attrsToMap(s.Attributes()),
		Resource:   map[string]any{},
	}
	if p := s.Parent(); p.IsValid() {
		id := p.SpanID().String()
		rec.ParentID = &id
	}
	if res := s.Resource(); res != nil {
		rec.Resource = attrsToMap(res.Attributes())
	}
	return rec
}

func attrsToMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

// ReadFile parses a span file written by the file sink.
func ReadFile(path string) ([]Record, error) {
	return ReadFormat(path, FormatFile)
}
