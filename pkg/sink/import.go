package sink

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andrewh/testotel/pkg/session"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// Format identifies the encoding of a captured span file.
type Format string

const (
	FormatAuto        Format = "auto"
	FormatFile        Format = "file"
	FormatStdouttrace Format = "stdouttrace"
	FormatOTLP        Format = "otlp"
)

// maxInputSize bounds what ReadSpans will buffer.
const maxInputSize = 256 * 1024 * 1024

var errNoSpans = errors.New("no spans found in input")

// ReadFormat opens path and parses it with ReadSpans.
func ReadFormat(path string, format Format) ([]Record, error) {
	f, err := os.Open(path) //nolint:gosec // user-supplied span file is expected
	if err != nil {
		return nil, fmt.Errorf("reading span file: %w", err)
	}
	defer f.Close() //nolint:errcheck // best-effort close on read-only file
	records, err := ReadSpans(f, format)
	if err != nil {
		return nil, fmt.Errorf("parsing span file %s: %w", path, err)
	}
	return records, nil
}

// ReadSpans parses spans written by the file sink, by the stdouttrace
// exporter (--otel-debug), or as OTLP JSON export requests such as a
// collector file exporter produces. FormatAuto inspects the first JSON
// value to pick one.
func ReadSpans(r io.Reader, format Format) ([]Record, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("input exceeds maximum size of %d MB", maxInputSize/(1024*1024))
	}
	data = bytes.TrimSpace(data)

	if format == FormatAuto {
		if format, err = detectFormat(data); err != nil {
			return nil, err
		}
	}

	switch format {
	case FormatFile:
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
		return records, nil
	case FormatStdouttrace:
		return parseStdouttrace(data)
	case FormatOTLP:
		return parseOTLP(data)
	default:
		return nil, fmt.Errorf("unknown format %q, valid formats: auto, file, stdouttrace, otlp", format)
	}
}

func detectFormat(data []byte) (Format, error) {
	if len(data) == 0 {
		return "", errNoSpans
	}
	if data[0] == '[' {
		return FormatFile, nil
	}
	var probe map[string]json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&probe); err == nil {
		if _, ok := probe["SpanContext"]; ok {
			return FormatStdouttrace, nil
		}
		if _, ok := probe["resourceSpans"]; ok {
			return FormatOTLP, nil
		}
	}
	return "", fmt.Errorf("cannot detect format: input is not a span array and has neither SpanContext (stdouttrace) nor resourceSpans (OTLP)")
}

// stdouttraceSpan is the subset of the SDK's stdouttrace output read back.
// Objects may be pretty-printed or one per line.
type stdouttraceSpan struct {
	Name        string `json:"Name"`
	SpanContext struct {
		TraceID string `json:"TraceID"`
		SpanID  string `json:"SpanID"`
	} `json:"SpanContext"`
	Parent struct {
		SpanID string `json:"SpanID"`
	} `json:"Parent"`
	SpanKind   trace.SpanKind `json:"SpanKind"`
	StartTime  time.Time      `json:"StartTime"`
	EndTime    time.Time      `json:"EndTime"`
	Attributes []sdkAttr      `json:"Attributes"`
	Status     struct {
		Code        codes.Code `json:"Code"`
		Description string     `json:"Description"`
	} `json:"Status"`
	Resource []sdkAttr `json:"Resource"`
}

type sdkAttr struct {
	Key   string `json:"Key"`
	Value struct {
		Type  string `json:"Type"`
		Value any    `json:"Value"`
	} `json:"Value"`
}

func sdkAttrMap(attrs []sdkAttr) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value.Value
	}
	return m
}

func parseStdouttrace(data []byte) ([]Record, error) {
	var records []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for n := 1; ; n++ {
		var s stdouttraceSpan
		if err := dec.Decode(&s); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("span %d: %w", n, err)
		}
		rec := Record{
			Name:      s.Name,
			Context:   RecordContext{TraceID: s.SpanContext.TraceID, SpanID: s.SpanContext.SpanID},
			Kind:      s.SpanKind.String(),
			StartTime: s.StartTime.UTC(),
			EndTime:   s.EndTime.UTC(),
			Status: RecordStatus{
				StatusCode:  session.StatusFromCode(s.Status.Code).String(),
				Description: s.Status.Description,
			},
			Attributes: sdkAttrMap(s.Attributes),
			Resource:   sdkAttrMap(s.Resource),
		}
		if id := s.Parent.SpanID; id != "" && !isZeroID(id) {
			rec.ParentID = &id
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, errNoSpans
	}
	return records, nil
}

// parseOTLP reads one or more ExportTraceServiceRequest JSON documents.
func parseOTLP(data []byte) ([]Record, error) {
	var records []Record
	opts := protojson.UnmarshalOptions{DiscardUnknown: true}
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("parsing OTLP: %w", err)
		}
		var req coltracepb.ExportTraceServiceRequest
		if err := opts.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("parsing OTLP: %w", err)
		}
		for _, rs := range req.ResourceSpans {
			resource := anyValueMap(rs.GetResource().GetAttributes())
			for _, ss := range rs.ScopeSpans {
				for _, span := range ss.Spans {
					records = append(records, otlpRecord(span, resource))
				}
			}
		}
	}
	if len(records) == 0 {
		return nil, errNoSpans
	}
	return records, nil
}

func otlpRecord(span *tracepb.Span, resource map[string]any) Record {
	status := session.StatusUnset
	switch span.GetStatus().GetCode() {
	case tracepb.Status_STATUS_CODE_OK:
		status = session.StatusOK
	case tracepb.Status_STATUS_CODE_ERROR:
		status = session.StatusError
	}
	rec := Record{
		Name: span.Name,
		Context: RecordContext{
			TraceID: hex.EncodeToString(span.TraceId),
			SpanID:  hex.EncodeToString(span.SpanId),
		},
		// OTLP and the API number span kinds identically.
		Kind:      trace.SpanKind(span.Kind).String(),
		StartTime: time.Unix(0, int64(span.StartTimeUnixNano)).UTC(), //nolint:gosec // nanosecond timestamps are always positive
		EndTime:   time.Unix(0, int64(span.EndTimeUnixNano)).UTC(),   //nolint:gosec // nanosecond timestamps are always positive
		Status: RecordStatus{
			StatusCode:  status.String(),
			Description: span.GetStatus().GetMessage(),
		},
		Attributes: anyValueMap(span.Attributes),
		Resource:   resource,
	}
	if parent := hex.EncodeToString(span.ParentSpanId); parent != "" && !isZeroID(parent) {
		rec.ParentID = &parent
	}
	return rec
}

// anyValueMap flattens OTLP attributes to the types encoding/json produces,
// so records read from any format compare alike.
func anyValueMap(kvs []*commonpb.KeyValue) map[string]any {
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		v := kv.GetValue()
		switch x := v.GetValue().(type) {
		case *commonpb.AnyValue_StringValue:
			m[kv.Key] = x.StringValue
		case *commonpb.AnyValue_BoolValue:
			m[kv.Key] = x.BoolValue
		case *commonpb.AnyValue_IntValue:
			m[kv.Key] = float64(x.IntValue)
		case *commonpb.AnyValue_DoubleValue:
			m[kv.Key] = x.DoubleValue
		default:
			m[kv.Key] = strings.TrimSpace(protojson.Format(v))
		}
	}
	return m
}

func isZeroID(id string) bool {
	return strings.Trim(id, "0") == ""
}
