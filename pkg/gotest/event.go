// Decoding of the go test -json event stream
// Lines that are not test2json objects are surfaced as plain output events
package gotest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Actions emitted by test2json.
const (
	ActionStart       = "start"
	ActionRun         = "run"
	ActionPause       = "pause"
	ActionCont        = "cont"
	ActionPass        = "pass"
	ActionBench       = "bench"
	ActionFail        = "fail"
	ActionOutput      = "output"
	ActionSkip        = "skip"
	ActionBuildOutput = "build-output"
	ActionBuildFail   = "build-fail"
)

// Event is one test2json record.
type Event struct {
	Time        time.Time `json:",omitempty"`
	Action      string
	Package     string  `json:",omitempty"`
	ImportPath  string  `json:",omitempty"`
	Test        string  `json:",omitempty"`
	Elapsed     float64 `json:",omitempty"`
	Output      string  `json:",omitempty"`
	FailedBuild string  `json:",omitempty"`
}

// Terminal reports whether the action ends a test or package.
func (e Event) Terminal() bool {
	switch e.Action {
	case ActionPass, ActionFail, ActionSkip:
		return true
	default:
		return false
	}
}

// Decoder reads newline-delimited test2json events.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream ends. A line that
// is not a JSON object is returned as an output event with no test or
// package, so build errors printed around the stream are not lost.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		d.line++
		raw := d.scanner.Bytes()
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		if line[0] == '{' {
			var ev Event
			if err := json.Unmarshal(line, &ev); err == nil && ev.Action != "" {
				return ev, nil
			}
		}
		return Event{Action: ActionOutput, Output: string(raw) + "\n"}, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("reading test events at line %d: %w", d.line+1, err)
	}
	return Event{}, io.EOF
}
