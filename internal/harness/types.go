package harness

import (
	"fmt"
	"strings"
)

// TraceEvent is one line of a scenario trace.
type TraceEvent struct {
	Seq     int    `json:"seq"`
	Kind    string `json:"kind"` // "step" or "event"
	Op      string `json:"op,omitempty"`
	Detail  string `json:"detail"`
	Outcome string `json:"outcome,omitempty"`
}

func (e TraceEvent) String() string {
	if e.Kind == "event" {
		return "     > " + e.Detail
	}
	return fmt.Sprintf("[%02d] %s: %s", e.Seq, e.Detail, e.Outcome)
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a step line.
func (r *Result) AddStep(seq int, op, detail, outcome string) {
	r.Trace = append(r.Trace, TraceEvent{Seq: seq, Kind: "step", Op: op, Detail: detail, Outcome: outcome})
}

// AddEvent appends an event line attributed to step seq.
func (r *Result) AddEvent(seq int, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Seq: seq, Kind: "event", Detail: detail})
}

// Events returns the event lines in order.
func (r *Result) Events() []string {
	var out []string
	for _, e := range r.Trace {
		if e.Kind == "event" {
			out = append(out, e.Detail)
		}
	}
	return out
}

// Render formats the trace as text, one line per entry.
func (r *Result) Render(name string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
