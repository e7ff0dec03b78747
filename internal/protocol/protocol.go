// Package protocol decodes progress events embedded in a worker
// process's output stream.
//
// The protocol is line-oriented and best-effort: any line containing
// the marker token followed by a JSON payload is a progress event,
// everything else is opaque log output. Decoding is total. Malformed
// payloads yield no event, never an error, because the same stream
// carries ordinary logs.
package protocol

import (
	"encoding/json"
	"strings"
)

// Marker is the token a worker prints before the JSON payload.
const Marker = "TASKFORGE_PROGRESS"

// Phase is a coarse stage of a task's execution lifecycle.
type Phase string

const (
	PhasePlanning Phase = "planning"
	PhaseCoding   Phase = "coding"
	PhaseQAReview Phase = "qa_review"
	PhaseQAFixing Phase = "qa_fixing"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlanning, PhaseCoding, PhaseQAReview, PhaseQAFixing, PhaseComplete, PhaseFailed:
		return true
	}
	return false
}

// Terminal reports whether p ends an execution.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Event is one decoded progress record.
type Event struct {
	Phase    Phase
	Message  string
	Progress *float64 // percentage, 0 to 100; nil when not reported
	Subtask  string
}

// payload is the wire shape after the marker.
type payload struct {
	Phase    string   `json:"phase"`
	Message  string   `json:"message,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Subtask  string   `json:"subtask,omitempty"`
}

// Decode extracts a progress event from one output line. The second
// return value is false when the line carries no event: no marker, a
// malformed payload, or an unknown phase all mean the line is ordinary
// log output.
func Decode(line string) (Event, bool) {
	idx := strings.Index(line, Marker)
	if idx < 0 {
		return Event{}, false
	}

	raw := strings.TrimSpace(line[idx+len(Marker):])
	if raw == "" {
		return Event{}, false
	}

	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Event{}, false
	}

	phase := Phase(p.Phase)
	if !phase.Valid() {
		return Event{}, false
	}

	return Event{
		Phase:    phase,
		Message:  p.Message,
		Progress: p.Progress,
		Subtask:  p.Subtask,
	}, true
}
