package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	ev, ok := Decode(`TASKFORGE_PROGRESS {"phase":"coding","message":"Starting"}`)
	require.True(t, ok)
	assert.Equal(t, PhaseCoding, ev.Phase)
	assert.Equal(t, "Starting", ev.Message)
	assert.Nil(t, ev.Progress)
	assert.Empty(t, ev.Subtask)
}

func TestDecodeEventWithAllFields(t *testing.T) {
	ev, ok := Decode(`TASKFORGE_PROGRESS {"phase":"qa_fixing","message":"fixing lint","progress":62.5,"subtask":"lint"}`)
	require.True(t, ok)
	assert.Equal(t, PhaseQAFixing, ev.Phase)
	require.NotNil(t, ev.Progress)
	assert.InDelta(t, 62.5, *ev.Progress, 0.001)
	assert.Equal(t, "lint", ev.Subtask)
}

func TestDecodeMarkerMidLine(t *testing.T) {
	// Workers often prefix their own log framing; the marker may not
	// start the line.
	ev, ok := Decode(`[worker] 12:00:01 TASKFORGE_PROGRESS {"phase":"planning"}`)
	require.True(t, ok)
	assert.Equal(t, PhasePlanning, ev.Phase)
}

func TestDecodeNoEvent(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"no marker", "just an ordinary log line"},
		{"marker only", "TASKFORGE_PROGRESS"},
		{"malformed json", `TASKFORGE_PROGRESS {"phase":`},
		{"unknown phase", `TASKFORGE_PROGRESS {"phase":"deploying"}`},
		{"missing phase", `TASKFORGE_PROGRESS {"message":"hi"}`},
		{"empty line", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Decode(tt.line)
			assert.False(t, ok)
		})
	}
}

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseComplete.Terminal())
	assert.True(t, PhaseFailed.Terminal())
	assert.False(t, PhaseCoding.Terminal())
	assert.False(t, PhaseQAReview.Terminal())
}

// chunkReader returns its content in fixed-size chunks to exercise
// partial lines crossing read boundaries.
type chunkReader struct {
	data []byte
	size int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestScannerPartialReads(t *testing.T) {
	input := strings.Join([]string{
		"compiling...",
		`TASKFORGE_PROGRESS {"phase":"coding","message":"editing files","progress":40}`,
		"some interleaved log",
		`TASKFORGE_PROGRESS {"phase":"complete"}`,
	}, "\n") + "\n"

	sc := NewScanner(&chunkReader{data: []byte(input), size: 7})

	var events []Event
	var raw []string
	for sc.Scan() {
		raw = append(raw, sc.Line())
		if ev, ok := sc.Event(); ok {
			events = append(events, ev)
		}
	}
	require.NoError(t, sc.Err())

	assert.Len(t, raw, 4)
	require.Len(t, events, 2)
	assert.Equal(t, PhaseCoding, events[0].Phase)
	require.NotNil(t, events[0].Progress)
	assert.InDelta(t, 40, *events[0].Progress, 0.001)
	assert.Equal(t, PhaseComplete, events[1].Phase)
}
