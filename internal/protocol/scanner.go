package protocol

import (
	"bufio"
	"io"
)

// Scanner reads a worker output stream line by line, buffering partial
// lines that arrive across read boundaries.
type Scanner struct {
	s *bufio.Scanner
}

// NewScanner wraps r. Lines up to 1MB are supported; longer lines are
// split by the underlying scanner and will simply fail to decode,
// which the protocol treats as ordinary output.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{s: s}
}

// Scan advances to the next complete line.
func (sc *Scanner) Scan() bool {
	return sc.s.Scan()
}

// Line returns the current raw line without the terminator.
func (sc *Scanner) Line() string {
	return sc.s.Text()
}

// Event decodes the current line. ok is false for non-event lines.
func (sc *Scanner) Event() (Event, bool) {
	return Decode(sc.s.Text())
}

// Err returns the first non-EOF error from the underlying reader.
func (sc *Scanner) Err() error {
	return sc.s.Err()
}
