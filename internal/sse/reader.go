// Package sse implements the server-sent-events plumbing between upstream
// provider responses and gateway clients: a line scanner, an event reader,
// a channel adapter, and response writer helpers.
package sse

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// NewScanner returns a bufio.Scanner configured for reading SSE lines with
// a 64KB buffer. Each call to Scan() returns a single line (without the
// trailing newline).
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine parses a single SSE line into its field name and value.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"       -> ok=false (comment)
//	""                -> ok=false (empty)
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	// SSE comments start with ':'
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip optional leading space after colon per SSE spec
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// Event is one server-sent event: the optional event name ("message_start",
// "content_block_delta", ...) and the data payload.
type Event struct {
	Name string
	Data []byte
}

// Reader assembles events from an SSE byte stream. Provider streams carry
// at most one data line per event, so a data line completes the event named
// by the preceding event line (or an unnamed event for OpenAI-style
// streams).
type Reader struct {
	s     *bufio.Scanner
	event string
}

func NewReader(r io.Reader) *Reader {
	return &Reader{s: NewScanner(r)}
}

// Next returns the next event, or io.EOF at end of stream. The returned
// Data is an owned copy.
func (r *Reader) Next() (Event, error) {
	for r.s.Scan() {
		line := r.s.Text()
		if line == "" {
			r.event = ""
			continue
		}
		event, data, ok := ParseLine(line)
		if !ok {
			continue
		}
		if event != "" {
			r.event = event
			continue
		}
		return Event{Name: r.event, Data: []byte(data)}, nil
	}
	if err := r.s.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
