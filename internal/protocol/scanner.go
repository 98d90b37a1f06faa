package protocol

import (
	"bytes"

	"github.com/rs/zerolog/log"
)

const (
	eventStartMarker = "__CYBER_EVENT__"
	eventEndMarker   = "__CYBER_EVENT_END__"

	// maxBufferSize bounds memory under producers that emit open markers
	// forever. Once exceeded the oldest bytes are discarded.
	maxBufferSize = 10 * 1024
)

// Scanner extracts marker-delimited structured events from an unbounded
// byte stream. Text outside marker spans is surfaced as Output events per
// line; partial markers and partial lines survive to the next chunk.
type Scanner struct {
	buf bytes.Buffer
}

func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed appends a chunk and returns every event completed by it, structured
// and plain output alike, in stream order.
func (s *Scanner) Feed(chunk []byte) []Event {
	s.buf.Write(chunk)
	s.capBuffer()

	var events []Event
	for {
		data := s.buf.Bytes()

		start := bytes.Index(data, []byte(eventStartMarker))
		if start < 0 {
			// No marker: emit complete lines, keep the partial tail. The
			// tail may be the front half of a split marker.
			events = append(events, s.drainLines(len(data))...)
			return events
		}

		// Everything before the marker is plain text and is complete.
		events = append(events, s.drainLines(start)...)
		data = s.buf.Bytes()

		payloadStart := len(eventStartMarker)
		end := bytes.Index(data[payloadStart:], []byte(eventEndMarker))
		if end < 0 {
			// Unterminated span; wait for more input.
			return events
		}

		payload := data[payloadStart : payloadStart+end]
		if ev, err := DecodeEvent(payload); err != nil {
			log.Warn().Err(err).Int("bytes", len(payload)).Msg("skipping malformed structured event")
		} else {
			events = append(events, ev)
		}
		s.buf.Next(payloadStart + end + len(eventEndMarker))
	}
}

// Flush surfaces whatever remains buffered at end of stream as plain
// output, including unterminated marker spans, so nothing is dropped.
func (s *Scanner) Flush() []Event {
	var events []Event
	for _, line := range bytes.Split(s.buf.Bytes(), []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			events = append(events, NewOutput(string(line)))
		}
	}
	s.buf.Reset()
	return events
}

// drainLines emits complete lines from the first n buffered bytes and
// consumes them. A trailing segment without a newline is consumed only if
// the full n bytes are known-complete text (n == bytes before a marker).
func (s *Scanner) drainLines(n int) []Event {
	if n == 0 {
		return nil
	}
	data := s.buf.Bytes()[:n]

	consume := n
	if n == s.buf.Len() {
		// Tail of the buffer: only take whole lines.
		last := bytes.LastIndexByte(data, '\n')
		if last < 0 {
			return nil
		}
		consume = last + 1
		data = data[:consume]
	}

	var events []Event
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			events = append(events, NewOutput(string(line)))
		}
	}
	s.buf.Next(consume)
	return events
}

func (s *Scanner) capBuffer() {
	if over := s.buf.Len() - maxBufferSize; over > 0 {
		log.Warn().Int("discarded", over).Msg("event buffer cap exceeded, discarding oldest bytes")
		s.buf.Next(over)
	}
}
