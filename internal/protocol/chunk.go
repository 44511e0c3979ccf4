// internal/protocol/chunk.go
package protocol

import "strings"

// DefaultChunkSize is the usable payload of one Low-Energy write at the
// default ATT MTU (23 bytes minus the 3-byte ATT header).
const DefaultChunkSize = 20

// MaxLineBytes bounds a single telemetry line. A peer that never sends a
// terminator cannot make the Splitter grow without limit.
const MaxLineBytes = 512

// ChunkLine splits an encoded command into writes of at most maxBytes.
// Commands are ASCII so any byte offset is a valid split point; the
// chunks concatenate back to data exactly. Returns nil for empty data.
func ChunkLine(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultChunkSize
	}
	if len(data) <= maxBytes {
		return [][]byte{data}
	}

	chunks := make([][]byte, 0, (len(data)+maxBytes-1)/maxBytes)
	for len(data) > 0 {
		n := maxBytes
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// Splitter reassembles complete lines from text chunks as they arrive from
// a link. Lines end at '\n'; a trailing '\r' is dropped and blank lines are
// skipped. A line longer than MaxLineBytes is dropped whole, up to and
// including its terminator. Not safe for concurrent use; each receive loop
// owns one.
type Splitter struct {
	buf        strings.Builder
	discarding bool // inside an overlong line, skipping to the next '\n'
}

// Feed appends chunk and returns every line it completed, in order.
func (s *Splitter) Feed(chunk string) []string {
	var lines []string
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			break
		}
		switch {
		case s.discarding:
			s.discarding = false
		case s.buf.Len()+i > MaxLineBytes:
		default:
			s.buf.WriteString(chunk[:i])
			if line := strings.TrimRight(s.buf.String(), "\r"); strings.TrimSpace(line) != "" {
				lines = append(lines, line)
			}
		}
		s.buf.Reset()
		chunk = chunk[i+1:]
	}
	if s.discarding {
		return lines
	}
	if s.buf.Len()+len(chunk) > MaxLineBytes {
		s.buf.Reset()
		s.discarding = true
		return lines
	}
	s.buf.WriteString(chunk)
	return lines
}

// Pending returns the bytes buffered while waiting for a terminator.
func (s *Splitter) Pending() int {
	return s.buf.Len()
}
