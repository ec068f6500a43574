package output

import (
	"bytes"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Default ceilings used when a stream is created with non-positive limits.
const (
	DefaultMaxBytes = 64 * 1024
	DefaultMaxLines = 1000
)

// Stream is a bounded, sanitizing sink for one output stream of a
// sandboxed process. It keeps at most maxBytes bytes and maxLines lines of
// sanitized text; anything past either ceiling is discarded and recorded
// as truncation. Write never returns an error.
type Stream struct {
	mu        sync.Mutex
	maxBytes  int
	maxLines  int
	buf       bytes.Buffer
	lines     int
	pending   []byte
	truncated bool
	seen      int64
	closed    bool
}

// NewStream creates a Stream with the given ceilings.
func NewStream(maxBytes, maxLines int) *Stream {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Stream{maxBytes: maxBytes, maxLines: maxLines}
}

// Write sanitizes p and appends what fits. Incomplete UTF-8 sequences at
// the end of p are held until the next write.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen += int64(len(p))
	if s.truncated || s.closed {
		if len(p) > 0 && !s.closed {
			s.truncated = true
		}
		return len(p), nil
	}

	data := p
	if len(s.pending) > 0 {
		data = append(s.pending, p...)
		s.pending = nil
	}

	for len(data) > 0 && !s.truncated {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(data) {
				s.pending = append([]byte(nil), data...)
				break
			}
			s.appendRune(utf8.RuneError)
			data = data[1:]
			continue
		}
		s.appendRune(r)
		data = data[size:]
	}
	return len(p), nil
}

func (s *Stream) appendRune(r rune) {
	if r != '\n' && r != '\t' && !unicode.IsGraphic(r) {
		return
	}
	if s.lines >= s.maxLines || s.buf.Len()+utf8.RuneLen(r) > s.maxBytes {
		s.truncated = true
		return
	}
	s.buf.WriteRune(r)
	if r == '\n' {
		s.lines++
	}
}

// Close flushes a dangling partial rune as a replacement character. Later
// writes are accepted and dropped.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 && !s.truncated {
		s.appendRune(utf8.RuneError)
	}
	s.pending = nil
	s.closed = true
	return nil
}

// String returns the retained, sanitized text.
func (s *Stream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Truncated reports whether any output was discarded.
func (s *Stream) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// Seen returns the number of raw bytes written, retained or not.
func (s *Stream) Seen() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}
