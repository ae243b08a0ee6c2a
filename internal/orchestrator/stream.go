package orchestrator

import (
	"strings"
	"unicode/utf8"
)

// streamRedactor holds streamed text back until a sentence boundary and
// emits only the redacted delta. A PII number split across chunks is
// therefore masked as a whole, and sensitive content never reaches the
// client unredacted.
type streamRedactor struct {
	redact func(string) string

	raw     strings.Builder
	flushed int    // bytes of raw covered by emitted
	emitted string // redacted text handed to the client so far
}

func newStreamRedactor(redact func(string) string) *streamRedactor {
	return &streamRedactor{redact: redact}
}

// push appends a chunk and returns the text that is now safe to emit, which
// may be empty.
func (s *streamRedactor) push(chunk string) string {
	s.raw.WriteString(chunk)
	raw := s.raw.String()
	b := lastBoundary(raw)
	if b <= s.flushed {
		return ""
	}
	s.flushed = b
	return s.advance(raw[:b])
}

// flush returns whatever is still held back.
func (s *streamRedactor) flush() string {
	s.flushed = s.raw.Len()
	return s.advance(s.raw.String())
}

// text is the redacted form of everything pushed.
func (s *streamRedactor) text() string { return s.emitted }

func (s *streamRedactor) advance(prefix string) string {
	out := s.redact(prefix)
	if !strings.HasPrefix(out, s.emitted) {
		// a match spanned the previous boundary and rewrote text already sent
		s.emitted = out
		return ""
	}
	delta := out[len(s.emitted):]
	s.emitted = out
	return delta
}

// lastBoundary returns the byte offset just past the last sentence break in
// text: terminal punctuation followed by whitespace, or a newline that does
// not follow a digit. Zero when there is none.
func lastBoundary(text string) int {
	last := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size
		switch r {
		case '.', '!', '?', '。':
			if next < len(text) && isSpace(text[next]) {
				last = next + 1
			}
		case '\n':
			if i == 0 || !isDigit(text[i-1]) {
				last = next
			}
		}
		i = next
	}
	return last
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
