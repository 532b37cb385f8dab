package tts

import (
	"strings"
	"sync"
)

var abbreviations = map[string]struct{}{
	"dr.": {}, "mr.": {}, "mrs.": {}, "ms.": {}, "jr.": {}, "sr.": {},
	"prof.": {}, "rev.": {}, "gen.": {}, "col.": {}, "lt.": {}, "sgt.": {},
	"inc.": {}, "ltd.": {}, "corp.": {}, "co.": {}, "vs.": {}, "etc.": {},
	"i.e.": {}, "e.g.": {}, "a.m.": {}, "p.m.": {}, "u.s.": {}, "u.k.": {},
}

// Segmenter splits streamed response text into pieces worth synthesizing on
// their own. A piece ends at a sentence boundary, or once MaxWords words have
// accumulated and the next delta starts a new word.
type Segmenter struct {
	mu       sync.Mutex
	text     strings.Builder
	maxWords int
}

// NewSegmenter creates a segmenter. maxWords <= 0 disables the word limit.
func NewSegmenter(maxWords int) *Segmenter {
	return &Segmenter{maxWords: maxWords}
}

// Add appends a delta and returns any completed segments.
func (s *Segmenter) Add(delta string) []string {
	if delta == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.text.String()
	startsWord := delta[0] == ' ' || delta[0] == '\n'
	if s.maxWords > 0 && startsWord && len(strings.Fields(prev)) >= s.maxWords {
		s.text.Reset()
		s.text.WriteString(strings.TrimLeft(delta, " \n"))
		out := []string{strings.TrimSpace(prev)}
		return append(out, s.extractLocked()...)
	}

	s.text.WriteString(delta)
	return s.extractLocked()
}

func (s *Segmenter) extractLocked() []string {
	content := s.text.String()
	var out []string
	last := 0
	for i := 0; i < len(content); i++ {
		if !isSentenceEnd(content, i) {
			continue
		}
		if seg := strings.TrimSpace(content[last : i+1]); seg != "" {
			out = append(out, seg)
		}
		last = i + 1
	}
	if last > 0 {
		s.text.Reset()
		s.text.WriteString(content[last:])
	}
	return out
}

// Flush returns the remaining text and clears the segmenter.
func (s *Segmenter) Flush() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := strings.TrimSpace(s.text.String())
	s.text.Reset()
	return out
}

// Reset drops buffered text. Used on interruption.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.Reset()
}

// isSentenceEnd reports whether s[i] terminates a sentence. A terminator
// directly followed by non-space is not a boundary, so "3.5" stays whole.
func isSentenceEnd(s string, i int) bool {
	c := s[i]
	if c != '.' && c != '!' && c != '?' {
		return false
	}
	if i+1 < len(s) {
		switch s[i+1] {
		case ' ', '\n', '\r', '\t':
		default:
			return false
		}
	}
	return c != '.' || !isAbbreviation(s, i)
}

func isAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && s[start-1] != ' ' && s[start-1] != '\n' {
		start--
	}
	if _, ok := abbreviations[strings.ToLower(s[start:i+1])]; ok {
		return true
	}
	// Initials like "J. Smith".
	return i-start == 1 && s[start] >= 'A' && s[start] <= 'Z'
}
