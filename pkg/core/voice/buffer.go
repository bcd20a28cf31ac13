// Package voice wires recognition, generation, and synthesis into the
// streaming stages a call session runs.
package voice

import (
	"strings"
)

// SentenceBuffer accumulates streamed text deltas and yields complete
// sentences as they close. Synthesis starts on the first complete sentence
// instead of waiting for the full response.
type SentenceBuffer struct {
	pending strings.Builder
}

// NewSentenceBuffer creates an empty sentence buffer.
func NewSentenceBuffer() *SentenceBuffer {
	return &SentenceBuffer{}
}

// Add appends a text delta and returns the sentences completed by it, in
// order. Incomplete trailing text stays buffered.
func (b *SentenceBuffer) Add(delta string) []string {
	b.pending.WriteString(delta)

	text := b.pending.String()
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		if !closesSentence(text, i) {
			continue
		}
		s := strings.TrimSpace(text[start : i+1])
		if s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}

	if start > 0 {
		rest := text[start:]
		b.pending.Reset()
		b.pending.WriteString(rest)
	}
	return sentences
}

// Flush returns whatever text remains and empties the buffer. Called when
// the generation stream ends mid-sentence.
func (b *SentenceBuffer) Flush() string {
	rest := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	return rest
}

// Pending returns the buffered text without consuming it.
func (b *SentenceBuffer) Pending() string {
	return b.pending.String()
}

// closesSentence reports whether the byte at i terminates a sentence. A
// terminator must be ., !, or ? followed by whitespace or end of text, and
// a period must not belong to a known abbreviation or an initial.
func closesSentence(text string, i int) bool {
	switch text[i] {
	case '!', '?':
	case '.':
		if periodIsAbbreviation(text, i) {
			return false
		}
	default:
		return false
	}

	if i+1 == len(text) {
		return true
	}
	next := text[i+1]
	return next == ' ' || next == '\n' || next == '\t' || next == '\r'
}

var spokenAbbreviations = map[string]struct{}{
	"dr.": {}, "mr.": {}, "mrs.": {}, "ms.": {}, "jr.": {}, "sr.": {},
	"prof.": {}, "rev.": {}, "st.": {}, "gen.": {}, "lt.": {}, "sgt.": {},
	"inc.": {}, "ltd.": {}, "corp.": {}, "co.": {}, "vs.": {}, "etc.": {},
	"i.e.": {}, "e.g.": {}, "a.m.": {}, "p.m.": {}, "u.s.": {}, "u.k.": {},
	"no.": {}, "apt.": {}, "dept.": {}, "est.": {},
}

func periodIsAbbreviation(text string, i int) bool {
	start := i
	for start > 0 && text[start-1] != ' ' && text[start-1] != '\n' && text[start-1] != '\t' {
		start--
	}
	word := strings.ToLower(text[start : i+1])
	if _, ok := spokenAbbreviations[word]; ok {
		return true
	}

	// Single capital letter before the period reads as an initial.
	if i >= 1 && text[i-1] >= 'A' && text[i-1] <= 'Z' {
		if i < 2 || text[i-2] == ' ' || text[i-2] == '\n' {
			return true
		}
	}
	return false
}
