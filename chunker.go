package veribot

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunker splits text into chunks suitable for embedding.
type Chunker interface {
	Chunk(text string) []string
}

// Chunking defaults. Document text is split at sentence boundaries into
// chunks of at most DefaultChunkSize characters, with DefaultChunkOverlap
// characters carried over from the tail of the previous chunk.
const (
	DefaultChunkSize    = 1024
	DefaultChunkOverlap = 20
)

// SentenceSplitter splits text on sentence boundaries, packing whole sentences
// into chunks up to MaxChars. Sentence detection skips common abbreviations
// (Mr., Dr., e.g., etc.) and decimal numbers, and recognizes CJK
// sentence-ending punctuation (。！？). Oversized sentences fall back to word
// splits.
type SentenceSplitter struct {
	MaxChars int
	Overlap  int
}

var _ Chunker = (*SentenceSplitter)(nil)

// NewSentenceSplitter creates a SentenceSplitter with the default chunk size
// and overlap.
func NewSentenceSplitter() *SentenceSplitter {
	return &SentenceSplitter{MaxChars: DefaultChunkSize, Overlap: DefaultChunkOverlap}
}

// Chunk splits text into overlapping sentence-aligned chunks.
func (s *SentenceSplitter) Chunk(text string) []string {
	maxChars := s.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultChunkSize
	}
	overlap := s.Overlap
	if overlap < 0 {
		overlap = 0
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var sentences []string
	start := 0
	for _, b := range sentenceBoundaries(text) {
		seg := strings.TrimSpace(text[start:b])
		if seg != "" {
			sentences = append(sentences, seg)
		}
		start = b
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		sentences = append(sentences, rest)
	}
	if len(sentences) == 0 {
		sentences = []string{text}
	}

	// Oversized sentences are split on whitespace.
	var units []string
	for _, sent := range sentences {
		if len(sent) <= maxChars {
			units = append(units, sent)
			continue
		}
		units = append(units, splitWords(sent, maxChars)...)
	}

	var chunks []string
	var cur strings.Builder
	for _, u := range units {
		if cur.Len() > 0 && cur.Len()+1+len(u) > maxChars {
			chunk := cur.String()
			chunks = append(chunks, chunk)
			cur.Reset()
			if overlap > 0 {
				cur.WriteString(tailChars(chunk, overlap))
				cur.WriteByte(' ')
			}
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(u)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// splitWords breaks text into pieces of at most maxChars at whitespace, with a
// hard cut for pathological unbroken runs.
func splitWords(text string, maxChars int) []string {
	var out []string
	var cur strings.Builder
	for _, w := range strings.Fields(text) {
		for len(w) > maxChars {
			out = append(out, w[:maxChars])
			w = w[maxChars:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > maxChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// tailChars returns the last n bytes of s aligned to a rune boundary, trimmed
// of leading space.
func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return strings.TrimLeft(s[i:], " ")
}

// abbreviations that should NOT be treated as sentence boundaries.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true,
	"prof": true, "sr": true, "jr": true,
	"vs": true, "etc": true, "inc": true, "ltd": true,
	"e.g": true, "i.e": true, "viz": true, "al": true,
	"approx": true, "dept": true, "est": true,
	"fig": true, "no": true, "vol": true,
}

// isAbbreviation checks if the text ending at position dotPos (the '.') is a
// common abbreviation.
func isAbbreviation(text string, dotPos int) bool {
	start := dotPos
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if !unicode.IsLetter(r) && r != '.' {
			break
		}
		start -= size
	}
	word := strings.ToLower(text[start:dotPos])
	return abbreviations[word]
}

// isDecimalDot checks if the dot at dotPos is part of a number (e.g. 3.14, $1.50).
func isDecimalDot(text string, dotPos int) bool {
	if dotPos == 0 || dotPos+1 >= len(text) {
		return false
	}
	prev := text[dotPos-1]
	next := text[dotPos+1]
	return prev >= '0' && prev <= '9' && next >= '0' && next <= '9'
}

// sentenceBoundaries returns byte positions after sentence-ending punctuation.
func sentenceBoundaries(text string) []int {
	var boundaries []int
	for off, r := range text {
		end := off + utf8.RuneLen(r)
		switch r {
		case '。', '！', '？':
			boundaries = append(boundaries, end)
		case '.', '!', '?':
			if r == '.' && (isDecimalDot(text, off) || isAbbreviation(text, off)) {
				break
			}
			// Boundary only when followed by whitespace or end of text.
			if end >= len(text) {
				boundaries = append(boundaries, end)
				break
			}
			nr, _ := utf8.DecodeRuneInString(text[end:])
			if unicode.IsSpace(nr) {
				boundaries = append(boundaries, end)
			}
		}
	}
	return boundaries
}
