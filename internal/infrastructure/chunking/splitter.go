package chunking

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Splitter cuts normalized text into overlapping fixed-size word windows.
type Splitter struct {
	MaxWords     int
	OverlapWords int
	// MinChars is the ingestion discard threshold applied by Keep.
	MinChars int
}

func NewSplitter(maxWords, overlapWords, minChars int) *Splitter {
	if maxWords <= 0 {
		maxWords = 1000
	}
	if overlapWords < 0 {
		overlapWords = 0
	}
	if overlapWords >= maxWords {
		overlapWords = maxWords / 4
	}
	if minChars < 0 {
		minChars = 0
	}
	return &Splitter{
		MaxWords:     maxWords,
		OverlapWords: overlapWords,
		MinChars:     minChars,
	}
}

// Step is the number of words the window advances between chunks.
func (s *Splitter) Step() int {
	step := s.MaxWords - s.OverlapWords
	if step <= 0 {
		step = s.MaxWords
	}
	return step
}

// Chunks yields the chunk texts lazily. Ranging over the sequence again
// restarts from the beginning.
func (s *Splitter) Chunks(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		words := splitWords(text)
		if len(words) == 0 {
			return
		}
		if len(words) <= s.MaxWords {
			yield(strings.Join(words, " "))
			return
		}

		step := s.Step()
		for start := 0; start < len(words); start += step {
			end := start + s.MaxWords
			if end > len(words) {
				end = len(words)
			}
			if !yield(strings.Join(words[start:end], " ")) {
				return
			}
			if end == len(words) {
				return
			}
		}
	}
}

func (s *Splitter) Split(text string) []string {
	out := make([]string, 0, 4)
	for chunk := range s.Chunks(text) {
		out = append(out, chunk)
	}
	return out
}

// Keep reports whether a chunk passes the minimum character threshold.
func (s *Splitter) Keep(chunk string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(chunk)) >= s.MinChars
}

// splitWords splits on unicode whitespace and drops control characters.
func splitWords(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, text)
	return strings.Fields(cleaned)
}
