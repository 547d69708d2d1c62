package chunking

import (
	"fmt"
	"strings"
	"testing"
)

func numberedWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func TestSplitShortDocumentIsSingleChunk(t *testing.T) {
	s := NewSplitter(1000, 100, 0)
	text := "Les plus-values immobilières sont imposées à 19%."
	chunks := s.Split(text)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != text {
		t.Fatalf("expected chunk equal to full text, got %q", chunks[0])
	}
}

func TestSplitExactlyMaxWordsIsSingleChunk(t *testing.T) {
	s := NewSplitter(10, 3, 0)
	chunks := s.Split(numberedWords(10))
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestSplitConsecutiveChunksOverlapByOverlapWords(t *testing.T) {
	for _, tc := range []struct{ max, overlap, words int }{
		{10, 3, 47},
		{5, 0, 23},
		{8, 7, 30},
		{4, 1, 5},
	} {
		s := NewSplitter(tc.max, tc.overlap, 0)
		chunks := s.Split(numberedWords(tc.words))
		if len(chunks) < 2 {
			t.Fatalf("max=%d: expected several chunks, got %d", tc.max, len(chunks))
		}
		for i := 0; i+1 < len(chunks); i++ {
			prev := strings.Fields(chunks[i])
			next := strings.Fields(chunks[i+1])
			if len(prev) != tc.max {
				t.Fatalf("max=%d: non-final chunk %d has %d words", tc.max, i, len(prev))
			}
			tail := prev[len(prev)-tc.overlap:]
			n := tc.overlap
			if n > len(next) {
				n = len(next)
			}
			if strings.Join(tail[:n], " ") != strings.Join(next[:n], " ") {
				t.Fatalf("max=%d overlap=%d: chunks %d/%d do not overlap", tc.max, tc.overlap, i, i+1)
			}
			if n < len(next) && tc.overlap > 0 && next[tc.overlap] == prev[len(prev)-1] {
				t.Fatalf("max=%d overlap=%d: overlap larger than configured", tc.max, tc.overlap)
			}
		}
		last := strings.Fields(chunks[len(chunks)-1])
		if last[len(last)-1] != fmt.Sprintf("w%d", tc.words-1) {
			t.Fatalf("max=%d: final chunk must reach document end", tc.max)
		}
	}
}

func TestSplitIsIdempotent(t *testing.T) {
	s := NewSplitter(7, 2, 0)
	text := numberedWords(40)
	first := s.Split(text)
	second := s.Split(text)
	if len(first) != len(second) {
		t.Fatalf("chunk count differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("chunk %d differs", i)
		}
	}
}

func TestChunksSequenceIsRestartableAndStopsEarly(t *testing.T) {
	s := NewSplitter(5, 1, 0)
	seq := s.Chunks(numberedWords(30))

	count := 0
	for range seq {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Fatalf("expected early stop after 2, got %d", count)
	}

	total := 0
	for range seq {
		total++
	}
	if total != len(s.Split(numberedWords(30))) {
		t.Fatalf("restarted sequence yielded %d chunks", total)
	}
}

func TestSplitDropsControlCharactersAndEmptyInput(t *testing.T) {
	s := NewSplitter(10, 2, 0)
	if chunks := s.Split(" \t\n\x00 "); len(chunks) != 0 {
		t.Fatalf("expected no chunks for blank input, got %v", chunks)
	}
	chunks := s.Split("impôt\x07 sur\r\nle revenu")
	if len(chunks) != 1 || chunks[0] != "impôt sur le revenu" {
		t.Fatalf("unexpected chunks %q", chunks)
	}
}

func TestNewSplitterNormalizesInvalidOverlap(t *testing.T) {
	s := NewSplitter(100, 150, -1)
	if s.OverlapWords != 25 {
		t.Fatalf("expected overlap normalized to 25, got %d", s.OverlapWords)
	}
	if s.Step() != 75 {
		t.Fatalf("expected step 75, got %d", s.Step())
	}
}

func TestKeepAppliesMinimumCharacters(t *testing.T) {
	s := NewSplitter(10, 0, 12)
	if s.Keep("trop court") {
		t.Fatalf("expected short chunk to be discarded")
	}
	if !s.Keep("suffisamment long") {
		t.Fatalf("expected long chunk to be kept")
	}
}
