package usecase

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

// ContextAssembler turns ranked results into prompt context bounded by a
// character budget. MaxChars <= 0 disables the bound.
type ContextAssembler struct {
	MaxChars int
}

// Assemble keeps results in rank order. The first entry that does not fit is
// cut at a word boundary and everything after it is dropped.
func (a ContextAssembler) Assemble(results []domain.SearchResult) []domain.ContextEntry {
	entries := make([]domain.ContextEntry, 0, len(results))
	used := 0
	for _, r := range results {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		size := utf8.RuneCountInString(text)
		if a.MaxChars > 0 && used+size > a.MaxChars {
			text = cutAtWord(text, a.MaxChars-used)
			if text != "" {
				entries = append(entries, domain.ContextEntry{
					Text:     text,
					Profile:  r.Profile,
					Score:    r.Score,
					SourceID: r.SourceID,
				})
			}
			break
		}
		used += size
		entries = append(entries, domain.ContextEntry{
			Text:     text,
			Profile:  r.Profile,
			Score:    r.Score,
			SourceID: r.SourceID,
		})
	}
	return entries
}

// Render formats entries as a numbered prompt block. No entries renders as
// an empty string.
func (a ContextAssembler) Render(entries []domain.ContextEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] (%s, score=%.3f) source=%s\n%s", i+1, e.Profile, e.Score, e.SourceID, e.Text)
	}
	return b.String()
}

func cutAtWord(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := limit
	if !unicode.IsSpace(runes[cut]) {
		for cut > 0 && !unicode.IsSpace(runes[cut-1]) {
			cut--
		}
	}
	return strings.TrimSpace(string(runes[:cut]))
}

// AnswerContextUseCase is the query entry point: detection, multi-profile
// search and context assembly.
type AnswerContextUseCase struct {
	search    *MultiProfileSearch
	assembler ContextAssembler
}

func NewAnswerContextUseCase(search *MultiProfileSearch, assembler ContextAssembler) *AnswerContextUseCase {
	return &AnswerContextUseCase{search: search, assembler: assembler}
}

func (uc *AnswerContextUseCase) AnswerContext(ctx context.Context, question string) ([]domain.ContextEntry, error) {
	return uc.AnswerContextWithOptions(ctx, question, uc.search.Defaults())
}

func (uc *AnswerContextUseCase) AnswerContextWithOptions(
	ctx context.Context,
	question string,
	opts domain.SearchOptions,
) ([]domain.ContextEntry, error) {
	results, err := uc.search.Search(ctx, question, opts)
	if err != nil {
		return nil, fmt.Errorf("answer context: %w", err)
	}
	return uc.assembler.Assemble(results), nil
}

func (uc *AnswerContextUseCase) DetectProfiles(ctx context.Context, question string) ([]domain.ProfileDetectionResult, error) {
	return uc.search.Detect(ctx, question)
}

// Render exposes the prompt formatting used by adapters.
func (uc *AnswerContextUseCase) Render(entries []domain.ContextEntry) string {
	return uc.assembler.Render(entries)
}
