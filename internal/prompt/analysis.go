// Package prompt provides prompt enhancement for the planning step.
//
// Two enhancers are available: RuleEnhancer appends quality and style
// modifiers deterministically, LLMEnhancer asks a chat model to rewrite the
// prompt. Both return a workflow.PromptAnalysis describing the result.
package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

const (
	// MaxKeywords caps the keywords recorded in an analysis.
	MaxKeywords = 10

	// DefaultStyleHints is recorded for every enhanced prompt.
	DefaultStyleHints = "photorealistic, highly detailed, 4k"
)

const keywordPunct = ",.;:!?\"'()"

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {},
}

// Analyze builds the analysis record for an enhancement. Keywords come from
// the optimized prompt so they include the modifiers the enhancer added.
func Analyze(original, optimized string) workflow.PromptAnalysis {
	return workflow.PromptAnalysis{
		OriginalLength:  utf8.RuneCountInString(original),
		OptimizedLength: utf8.RuneCountInString(optimized),
		Keywords:        ExtractKeywords(optimized),
		StyleHints:      DefaultStyleHints,
	}
}

// ExtractKeywords returns up to MaxKeywords lowercased words longer than
// three characters, skipping stop words, in prompt order. Surrounding
// punctuation is trimmed from each word.
func ExtractKeywords(text string) []string {
	keywords := make([]string, 0, MaxKeywords)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		word := strings.Trim(field, keywordPunct)
		if _, stop := stopWords[word]; stop {
			continue
		}
		if utf8.RuneCountInString(word) <= 3 {
			continue
		}
		keywords = append(keywords, word)
		if len(keywords) == MaxKeywords {
			break
		}
	}
	return keywords
}
