// Package contentfilter decides whether a prompt may be sent to image
// synthesis.
package contentfilter

import (
	"strings"
	"unicode/utf8"
)

// DefaultMinLength is the shortest trimmed prompt accepted.
const DefaultMinLength = 3

// DefaultBlockedWords are rejected case-insensitively anywhere in a prompt.
var DefaultBlockedWords = []string{"nsfw", "explicit", "violent"}

// Filter reports whether a prompt is acceptable.
type Filter interface {
	Validate(prompt string) bool
}

// KeywordFilter rejects short prompts and prompts containing blocked words.
type KeywordFilter struct {
	blocked   []string
	minLength int
}

// NewKeywordFilter creates a keyword filter. A nil word list selects
// DefaultBlockedWords; a non-positive minLength selects DefaultMinLength.
func NewKeywordFilter(blocked []string, minLength int) *KeywordFilter {
	if blocked == nil {
		blocked = DefaultBlockedWords
	}
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	words := make([]string, 0, len(blocked))
	for _, w := range blocked {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return &KeywordFilter{blocked: words, minLength: minLength}
}

func (f *KeywordFilter) Validate(prompt string) bool {
	trimmed := strings.TrimSpace(prompt)
	if utf8.RuneCountInString(trimmed) < f.minLength {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, w := range f.blocked {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

// Chain accepts a prompt only if every filter accepts it. An empty chain
// accepts everything.
type Chain []Filter

func (c Chain) Validate(prompt string) bool {
	for _, f := range c {
		if !f.Validate(prompt) {
			return false
		}
	}
	return true
}
