package prompt

import (
	"context"
	"strings"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

const (
	qualitySuffix = ", highly detailed, professional quality, 4k"
	styleSuffix   = ", photorealistic"
)

var qualityTerms = []string{"detailed", "high quality", "4k", "professional"}

// RuleEnhancer appends quality and style modifiers when the prompt lacks them.
type RuleEnhancer struct{}

// NewRuleEnhancer returns the deterministic enhancer.
func NewRuleEnhancer() *RuleEnhancer {
	return &RuleEnhancer{}
}

// Enhance never fails.
func (RuleEnhancer) Enhance(_ context.Context, prompt string) (string, workflow.PromptAnalysis, error) {
	optimized := Optimize(prompt)
	return optimized, Analyze(prompt, optimized), nil
}

// Optimize applies the enhancement rules to prompt.
func Optimize(prompt string) string {
	out := strings.TrimSpace(prompt)
	lower := strings.ToLower(out)

	if !containsAny(lower, qualityTerms...) {
		out += qualitySuffix
	}
	if !containsAny(lower, "photo", "realistic") {
		out += styleSuffix
	}
	return out
}

func containsAny(s string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
