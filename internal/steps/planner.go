package steps

import (
	"context"
	"errors"
	"strings"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// Enhancer rewrites a prompt for better synthesis results.
type Enhancer interface {
	Enhance(ctx context.Context, prompt string) (string, workflow.PromptAnalysis, error)
}

// Planner enhances the original prompt.
type Planner struct {
	enhancer Enhancer
}

// NewPlanner creates the planning step.
func NewPlanner(enhancer Enhancer) *Planner {
	return &Planner{enhancer: enhancer}
}

func (p *Planner) Name() workflow.StepName { return workflow.StepPlanner }

func (p *Planner) Run(ctx context.Context, state *workflow.State) (workflow.Update, error) {
	optimized, analysis, err := p.enhancer.Enhance(ctx, state.OriginalPrompt)
	if err != nil {
		return workflow.Update{}, workflow.CollaboratorFailure(workflow.StepPlanner, workflow.ReasonEnhancement, err)
	}
	if strings.TrimSpace(optimized) == "" {
		return workflow.Update{}, workflow.CollaboratorFailure(workflow.StepPlanner, workflow.ReasonEnhancement,
			errors.New("enhancer returned an empty prompt"))
	}

	return workflow.Update{Plan: &workflow.PlanUpdate{
		OptimizedPrompt: optimized,
		Analysis:        analysis,
	}}, nil
}
