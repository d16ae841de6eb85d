package steps

import (
	"context"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// Scorer assesses the current artifact. Scores outside [0, 1] are clamped.
type Scorer interface {
	Score(ctx context.Context, state *workflow.State) (workflow.Critique, error)
}

// Critic scores the artifact and decides whether to regenerate.
type Critic struct {
	scorer    Scorer
	threshold float64
}

// NewCritic creates the critique step. A threshold outside (0, 1] falls
// back to workflow.DefaultQualityThreshold.
func NewCritic(scorer Scorer, threshold float64) *Critic {
	if threshold <= 0 || threshold > 1 {
		threshold = workflow.DefaultQualityThreshold
	}
	return &Critic{scorer: scorer, threshold: threshold}
}

func (c *Critic) Name() workflow.StepName { return workflow.StepCritic }

// Run always consumes one iteration. A missing artifact scores zero without
// consulting the scorer.
func (c *Critic) Run(ctx context.Context, state *workflow.State) (workflow.Update, error) {
	var critique workflow.Critique
	if state.HasArtifact() {
		var err error
		critique, err = c.scorer.Score(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return workflow.Update{}, workflow.Cancelled(workflow.StepCritic, ctx.Err())
			}
			return workflow.Update{}, workflow.CollaboratorFailure(workflow.StepCritic, workflow.ReasonScoring, err)
		}
		critique.Score = workflow.ClampScore(critique.Score)
	} else {
		critique = workflow.MissingImageCritique()
	}

	before := state.IterationCount
	return workflow.Update{Critique: &workflow.CritiqueUpdate{
		Critique:         critique,
		IterationCount:   before + 1,
		ShouldRegenerate: workflow.ShouldRegenerate(critique.Score, before, state.MaxIterations, c.threshold),
	}}, nil
}
