package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// DefaultSynthesisTimeout bounds a single synthesis call.
const DefaultSynthesisTimeout = 120 * time.Second

// ContentFilter reports whether a prompt may be sent to synthesis.
type ContentFilter interface {
	Validate(prompt string) bool
}

// Synthesizer turns a prompt into encoded image bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string, params workflow.GenerationParams) ([]byte, error)
}

// Generator filters the effective prompt and calls synthesis once.
type Generator struct {
	filter  ContentFilter
	synth   Synthesizer
	params  workflow.GenerationParams
	timeout time.Duration
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithParams sets the generation parameters sent on every call.
func WithParams(p workflow.GenerationParams) GeneratorOption {
	return func(g *Generator) { g.params = p }
}

// WithTimeout bounds each synthesis call.
func WithTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGenerator creates the generation step.
func NewGenerator(filter ContentFilter, synth Synthesizer, opts ...GeneratorOption) *Generator {
	g := &Generator{
		filter:  filter,
		synth:   synth,
		params:  workflow.DefaultGenerationParams(),
		timeout: DefaultSynthesisTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Name() workflow.StepName { return workflow.StepGenerator }

// Run rejects filtered prompts without calling synthesis. The reference
// image stays on the state and is not forwarded.
func (g *Generator) Run(ctx context.Context, state *workflow.State) (workflow.Update, error) {
	prompt := state.EffectivePrompt()
	if !g.filter.Validate(prompt) {
		return workflow.Update{}, workflow.Invalid(workflow.StepGenerator, workflow.ReasonInvalidPrompt,
			"prompt rejected by content filter")
	}

	params := g.params
	if params.Seed != nil {
		seed := *params.Seed
		params.Seed = &seed
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	artifact, err := g.synth.Synthesize(callCtx, prompt, params)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return workflow.Update{}, workflow.Cancelled(workflow.StepGenerator, ctx.Err())
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("timed out after %s: %w", g.timeout, err)
		}
		return workflow.Update{}, workflow.CollaboratorFailure(workflow.StepGenerator, workflow.ReasonSynthesis, err)
	}
	if len(artifact) == 0 {
		return workflow.Update{}, workflow.CollaboratorFailure(workflow.StepGenerator, workflow.ReasonSynthesis,
			errors.New("synthesis returned no image"))
	}

	return workflow.Update{Generation: &workflow.GenerationUpdate{
		Artifact: artifact,
		Params:   params,
	}}, nil
}
