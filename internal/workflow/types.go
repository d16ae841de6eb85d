package workflow

import (
	"context"
	"math"
	"slices"
	"time"
)

// Status is the externally visible lifecycle of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepName identifies a step in the workflow.
type StepName string

const (
	StepPlanner   StepName = "planner"
	StepApproval  StepName = "approval"
	StepGenerator StepName = "generator"
	StepCritic    StepName = "critic"
)

const (
	// DefaultMaxIterations applies when a state is created with zero.
	DefaultMaxIterations = 3

	// DefaultQualityThreshold is the lowest accepted critic score.
	DefaultQualityThreshold = 0.7

	// IssueMissingImage marks a critique of a run with no artifact.
	IssueMissingImage = "missing_image"
)

// GenerationParams are the knobs sent to the synthesis service.
type GenerationParams struct {
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"num_inference_steps"`
	Guidance       float64 `json:"guidance_scale"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
}

// DefaultGenerationParams returns 1024x1024, 30 steps, guidance 7.5.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Width:    1024,
		Height:   1024,
		Steps:    30,
		Guidance: 7.5,
	}
}

// PromptAnalysis describes what the planner did to the prompt.
type PromptAnalysis struct {
	OriginalLength  int      `json:"original_length"`
	OptimizedLength int      `json:"optimized_length"`
	Keywords        []string `json:"keywords_added"`
	StyleHints      string   `json:"style_hints"`
}

// Critique is a quality assessment of one generated image.
type Critique struct {
	Score    float64  `json:"score"`
	Feedback string   `json:"feedback"`
	Issues   []string `json:"issues,omitempty"`
}

// MissingImageCritique is the critique recorded when there is nothing to score.
func MissingImageCritique() Critique {
	return Critique{Score: 0, Feedback: "No image generated", Issues: []string{IssueMissingImage}}
}

// ClampScore bounds s to [0, 1]. NaN becomes 0.
func ClampScore(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(0, math.Min(1, s))
}

// ShouldRegenerate decides whether another generation pass is wanted.
// iterationsBefore is the count prior to the pass being judged.
func ShouldRegenerate(score float64, iterationsBefore, maxIterations int, threshold float64) bool {
	return score < threshold && iterationsBefore < maxIterations
}

// State is the record threaded through every step of one run.
type State struct {
	TaskID         string
	OriginalPrompt string
	ReferenceImage []byte

	OptimizedPrompt string
	Analysis        *PromptAnalysis

	Artifact []byte
	Params   *GenerationParams

	QualityScore *float64
	Feedback     string
	Issues       []string

	IterationCount   int
	MaxIterations    int
	ShouldRegenerate bool

	UserApproved *bool

	Status      Status
	CurrentStep StepName
	Error       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewState returns a Pending state. maxIterations of zero means
// DefaultMaxIterations; negative values are rejected when the run starts.
func NewState(taskID, prompt string, reference []byte, maxIterations int) *State {
	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	}
	now := time.Now().UTC()
	return &State{
		TaskID:         taskID,
		OriginalPrompt: prompt,
		ReferenceImage: reference,
		MaxIterations:  maxIterations,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// EffectivePrompt is the optimized prompt when present, otherwise the original.
func (s *State) EffectivePrompt() string {
	if s.OptimizedPrompt != "" {
		return s.OptimizedPrompt
	}
	return s.OriginalPrompt
}

// HasArtifact reports whether an image has been produced.
func (s *State) HasArtifact() bool {
	return len(s.Artifact) > 0
}

// Approved reports whether approval was already granted.
func (s *State) Approved() bool {
	return s.UserApproved != nil && *s.UserApproved
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.ReferenceImage = slices.Clone(s.ReferenceImage)
	c.Artifact = slices.Clone(s.Artifact)
	c.Issues = slices.Clone(s.Issues)
	if s.Analysis != nil {
		a := *s.Analysis
		a.Keywords = slices.Clone(s.Analysis.Keywords)
		c.Analysis = &a
	}
	if s.Params != nil {
		p := *s.Params
		if s.Params.Seed != nil {
			seed := *s.Params.Seed
			p.Seed = &seed
		}
		c.Params = &p
	}
	if s.QualityScore != nil {
		q := *s.QualityScore
		c.QualityScore = &q
	}
	if s.UserApproved != nil {
		u := *s.UserApproved
		c.UserApproved = &u
	}
	return &c
}

// Step is one unit of work in the workflow. Run receives a private copy of
// the state and reports its results as an Update; it must not rely on
// mutations of the state being observed by anyone.
type Step interface {
	Name() StepName
	Run(ctx context.Context, state *State) (Update, error)
}

// Update is the delta a step returns. Only non-nil groups are merged.
type Update struct {
	Plan       *PlanUpdate
	Approval   *ApprovalUpdate
	Generation *GenerationUpdate
	Critique   *CritiqueUpdate
}

// PlanUpdate carries the planner's output.
type PlanUpdate struct {
	OptimizedPrompt string
	Analysis        PromptAnalysis
}

// ApprovalUpdate carries the approval decision.
type ApprovalUpdate struct {
	Approved bool
}

// GenerationUpdate carries the synthesized image.
type GenerationUpdate struct {
	Artifact []byte
	Params   GenerationParams
}

// CritiqueUpdate carries the critic's verdict.
type CritiqueUpdate struct {
	Critique
	IterationCount   int
	ShouldRegenerate bool
}

// Apply merges u into s.
func (s *State) Apply(u Update) {
	if p := u.Plan; p != nil {
		s.OptimizedPrompt = p.OptimizedPrompt
		a := p.Analysis
		s.Analysis = &a
	}
	if a := u.Approval; a != nil {
		approved := a.Approved
		s.UserApproved = &approved
	}
	if g := u.Generation; g != nil {
		s.Artifact = g.Artifact
		params := g.Params
		s.Params = &params
	}
	if c := u.Critique; c != nil {
		score := c.Score
		s.QualityScore = &score
		s.Feedback = c.Feedback
		s.Issues = c.Issues
		s.IterationCount = c.IterationCount
		s.ShouldRegenerate = c.ShouldRegenerate
	}
}
