package workflow

// Phase is a state of the workflow machine.
type Phase string

const (
	PhasePlanning         Phase = "planning"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseGenerating       Phase = "generating"
	PhaseCritiquing       Phase = "critiquing"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
)

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Step returns the step that executes in this phase.
func (p Phase) Step() StepName {
	switch p {
	case PhasePlanning:
		return StepPlanner
	case PhaseAwaitingApproval:
		return StepApproval
	case PhaseGenerating:
		return StepGenerator
	case PhaseCritiquing:
		return StepCritic
	default:
		return ""
	}
}

// Policy holds the run-wide switches that affect transitions.
type Policy struct {
	// ApprovalRequired inserts AwaitingApproval after Planning unless the
	// state already carries an approval.
	ApprovalRequired bool
}

// Next is the transition function. It is pure: given the phase that just
// ran, the state after merging that phase's update and whether the phase
// failed, it returns the following phase.
func Next(p Phase, s *State, failed bool, policy Policy) Phase {
	if p.Terminal() {
		return p
	}
	if failed {
		return PhaseFailed
	}

	switch p {
	case PhasePlanning:
		if policy.ApprovalRequired && !s.Approved() {
			return PhaseAwaitingApproval
		}
		return PhaseGenerating
	case PhaseAwaitingApproval:
		return PhaseGenerating
	case PhaseGenerating:
		return PhaseCritiquing
	case PhaseCritiquing:
		if s.ShouldRegenerate && s.IterationCount < s.MaxIterations {
			return PhaseGenerating
		}
		return PhaseCompleted
	default:
		return PhaseFailed
	}
}

const (
	progressStarted  = 5
	progressPlanned  = 20
	progressApproved = 25
	progressLoopSpan = 70
	progressCeiling  = 95
	progressDone     = 100
)

// Progress estimates completion after step has run. Generation passes share
// the band between 25 and 95; each pass is split evenly between the
// generator and the critic.
func Progress(step StepName, s *State) int {
	switch step {
	case StepPlanner:
		return progressPlanned
	case StepApproval:
		return progressApproved
	case StepGenerator, StepCritic:
		maxIter := s.MaxIterations
		if maxIter < 1 {
			maxIter = 1
		}
		// Half-steps completed within the loop.
		half := 2*s.IterationCount + 1
		if step == StepCritic {
			half = 2 * s.IterationCount
		}
		p := progressApproved + progressLoopSpan*half/(2*maxIter)
		return min(p, progressCeiling)
	default:
		return 0
	}
}
