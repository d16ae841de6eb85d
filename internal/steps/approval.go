package steps

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// Gate decides whether a planned prompt may proceed to generation. Await
// blocks until a decision, ctx is done, or the gate's own deadline passes
// (reported as context.DeadlineExceeded).
type Gate interface {
	Await(ctx context.Context, taskID, prompt string) (bool, error)
}

// Approval suspends the run until the gate decides.
type Approval struct {
	gate Gate
}

// NewApproval creates the approval step.
func NewApproval(gate Gate) *Approval {
	return &Approval{gate: gate}
}

func (a *Approval) Name() workflow.StepName { return workflow.StepApproval }

func (a *Approval) Run(ctx context.Context, state *workflow.State) (workflow.Update, error) {
	approved, err := a.gate.Await(ctx, state.TaskID, state.EffectivePrompt())
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return workflow.Update{}, workflow.Cancelled(workflow.StepApproval, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return workflow.Update{}, workflow.CollaboratorFailure(workflow.StepApproval, workflow.ReasonApprovalTimeout, err)
	default:
		return workflow.Update{}, workflow.CollaboratorFailure(workflow.StepApproval, workflow.ReasonApproval, err)
	}

	if !approved {
		return workflow.Update{}, workflow.Invalid(workflow.StepApproval, workflow.ReasonApprovalRejected, "prompt was not approved")
	}
	return workflow.Update{Approval: &workflow.ApprovalUpdate{Approved: true}}, nil
}
