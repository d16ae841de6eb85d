package workflow

import (
	"errors"
	"fmt"
)

// Failure classes. Match with errors.Is against a *StepError.
var (
	ErrValidation     = errors.New("validation failed")
	ErrCollaborator   = errors.New("collaborator failed")
	ErrStateInvariant = errors.New("state invariant violated")
	ErrCancelled      = errors.New("cancelled")
)

// Failure reasons reported in snapshots and logs.
const (
	ReasonInvalidPrompt    = "invalid_prompt"
	ReasonInvalidState     = "invalid_state"
	ReasonEnhancement      = "enhancement_error"
	ReasonSynthesis        = "synthesis_error"
	ReasonScoring          = "scoring_error"
	ReasonApprovalRejected = "approval_rejected"
	ReasonApprovalTimeout  = "approval_timeout"
	ReasonApproval         = "approval_error"
	ReasonNoArtifact       = "no_artifact"
	ReasonNoStep           = "no_step"
	ReasonPanic            = "panic"
	ReasonStep             = "step_error"
	ReasonCancelled        = "cancelled"
)

// StepError describes why a step, or the run around it, failed.
type StepError struct {
	Step   StepName
	Class  error
	Reason string
	Detail string
	Err    error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Step, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the class and the underlying cause.
func (e *StepError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Class != nil {
		errs = append(errs, e.Class)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Invalid reports input that failed validation.
func Invalid(step StepName, reason, detail string) *StepError {
	return &StepError{Step: step, Class: ErrValidation, Reason: reason, Detail: detail}
}

// CollaboratorFailure wraps an error from an external capability.
func CollaboratorFailure(step StepName, reason string, err error) *StepError {
	return &StepError{Step: step, Class: ErrCollaborator, Reason: reason, Err: err}
}

// InvariantViolation reports a state the machine must never reach.
func InvariantViolation(step StepName, reason, detail string) *StepError {
	return &StepError{Step: step, Class: ErrStateInvariant, Reason: reason, Detail: detail}
}

// Cancelled reports a run stopped by its context.
func Cancelled(step StepName, cause error) *StepError {
	return &StepError{Step: step, Class: ErrCancelled, Reason: ReasonCancelled, Err: cause}
}

// AsStepError normalizes err into a *StepError attributed to step.
func AsStepError(step StepName, err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return CollaboratorFailure(step, ReasonStep, err)
}
