// Package workflow drives a single image generation task from prompt to a
// terminal status.
//
// # Overview
//
// A run is an explicit finite-state machine:
//
//	Planning → [AwaitingApproval] → Generating → Critiquing ─┬→ Completed
//	                                    ↑                    │
//	                                    └── regenerate ──────┘
//	any phase ──(step failure or cancellation)──→ Failed
//
// Next is the pure transition function. The Orchestrator looks up the Step
// registered for the current phase, runs it against a copy of the State,
// merges the returned Update and publishes a Snapshot to the task registry.
//
// # Regeneration
//
// The critic increments IterationCount on every pass and sets
// ShouldRegenerate when the score is below the quality threshold and the
// pre-increment count was below MaxIterations. The machine loops back to
// Generating only while ShouldRegenerate holds and IterationCount is still
// below MaxIterations, so a run makes at most MaxIterations passes. A score
// equal to the threshold is accepted.
//
// # Errors
//
// Every step failure is a *StepError classified as ErrValidation,
// ErrCollaborator, ErrStateInvariant or ErrCancelled. A failed step's Update
// is discarded; the state keeps what earlier steps produced and CurrentStep
// names the step that failed.
//
// # Usage
//
//	orch := workflow.NewOrchestrator(workflow.Config{}, registry, sink, logger)
//	orch.RegisterStep(steps.NewPlanner(enhancer))
//	orch.RegisterStep(steps.NewGenerator(filter, synth))
//	orch.RegisterStep(steps.NewCritic(scorer, 0.7))
//
//	final, err := orch.Execute(ctx, workflow.NewState(id, prompt, nil, 3))
package workflow
