package coordinator

import (
	"context"

	"github.com/gantry-dev/gantry/pkg/models"
)

// Decision is the embedder's choice for an escalated subject.
type Decision string

const (
	// DecisionAccept accepts the subject as-is; a review gate completes
	// and releases its sync point, a conflict pair serializes.
	DecisionAccept Decision = "accept"
	// DecisionForceRound grants one more revision round.
	DecisionForceRound Decision = "force_round"
	// DecisionAbort stops the run; not-yet-started work is marked failed.
	DecisionAbort Decision = "abort"
)

// EscalationRequest carries everything the embedder needs to decide.
type EscalationRequest struct {
	// SubjectID is the escalated item, or one of the conflict pair.
	SubjectID string
	// Summary is a short description of why the core could not decide.
	Summary string
	// FeedbackTrail is the accumulated review feedback, for convergence
	// escalations.
	FeedbackTrail string
	// Conflict is set for conflict escalations.
	Conflict *models.ConflictRecord
}

// Decider resolves escalations the core cannot decide deterministically.
// The core blocks the affected subject, never the whole run, while a
// decision is pending.
type Decider interface {
	Decide(ctx context.Context, req EscalationRequest) Decision
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, req EscalationRequest) Decision

// Decide invokes the wrapped function.
func (f DeciderFunc) Decide(ctx context.Context, req EscalationRequest) Decision {
	return f(ctx, req)
}

// AbortDecider aborts on every escalation. It is the default: without an
// embedder decision channel, stopping is safer than guessing.
func AbortDecider() Decider {
	return DeciderFunc(func(ctx context.Context, req EscalationRequest) Decision {
		return DecisionAbort
	})
}
