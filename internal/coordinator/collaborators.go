package coordinator

import (
	"context"

	"github.com/gantry-dev/gantry/internal/plan"
)

// Decomposer turns a goal into a work plan. The core never generates
// plans itself; the embedding system supplies this collaborator.
type Decomposer interface {
	Decompose(ctx context.Context, goal string) (*plan.Plan, error)
}

// DecomposeFunc adapts a function to the Decomposer interface.
type DecomposeFunc func(ctx context.Context, goal string) (*plan.Plan, error)

// Decompose invokes the wrapped function.
func (f DecomposeFunc) Decompose(ctx context.Context, goal string) (*plan.Plan, error) {
	return f(ctx, goal)
}

// PlanFile is a file-based decomposer: the plan is authored by hand and
// loaded from YAML. Decomposition is deterministic, so re-running a goal
// after a crash reproduces the same item set.
type PlanFile struct {
	// Path is the plan YAML file.
	Path string
}

// Decompose loads the plan file. The goal argument fills in a missing
// goal field; a goal declared in the file wins.
func (p PlanFile) Decompose(ctx context.Context, goal string) (*plan.Plan, error) {
	loaded, err := plan.Load(p.Path)
	if err != nil {
		return nil, err
	}
	if loaded.Goal == "" {
		loaded.Goal = goal
	}
	return loaded, nil
}

// StaticPlan wraps an already-built plan, mainly for testing.
type StaticPlan struct {
	Plan *plan.Plan
}

// Decompose returns the wrapped plan.
func (s StaticPlan) Decompose(ctx context.Context, goal string) (*plan.Plan, error) {
	return s.Plan, nil
}
