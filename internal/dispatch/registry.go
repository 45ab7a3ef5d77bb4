// Package dispatch matches ready items to idle role-bound workers,
// claiming each item with a compare-and-swap before handing it over.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/gantry-dev/gantry/pkg/models"
)

// Result is a worker's terminal report for one item. Exactly one of
// Completed/FailureReason applies unless Review is set, in which case
// the item's fate is decided by the convergence controller rather than
// the dispatcher.
type Result struct {
	// ItemID is the executed item.
	ItemID string
	// Completed is true if the work succeeded.
	Completed bool
	// Output is the worker's result payload, if any.
	Output string
	// FailureReason explains a failure.
	FailureReason string
	// Review is set when the worker produced a review verdict instead of
	// a plain completion. The dispatcher publishes it and leaves the
	// item in progress for the convergence controller.
	Review *models.ReviewResult
}

// Worker executes claimed items for one role. Implementations wrap the
// embedding system's execute/review collaborators; the core only sees
// this contract.
type Worker interface {
	// Role returns the role tag this worker serves.
	Role() string
	// Execute performs one item's work. The core never interprets the
	// item's payload; cancellation of in-flight work is the worker's
	// responsibility.
	Execute(ctx context.Context, item *models.WorkItem) Result
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc struct {
	// Tag is the role this worker serves.
	Tag string
	// Fn performs the work.
	Fn func(ctx context.Context, item *models.WorkItem) Result
}

// Role returns the role tag.
func (w WorkerFunc) Role() string { return w.Tag }

// Execute invokes the wrapped function.
func (w WorkerFunc) Execute(ctx context.Context, item *models.WorkItem) Result {
	return w.Fn(ctx, item)
}

// Registry maps role tags to workers and tracks per-role concurrency.
// New roles are added by registering a tag and implementation; nothing
// in the core string-matches role names.
type Registry struct {
	mu      sync.Mutex
	workers map[string]Worker
	slots   map[string]int
	inUse   map[string]int
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]Worker),
		slots:   make(map[string]int),
		inUse:   make(map[string]int),
	}
}

// Register binds a worker implementation to its role with the given
// concurrency (slots <= 0 means one at a time). Registering a role twice
// replaces the worker.
func (r *Registry) Register(worker Worker, slots int) {
	if slots <= 0 {
		slots = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[worker.Role()] = worker
	r.slots[worker.Role()] = slots
}

// Roles returns the registered role tags.
func (r *Registry) Roles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles := make([]string, 0, len(r.workers))
	for role := range r.workers {
		roles = append(roles, role)
	}
	return roles
}

// acquire reserves a slot for the role. Returns the worker, or an error
// if the role is unknown or saturated; the caller retries next pass.
func (r *Registry) acquire(role string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[role]
	if !ok {
		return nil, fmt.Errorf("no worker registered for role %q", role)
	}
	if r.inUse[role] >= r.slots[role] {
		return nil, fmt.Errorf("role %q saturated (%d in use)", role, r.inUse[role])
	}
	r.inUse[role]++
	return worker, nil
}

// release returns a slot for the role.
func (r *Registry) release(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse[role] > 0 {
		r.inUse[role]--
	}
}

// InUse returns the number of busy slots for the role.
func (r *Registry) InUse(role string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUse[role]
}
