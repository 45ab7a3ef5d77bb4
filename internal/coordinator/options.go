// Package coordinator drives the scheduling loop: decompose a goal into
// ledger items, dispatch ready batches, vet conflicts, and run review
// convergence until every item is terminal.
package coordinator

import (
	"github.com/gantry-dev/gantry/internal/bus"
	"github.com/gantry-dev/gantry/internal/conflict"
	"github.com/gantry-dev/gantry/internal/dispatch"
	"github.com/gantry-dev/gantry/internal/ledger"
)

// RequiredConfig contains the minimal required configuration for a
// Coordinator. All fields are required and have no defaults.
type RequiredConfig struct {
	// Store is the durable work item ledger.
	Store ledger.Store
	// Bus is the ordered message log.
	Bus *bus.Bus
	// Registry holds the role-bound workers.
	Registry *dispatch.Registry
	// Decomposer turns goals into plans.
	Decomposer Decomposer
}

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*coordinatorOptions)

// coordinatorOptions holds all optional configuration.
type coordinatorOptions struct {
	maxParallel   int
	passThreshold int
	maxRounds     int
	policy        *conflict.Policy
	decider       Decider
	logger        *DebugLogger
	retry         *RetryConfig
}

// WithMaxParallel caps the size of a parallel batch group.
func WithMaxParallel(n int) Option {
	return func(o *coordinatorOptions) { o.maxParallel = n }
}

// WithConvergence sets the review round budget and pass threshold.
func WithConvergence(maxRounds, passThreshold int) Option {
	return func(o *coordinatorOptions) {
		o.maxRounds = maxRounds
		o.passThreshold = passThreshold
	}
}

// WithConflictPolicy sets the conflict severity policy.
func WithConflictPolicy(p conflict.Policy) Option {
	return func(o *coordinatorOptions) { o.policy = &p }
}

// WithDecider sets the escalation decider.
func WithDecider(d Decider) Option {
	return func(o *coordinatorOptions) { o.decider = d }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *coordinatorOptions) { o.logger = l }
}

// WithRetry sets the collaborator retry configuration.
func WithRetry(cfg RetryConfig) Option {
	return func(o *coordinatorOptions) { o.retry = &cfg }
}
