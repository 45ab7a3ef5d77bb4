package models

import "time"

// ItemStatus represents the current state of a work item.
type ItemStatus string

const (
	// StatusPending indicates the item has not started.
	StatusPending ItemStatus = "pending"
	// StatusInProgress indicates the item has been claimed by a worker.
	StatusInProgress ItemStatus = "in_progress"
	// StatusCompleted indicates the item finished successfully.
	StatusCompleted ItemStatus = "completed"
	// StatusFailed indicates the item failed.
	StatusFailed ItemStatus = "failed"
	// StatusBlocked is a derived view: an item with unmet dependencies.
	// It is never stored through Ledger.Update; reports compute it.
	StatusBlocked ItemStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses that end an item's lifecycle.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ResourceKey identifies a resource a work item intends to touch,
// typically a file path.
type ResourceKey = string

// WorkItem represents a unit of schedulable work with dependencies
// and an owning role.
type WorkItem struct {
	// ID is the unique, stable identifier for this item.
	ID string `json:"id" yaml:"id"`
	// Title is the short description of the item.
	Title string `json:"title" yaml:"title"`
	// OwnerRole tags which worker class may claim this item.
	OwnerRole string `json:"owner_role" yaml:"owner_role"`
	// Status is the current stored state of the item.
	Status ItemStatus `json:"status" yaml:"status,omitempty"`
	// BlockedBy lists item IDs that must complete before this item.
	BlockedBy []string `json:"blocked_by,omitempty" yaml:"blocked_by,omitempty"`
	// ResourceClaims lists the resources this item will touch.
	ResourceClaims []ResourceKey `json:"resource_claims,omitempty" yaml:"resource_claims,omitempty"`
	// Priority breaks ties when overlapping claims force serialization.
	// Higher wins; equal priorities on a critical overlap escalate.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Payload carries opaque instructions for the executing worker.
	// The core never interprets it.
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"`
	// FailureReason records why the item failed, if it did.
	FailureReason string `json:"failure_reason,omitempty" yaml:"-"`
	// CreatedAt is when the item was created.
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	// UpdatedAt is bumped on every ledger write.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// BlockedOn returns true if the item declares a dependency on the given id.
func (w *WorkItem) BlockedOn(id string) bool {
	for _, dep := range w.BlockedBy {
		if dep == id {
			return true
		}
	}
	return false
}

// ClaimsResource returns true if the item declares the exact resource key.
func (w *WorkItem) ClaimsResource(key ResourceKey) bool {
	for _, claim := range w.ResourceClaims {
		if claim == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the item. Ledger reads hand out clones so
// callers can never mutate stored state in place.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	c.BlockedBy = append([]string(nil), w.BlockedBy...)
	c.ResourceClaims = append([]ResourceKey(nil), w.ResourceClaims...)
	return &c
}

// GroupKind distinguishes how a batch group may be executed.
type GroupKind string

const (
	// GroupParallel members may run concurrently.
	GroupParallel GroupKind = "parallel"
	// GroupSequential members run strictly one after another.
	GroupSequential GroupKind = "sequential"
)

// BatchGroup is one ordered group within a scheduling pass.
type BatchGroup struct {
	// Kind is how the group's members may be executed.
	Kind GroupKind
	// Items are the member work items, in dispatch order.
	Items []*WorkItem
}

// SyncPoint gates a set of downstream items behind one reviewing item's
// pass signal. Release is atomic: all downstream items lose the gate edge
// in a single ledger transaction.
type SyncPoint struct {
	// GateItemID is the reviewing item whose pass releases the barrier.
	GateItemID string `json:"gate_item_id" yaml:"gate"`
	// Downstream lists the items blocked until the gate passes.
	Downstream []string `json:"downstream" yaml:"downstream"`
}

// Severity classifies a resource-claim conflict.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Blocking returns true for severities that must not dispatch in parallel.
func (s Severity) Blocking() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Valid returns true for a recognized severity name.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ConflictResolution is the state of a detected conflict.
type ConflictResolution string

const (
	// ResolutionPending means no choice has been made yet.
	ResolutionPending ConflictResolution = "pending"
	// ResolutionDeferred means the lower-priority item was re-queued.
	ResolutionDeferred ConflictResolution = "deferred"
	// ResolutionEscalated means the core could not choose deterministically.
	ResolutionEscalated ConflictResolution = "escalated"
	// ResolutionLogged means the conflict was recorded but did not block dispatch.
	ResolutionLogged ConflictResolution = "logged"
)

// ConflictRecord captures an overlapping-resource-claim conflict between
// two candidates for the same parallel batch.
type ConflictRecord struct {
	// ItemA and ItemB are the conflicting item IDs.
	ItemA string `json:"item_a"`
	ItemB string `json:"item_b"`
	// OverlappingResources are the claims both items share.
	OverlappingResources []ResourceKey `json:"overlapping_resources"`
	// Severity is the classified impact of dispatching both in parallel.
	Severity Severity `json:"severity"`
	// Resolution records how the conflict was handled.
	Resolution ConflictResolution `json:"resolution"`
	// DeferredItem is the item removed from the batch, if any.
	DeferredItem string `json:"deferred_item,omitempty"`
}

// ConvergenceState tracks one review subject's bounded revision cycle.
// One instance per subject; reset is explicit, never implicit.
type ConvergenceState struct {
	// SubjectID identifies the reviewed artifact or item.
	SubjectID string `json:"subject_id"`
	// Round is the number of completed review rounds.
	Round int `json:"round"`
	// MaxRounds bounds the revision loop.
	MaxRounds int `json:"max_rounds"`
	// Converged is true once the subject met the pass criteria.
	Converged bool `json:"converged"`
	// LastScore is the most recent review score.
	LastScore int `json:"last_score"`
	// LastCriticalCount is the most recent critical-issue count.
	LastCriticalCount int `json:"last_critical_count"`
}

// ReviewResult is the contract a reviewer collaborator returns.
type ReviewResult struct {
	// Score is the reviewer's quality score.
	Score int `json:"score"`
	// CriticalCount is the number of must-fix issues found.
	CriticalCount int `json:"critical_count"`
	// Feedback is the reviewer's prose feedback.
	Feedback string `json:"feedback,omitempty"`
}

// Passes returns true if the result meets the pass criteria.
func (r ReviewResult) Passes(threshold int) bool {
	return r.Score >= threshold && r.CriticalCount == 0
}
