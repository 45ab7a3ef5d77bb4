// Package ledger provides the durable store of work items and sync points.
// It is the single source of truth for item state: all mutations are
// single-item compare-and-swap style writes serialized per item, except
// sync-point release, which is the one multi-item atomic operation.
package ledger

import (
	"errors"
	"io"

	"github.com/gantry-dev/gantry/pkg/models"
)

// ErrDuplicateID indicates an item with the same ID already exists.
var ErrDuplicateID = errors.New("duplicate item id")

// ErrNotFound indicates the requested item or sync point does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition indicates a write that violates the status state
// machine (pending -> in_progress -> {completed, failed}).
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAlreadyClaimed indicates a claim lost the compare-and-swap race.
var ErrAlreadyClaimed = errors.New("item already claimed")

// ErrCyclicDependency indicates an edge insertion would create a cycle.
// The rejected edge never mutates stored state.
var ErrCyclicDependency = errors.New("cyclic dependency")

// Filter narrows a List scan. Zero-value fields match everything.
type Filter struct {
	// Statuses restricts results to items in any of the given statuses.
	Statuses []models.ItemStatus
	// OwnerRole restricts results to items owned by the given role.
	OwnerRole string
}

func (f Filter) matches(item *models.WorkItem) bool {
	if f.OwnerRole != "" && item.OwnerRole != f.OwnerRole {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if item.Status == s {
			return true
		}
	}
	return false
}

// EdgeGuard vets a dependency edge before the ledger commits it.
// The resolver supplies the cycle-detecting implementation; the ledger
// calls it with a snapshot of all items plus the proposed edge.
type EdgeGuard interface {
	// ValidateEdge returns ErrCyclicDependency (possibly wrapped) if adding
	// the edge itemID -> dependsOn would create a cycle.
	ValidateEdge(items []*models.WorkItem, itemID, dependsOn string) error
}

// ItemStore handles work-item persistence.
type ItemStore interface {
	// Create stores a new item. Fails with ErrDuplicateID on collision.
	Create(item *models.WorkItem) error
	// Get returns a copy of the item. Fails with ErrNotFound.
	Get(id string) (*models.WorkItem, error)
	// Update overwrites the stored snapshot after validating the status
	// transition, bumping UpdatedAt. Callers supply the full item they
	// intend; partial-field races are not possible.
	Update(id string, snapshot *models.WorkItem) (*models.WorkItem, error)
	// Claim atomically transitions pending -> in_progress. Exactly one of
	// N racing callers succeeds; the rest get ErrAlreadyClaimed.
	Claim(id string) (*models.WorkItem, error)
	// List returns copies of all items matching the filter.
	List(filter Filter) ([]*models.WorkItem, error)
	// AddDependency inserts a blocked-by edge, consulting the edge guard
	// before committing. Idempotent for existing edges.
	AddDependency(itemID, dependsOn string) error
}

// SyncPointStore handles sync-point barriers.
type SyncPointStore interface {
	// CreateSyncPoint registers a barrier and adds the gate id to every
	// downstream item's blocked-by set.
	CreateSyncPoint(sp *models.SyncPoint) error
	// GetSyncPoint returns the barrier gated by the given item.
	GetSyncPoint(gateItemID string) (*models.SyncPoint, error)
	// ReleaseSyncPoint removes the gate id from every downstream item's
	// blocked-by set in a single transaction. Partial release is never
	// observable. Releasing an already-released barrier is a no-op.
	ReleaseSyncPoint(gateItemID string) error
}

// Store is the full ledger contract the coordinator depends on.
// It composes focused sub-interfaces so components can depend on only
// what they use.
type Store interface {
	io.Closer
	ItemStore
	SyncPointStore
	// SetEdgeGuard installs the dependency-edge guard. A nil guard
	// disables cycle checking (tests only).
	SetEdgeGuard(guard EdgeGuard)
}

// Compile-time verification that both implementations satisfy Store.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// validTransition reports whether a stored status may move to the
// requested one. Same-status writes are allowed so callers can update
// non-status fields; terminal statuses accept only same-status writes.
// StatusBlocked is a derived view and is never storable.
func validTransition(from, to models.ItemStatus) bool {
	if to == models.StatusBlocked {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case models.StatusPending:
		// pending -> failed covers abort of not-yet-started items.
		return to == models.StatusInProgress || to == models.StatusFailed
	case models.StatusInProgress:
		// in_progress -> pending is an explicit requeue, used by the
		// convergence controller to schedule another review round and by
		// escalation retries.
		return to == models.StatusCompleted || to == models.StatusFailed ||
			to == models.StatusPending
	default:
		return false
	}
}
