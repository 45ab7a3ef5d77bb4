// Package resolver computes the ready set, batch plan, and dependency
// views from the ledger, and supplies the cycle guard that gates
// dependency-edge insertion.
package resolver

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/gantry-dev/gantry/internal/ledger"
	"github.com/gantry-dev/gantry/pkg/models"
)

// CycleGuard validates dependency edges with a topological sort.
// It implements ledger.EdgeGuard, so edge insertions that would create
// a cycle are rejected before the ledger write commits.
type CycleGuard struct{}

// NewCycleGuard creates a cycle guard.
func NewCycleGuard() *CycleGuard {
	return &CycleGuard{}
}

// ValidateEdge returns ErrCyclicDependency if the proposed edge
// itemID -> dependsOn would make the graph cyclic.
func (g *CycleGuard) ValidateEdge(items []*models.WorkItem, itemID, dependsOn string) error {
	var edges []toposort.Edge
	for _, item := range items {
		if len(item.BlockedBy) == 0 {
			edges = append(edges, toposort.Edge{nil, item.ID})
			continue
		}
		for _, depID := range item.BlockedBy {
			edges = append(edges, toposort.Edge{depID, item.ID})
		}
	}
	edges = append(edges, toposort.Edge{dependsOn, itemID})

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %s -> %s", ledger.ErrCyclicDependency, itemID, dependsOn)
	}
	return nil
}

// ReadySet returns the items claimable right now: status pending with
// every blocked-by entry resolved to a completed item. The result keeps
// the ledger's deterministic order (created_at, then id).
func ReadySet(store ledger.ItemStore) ([]*models.WorkItem, error) {
	items, err := store.List(ledger.Filter{})
	if err != nil {
		return nil, fmt.Errorf("ready set: %w", err)
	}
	return readyFrom(items), nil
}

func readyFrom(items []*models.WorkItem) []*models.WorkItem {
	completed := make(map[string]bool, len(items))
	for _, item := range items {
		if item.Status == models.StatusCompleted {
			completed[item.ID] = true
		}
	}

	var ready []*models.WorkItem
	for _, item := range items {
		if item.Status != models.StatusPending {
			continue
		}
		unblocked := true
		for _, depID := range item.BlockedBy {
			if !completed[depID] {
				unblocked = false
				break
			}
		}
		if unblocked {
			ready = append(ready, item)
		}
	}
	return ready
}

// PlanBatches partitions the ready set into ordered groups. Items are
// sorted by CreatedAt then ID for a deterministic tie-break, then chunked
// into parallel groups capped at maxParallel. maxParallel <= 1 produces a
// single sequential group.
func PlanBatches(ready []*models.WorkItem, maxParallel int) []models.BatchGroup {
	if len(ready) == 0 {
		return nil
	}

	sorted := make([]*models.WorkItem, len(ready))
	copy(sorted, ready)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	if maxParallel <= 1 {
		return []models.BatchGroup{{Kind: models.GroupSequential, Items: sorted}}
	}

	var groups []models.BatchGroup
	for start := 0; start < len(sorted); start += maxParallel {
		end := start + maxParallel
		if end > len(sorted) {
			end = len(sorted)
		}
		groups = append(groups, models.BatchGroup{
			Kind:  models.GroupParallel,
			Items: sorted[start:end],
		})
	}
	return groups
}

// Dependents returns the IDs of items that declare a dependency on the
// given item.
func Dependents(items []*models.WorkItem, id string) []string {
	var result []string
	for _, item := range items {
		if item.BlockedOn(id) {
			result = append(result, item.ID)
		}
	}
	return result
}

// GraphView is the derived, on-demand dependency-graph summary exposed to
// surrounding tooling. It never mutates state.
type GraphView struct {
	// Total is the number of items in the ledger.
	Total int
	// Ready is the number of claimable items.
	Ready int
	// Completed is the number of successfully finished items.
	Completed int
	// Failed is the number of failed items.
	Failed int
	// InProgress is the number of claimed, unfinished items.
	InProgress int
	// Blocked lists items that cannot proceed, with their reason chains.
	Blocked []BlockedItem
	// NextBatch previews the next computable batch plan.
	NextBatch []models.BatchGroup
}

// BlockedItem reports one stuck item and why it is stuck.
type BlockedItem struct {
	// ItemID is the blocked item.
	ItemID string
	// Reason names the upstream cause, e.g. "dependency_failed:item-3".
	Reason string
}

// View computes the graph summary from the ledger.
func View(store ledger.ItemStore, maxParallel int) (*GraphView, error) {
	items, err := store.List(ledger.Filter{})
	if err != nil {
		return nil, fmt.Errorf("graph view: %w", err)
	}

	byID := make(map[string]*models.WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	view := &GraphView{Total: len(items)}
	ready := readyFrom(items)
	view.Ready = len(ready)
	view.NextBatch = PlanBatches(ready, maxParallel)

	readyIDs := make(map[string]bool, len(ready))
	for _, item := range ready {
		readyIDs[item.ID] = true
	}

	for _, item := range items {
		switch item.Status {
		case models.StatusCompleted:
			view.Completed++
		case models.StatusFailed:
			view.Failed++
		case models.StatusInProgress:
			view.InProgress++
		case models.StatusPending:
			if readyIDs[item.ID] {
				continue
			}
			view.Blocked = append(view.Blocked, BlockedItem{
				ItemID: item.ID,
				Reason: blockReason(item, byID),
			})
		}
	}
	return view, nil
}

// blockReason walks the item's unmet dependencies and names the root
// cause. A failed upstream dominates a merely-pending one: that block is
// permanent, not transient.
func blockReason(item *models.WorkItem, byID map[string]*models.WorkItem) string {
	var pendingDep string
	for _, depID := range item.BlockedBy {
		dep, ok := byID[depID]
		if !ok {
			return "dependency_missing:" + depID
		}
		switch dep.Status {
		case models.StatusFailed:
			return "dependency_failed:" + depID
		case models.StatusCompleted:
			// satisfied
		default:
			if pendingDep == "" {
				pendingDep = depID
			}
		}
	}
	if pendingDep != "" {
		return "dependency_pending:" + pendingDep
	}
	return "unknown"
}
