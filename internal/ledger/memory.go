package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gantry-dev/gantry/pkg/models"
)

// MemoryStore is an in-memory ledger. It backs tests and short-lived runs
// that do not need resumability; the SQLite store is the durable twin.
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]*models.WorkItem
	syncPoints map[string]*models.SyncPoint
	released   map[string]bool
	guard      EdgeGuard
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:      make(map[string]*models.WorkItem),
		syncPoints: make(map[string]*models.SyncPoint),
		released:   make(map[string]bool),
		now:        time.Now,
	}
}

// SetEdgeGuard installs the dependency-edge guard.
func (s *MemoryStore) SetEdgeGuard(guard EdgeGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = guard
}

// Create stores a new item.
func (s *MemoryStore) Create(item *models.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("create item %s: %w", item.ID, ErrDuplicateID)
	}

	stored := item.Clone()
	if stored.Status == "" {
		stored.Status = models.StatusPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = s.now()

	s.items[item.ID] = stored
	return nil
}

// Get returns a copy of the item.
func (s *MemoryStore) Get(id string) (*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("get item %s: %w", id, ErrNotFound)
	}
	return item.Clone(), nil
}

// Update overwrites the stored snapshot after validating the transition.
func (s *MemoryStore) Update(id string, snapshot *models.WorkItem) (*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("update item %s: %w", id, ErrNotFound)
	}

	stored := snapshot.Clone()
	// A zero status means "leave the status alone", not "clear it".
	if stored.Status == "" {
		stored.Status = current.Status
	}
	if !validTransition(current.Status, stored.Status) {
		return nil, fmt.Errorf("update item %s: %s -> %s: %w",
			id, current.Status, stored.Status, ErrInvalidTransition)
	}
	stored.ID = id
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = s.now()

	s.items[id] = stored
	return stored.Clone(), nil
}

// Claim atomically transitions pending -> in_progress.
func (s *MemoryStore) Claim(id string) (*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("claim item %s: %w", id, ErrNotFound)
	}
	if item.Status != models.StatusPending {
		return nil, fmt.Errorf("claim item %s: status %s: %w", id, item.Status, ErrAlreadyClaimed)
	}
	for _, depID := range item.BlockedBy {
		dep, exists := s.items[depID]
		if !exists || dep.Status != models.StatusCompleted {
			return nil, fmt.Errorf("claim item %s: dependency %s unresolved: %w",
				id, depID, ErrInvalidTransition)
		}
	}

	item.Status = models.StatusInProgress
	item.UpdatedAt = s.now()
	return item.Clone(), nil
}

// List returns copies of all items matching the filter, ordered by
// CreatedAt then ID for deterministic scans.
func (s *MemoryStore) List(filter Filter) ([]*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.WorkItem
	for _, item := range s.items {
		if filter.matches(item) {
			result = append(result, item.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// AddDependency inserts a blocked-by edge after consulting the guard.
func (s *MemoryStore) AddDependency(itemID, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("add dependency: item %s: %w", itemID, ErrNotFound)
	}
	if _, ok := s.items[dependsOn]; !ok {
		return fmt.Errorf("add dependency: target %s: %w", dependsOn, ErrNotFound)
	}
	if item.BlockedOn(dependsOn) {
		return nil
	}

	if s.guard != nil {
		if err := s.guard.ValidateEdge(s.snapshotLocked(), itemID, dependsOn); err != nil {
			return fmt.Errorf("add dependency %s -> %s: %w", itemID, dependsOn, err)
		}
	}

	item.BlockedBy = append(item.BlockedBy, dependsOn)
	item.UpdatedAt = s.now()
	return nil
}

// CreateSyncPoint registers a barrier and blocks its downstream items.
func (s *MemoryStore) CreateSyncPoint(sp *models.SyncPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.syncPoints[sp.GateItemID]; exists {
		return fmt.Errorf("sync point %s: %w", sp.GateItemID, ErrDuplicateID)
	}
	if _, ok := s.items[sp.GateItemID]; !ok {
		return fmt.Errorf("sync point gate %s: %w", sp.GateItemID, ErrNotFound)
	}
	for _, downID := range sp.Downstream {
		if _, ok := s.items[downID]; !ok {
			return fmt.Errorf("sync point downstream %s: %w", downID, ErrNotFound)
		}
	}

	for _, downID := range sp.Downstream {
		item := s.items[downID]
		if !item.BlockedOn(sp.GateItemID) {
			item.BlockedBy = append(item.BlockedBy, sp.GateItemID)
			item.UpdatedAt = s.now()
		}
	}

	stored := &models.SyncPoint{
		GateItemID: sp.GateItemID,
		Downstream: append([]string(nil), sp.Downstream...),
	}
	s.syncPoints[sp.GateItemID] = stored
	return nil
}

// GetSyncPoint returns the barrier gated by the given item.
func (s *MemoryStore) GetSyncPoint(gateItemID string) (*models.SyncPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.syncPoints[gateItemID]
	if !ok {
		return nil, fmt.Errorf("sync point %s: %w", gateItemID, ErrNotFound)
	}
	return &models.SyncPoint{
		GateItemID: sp.GateItemID,
		Downstream: append([]string(nil), sp.Downstream...),
	}, nil
}

// ReleaseSyncPoint unblocks every downstream item under one lock hold,
// so observers never see a partial release.
func (s *MemoryStore) ReleaseSyncPoint(gateItemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.syncPoints[gateItemID]
	if !ok {
		return fmt.Errorf("release sync point %s: %w", gateItemID, ErrNotFound)
	}
	if s.released[gateItemID] {
		return nil
	}

	for _, downID := range sp.Downstream {
		item, exists := s.items[downID]
		if !exists {
			continue
		}
		item.BlockedBy = removeString(item.BlockedBy, gateItemID)
		item.UpdatedAt = s.now()
	}
	s.released[gateItemID] = true
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// snapshotLocked returns the raw stored items. Caller must hold s.mu and
// must not retain the slice past the lock.
func (s *MemoryStore) snapshotLocked() []*models.WorkItem {
	items := make([]*models.WorkItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	return items
}

func removeString(slice []string, target string) []string {
	out := slice[:0]
	for _, s := range slice {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
