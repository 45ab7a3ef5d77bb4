package ledger

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gantry-dev/gantry/pkg/models"
)

func newItem(id string) *models.WorkItem {
	return &models.WorkItem{
		ID:        id,
		Title:     "task " + id,
		OwnerRole: "builder",
	}
}

// storeFactories lets every test run against both implementations.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			db, err := OpenSQLite(t.TempDir() + "/ledger.db")
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return db
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			item := newItem("a")
			if err := store.Create(item); err != nil {
				t.Fatalf("Create: %v", err)
			}

			got, err := store.Get("a")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != models.StatusPending {
				t.Errorf("new item status = %s, want pending", got.Status)
			}
			if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
				t.Error("timestamps should be set on create")
			}
		})
	}
}

func TestCreateDuplicateID(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			if err := store.Create(newItem("a")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			err := store.Create(newItem("a"))
			if !errors.Is(err, ErrDuplicateID) {
				t.Errorf("duplicate create error = %v, want ErrDuplicateID", err)
			}
		})
	}
}

func TestGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpdateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    models.ItemStatus
		to      models.ItemStatus
		wantErr bool
	}{
		{"pending to in_progress", models.StatusPending, models.StatusInProgress, false},
		{"pending to failed (abort)", models.StatusPending, models.StatusFailed, false},
		{"pending to completed skips claim", models.StatusPending, models.StatusCompleted, true},
		{"in_progress to completed", models.StatusInProgress, models.StatusCompleted, false},
		{"in_progress to failed", models.StatusInProgress, models.StatusFailed, false},
		{"in_progress requeue", models.StatusInProgress, models.StatusPending, false},
		{"completed is terminal", models.StatusCompleted, models.StatusPending, true},
		{"failed is terminal", models.StatusFailed, models.StatusInProgress, true},
		{"blocked is not settable", models.StatusPending, models.StatusBlocked, true},
		{"same status allowed", models.StatusPending, models.StatusPending, false},
	}

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					store := factory()
					defer store.Close()

					item := newItem("a")
					item.Status = tt.from
					if err := store.Create(item); err != nil {
						t.Fatalf("Create: %v", err)
					}

					snapshot := item.Clone()
					snapshot.Status = tt.to
					_, err := store.Update("a", snapshot)
					if tt.wantErr && !errors.Is(err, ErrInvalidTransition) {
						t.Errorf("Update = %v, want ErrInvalidTransition", err)
					}
					if !tt.wantErr && err != nil {
						t.Errorf("Update: %v", err)
					}
				})
			}
		})
	}
}

func TestUpdateIsFullSnapshot(t *testing.T) {
	store := NewMemoryStore()
	item := newItem("a")
	item.Payload = "original"
	if err := store.Create(item); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snapshot := item.Clone()
	snapshot.Payload = "revised"
	snapshot.Title = "retitled"
	updated, err := store.Update("a", snapshot)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Payload != "revised" || updated.Title != "retitled" {
		t.Error("update should overwrite the full snapshot")
	}
	if updated.Status != models.StatusPending {
		t.Errorf("status = %s, want pending kept when the snapshot leaves it unset", updated.Status)
	}
	if !updated.UpdatedAt.After(item.CreatedAt) && !updated.UpdatedAt.Equal(item.CreatedAt) {
		t.Error("UpdatedAt should be bumped")
	}
}

func TestUpdateUnsetStatusKeepsCurrent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			if err := store.Create(newItem("a")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if _, err := store.Claim("a"); err != nil {
				t.Fatalf("Claim: %v", err)
			}

			snapshot := newItem("a")
			snapshot.Payload = "progress note"
			updated, err := store.Update("a", snapshot)
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if updated.Status != models.StatusInProgress {
				t.Errorf("status = %s, want in_progress kept", updated.Status)
			}
			if updated.Payload != "progress note" {
				t.Errorf("payload = %q, want the snapshot's", updated.Payload)
			}
		})
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			if err := store.Create(newItem("a")); err != nil {
				t.Fatalf("Create: %v", err)
			}

			const workers = 8
			var wg sync.WaitGroup
			results := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Claim("a")
					results <- err
				}()
			}
			wg.Wait()
			close(results)

			var wins, losses int
			for err := range results {
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrAlreadyClaimed):
					losses++
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}
			if wins != 1 {
				t.Errorf("claim wins = %d, want exactly 1", wins)
			}
			if losses != workers-1 {
				t.Errorf("claim losses = %d, want %d", losses, workers-1)
			}
		})
	}
}

func TestClaimRejectsUnresolvedDependencies(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Create(newItem("dep")); err != nil {
		t.Fatal(err)
	}
	item := newItem("a")
	item.BlockedBy = []string{"dep"}
	if err := store.Create(item); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Claim("a"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("claim with unresolved dependency = %v, want ErrInvalidTransition", err)
	}
}

// rejectAllGuard simulates the resolver rejecting every edge.
type rejectAllGuard struct{}

func (rejectAllGuard) ValidateEdge(items []*models.WorkItem, itemID, dependsOn string) error {
	return ErrCyclicDependency
}

func TestAddDependencyGuardRejection(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			if err := store.Create(newItem("a")); err != nil {
				t.Fatal(err)
			}
			if err := store.Create(newItem("b")); err != nil {
				t.Fatal(err)
			}
			store.SetEdgeGuard(rejectAllGuard{})

			err := store.AddDependency("a", "b")
			if !errors.Is(err, ErrCyclicDependency) {
				t.Fatalf("AddDependency = %v, want ErrCyclicDependency", err)
			}

			// Rejection must not mutate the graph.
			got, err := store.Get("a")
			if err != nil {
				t.Fatal(err)
			}
			if len(got.BlockedBy) != 0 {
				t.Errorf("rejected edge mutated blocked_by: %v", got.BlockedBy)
			}
		})
	}
}

func TestAddDependencyIdempotent(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Create(newItem("a")); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(newItem("b")); err != nil {
		t.Fatal(err)
	}

	if err := store.AddDependency("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddDependency("a", "b"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get("a")
	if len(got.BlockedBy) != 1 {
		t.Errorf("duplicate edge add should be idempotent, got %v", got.BlockedBy)
	}
}

func TestSyncPointAtomicRelease(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			if err := store.Create(newItem("gate")); err != nil {
				t.Fatal(err)
			}
			var downstream []string
			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("down-%d", i)
				if err := store.Create(newItem(id)); err != nil {
					t.Fatal(err)
				}
				downstream = append(downstream, id)
			}

			sp := &models.SyncPoint{GateItemID: "gate", Downstream: downstream}
			if err := store.CreateSyncPoint(sp); err != nil {
				t.Fatalf("CreateSyncPoint: %v", err)
			}

			// All downstream items gain the gate edge.
			for _, id := range downstream {
				got, _ := store.Get(id)
				if !got.BlockedOn("gate") {
					t.Fatalf("item %s should be blocked on the gate", id)
				}
			}

			if err := store.ReleaseSyncPoint("gate"); err != nil {
				t.Fatalf("ReleaseSyncPoint: %v", err)
			}

			// After release, no downstream item retains the gate edge.
			for _, id := range downstream {
				got, _ := store.Get(id)
				if got.BlockedOn("gate") {
					t.Errorf("item %s still blocked after release", id)
				}
			}

			// Releasing again is a no-op.
			if err := store.ReleaseSyncPoint("gate"); err != nil {
				t.Errorf("second release should be a no-op, got %v", err)
			}
		})
	}
}

func TestReleaseUnknownSyncPoint(t *testing.T) {
	store := NewMemoryStore()
	if err := store.ReleaseSyncPoint("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("release unknown gate = %v, want ErrNotFound", err)
	}
}

func TestListFilter(t *testing.T) {
	store := NewMemoryStore()
	a := newItem("a")
	b := newItem("b")
	b.OwnerRole = "critic"
	if err := store.Create(a); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(b); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim("a"); err != nil {
		t.Fatal(err)
	}

	inProgress, err := store.List(Filter{Statuses: []models.ItemStatus{models.StatusInProgress}})
	if err != nil {
		t.Fatal(err)
	}
	if len(inProgress) != 1 || inProgress[0].ID != "a" {
		t.Errorf("status filter returned %v", inProgress)
	}

	critics, err := store.List(Filter{OwnerRole: "critic"})
	if err != nil {
		t.Fatal(err)
	}
	if len(critics) != 1 || critics[0].ID != "b" {
		t.Errorf("role filter returned %v", critics)
	}
}
