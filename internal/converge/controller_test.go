package converge

import (
	"strings"
	"testing"

	"github.com/gantry-dev/gantry/internal/bus"
	"github.com/gantry-dev/gantry/internal/ledger"
	"github.com/gantry-dev/gantry/pkg/models"
)

func setup(t *testing.T) (*ledger.MemoryStore, *bus.Bus, *Controller) {
	t.Helper()
	store := ledger.NewMemoryStore()
	messageBus, err := bus.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { messageBus.Close() })
	controller := NewController(store, messageBus, 7, 3, nil)
	return store, messageBus, controller
}

// claimedGate creates a gate item and moves it in progress, the state a
// review subject is in when its verdict arrives.
func claimedGate(t *testing.T, store *ledger.MemoryStore, id string) {
	t.Helper()
	if err := store.Create(&models.WorkItem{ID: id, Title: "review " + id, OwnerRole: "critic"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(id); err != nil {
		t.Fatal(err)
	}
}

func TestPassReleasesSyncPoint(t *testing.T) {
	store, messageBus, controller := setup(t)
	claimedGate(t, store, "gate")

	var downstream []string
	for _, id := range []string{"d1", "d2", "d3"} {
		if err := store.Create(&models.WorkItem{ID: id, Title: id, OwnerRole: "builder"}); err != nil {
			t.Fatal(err)
		}
		downstream = append(downstream, id)
	}
	if err := store.CreateSyncPoint(&models.SyncPoint{GateItemID: "gate", Downstream: downstream}); err != nil {
		t.Fatal(err)
	}

	controller.Track(Subject{SubjectID: "gate", GeneratorRole: "builder"})
	outcome, err := controller.HandleReview("gate", models.ReviewResult{Score: 9, CriticalCount: 0})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeConverged {
		t.Fatalf("outcome = %s, want converged", outcome)
	}

	gate, _ := store.Get("gate")
	if gate.Status != models.StatusCompleted {
		t.Errorf("gate status = %s, want completed", gate.Status)
	}
	for _, id := range downstream {
		item, _ := store.Get(id)
		if item.BlockedOn("gate") {
			t.Errorf("item %s still gated after release", id)
		}
	}

	released := messageBus.Replay(1, func(m models.Message) bool {
		return m.Type == models.MsgSyncReleased
	})
	if len(released) != 1 || released[0].Ref != "gate" {
		t.Errorf("sync released messages = %v", released)
	}
}

func TestPassWithCriticalsDoesNotConverge(t *testing.T) {
	store, _, controller := setup(t)
	claimedGate(t, store, "gate")
	controller.Track(Subject{SubjectID: "gate", GeneratorRole: "builder"})

	// High score but a critical finding: both criteria must hold.
	outcome, err := controller.HandleReview("gate", models.ReviewResult{Score: 9, CriticalCount: 1, Feedback: "injection risk"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeRevising {
		t.Errorf("outcome = %s, want revising", outcome)
	}
}

func TestFailSchedulesRevision(t *testing.T) {
	store, _, controller := setup(t)
	claimedGate(t, store, "gate")
	controller.Track(Subject{SubjectID: "gate", GeneratorRole: "builder"})

	outcome, err := controller.HandleReview("gate", models.ReviewResult{Score: 4, Feedback: "missing error paths"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeRevising {
		t.Fatalf("outcome = %s, want revising", outcome)
	}

	revisions, err := store.List(ledger.Filter{OwnerRole: "builder"})
	if err != nil {
		t.Fatal(err)
	}
	if len(revisions) != 1 {
		t.Fatalf("revision items = %d, want 1", len(revisions))
	}
	revision := revisions[0]
	if revision.Status != models.StatusPending {
		t.Errorf("revision status = %s, want pending", revision.Status)
	}
	if !strings.Contains(revision.Payload, "missing error paths") {
		t.Errorf("revision payload should carry the feedback, got %q", revision.Payload)
	}

	gate, _ := store.Get("gate")
	if gate.Status != models.StatusPending {
		t.Errorf("gate status = %s, want pending (requeued behind revision)", gate.Status)
	}
	if !gate.BlockedOn(revision.ID) {
		t.Errorf("gate should depend on the revision item, blocked_by = %v", gate.BlockedBy)
	}
}

// completeRevisionAndReclaim simulates the revision round finishing so
// the gate can be reviewed again.
func completeRevisionAndReclaim(t *testing.T, store *ledger.MemoryStore, gateID string) {
	t.Helper()
	revisions, err := store.List(ledger.Filter{
		OwnerRole: "builder",
		Statuses:  []models.ItemStatus{models.StatusPending},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, revision := range revisions {
		claimed, err := store.Claim(revision.ID)
		if err != nil {
			t.Fatal(err)
		}
		claimed.Status = models.StatusCompleted
		if _, err := store.Update(revision.ID, claimed); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Claim(gateID); err != nil {
		t.Fatal(err)
	}
}

func TestEscalatesAtRoundBound(t *testing.T) {
	store, messageBus, controller := setup(t)
	claimedGate(t, store, "gate")
	controller.Track(Subject{SubjectID: "gate", GeneratorRole: "builder", MaxRounds: 2})

	stuck := models.ReviewResult{Score: 5, CriticalCount: 0, Feedback: "still shallow"}

	outcome, err := controller.HandleReview("gate", stuck)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeRevising {
		t.Fatalf("round 1 outcome = %s, want revising", outcome)
	}

	completeRevisionAndReclaim(t, store, "gate")

	outcome, err = controller.HandleReview("gate", stuck)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeEscalated {
		t.Fatalf("round 2 outcome = %s, want escalated (never a third round)", outcome)
	}

	// No new revision item after escalation.
	pending, _ := store.List(ledger.Filter{
		OwnerRole: "builder",
		Statuses:  []models.ItemStatus{models.StatusPending},
	})
	if len(pending) != 0 {
		t.Errorf("escalation must not schedule another revision, pending = %v", pending)
	}

	// Gate stays in progress awaiting the decision.
	gate, _ := store.Get("gate")
	if gate.Status != models.StatusInProgress {
		t.Errorf("gate status = %s, want in_progress pending decision", gate.Status)
	}

	escalations := messageBus.Replay(1, func(m models.Message) bool {
		return m.Type == models.MsgEscalationRequired
	})
	if len(escalations) != 1 {
		t.Fatalf("escalation messages = %d, want 1", len(escalations))
	}
	if !strings.Contains(escalations[0].Reason, "still shallow") {
		t.Errorf("escalation should carry the feedback trail, got %q", escalations[0].Reason)
	}

	state := controller.State("gate")
	if state == nil || state.Converged || state.Round != 2 {
		t.Errorf("state = %+v, want round 2 not converged", state)
	}
}

func TestAcceptResolvesEscalation(t *testing.T) {
	store, messageBus, controller := setup(t)
	claimedGate(t, store, "gate")
	if err := store.Create(&models.WorkItem{ID: "down", Title: "down", OwnerRole: "builder"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSyncPoint(&models.SyncPoint{GateItemID: "gate", Downstream: []string{"down"}}); err != nil {
		t.Fatal(err)
	}
	controller.Track(Subject{SubjectID: "gate", GeneratorRole: "builder", MaxRounds: 1})

	outcome, err := controller.HandleReview("gate", models.ReviewResult{Score: 3})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeEscalated {
		t.Fatalf("outcome = %s, want escalated", outcome)
	}

	if err := controller.Accept("gate"); err != nil {
		t.Fatal(err)
	}

	gate, _ := store.Get("gate")
	if gate.Status != models.StatusCompleted {
		t.Errorf("accepted gate status = %s, want completed", gate.Status)
	}
	down, _ := store.Get("down")
	if down.BlockedOn("gate") {
		t.Error("accept should release the sync point")
	}
	released := messageBus.Replay(1, func(m models.Message) bool {
		return m.Type == models.MsgSyncReleased
	})
	if len(released) != 1 {
		t.Errorf("sync released messages = %d, want 1", len(released))
	}
}

func TestForceRoundGrantsOneMore(t *testing.T) {
	store, _, controller := setup(t)
	claimedGate(t, store, "gate")
	controller.Track(Subject{SubjectID: "gate", GeneratorRole: "builder", MaxRounds: 1})

	outcome, err := controller.HandleReview("gate", models.ReviewResult{Score: 3, Feedback: "incomplete"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeEscalated {
		t.Fatalf("outcome = %s, want escalated", outcome)
	}

	if err := controller.ForceRound("gate"); err != nil {
		t.Fatal(err)
	}

	gate, _ := store.Get("gate")
	if gate.Status != models.StatusPending {
		t.Errorf("forced round should requeue the gate, status = %s", gate.Status)
	}
	revisions, _ := store.List(ledger.Filter{
		OwnerRole: "builder",
		Statuses:  []models.ItemStatus{models.StatusPending},
	})
	if len(revisions) != 1 {
		t.Fatalf("forced round revisions = %d, want 1", len(revisions))
	}

	completeRevisionAndReclaim(t, store, "gate")
	outcome, err = controller.HandleReview("gate", models.ReviewResult{Score: 9})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeConverged {
		t.Errorf("passing review after forced round = %s, want converged", outcome)
	}
}

func TestUntrackedSubjectRejected(t *testing.T) {
	_, _, controller := setup(t)
	if _, err := controller.HandleReview("ghost", models.ReviewResult{Score: 10}); err == nil {
		t.Error("review of an untracked subject should error")
	}
}

func TestResetClearsState(t *testing.T) {
	store, _, controller := setup(t)
	claimedGate(t, store, "gate")
	controller.Track(Subject{SubjectID: "gate", GeneratorRole: "builder"})

	if _, err := controller.HandleReview("gate", models.ReviewResult{Score: 2}); err != nil {
		t.Fatal(err)
	}
	if controller.State("gate") == nil {
		t.Fatal("state should exist after a review")
	}

	controller.Reset("gate")
	if controller.State("gate") != nil {
		t.Error("reset should discard convergence state")
	}
}
