package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gantry-dev/gantry/internal/bus"
	"github.com/gantry-dev/gantry/internal/dispatch"
	"github.com/gantry-dev/gantry/internal/ledger"
	"github.com/gantry-dev/gantry/internal/plan"
	"github.com/gantry-dev/gantry/pkg/models"
)

type env struct {
	store    *ledger.MemoryStore
	bus      *bus.Bus
	registry *dispatch.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	messageBus, err := bus.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { messageBus.Close() })
	return &env{
		store:    ledger.NewMemoryStore(),
		bus:      messageBus,
		registry: dispatch.NewRegistry(),
	}
}

func (e *env) coordinator(t *testing.T, p *plan.Plan, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(RequiredConfig{
		Store:      e.store,
		Bus:        e.bus,
		Registry:   e.registry,
		Decomposer: StaticPlan{Plan: p},
	}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// completer registers a worker that completes everything and records the
// executed item IDs.
func (e *env) completer(role string) *executionLog {
	log := &executionLog{}
	e.registry.Register(dispatch.WorkerFunc{
		Tag: role,
		Fn: func(ctx context.Context, item *models.WorkItem) dispatch.Result {
			log.record(item.ID)
			return dispatch.Result{Completed: true}
		},
	}, 4)
	return log
}

type executionLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *executionLog) record(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *executionLog) executed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

func item(id, role string, deps ...string) *models.WorkItem {
	return &models.WorkItem{ID: id, Title: id, OwnerRole: role, BlockedBy: deps}
}

func TestRunCompletesLinearPlan(t *testing.T) {
	e := newEnv(t)
	log := e.completer("builder")

	p := &plan.Plan{Goal: "chain", Items: []*models.WorkItem{
		item("a", "builder"),
		item("b", "builder", "a"),
		item("c", "builder", "b"),
	}}

	summary, err := e.coordinator(t, p).Run(context.Background(), "chain")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Completed != 3 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}

	order := log.executed()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("execution order = %v", order)
	}
}

func TestRunReviewConvergesAfterRevision(t *testing.T) {
	e := newEnv(t)
	builderLog := e.completer("builder")
	deployLog := e.completer("operator")

	var mu sync.Mutex
	reviews := 0
	e.registry.Register(dispatch.WorkerFunc{
		Tag: "critic",
		Fn: func(ctx context.Context, it *models.WorkItem) dispatch.Result {
			mu.Lock()
			reviews++
			n := reviews
			mu.Unlock()
			if n == 1 {
				return dispatch.Result{Review: &models.ReviewResult{Score: 4, Feedback: "thin coverage"}}
			}
			return dispatch.Result{Review: &models.ReviewResult{Score: 9}}
		},
	}, 1)

	p := &plan.Plan{
		Items: []*models.WorkItem{
			item("work", "builder"),
			item("gate", "critic", "work"),
			item("deploy", "operator"),
		},
		Reviews:    []plan.ReviewSpec{{Gate: "gate", GeneratorRole: "builder", MaxRounds: 3}},
		SyncPoints: []*models.SyncPoint{{GateItemID: "gate", Downstream: []string{"deploy"}}},
	}

	summary, err := e.coordinator(t, p, WithConvergence(3, 7)).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}

	// The failing round produced one revision item for the builder.
	revision, err := e.store.Get("gate-rev1")
	if err != nil {
		t.Fatalf("revision item: %v", err)
	}
	if revision.Status != models.StatusCompleted {
		t.Errorf("revision status = %s", revision.Status)
	}

	gate, _ := e.store.Get("gate")
	if gate.Status != models.StatusCompleted {
		t.Errorf("gate status = %s", gate.Status)
	}

	// Deploy must have waited for the gate: it runs only after the sync
	// point releases, i.e. after both the work item and the revision.
	deploys := deployLog.executed()
	if len(deploys) != 1 {
		t.Fatalf("deploy executions = %v", deploys)
	}
	builds := builderLog.executed()
	if len(builds) != 2 {
		t.Errorf("builder executions = %v, want work + revision", builds)
	}

	released := e.bus.Replay(1, func(m models.Message) bool {
		return m.Type == models.MsgSyncReleased
	})
	if len(released) != 1 {
		t.Errorf("sync released messages = %d, want 1", len(released))
	}
}

func TestRunEscalationAcceptedByDecider(t *testing.T) {
	e := newEnv(t)
	e.completer("builder")
	e.completer("operator")
	e.registry.Register(dispatch.WorkerFunc{
		Tag: "critic",
		Fn: func(ctx context.Context, it *models.WorkItem) dispatch.Result {
			return dispatch.Result{Review: &models.ReviewResult{Score: 5, Feedback: "still shallow"}}
		},
	}, 1)

	p := &plan.Plan{
		Items: []*models.WorkItem{
			item("work", "builder"),
			item("gate", "critic", "work"),
			item("deploy", "operator"),
		},
		Reviews:    []plan.ReviewSpec{{Gate: "gate", GeneratorRole: "builder", MaxRounds: 2}},
		SyncPoints: []*models.SyncPoint{{GateItemID: "gate", Downstream: []string{"deploy"}}},
	}

	var requests []EscalationRequest
	decider := DeciderFunc(func(ctx context.Context, req EscalationRequest) Decision {
		requests = append(requests, req)
		return DecisionAccept
	})

	summary, err := e.coordinator(t, p, WithConvergence(2, 7), WithDecider(decider)).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Escalations != 1 {
		t.Errorf("escalations = %d, want 1", summary.Escalations)
	}
	if len(requests) != 1 || requests[0].SubjectID != "gate" {
		t.Fatalf("decider requests = %+v", requests)
	}
	if requests[0].FeedbackTrail == "" {
		t.Error("escalation should carry the feedback trail")
	}

	gate, _ := e.store.Get("gate")
	deploy, _ := e.store.Get("deploy")
	if gate.Status != models.StatusCompleted || deploy.Status != models.StatusCompleted {
		t.Errorf("gate = %s, deploy = %s, want both completed", gate.Status, deploy.Status)
	}

	// The escalation went through the ledger as a decision item whose
	// output records the choice.
	decision, err := e.store.Get("decide-gate")
	if err != nil {
		t.Fatalf("decision item: %v", err)
	}
	if decision.Status != models.StatusCompleted || decision.Payload != string(DecisionAccept) {
		t.Errorf("decision item = %s payload %q", decision.Status, decision.Payload)
	}
}

func TestRunAbortFailsRemainingItems(t *testing.T) {
	e := newEnv(t)
	e.completer("builder")
	e.registry.Register(dispatch.WorkerFunc{
		Tag: "critic",
		Fn: func(ctx context.Context, it *models.WorkItem) dispatch.Result {
			return dispatch.Result{Review: &models.ReviewResult{Score: 2}}
		},
	}, 1)

	p := &plan.Plan{
		Items: []*models.WorkItem{
			item("work", "builder"),
			item("gate", "critic", "work"),
			item("later", "builder", "gate"),
		},
		Reviews: []plan.ReviewSpec{{Gate: "gate", GeneratorRole: "builder", MaxRounds: 1}},
	}

	// Default decider aborts.
	_, err := e.coordinator(t, p, WithConvergence(1, 7)).Run(context.Background(), "")
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run = %v, want ErrAborted", err)
	}

	later, _ := e.store.Get("later")
	if later.Status != models.StatusFailed {
		t.Errorf("unstarted item after abort = %s, want failed", later.Status)
	}
	if later.FailureReason == "" {
		t.Error("aborted item should carry a failure reason")
	}
}

func TestRunDefersOverlappingClaims(t *testing.T) {
	e := newEnv(t)
	e.completer("builder")

	one := item("one", "builder")
	one.ResourceClaims = []models.ResourceKey{"src/shared/config.ts"}
	one.Priority = 2
	two := item("two", "builder")
	two.ResourceClaims = []models.ResourceKey{"src/shared/config.ts"}
	two.Priority = 1

	p := &plan.Plan{Items: []*models.WorkItem{one, two}}

	summary, err := e.coordinator(t, p).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Completed != 2 {
		t.Errorf("summary = %+v, want both completed", summary)
	}

	conflicts := e.bus.Replay(1, func(m models.Message) bool {
		return m.Type == models.MsgConflictFound
	})
	if len(conflicts) != 1 {
		t.Fatalf("conflict messages = %d, want 1", len(conflicts))
	}
	rec := conflicts[0].Conflict
	if rec == nil || rec.Severity != models.SeverityCritical || rec.DeferredItem != "two" {
		t.Errorf("conflict record = %+v", rec)
	}
}

func TestRunCriticalTieSerializedOnAccept(t *testing.T) {
	e := newEnv(t)
	log := e.completer("builder")

	one := item("one", "builder")
	one.ResourceClaims = []models.ResourceKey{"db/schema.sql"}
	two := item("two", "builder")
	two.ResourceClaims = []models.ResourceKey{"db/schema.sql"}

	p := &plan.Plan{Items: []*models.WorkItem{one, two}}
	decider := DeciderFunc(func(ctx context.Context, req EscalationRequest) Decision {
		if req.Conflict == nil {
			t.Error("conflict escalation should carry the record")
		}
		return DecisionAccept
	})

	summary, err := e.coordinator(t, p, WithDecider(decider)).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 0 || summary.Escalations != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if got := log.executed(); len(got) != 2 {
		t.Errorf("executions = %v", got)
	}

	// The accepted decision serialized the pair through the graph: "two"
	// picked up both the decision gate and an edge on "one".
	stored, _ := e.store.Get("two")
	if stored.Status != models.StatusCompleted || !stored.BlockedOn("one") {
		t.Errorf("two = %s blocked_by %v, want completed after one", stored.Status, stored.BlockedBy)
	}
}

func TestRunReportsBlockedDownstreamOfFailure(t *testing.T) {
	e := newEnv(t)
	e.completer("builder")
	e.registry.Register(dispatch.WorkerFunc{
		Tag: "flaky",
		Fn: func(ctx context.Context, it *models.WorkItem) dispatch.Result {
			return dispatch.Result{FailureReason: "boom"}
		},
	}, 1)

	// x waits on y and z; z fails, so x can never run and must surface
	// with the failed upstream named, not vanish.
	p := &plan.Plan{Items: []*models.WorkItem{
		item("y", "builder"),
		item("z", "flaky"),
		item("x", "builder", "y", "z"),
	}}

	summary, err := e.coordinator(t, p).Run(context.Background(), "")
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("Run = %v, want ErrStalled", err)
	}
	if !strings.Contains(err.Error(), "dependency_failed:z") {
		t.Errorf("stall error should name the failed upstream, got %v", err)
	}
	if summary.Completed != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunStallsOnUnstaffedRole(t *testing.T) {
	e := newEnv(t)
	p := &plan.Plan{Items: []*models.WorkItem{item("a", "nobody")}}

	_, err := e.coordinator(t, p).Run(context.Background(), "")
	if !errors.Is(err, ErrStalled) {
		t.Errorf("Run = %v, want ErrStalled", err)
	}
}

func TestRunRejectsCyclicPlan(t *testing.T) {
	e := newEnv(t)
	e.completer("builder")

	p := &plan.Plan{Items: []*models.WorkItem{
		item("a", "builder", "b"),
		item("b", "builder", "a"),
	}}

	_, err := e.coordinator(t, p).Run(context.Background(), "")
	if !errors.Is(err, ledger.ErrCyclicDependency) {
		t.Errorf("Run = %v, want ErrCyclicDependency", err)
	}
}

func TestRunResumesWithoutRerunningCompletedItems(t *testing.T) {
	e := newEnv(t)
	log := e.completer("builder")

	// A previous run completed "a" and left "b" pending behind it.
	done := item("a", "builder")
	done.Status = models.StatusCompleted
	if err := e.store.Create(done); err != nil {
		t.Fatal(err)
	}
	if err := e.store.Create(item("b", "builder", "a")); err != nil {
		t.Fatal(err)
	}

	p := &plan.Plan{Items: []*models.WorkItem{
		item("a", "builder"),
		item("b", "builder", "a"),
	}}

	summary, err := e.coordinator(t, p).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Completed != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if got := log.executed(); len(got) != 1 || got[0] != "b" {
		t.Errorf("resumed run executed %v, want only b", got)
	}
}

func TestRunRequeuesOrphanedItems(t *testing.T) {
	e := newEnv(t)
	log := e.completer("builder")

	// A crashed run left "a" claimed but unfinished.
	if err := e.store.Create(item("a", "builder")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.Claim("a"); err != nil {
		t.Fatal(err)
	}

	p := &plan.Plan{Items: []*models.WorkItem{item("a", "builder")}}

	summary, err := e.coordinator(t, p).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Completed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if got := log.executed(); len(got) != 1 {
		t.Errorf("executions = %v", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	e := newEnv(t)
	if _, err := New(RequiredConfig{Store: e.store, Bus: e.bus, Registry: e.registry}); err == nil {
		t.Error("New without a decomposer should error")
	}
	if _, err := New(RequiredConfig{Bus: e.bus, Registry: e.registry, Decomposer: StaticPlan{}}); err == nil {
		t.Error("New without a store should error")
	}
}
