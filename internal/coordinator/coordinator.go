package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gantry-dev/gantry/internal/bus"
	"github.com/gantry-dev/gantry/internal/conflict"
	"github.com/gantry-dev/gantry/internal/converge"
	"github.com/gantry-dev/gantry/internal/dispatch"
	"github.com/gantry-dev/gantry/internal/ledger"
	"github.com/gantry-dev/gantry/internal/plan"
	"github.com/gantry-dev/gantry/internal/resolver"
	"github.com/gantry-dev/gantry/pkg/models"
)

var (
	// ErrStalled means non-terminal items remain but none can make
	// progress: unstaffed roles or dependencies that will never resolve.
	ErrStalled = errors.New("run stalled: no dispatchable work remains")
	// ErrAborted means an escalation decision stopped the run.
	ErrAborted = errors.New("run aborted by escalation decision")
)

// DecisionRole is the role tag for escalation decision items. Escalations
// are resolved through the ledger: each one materializes as a work item
// owned by this role, and completing it supplies the decision. The
// coordinator registers a Decider-backed worker for the role unless the
// embedder registered its own.
const DecisionRole = "decision"

type decisionKind string

const (
	decisionConvergence decisionKind = "convergence"
	decisionConflict    decisionKind = "conflict"
)

// pendingDecision is the coordinator's record of one open escalation,
// keyed by its decision item ID. Rebuilt from the message journal on
// resume.
type pendingDecision struct {
	kind     decisionKind
	subject  string
	itemA    string
	itemB    string
	summary  string
	feedback string
	conflict *models.ConflictRecord
}

// Summary reports the terminal state of a run.
type Summary struct {
	// Total is the number of ledger items at exit.
	Total int
	// Completed and Failed count terminal items.
	Completed int
	Failed    int
	// Escalations counts decisions handed to the embedder.
	Escalations int
	// Passes counts scheduling passes executed.
	Passes int
}

// Coordinator owns one run: it seeds the ledger from a decomposed plan,
// then loops dispatching ready batches and applying review verdicts until
// every item is terminal. The loop is resumable: all state lives in the
// ledger and the message journal, and replaying journaled messages is
// idempotent.
type Coordinator struct {
	store      ledger.Store
	bus        *bus.Bus
	registry   *dispatch.Registry
	decomposer Decomposer
	dispatcher *dispatch.Dispatcher
	controller *converge.Controller
	conflicts  *conflict.Resolver
	decider    Decider
	logger     *DebugLogger

	maxParallel   int
	retry         RetryConfig
	decompBreaker *gobreaker.CircuitBreaker

	reviewGates map[string]bool
	watermark   uint64
	escalations int
	passes      int

	// decisions is read by the decision worker from dispatch goroutines;
	// everything else on the coordinator is touched only by the loop.
	decisionsMu sync.Mutex
	decisions   map[string]pendingDecision
}

// New creates a Coordinator from required configuration and options.
func New(req RequiredConfig, opts ...Option) (*Coordinator, error) {
	if req.Store == nil {
		return nil, fmt.Errorf("coordinator: Store is required")
	}
	if req.Bus == nil {
		return nil, fmt.Errorf("coordinator: Bus is required")
	}
	if req.Registry == nil {
		return nil, fmt.Errorf("coordinator: Registry is required")
	}
	if req.Decomposer == nil {
		return nil, fmt.Errorf("coordinator: Decomposer is required")
	}

	options := &coordinatorOptions{
		maxParallel:   3,
		passThreshold: 7,
		maxRounds:     3,
		decider:       AbortDecider(),
		logger:        NopLogger(),
	}
	for _, opt := range opts {
		opt(options)
	}

	policy := conflict.DefaultPolicy()
	if options.policy != nil {
		policy = *options.policy
	}
	retry := DefaultRetryConfig()
	if options.retry != nil {
		retry = *options.retry
	}

	c := &Coordinator{
		store:       req.Store,
		bus:         req.Bus,
		registry:    req.Registry,
		decomposer:  req.Decomposer,
		decider:     options.decider,
		logger:      options.logger,
		maxParallel: options.maxParallel,
		retry:       retry,
		reviewGates: make(map[string]bool),
		decisions:   make(map[string]pendingDecision),
	}
	c.dispatcher = dispatch.New(req.Store, req.Bus, req.Registry, options.logger)
	c.controller = converge.NewController(req.Store, req.Bus, options.passThreshold, options.maxRounds, options.logger)
	c.conflicts = conflict.NewResolver(policy)
	c.decompBreaker = newBreaker("decomposer", options.logger)

	hasDecisionWorker := false
	for _, role := range req.Registry.Roles() {
		if role == DecisionRole {
			hasDecisionWorker = true
			break
		}
	}
	if !hasDecisionWorker {
		req.Registry.Register(dispatch.WorkerFunc{Tag: DecisionRole, Fn: c.decideItem}, 1)
	}

	// Every dependency edge, including the plan's own, passes the cycle
	// guard before it is stored.
	req.Store.SetEdgeGuard(resolver.NewCycleGuard())

	return c, nil
}

// Run executes a goal to completion. Calling Run again with the same goal
// after a crash resumes: seeding tolerates existing items, and the
// message journal replays through the same handlers.
func (c *Coordinator) Run(ctx context.Context, goal string) (Summary, error) {
	p, err := c.decompose(ctx, goal)
	if err != nil {
		return c.summary(), err
	}
	c.logger.Log("[coordinator] goal %q decomposed into %d items", goal, len(p.Items))

	if err := c.seed(p); err != nil {
		return c.summary(), err
	}

	// Replay the journal before recovering orphans: a gate whose verdict
	// was journaled but not applied must resolve through the verdict, not
	// through a blind requeue.
	if err := c.drainMessages(ctx); err != nil {
		return c.summary(), err
	}
	if err := c.recoverOrphans(); err != nil {
		return c.summary(), err
	}

	return c.loop(ctx)
}

// decompose invokes the decomposer collaborator with retry and circuit
// breaking.
func (c *Coordinator) decompose(ctx context.Context, goal string) (*plan.Plan, error) {
	out, err := callWithRetry(ctx, c.decompBreaker, c.retry, func() (interface{}, error) {
		return c.decomposer.Decompose(ctx, goal)
	})
	if err != nil {
		return nil, fmt.Errorf("decompose goal: %w", err)
	}
	return out.(*plan.Plan), nil
}

// seed writes the plan into the ledger. Existing items are left alone so
// a resumed run keeps its progress; dependency edges go through
// AddDependency so the cycle guard vets the plan itself.
func (c *Coordinator) seed(p *plan.Plan) error {
	for _, item := range p.Items {
		fresh := item.Clone()
		fresh.BlockedBy = nil
		if err := c.store.Create(fresh); err != nil {
			if errors.Is(err, ledger.ErrDuplicateID) {
				continue
			}
			return fmt.Errorf("seed item %s: %w", item.ID, err)
		}
	}

	for _, item := range p.Items {
		for _, dep := range item.BlockedBy {
			if err := c.store.AddDependency(item.ID, dep); err != nil {
				return fmt.Errorf("seed edge %s -> %s: %w", item.ID, dep, err)
			}
		}
	}

	for _, review := range p.Reviews {
		c.controller.Track(converge.Subject{
			SubjectID:     review.Gate,
			GeneratorRole: review.GeneratorRole,
			MaxRounds:     review.MaxRounds,
		})
		c.reviewGates[review.Gate] = true
	}

	for _, sp := range p.SyncPoints {
		if _, err := c.store.GetSyncPoint(sp.GateItemID); err == nil {
			continue
		}
		if err := c.store.CreateSyncPoint(sp); err != nil {
			return fmt.Errorf("seed sync point %s: %w", sp.GateItemID, err)
		}
	}

	return nil
}

// recoverOrphans requeues items a previous process left in progress. By
// this point the journal has replayed, so anything still in progress was
// claimed but never finished.
func (c *Coordinator) recoverOrphans() error {
	orphans, err := c.store.List(ledger.Filter{Statuses: []models.ItemStatus{models.StatusInProgress}})
	if err != nil {
		return err
	}
	for _, item := range orphans {
		c.logger.Log("[coordinator] requeueing orphaned item %s", item.ID)
		item.Status = models.StatusPending
		if _, err := c.store.Update(item.ID, item); err != nil {
			return fmt.Errorf("requeue orphan %s: %w", item.ID, err)
		}
	}
	return nil
}

// loop is the scheduling loop: drain verdicts, compute the ready set,
// vet and dispatch batches, repeat until everything is terminal.
func (c *Coordinator) loop(ctx context.Context) (Summary, error) {
	for {
		if err := ctx.Err(); err != nil {
			return c.summary(), err
		}
		c.passes++

		processed, err := c.drainMessagesCount(ctx)
		if err != nil {
			return c.summary(), err
		}

		ready, err := resolver.ReadySet(c.store)
		if err != nil {
			return c.summary(), err
		}

		if len(ready) == 0 {
			done, err := c.allTerminal()
			if err != nil {
				return c.summary(), err
			}
			if done {
				return c.summary(), nil
			}
			if processed > 0 {
				// Verdicts just changed the graph; recompute.
				continue
			}
			return c.summary(), c.stalledError()
		}

		dispatched, err := c.dispatchPass(ctx, ready)
		if err != nil {
			return c.summary(), err
		}
		if dispatched == 0 && processed == 0 {
			return c.summary(), fmt.Errorf("%w: %d ready items, none runnable", ErrStalled, len(ready))
		}
	}
}

// dispatchPass plans batches from the ready set, vets parallel groups
// for conflicts, and dispatches. Deferred members run in a trailing
// sequential group within the same pass; escalated members stay behind
// their decision item instead. The returned count covers everything the
// pass acted on, dispatches and escalations both.
func (c *Coordinator) dispatchPass(ctx context.Context, ready []*models.WorkItem) (int, error) {
	groups := resolver.PlanBatches(ready, c.maxParallel)
	acted := 0
	var trailing []*models.WorkItem

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return acted, err
		}

		if group.Kind == models.GroupSequential {
			results, err := c.dispatcher.DispatchGroup(ctx, group)
			if err != nil {
				return acted, err
			}
			acted += len(results)
			continue
		}

		vet := c.conflicts.Vet(group.Items)
		for i := range vet.Records {
			rec := vet.Records[i]
			c.logger.Log("[coordinator] conflict %s/%s severity=%s resolution=%s",
				rec.ItemA, rec.ItemB, rec.Severity, rec.Resolution)
			c.publish(models.Message{
				From:     "coordinator",
				Type:     models.MsgConflictFound,
				Ref:      rec.ItemA,
				Summary:  fmt.Sprintf("conflict between %s and %s (%s)", rec.ItemA, rec.ItemB, rec.Severity),
				Conflict: &rec,
			})
		}
		for i := range vet.Escalations {
			rec := vet.Escalations[i]
			c.publish(models.Message{
				From:     "coordinator",
				Type:     models.MsgEscalationRequired,
				Ref:      rec.ItemA,
				Summary:  fmt.Sprintf("critical conflict between %s and %s with equal priority", rec.ItemA, rec.ItemB),
				Conflict: &rec,
			})
			acted++
		}
		trailing = append(trailing, vet.Deferred...)

		results, err := c.dispatcher.DispatchGroup(ctx, models.BatchGroup{
			Kind: models.GroupParallel, Items: vet.Keep,
		})
		if err != nil {
			return acted, err
		}
		acted += len(results)
	}

	if len(trailing) > 0 {
		results, err := c.dispatcher.DispatchGroup(ctx, models.BatchGroup{
			Kind: models.GroupSequential, Items: trailing,
		})
		if err != nil {
			return acted, err
		}
		acted += len(results)
	}

	return acted, nil
}

// drainMessages applies journaled messages past the watermark.
func (c *Coordinator) drainMessages(ctx context.Context) error {
	_, err := c.drainMessagesCount(ctx)
	return err
}

func (c *Coordinator) drainMessagesCount(ctx context.Context) (int, error) {
	msgs := c.bus.Replay(c.watermark+1, nil)
	for _, msg := range msgs {
		c.watermark = msg.Seq
		var err error
		switch msg.Type {
		case models.MsgReviewResult:
			err = c.handleReview(msg)
		case models.MsgEscalationRequired:
			err = c.ensureDecision(msg)
		case models.MsgItemCompleted:
			err = c.applyDecision(msg.Ref)
		}
		if err != nil {
			return len(msgs), err
		}
	}
	return len(msgs), nil
}

// handleReview feeds one review verdict to the convergence controller.
// Verdicts for untracked or already-terminal gates are skipped, which is
// what makes journal replay idempotent. An exhausted subject surfaces as
// an EscalationRequired message from the controller; the decision item
// it produces is handled like any other escalation.
func (c *Coordinator) handleReview(msg models.Message) error {
	if msg.Review == nil || !c.reviewGates[msg.Ref] {
		return nil
	}
	gate, err := c.store.Get(msg.Ref)
	if err != nil {
		return err
	}
	if gate.Status.Terminal() {
		return nil
	}
	_, err = c.controller.HandleReview(msg.Ref, *msg.Review)
	return err
}

// ensureDecision materializes an escalation as a decision item. The item
// ID is derived from the escalated subject, so a replayed escalation
// finds its item already in the ledger. Escalated conflict members are
// blocked behind the decision item until it completes.
func (c *Coordinator) ensureDecision(msg models.Message) error {
	pending := pendingDecision{
		kind:     decisionConvergence,
		subject:  msg.Ref,
		summary:  msg.Summary,
		feedback: msg.Reason,
	}
	id := "decide-" + msg.Ref
	if msg.Conflict != nil {
		rec := *msg.Conflict
		pending = pendingDecision{
			kind:     decisionConflict,
			subject:  rec.ItemA,
			itemA:    rec.ItemA,
			itemB:    rec.ItemB,
			summary:  msg.Summary,
			conflict: &rec,
		}
		id = fmt.Sprintf("decide-%s-%s", rec.ItemA, rec.ItemB)
	}

	c.decisionsMu.Lock()
	c.decisions[id] = pending
	c.decisionsMu.Unlock()

	err := c.store.Create(&models.WorkItem{
		ID:        id,
		Title:     fmt.Sprintf("Decide escalation on %s", pending.subject),
		OwnerRole: DecisionRole,
	})
	switch {
	case err == nil:
		c.escalations++
		c.logger.Log("[coordinator] escalation on %s awaiting decision item %s", pending.subject, id)
	case !errors.Is(err, ledger.ErrDuplicateID):
		return fmt.Errorf("create decision item %s: %w", id, err)
	}

	if pending.kind == decisionConflict {
		if err := c.store.AddDependency(pending.itemA, id); err != nil {
			return fmt.Errorf("gate %s behind decision: %w", pending.itemA, err)
		}
		if err := c.store.AddDependency(pending.itemB, id); err != nil {
			return fmt.Errorf("gate %s behind decision: %w", pending.itemB, err)
		}
	}
	return nil
}

// decideItem is the default worker for the decision role: it asks the
// Decider and records the choice as the item's output, which applyDecision
// reads back from the ledger.
func (c *Coordinator) decideItem(ctx context.Context, item *models.WorkItem) dispatch.Result {
	c.decisionsMu.Lock()
	pending, ok := c.decisions[item.ID]
	c.decisionsMu.Unlock()
	if !ok {
		return dispatch.Result{FailureReason: fmt.Sprintf("no open escalation for %s", item.ID)}
	}

	decision := c.decider.Decide(ctx, EscalationRequest{
		SubjectID:     pending.subject,
		Summary:       pending.summary,
		FeedbackTrail: pending.feedback,
		Conflict:      pending.conflict,
	})
	return dispatch.Result{Completed: true, Output: string(decision)}
}

// applyDecision acts on a completed decision item. Non-decision
// completions are ignored. A conflict decision serializes the pair by
// edge (B after A) unless it aborts; a convergence decision accepts the
// subject or forces one more round.
func (c *Coordinator) applyDecision(itemID string) error {
	c.decisionsMu.Lock()
	pending, ok := c.decisions[itemID]
	c.decisionsMu.Unlock()
	if !ok {
		return nil
	}

	item, err := c.store.Get(itemID)
	if err != nil {
		return err
	}
	decision := Decision(strings.TrimSpace(item.Payload))
	c.logger.Log("[coordinator] decision %s on %s: %s", itemID, pending.subject, decision)

	if pending.kind == decisionConflict {
		if decision == DecisionAbort {
			c.abort(fmt.Sprintf("aborted on unresolved conflict between %s and %s", pending.itemA, pending.itemB))
			return ErrAborted
		}
		if err := c.store.AddDependency(pending.itemB, pending.itemA); err != nil {
			return fmt.Errorf("serialize %s after %s: %w", pending.itemB, pending.itemA, err)
		}
		return nil
	}

	gate, err := c.store.Get(pending.subject)
	if err != nil {
		return err
	}
	if gate.Status.Terminal() {
		return nil
	}
	switch decision {
	case DecisionAccept:
		return c.controller.Accept(pending.subject)
	case DecisionForceRound:
		return c.controller.ForceRound(pending.subject)
	default:
		c.abort(fmt.Sprintf("aborted after escalation on %s", pending.subject))
		return ErrAborted
	}
}

// abort marks every non-terminal item failed so a later inspection shows
// why nothing ran.
func (c *Coordinator) abort(reason string) {
	items, err := c.store.List(ledger.Filter{})
	if err != nil {
		c.logger.Log("[coordinator] abort: list failed: %v", err)
		return
	}
	for _, item := range items {
		if item.Status.Terminal() {
			continue
		}
		item.Status = models.StatusFailed
		item.FailureReason = reason
		if _, err := c.store.Update(item.ID, item); err != nil {
			c.logger.Log("[coordinator] abort: failing %s: %v", item.ID, err)
		}
	}
	c.logger.Log("[coordinator] %s", reason)
}

func (c *Coordinator) allTerminal() (bool, error) {
	items, err := c.store.List(ledger.Filter{})
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if !item.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// stalledError names the items that can never run.
func (c *Coordinator) stalledError() error {
	view, err := resolver.View(c.store, c.maxParallel)
	if err != nil {
		return ErrStalled
	}
	if len(view.Blocked) == 0 {
		return ErrStalled
	}
	first := view.Blocked[0]
	return fmt.Errorf("%w: %d blocked items (%s: %s)", ErrStalled, len(view.Blocked), first.ItemID, first.Reason)
}

func (c *Coordinator) summary() Summary {
	s := Summary{Escalations: c.escalations, Passes: c.passes}
	items, err := c.store.List(ledger.Filter{})
	if err != nil {
		return s
	}
	s.Total = len(items)
	for _, item := range items {
		switch item.Status {
		case models.StatusCompleted:
			s.Completed++
		case models.StatusFailed:
			s.Failed++
		}
	}
	return s
}

func (c *Coordinator) publish(msg models.Message) {
	msg.Timestamp = time.Now()
	if _, err := c.bus.Publish(msg); err != nil {
		c.logger.Log("[coordinator] publish %s failed: %v", msg.Type, err)
	}
}
