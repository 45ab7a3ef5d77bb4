// Package converge implements the bounded generator-critic review cycle
// and sync-point release. Every review subject gets at most MaxRounds
// revision rounds before the controller escalates; the loop can never
// run unbounded.
package converge

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gantry-dev/gantry/internal/bus"
	"github.com/gantry-dev/gantry/internal/ledger"
	"github.com/gantry-dev/gantry/pkg/models"
)

// Outcome is the controller's verdict for one review result.
type Outcome string

const (
	// OutcomeConverged means the subject met the pass criteria.
	OutcomeConverged Outcome = "converged"
	// OutcomeRevising means a revision item was scheduled for another round.
	OutcomeRevising Outcome = "revising"
	// OutcomeEscalated means the round budget is exhausted; the embedding
	// system must decide.
	OutcomeEscalated Outcome = "escalated"
)

// Subject registers one review subject with the controller.
type Subject struct {
	// SubjectID is the reviewing (gate) item.
	SubjectID string
	// GeneratorRole owns the revision items the controller creates.
	GeneratorRole string
	// MaxRounds bounds the revision loop; <= 0 uses the controller default.
	MaxRounds int
}

// Logger is the minimal logging hook the controller needs.
type Logger interface {
	Log(format string, args ...interface{})
}

// Controller owns ConvergenceState, keyed by subject. State lives until
// the subject resolves; reset is explicit, never implicit.
type Controller struct {
	mu            sync.Mutex
	store         ledger.Store
	bus           *bus.Bus
	subjects      map[string]Subject
	states        map[string]*models.ConvergenceState
	feedback      map[string][]string
	passThreshold int
	defaultRounds int
	logger        Logger
}

// NewController creates a convergence controller.
func NewController(store ledger.Store, messageBus *bus.Bus, passThreshold, defaultRounds int, logger Logger) *Controller {
	return &Controller{
		store:         store,
		bus:           messageBus,
		subjects:      make(map[string]Subject),
		states:        make(map[string]*models.ConvergenceState),
		feedback:      make(map[string][]string),
		passThreshold: passThreshold,
		defaultRounds: defaultRounds,
		logger:        logger,
	}
}

// Track registers a review subject. Reviews for untracked subjects are
// rejected: the controller never guesses a generator role.
func (c *Controller) Track(subject Subject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subject.MaxRounds <= 0 {
		subject.MaxRounds = c.defaultRounds
	}
	c.subjects[subject.SubjectID] = subject
}

// State returns a copy of the subject's convergence state, or nil if no
// review has been handled yet.
func (c *Controller) State(subjectID string) *models.ConvergenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[subjectID]
	if !ok {
		return nil
	}
	copied := *state
	return &copied
}

// Feedback returns the subject's accumulated review feedback, one entry
// per round, joined by newlines.
func (c *Controller) Feedback(subjectID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.feedback[subjectID], "\n")
}

// Reset discards the subject's state. Explicit only: the next review
// starts the round count over.
func (c *Controller) Reset(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, subjectID)
	delete(c.feedback, subjectID)
}

// HandleReview applies one review result to the subject's state machine.
// Pass -> converged (gate completed, sync point released). Fail with
// rounds remaining -> a revision item is created, the gate requeues
// behind it. Fail at the bound -> escalated; the controller emits
// EscalationRequired and waits for the coordinator's decision.
func (c *Controller) HandleReview(subjectID string, review models.ReviewResult) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subject, ok := c.subjects[subjectID]
	if !ok {
		return "", fmt.Errorf("handle review: subject %s not tracked", subjectID)
	}

	state, ok := c.states[subjectID]
	if !ok {
		state = &models.ConvergenceState{
			SubjectID: subjectID,
			MaxRounds: subject.MaxRounds,
		}
		c.states[subjectID] = state
	}
	state.LastScore = review.Score
	state.LastCriticalCount = review.CriticalCount
	if review.Feedback != "" {
		c.feedback[subjectID] = append(c.feedback[subjectID], review.Feedback)
	}

	if review.Passes(c.passThreshold) {
		state.Converged = true
		if err := c.finalizeLocked(subjectID); err != nil {
			return "", err
		}
		c.log("[converge] subject %s converged after round %d (score %d)",
			subjectID, state.Round, review.Score)
		return OutcomeConverged, nil
	}

	state.Round++
	if state.Round < state.MaxRounds {
		if err := c.scheduleRevisionLocked(subject, state); err != nil {
			return "", err
		}
		return OutcomeRevising, nil
	}

	c.log("[converge] subject %s exhausted %d rounds, escalating", subjectID, state.MaxRounds)
	c.publish(models.Message{
		From:    "converge",
		Type:    models.MsgEscalationRequired,
		Ref:     subjectID,
		Summary: fmt.Sprintf("convergence exhausted after %d rounds (last score %d)", state.Round, review.Score),
		Reason:  strings.Join(c.feedback[subjectID], "\n"),
	})
	return OutcomeEscalated, nil
}

// Accept resolves an escalation by accepting the subject as-is: the gate
// completes and its sync point releases, exactly as a pass would.
func (c *Controller) Accept(subjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[subjectID]
	if !ok {
		return fmt.Errorf("accept: subject %s has no convergence state", subjectID)
	}
	state.Converged = true
	return c.finalizeLocked(subjectID)
}

// ForceRound resolves an escalation by granting one more revision round.
func (c *Controller) ForceRound(subjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	subject, ok := c.subjects[subjectID]
	if !ok {
		return fmt.Errorf("force round: subject %s not tracked", subjectID)
	}
	state, ok := c.states[subjectID]
	if !ok {
		return fmt.Errorf("force round: subject %s has no convergence state", subjectID)
	}

	state.MaxRounds++
	return c.scheduleRevisionLocked(subject, state)
}

// finalizeLocked completes the gate item and atomically releases its
// sync point, if one exists. Caller holds c.mu.
func (c *Controller) finalizeLocked(subjectID string) error {
	gate, err := c.store.Get(subjectID)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", subjectID, err)
	}
	// A requeued gate must pass back through the claim before completing.
	if gate.Status == models.StatusPending {
		claimed, err := c.store.Claim(subjectID)
		if err != nil {
			return fmt.Errorf("finalize %s: %w", subjectID, err)
		}
		gate = claimed
	}
	if gate.Status != models.StatusCompleted {
		gate.Status = models.StatusCompleted
		if _, err := c.store.Update(subjectID, gate); err != nil {
			return fmt.Errorf("finalize %s: %w", subjectID, err)
		}
	}
	c.publish(models.Message{
		From:    "converge",
		Type:    models.MsgItemCompleted,
		Ref:     subjectID,
		Summary: fmt.Sprintf("review passed: %s", gate.Title),
	})

	if _, err := c.store.GetSyncPoint(subjectID); err == nil {
		if err := c.store.ReleaseSyncPoint(subjectID); err != nil {
			return fmt.Errorf("finalize %s: %w", subjectID, err)
		}
		c.publish(models.Message{
			From:    "converge",
			Type:    models.MsgSyncReleased,
			Ref:     subjectID,
			Summary: fmt.Sprintf("sync point released by %s", subjectID),
		})
	}
	return nil
}

// scheduleRevisionLocked creates the next revision item and requeues the
// gate behind it. Caller holds c.mu.
func (c *Controller) scheduleRevisionLocked(subject Subject, state *models.ConvergenceState) error {
	gate, err := c.store.Get(subject.SubjectID)
	if err != nil {
		return fmt.Errorf("schedule revision for %s: %w", subject.SubjectID, err)
	}

	// Deterministic ID so replaying a journaled review after a restart
	// cannot schedule the same round twice.
	revision := &models.WorkItem{
		ID:        fmt.Sprintf("%s-rev%d", subject.SubjectID, state.Round),
		Title:     fmt.Sprintf("Revision %d of %s", state.Round, gate.Title),
		OwnerRole: subject.GeneratorRole,
		Priority:  gate.Priority,
		Payload:   strings.Join(c.feedback[subject.SubjectID], "\n"),
	}
	if err := c.store.Create(revision); err != nil && !errors.Is(err, ledger.ErrDuplicateID) {
		return fmt.Errorf("schedule revision for %s: %w", subject.SubjectID, err)
	}
	if err := c.store.AddDependency(subject.SubjectID, revision.ID); err != nil {
		return fmt.Errorf("schedule revision for %s: %w", subject.SubjectID, err)
	}

	// Requeue the gate: it re-reviews once the revision completes. Re-read
	// first so the snapshot carries the edge just added; updating the
	// pre-edge snapshot would silently drop the revision from blockedBy.
	gate, err = c.store.Get(subject.SubjectID)
	if err != nil {
		return fmt.Errorf("requeue gate %s: %w", subject.SubjectID, err)
	}
	gate.Status = models.StatusPending
	if _, err := c.store.Update(subject.SubjectID, gate); err != nil {
		return fmt.Errorf("requeue gate %s: %w", subject.SubjectID, err)
	}

	c.log("[converge] subject %s round %d/%d: revision %s scheduled for role %s",
		subject.SubjectID, state.Round, state.MaxRounds, revision.ID, subject.GeneratorRole)
	return nil
}

func (c *Controller) publish(msg models.Message) {
	if c.bus == nil {
		return
	}
	if _, err := c.bus.Publish(msg); err != nil {
		c.log("[converge] publish %s failed: %v", msg.Type, err)
	}
}

func (c *Controller) log(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Log(format, args...)
	}
}
