package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gantry-dev/gantry/internal/bus"
	"github.com/gantry-dev/gantry/internal/ledger"
	"github.com/gantry-dev/gantry/pkg/models"
)

// Logger is the minimal logging hook the dispatcher needs.
type Logger interface {
	Log(format string, args ...interface{})
}

// Dispatcher hands batch groups to role-bound workers. Parallel group
// members run concurrently; sequential members run one at a time,
// each waiting for the previous member's terminal status.
type Dispatcher struct {
	store    ledger.ItemStore
	bus      *bus.Bus
	registry *Registry
	logger   Logger
}

// New creates a Dispatcher. A nil logger disables logging.
func New(store ledger.ItemStore, messageBus *bus.Bus, registry *Registry, logger Logger) *Dispatcher {
	return &Dispatcher{store: store, bus: messageBus, registry: registry, logger: logger}
}

// DispatchGroup executes one batch group and returns the results of the
// items that actually ran. Items that lose the claim race, or whose role
// has no idle worker, are skipped and retried on a later pass; skipping
// never blocks the group.
func (d *Dispatcher) DispatchGroup(ctx context.Context, group models.BatchGroup) ([]Result, error) {
	switch group.Kind {
	case models.GroupParallel:
		return d.dispatchParallel(ctx, group.Items)
	case models.GroupSequential:
		return d.dispatchSequential(ctx, group.Items)
	default:
		return nil, fmt.Errorf("dispatch: unknown group kind %q", group.Kind)
	}
}

func (d *Dispatcher) dispatchParallel(ctx context.Context, items []*models.WorkItem) ([]Result, error) {
	results := make([]Result, len(items))
	ran := make([]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		claimed, worker, ok := d.claim(item)
		if !ok {
			continue
		}
		i, claimed, worker := i, claimed, worker
		ran[i] = true
		g.Go(func() error {
			defer d.registry.release(worker.Role())
			results[i] = d.run(gctx, worker, claimed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Result
	for i := range items {
		if ran[i] {
			out = append(out, results[i])
		}
	}
	return out, nil
}

func (d *Dispatcher) dispatchSequential(ctx context.Context, items []*models.WorkItem) ([]Result, error) {
	var out []Result
	for _, item := range items {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		claimed, worker, ok := d.claim(item)
		if !ok {
			continue
		}
		result := d.run(ctx, worker, claimed)
		d.registry.release(worker.Role())
		out = append(out, result)
	}
	return out, nil
}

// claim reserves a worker slot and performs the CAS claim. Either step
// failing leaves the item pending for the next pass.
func (d *Dispatcher) claim(item *models.WorkItem) (*models.WorkItem, Worker, bool) {
	worker, err := d.registry.acquire(item.OwnerRole)
	if err != nil {
		d.log("[dispatch] item %s skipped: %v", item.ID, err)
		return nil, nil, false
	}

	claimed, err := d.store.Claim(item.ID)
	if err != nil {
		d.registry.release(item.OwnerRole)
		if errors.Is(err, ledger.ErrAlreadyClaimed) {
			d.log("[dispatch] item %s lost claim race", item.ID)
		} else {
			d.log("[dispatch] item %s claim failed: %v", item.ID, err)
		}
		return nil, nil, false
	}
	return claimed, worker, true
}

// run executes one claimed item and records its outcome. Review verdicts
// are published for the convergence controller and leave the item in
// progress; plain results are finalized here.
func (d *Dispatcher) run(ctx context.Context, worker Worker, item *models.WorkItem) Result {
	d.log("[dispatch] item %s -> role %s", item.ID, worker.Role())
	result := worker.Execute(ctx, item)
	result.ItemID = item.ID

	if result.Review != nil {
		d.publish(models.Message{
			From:    worker.Role(),
			Type:    models.MsgReviewResult,
			Ref:     item.ID,
			Summary: fmt.Sprintf("review of %s: score %d, %d critical", item.ID, result.Review.Score, result.Review.CriticalCount),
			Review:  result.Review,
		})
		return result
	}

	if result.Completed {
		item.Status = models.StatusCompleted
		item.Payload = firstNonEmpty(result.Output, item.Payload)
		if _, err := d.store.Update(item.ID, item); err != nil {
			d.log("[dispatch] item %s completion write failed: %v", item.ID, err)
		}
		d.publish(models.Message{
			From:    worker.Role(),
			Type:    models.MsgItemCompleted,
			Ref:     item.ID,
			Summary: fmt.Sprintf("completed: %s", item.Title),
		})
	} else {
		item.Status = models.StatusFailed
		item.FailureReason = result.FailureReason
		if _, err := d.store.Update(item.ID, item); err != nil {
			d.log("[dispatch] item %s failure write failed: %v", item.ID, err)
		}
		d.publish(models.Message{
			From:    worker.Role(),
			Type:    models.MsgItemFailed,
			Ref:     item.ID,
			Summary: fmt.Sprintf("failed: %s", item.Title),
			Reason:  result.FailureReason,
		})
	}
	return result
}

func (d *Dispatcher) publish(msg models.Message) {
	if d.bus == nil {
		return
	}
	msg.Timestamp = time.Now()
	if _, err := d.bus.Publish(msg); err != nil {
		d.log("[dispatch] publish %s failed: %v", msg.Type, err)
	}
}

func (d *Dispatcher) log(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Log(format, args...)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
