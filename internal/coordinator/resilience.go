package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/gantry-dev/gantry/internal/dispatch"
	"github.com/gantry-dev/gantry/pkg/models"
)

// RetryConfig configures exponential backoff retry behavior for
// collaborator calls.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBreaker creates a circuit breaker for one collaborator. The breaker
// trips after consecutive failures so a dead collaborator fails fast
// instead of burning the retry budget on every call.
func newBreaker(name string, logger *DebugLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Log("[resilience] breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not a collaborator failure.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// callWithRetry runs a collaborator call with exponential backoff and
// circuit breaker protection.
func callWithRetry(ctx context.Context, cb *gobreaker.CircuitBreaker, cfg RetryConfig, call func() (interface{}, error)) (interface{}, error) {
	var out interface{}
	var lastErr error

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(call)
		if err != nil {
			// Open circuit: retrying immediately cannot help. Surface the
			// call failure that tripped the breaker, not just the breaker
			// state.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				if lastErr != nil {
					return backoff.Permanent(fmt.Errorf("%v: %w", err, lastErr))
				}
				return backoff.Permanent(err)
			}
			lastErr = err
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		out = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return out, err
}

// CollaboratorFunc is an error-returning execution function suitable for
// resilience wrapping. A returned error is retryable; the wrapper decides
// when to give up.
type CollaboratorFunc func(ctx context.Context, item *models.WorkItem) (string, error)

// resilientWorker wraps a flaky collaborator as a dispatch.Worker with
// retry and circuit breaking. Once the retry budget is spent the item
// fails normally; resilience never turns into an unbounded loop.
type resilientWorker struct {
	role    string
	fn      CollaboratorFunc
	breaker *gobreaker.CircuitBreaker
	cfg     RetryConfig
}

// ResilientWorker builds a worker that retries transient collaborator
// failures with exponential backoff behind a per-role circuit breaker.
func ResilientWorker(role string, fn CollaboratorFunc, cfg RetryConfig, logger *DebugLogger) dispatch.Worker {
	return &resilientWorker{
		role:    role,
		fn:      fn,
		breaker: newBreaker("worker:"+role, logger),
		cfg:     cfg,
	}
}

func (w *resilientWorker) Role() string { return w.role }

func (w *resilientWorker) Execute(ctx context.Context, item *models.WorkItem) dispatch.Result {
	out, err := callWithRetry(ctx, w.breaker, w.cfg, func() (interface{}, error) {
		return w.fn(ctx, item)
	})
	if err != nil {
		return dispatch.Result{FailureReason: err.Error()}
	}
	return dispatch.Result{Completed: true, Output: out.(string)}
}
