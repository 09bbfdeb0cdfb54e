package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/concord/internal/provider"
)

// breakerFailureThreshold is the consecutive-failure count that trips a
// provider's circuit. Shorter streaks only lower the provider's ranking.
const breakerFailureThreshold = 8

// BreakerRegistry manages per-provider circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the circuit breaker for the given provider.
// Creates a new one if it doesn't exist.
func (r *BreakerRegistry) Get(providerID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[providerID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 3,                // Allow 3 test requests in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Trip only on a sustained outage
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a provider failure; a blown
			// attempt deadline is
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled)
		},
	})

	r.breakers[providerID] = cb
	return cb
}

// invokeWithRetry calls one provider through its circuit breaker,
// re-attempting transient failures after a fixed stagger. The timeout
// applies to each attempt separately, so a stalled call forfeits one
// attempt rather than the whole allowance; only ctx, the round context,
// spans attempts.
func invokeWithRetry(ctx context.Context, prov provider.Provider, req provider.Request, cb *gobreaker.CircuitBreaker, attempts int, stagger, timeout time.Duration) (*provider.Result, error) {
	var res *provider.Result

	operation := func() error {
		// Check the round context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		// Execute through circuit breaker, under a fresh deadline
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := cb.Execute(func() (interface{}, error) {
			return prov.Invoke(attemptCtx, req)
		})
		cancel()

		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}

			// Round cancelled - stop retrying
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			// Other errors, attempt timeouts included, will be retried
			return err
		}

		res = out.(*provider.Result)
		return nil
	}

	// Fixed stagger between attempts; the round context bounds the total
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(stagger), uint64(attempts))
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return res, err
}
