package capability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/taskforge/internal/fault"
	"github.com/aristath/taskforge/internal/logging"
)

// RetryConfig configures exponential backoff retry behavior.
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

// BreakerRegistry manages one circuit breaker per capability.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	log      *logging.Logger
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(log *logging.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      logging.OrNop(log),
	}
}

// Get returns the breaker for capability, creating it on first use.
func (r *BreakerRegistry) Get(capability string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[capability]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        capability,
		MaxRequests: 3, // probes allowed while half-open
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn(context.Background(), "circuit breaker state change",
				zap.String("capability", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation and invalid requests say nothing about
			// the capability's health.
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, fault.ErrValidation)
		},
	})

	r.breakers[capability] = cb
	return cb
}

// Resilient wraps an Invoker with per-capability circuit breaking and
// exponential backoff retry.
type Resilient struct {
	next     Invoker
	breakers *BreakerRegistry
	retry    RetryConfig
	log      *logging.Logger
}

// NewResilient wraps next. A nil breakers registry gets a private one.
func NewResilient(next Invoker, retry RetryConfig, breakers *BreakerRegistry, log *logging.Logger) *Resilient {
	log = logging.OrNop(log)
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}
	if breakers == nil {
		breakers = NewBreakerRegistry(log)
	}
	return &Resilient{next: next, breakers: breakers, retry: retry, log: log}
}

// Invoke runs req through the capability's breaker, retrying transient
// failures. Open breakers, cancellation and validation errors stop retrying.
func (r *Resilient) Invoke(ctx context.Context, req Request) (Result, error) {
	cb := r.breakers.Get(req.Capability)
	var res Result
	attempt := 0

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++

		out, err := cb.Execute(func() (interface{}, error) {
			return r.next.Invoke(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fault.New(fault.ErrCapability, "capability."+req.Capability, err))
			}
			if ctx.Err() != nil || errors.Is(err, fault.ErrValidation) || errors.Is(err, fault.ErrNotFound) {
				return backoff.Permanent(err)
			}
			r.log.Debug(ctx, "capability attempt failed",
				zap.String("capability", req.Capability),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		res = out.(Result)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialInterval
	policy.MaxInterval = r.retry.MaxInterval
	policy.MaxElapsedTime = r.retry.MaxElapsedTime
	policy.Multiplier = r.retry.Multiplier
	policy.RandomizationFactor = r.retry.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return res, err
}
