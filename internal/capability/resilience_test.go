package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/fault"
)

// scriptedInvoker replays a fixed sequence of results or errors.
type scriptedInvoker struct {
	mu        sync.Mutex
	responses []any // Result or error
	calls     int
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.calls >= len(s.responses) {
		return Result{}, fmt.Errorf("unexpected call %d", s.calls+1)
	}
	resp := s.responses[s.calls]
	s.calls++

	switch v := resp.(type) {
	case Result:
		return v, nil
	case error:
		return Result{}, v
	default:
		return Result{}, fmt.Errorf("invalid response type: %T", v)
	}
}

func (s *scriptedInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastRetry(maxElapsed time.Duration) RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		MaxElapsedTime:      maxElapsed,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func TestResilient_TransientThenSuccess(t *testing.T) {
	next := &scriptedInvoker{responses: []any{
		errors.New("transient 1"),
		errors.New("transient 2"),
		Result{Output: "done"},
	}}
	r := NewResilient(next, fastRetry(time.Second), nil, nil)

	res, err := r.Invoke(context.Background(), Request{Capability: "coder", Command: "implement"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 3, next.Calls())
}

func TestResilient_ValidationErrorNotRetried(t *testing.T) {
	next := &scriptedInvoker{responses: []any{
		fault.Newf(fault.ErrValidation, "coder", "missing prompt"),
	}}
	r := NewResilient(next, fastRetry(time.Second), nil, nil)

	_, err := r.Invoke(context.Background(), Request{Capability: "coder"})
	assert.ErrorIs(t, err, fault.ErrValidation)
	assert.Equal(t, 1, next.Calls())
}

func TestResilient_CircuitOpens(t *testing.T) {
	responses := make([]any, 50)
	for i := range responses {
		responses[i] = fmt.Errorf("persistent %d", i)
	}
	next := &scriptedInvoker{responses: responses}
	breakers := NewBreakerRegistry(nil)
	r := NewResilient(next, fastRetry(200*time.Millisecond), breakers, nil)

	_, err := r.Invoke(context.Background(), Request{Capability: "flaky"})
	require.Error(t, err)

	assert.Equal(t, gobreaker.StateOpen, breakers.Get("flaky").State())
	assert.Equal(t, 5, next.Calls())

	_, err = r.Invoke(context.Background(), Request{Capability: "flaky"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, fault.ErrCapability)
	assert.Equal(t, 5, next.Calls())

	// other capabilities keep their own breaker
	assert.Equal(t, gobreaker.StateClosed, breakers.Get("healthy").State())
}

func TestResilient_ContextCancelledStopsRetry(t *testing.T) {
	responses := make([]any, 100)
	for i := range responses {
		responses[i] = fmt.Errorf("error %d", i)
	}
	next := &scriptedInvoker{responses: responses}
	r := NewResilient(next, fastRetry(10*time.Second), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Invoke(ctx, Request{Capability: "slow"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Less(t, next.Calls(), 100)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cb := NewBreakerRegistry(nil).Get("x")
	for i := 0; i < 10; i++ {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, context.Canceled
		})
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestDefaultRetryConfigAppliedForZeroValue(t *testing.T) {
	r := NewResilient(&scriptedInvoker{}, RetryConfig{}, nil, nil)
	assert.Equal(t, DefaultRetryConfig(), r.retry)
}
