package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestBackoffRetryer_FirstAttemptSucceeds(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffRetryer_RetryThenSucceed(t *testing.T) {
	var delays []time.Duration
	p := fastPolicy(3)
	p.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }
	r := NewBackoffRetryer(p, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		if calls < 3 {
			return errors.New("HTTP 500")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, delays)
}

func TestBackoffRetryer_Exhausted(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())
	last := errors.New("HTTP 503")

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return last
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)
}

func TestBackoffRetryer_AbortOnNonRetryable(t *testing.T) {
	p := fastPolicy(3)
	clientErr := errors.New("HTTP 400")
	p.RetryIf = func(err error) bool { return !errors.Is(err, clientErr) }
	r := NewBackoffRetryer(p, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return clientErr
	})

	assert.True(t, IsAborted(err))
	assert.ErrorIs(t, err, clientErr)
	assert.Equal(t, 1, calls)
}

func TestBackoffRetryer_ContextCanceled(t *testing.T) {
	p := fastPolicy(5)
	p.InitialDelay = time.Second
	r := NewBackoffRetryer(p, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Do(ctx, func(int) error { return errors.New("fail") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoffRetryer_DefaultDelays(t *testing.T) {
	r := NewBackoffRetryer(DefaultRetryPolicy(), zap.NewNop()).(*backoffRetryer)

	assert.Equal(t, time.Second, r.calculateDelay(1))
	assert.Equal(t, 2*time.Second, r.calculateDelay(2))
	assert.Equal(t, 4*time.Second, r.calculateDelay(3))
}

func TestBackoffRetryer_MaxDelayCap(t *testing.T) {
	r := NewBackoffRetryer(&RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     3 * time.Second,
		Multiplier:   2,
	}, nil).(*backoffRetryer)

	assert.Equal(t, 3*time.Second, r.calculateDelay(5))
}

func TestBackoffRetryer_JitterBounds(t *testing.T) {
	r := NewBackoffRetryer(&RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	}, nil).(*backoffRetryer)

	for i := 0; i < 50; i++ {
		d := r.calculateDelay(2)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestNewBackoffRetryer_Normalizes(t *testing.T) {
	r := NewBackoffRetryer(&RetryPolicy{}, nil).(*backoffRetryer)
	assert.Equal(t, 1, r.policy.MaxAttempts)
	assert.Equal(t, time.Second, r.policy.InitialDelay)
	assert.Equal(t, 2.0, r.policy.Multiplier)
}
