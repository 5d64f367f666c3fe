package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	var retried []int

	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errFlaky)
		}
		return nil
	}, WithMaxAttempts(5), WithConstantDelay(0), WithOnRetry(func(attempt int, _ error, delay time.Duration) {
		retried = append(retried, attempt)
		assert.Zero(t, delay)
	}))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_PermanentStopsAndUnwraps(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	}, WithMaxAttempts(5), WithConstantDelay(0))

	assert.Equal(t, 1, calls)
	assert.Same(t, errFlaky, err)
	assert.False(t, IsPermanent(err))
}

func TestDo_PlainErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	}, WithMaxAttempts(5), WithConstantDelay(0))

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errFlaky)
}

func TestDo_ExhaustedCarriesAttemptsAndCause(t *testing.T) {
	r := New(WithMaxAttempts(4), WithConstantDelay(0))
	assert.Equal(t, 4, r.MaxAttempts())

	err := r.Do(context.Background(), func(context.Context) error { return Retryable(errFlaky) })

	require.True(t, IsExhausted(err))
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Same(t, errFlaky, exhausted.Err)
	assert.False(t, IsRetryable(exhausted.Err))
}

func TestDo_RetryIfOverridesWrapping(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	}, WithMaxAttempts(3), WithConstantDelay(0), WithRetryIf(func(err error) bool {
		return errors.Is(err, errFlaky)
	}))

	assert.Equal(t, 3, calls)
	assert.True(t, IsExhausted(err))
}

func TestDo_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := Do(ctx, func(context.Context) error {
		calls++
		return Retryable(errFlaky)
	}, WithMaxAttempts(10), WithConstantDelay(time.Hour))

	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, IsRetryable(err), "the last operation error is returned")
}

func TestDo_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func(context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithData(t *testing.T) {
	calls := 0
	v, err := DoWithData(context.Background(), ChallengeFetchRetrier(3, 0), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Retryable(errFlaky)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestCalculateDelay(t *testing.T) {
	r := New(WithInitialDelay(10*time.Millisecond), WithMultiplier(2), WithMaxDelay(35*time.Millisecond), WithJitter(0))

	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 35*time.Millisecond, r.calculateDelay(3))

	constant := LoginCycleRetrier(5, 500*time.Millisecond)
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, 500*time.Millisecond, constant.calculateDelay(attempt))
	}
}

func TestDatabaseRetrier_JitterStaysBounded(t *testing.T) {
	r := DatabaseRetrier()
	for i := 0; i < 100; i++ {
		d := r.calculateDelay(1)
		assert.GreaterOrEqual(t, d, 47*time.Millisecond)
		assert.LessOrEqual(t, d, 53*time.Millisecond)
	}
}
