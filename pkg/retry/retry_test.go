package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("not yet consistent")

func TestDo_ExactAttemptCount(t *testing.T) {
	tests := []struct {
		name     string
		attempts uint64
	}{
		{name: "single attempt", attempts: 1},
		{name: "five attempts", attempts: 5},
		{name: "ten attempts", attempts: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), Fixed(tt.attempts, 0), nil, func() error {
				calls++
				return errFlaky
			})

			require.ErrorIs(t, err, errFlaky)
			assert.Equal(t, int(tt.attempts), calls)
		})
	}
}

func TestDo_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(5, 0), nil, func() error {
		calls++
		if calls < 4 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("permission denied")

	calls := 0
	err := Do(context.Background(), Fixed(10, 0), func(err error) bool {
		return errors.Is(err, errFlaky)
	}, func() error {
		calls++
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_RetryableThenFatal(t *testing.T) {
	fatal := errors.New("deleted resource")

	calls := 0
	err := Do(context.Background(), Fixed(10, 0), func(err error) bool {
		return errors.Is(err, errFlaky)
	}, func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Fixed(5, 0), nil, func() error {
		calls++
		return errFlaky
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, nil, func() error {
		calls++
		return errFlaky
	})

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestExponentialPolicy_AttemptCeiling(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Exponential(4, time.Nanosecond, time.Microsecond), nil, func() error {
		calls++
		return errFlaky
	})

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, calls)
}

func TestWait_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWait_ZeroDuration(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), 0))
}
