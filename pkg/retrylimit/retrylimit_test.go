package retrylimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

func TestWithRetryConfigStopsOnSuccess(t *testing.T) {
	calls := 0
	err := WithRetryConfig(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return statusErr(503)
		}
		return nil
	}, nil, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetryConfigHonorsMaxAttempts(t *testing.T) {
	calls := 0
	err := WithRetryConfig(context.Background(), func(context.Context) error {
		calls++
		return statusErr(500)
	}, nil, RetryConfig{MaxAttempts: 2})

	assert.ErrorIs(t, err, ErrMaxAttempts)
	var se statusErr
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, 2, calls)
}

func TestWithRetryConfigSkipsNonRetryable(t *testing.T) {
	calls := 0
	err := WithRetryConfig(context.Background(), func(context.Context) error {
		calls++
		return statusErr(400)
	}, nil, RetryConfig{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return IsServerError(err) },
	})

	assert.Equal(t, statusErr(400), err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryConfigFatal(t *testing.T) {
	inner := errors.New("boom")
	calls := 0
	err := WithRetryConfig(context.Background(), func(context.Context) error {
		calls++
		return &FatalError{Err: inner}
	}, nil, RetryConfig{MaxAttempts: 5})

	assert.Same(t, inner, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryConfigCanceledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := WithRetryConfig(ctx, func(context.Context) error {
		cancel()
		return statusErr(502)
	}, nil, RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour})

	assert.Equal(t, statusErr(502), err)
}

func TestAdaptiveLimiterBounds(t *testing.T) {
	lim := NewAdaptiveLimiter(4, 1, 8, 1, 0.5)

	lim.RateLimited()
	assert.Equal(t, 2.0, lim.CurrentLimit())
	lim.RateLimited()
	lim.RateLimited()
	assert.Equal(t, 1.0, lim.CurrentLimit())

	lim.cooldown = 0
	for range 20 {
		lim.Success()
	}
	assert.Equal(t, 8.0, lim.CurrentLimit())
}

func TestClassifiers(t *testing.T) {
	assert.True(t, IsRateLimitError(fmt.Errorf("wrapped: %w", statusErr(429))))
	assert.True(t, IsServerError(statusErr(503)))
	assert.False(t, IsServerError(statusErr(404)))
	assert.False(t, IsServerError(errors.New("plain")))
}
