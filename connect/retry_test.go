package connect

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func fastRetrySettings(maxAttempts int) *RetrySettings {
	return &RetrySettings{
		MaxAttempts:       maxAttempts,
		InitialDelay:      1 * time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}
}

func TestBackoffDelay(t *testing.T) {
	settings := &RetrySettings{
		MaxAttempts:       5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          1 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}

	assert.Equal(t, BackoffDelay(0, settings), 100*time.Millisecond)
	assert.Equal(t, BackoffDelay(1, settings), 200*time.Millisecond)
	assert.Equal(t, BackoffDelay(2, settings), 400*time.Millisecond)
	assert.Equal(t, BackoffDelay(3, settings), 800*time.Millisecond)
	// clamped at max
	assert.Equal(t, BackoffDelay(4, settings), 1*time.Second)
	assert.Equal(t, BackoffDelay(10, settings), 1*time.Second)
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	settings := &RetrySettings{
		MaxAttempts:       5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	for attempt := 0; attempt < 5; attempt += 1 {
		base := float64(BackoffDelay(attempt, &RetrySettings{
			MaxAttempts:       settings.MaxAttempts,
			InitialDelay:      settings.InitialDelay,
			MaxDelay:          settings.MaxDelay,
			BackoffMultiplier: settings.BackoffMultiplier,
			Jitter:            false,
		}))
		for i := 0; i < 256; i += 1 {
			jittered := float64(BackoffDelay(attempt, settings))
			assert.Equal(t, 0.75*base <= jittered, true)
			assert.Equal(t, jittered <= 1.25*base, true)
		}
	}
}

func TestWithRetryEventualSuccess(t *testing.T) {
	failures := 2
	calls := 0
	result, err := WithRetry(func() (string, error) {
		calls += 1
		if calls <= failures {
			return "", fmt.Errorf("transient %d", calls)
		}
		return "ok", nil
	}, fastRetrySettings(5), nil)

	assert.Equal(t, err, nil)
	assert.Equal(t, result, "ok")
	assert.Equal(t, calls, failures+1)
}

func TestWithRetryExhaustion(t *testing.T) {
	calls := 0
	_, err := WithRetry(func() (string, error) {
		calls += 1
		return "", errors.New("always fails")
	}, fastRetrySettings(4), nil)

	assert.Equal(t, calls, 4)
	var exhausted *RetryExhaustedError
	assert.Equal(t, errors.As(err, &exhausted), true)
	assert.Equal(t, exhausted.Attempts, 4)
	assert.Equal(t, strings.Contains(err.Error(), "4"), true)
	assert.Equal(t, exhausted.Cause.Error(), "always fails")
}

func TestWithRetryNonRetryable(t *testing.T) {
	calls := 0
	_, err := WithRetry(func() (string, error) {
		calls += 1
		return "", NonRetryable(errors.New("hard failure"))
	}, fastRetrySettings(5), nil)

	assert.Equal(t, calls, 1)
	assert.Equal(t, IsNonRetryable(err), true)
}

func TestWithRetryCancelledBeforeStart(t *testing.T) {
	token := NewCancelToken()
	token.Cancel()

	calls := 0
	_, err := WithRetry(func() (string, error) {
		calls += 1
		return "", errors.New("fails")
	}, fastRetrySettings(5), token)

	assert.Equal(t, calls, 0)
	assert.Equal(t, errors.Is(err, ErrCancelled), true)
}

func TestWithRetryCancelledDuringBackoff(t *testing.T) {
	settings := &RetrySettings{
		MaxAttempts:       3,
		InitialDelay:      10 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.0,
		Jitter:            false,
	}
	token := NewCancelToken()
	go func() {
		time.Sleep(10 * time.Millisecond)
		token.Cancel()
	}()

	calls := 0
	start := time.Now()
	_, err := WithRetry(func() (string, error) {
		calls += 1
		return "", errors.New("fails")
	}, settings, token)

	assert.Equal(t, calls, 1)
	assert.Equal(t, errors.Is(err, ErrCancelled), true)
	// must settle well before the natural backoff elapses
	assert.Equal(t, time.Since(start) < 5*time.Second, true)
}

func TestSleepCancelled(t *testing.T) {
	token := NewCancelToken()
	token.Cancel()
	err := Sleep(10*time.Second, token)
	assert.Equal(t, errors.Is(err, ErrCancelled), true)
}
