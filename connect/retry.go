package connect

import (
	"errors"
	"math"
	mathrand "math/rand"
	"time"

	"github.com/golang/glog"
)

type RetrySettings struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

func DefaultRetrySettings() *RetrySettings {
	return &RetrySettings{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// delay before the attempt after `attempt` (zero-based):
// min(initialDelay * multiplier^attempt, maxDelay),
// perturbed by up to ±25% when jitter is enabled, clamped >= 0
func BackoffDelay(attempt int, settings *RetrySettings) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(settings.InitialDelay) * math.Pow(settings.BackoffMultiplier, float64(attempt))
	if float64(settings.MaxDelay) < delay {
		delay = float64(settings.MaxDelay)
	}
	if settings.Jitter {
		delay *= 0.75 + 0.5*mathrand.Float64()
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// resolves after `duration`, or immediately with `ErrCancelled` if the
// token is already cancelled or fires during the wait.
// the pending timer is always released.
func Sleep(duration time.Duration, token *CancelToken) error {
	if token == nil {
		time.Sleep(duration)
		return nil
	}
	if err := token.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-token.Done():
		return ErrCancelled
	}
}

// attempts `op` up to `settings.MaxAttempts` times with exponential
// backoff between attempts. attempts are strictly sequential.
// a `NonRetryableError` or cancellation stops immediately;
// exhaustion returns a `RetryExhaustedError` carrying the last failure.
func WithRetry[T any](op func() (T, error), settings *RetrySettings, token *CancelToken) (T, error) {
	var empty T

	maxAttempts := settings.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt += 1 {
		if token != nil {
			if err := token.Err(); err != nil {
				return empty, err
			}
		}

		result, err := op()
		if err == nil {
			return result, nil
		}
		if IsNonRetryable(err) || errors.Is(err, ErrCancelled) {
			return empty, err
		}
		lastErr = err

		if attempt == maxAttempts-1 {
			break
		}

		delay := BackoffDelay(attempt, settings)
		glog.V(2).Infof("[retry]attempt %d/%d failed (%s), next in %s\n", attempt+1, maxAttempts, err, delay)
		if err := Sleep(delay, token); err != nil {
			return empty, err
		}
	}

	glog.Infof("[retry]exhausted after %d attempts = %s\n", maxAttempts, lastErr)
	return empty, &RetryExhaustedError{
		Attempts: maxAttempts,
		Cause:    lastErr,
	}
}
