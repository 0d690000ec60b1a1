package connect

import (
	"errors"
	"fmt"
)

// cooperative abort. never a defect; propagated to the immediate
// caller and never retried.
var ErrCancelled = errors.New("operation cancelled")

// admission to the concurrency limiter wait queue was impossible.
// backpressure signal, not a transient.
var ErrLimiterQueueFull = errors.New("concurrency limiter queue full")

// serialized message exceeds the configured transport maximum
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

var ErrComputeTimeout = errors.New("compute request timed out")

var ErrComputeShutdown = errors.New("compute channel shut down")

var ErrEnvelopeVersion = errors.New("unsupported envelope version")

// wraps a failure that must not be retried regardless of the
// attempts remaining
type NonRetryableError struct {
	Cause error
}

func NonRetryable(cause error) *NonRetryableError {
	return &NonRetryableError{
		Cause: cause,
	}
}

func (self *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %s", self.Cause)
}

func (self *NonRetryableError) Unwrap() error {
	return self.Cause
}

func IsNonRetryable(err error) bool {
	var nonRetryableErr *NonRetryableError
	return errors.As(err, &nonRetryableErr)
}

// the last underlying failure after all attempts were used
type RetryExhaustedError struct {
	Attempts int
	Cause    error
}

func (self *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %s", self.Attempts, self.Cause)
}

func (self *RetryExhaustedError) Unwrap() error {
	return self.Cause
}
