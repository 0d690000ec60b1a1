package connect

import (
	"sync"
	"time"
)

// cooperative cancellation primitive
// created per logical operation or composite scope and cancelled by the
// operation's owner or a timeout. once cancelled, stays cancelled.
type CancelToken struct {
	stateLock sync.Mutex

	cancelled bool
	done      chan struct{}
	callbacks []func()
}

func NewCancelToken() *CancelToken {
	return &CancelToken{
		done: make(chan struct{}),
	}
}

// auto-cancels after `timeout`
func NewTimeoutToken(timeout time.Duration) *CancelToken {
	token := NewCancelToken()
	timer := time.AfterFunc(timeout, token.Cancel)
	token.OnCancel(func() {
		timer.Stop()
	})
	return token
}

// cancelled as soon as any one of the input tokens cancels.
// already cancelled at construction if any input already is.
func CombineTokens(tokens ...*CancelToken) *CancelToken {
	combined := NewCancelToken()
	for _, token := range tokens {
		token.OnCancel(combined.Cancel)
	}
	return combined
}

// idempotent. fires all registered callbacks exactly once total,
// in registration order. callback panics are suppressed and logged,
// never raised to the canceller.
func (self *CancelToken) Cancel() {
	self.stateLock.Lock()
	if self.cancelled {
		self.stateLock.Unlock()
		return
	}
	self.cancelled = true
	callbacks := self.callbacks
	self.callbacks = nil
	close(self.done)
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		safeInvoke("cancel", callback)
	}
}

func (self *CancelToken) IsCancelled() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.cancelled
}

// nil while live, `ErrCancelled` once cancelled
func (self *CancelToken) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.cancelled {
		return ErrCancelled
	}
	return nil
}

// closed when the token cancels. select on this at suspension points.
func (self *CancelToken) Done() <-chan struct{} {
	return self.done
}

// registers `callback` to run on cancel, invoking immediately
// if already cancelled
func (self *CancelToken) OnCancel(callback func()) {
	self.stateLock.Lock()
	if self.cancelled {
		self.stateLock.Unlock()
		safeInvoke("cancel", callback)
		return
	}
	self.callbacks = append(self.callbacks, callback)
	self.stateLock.Unlock()
}

type raceResult[T any] struct {
	result T
	err    error
}

// settles with whichever finishes first between `op` and the token.
// exactly one settlement: a result arriving after cancellation is dropped.
func RaceCancel[T any](token *CancelToken, op func() (T, error)) (T, error) {
	if token == nil {
		return op()
	}
	if err := token.Err(); err != nil {
		var empty T
		return empty, err
	}

	out := make(chan raceResult[T], 1)
	go func() {
		result, err := op()
		out <- raceResult[T]{
			result: result,
			err:    err,
		}
	}()

	select {
	case r := <-out:
		return r.result, r.err
	case <-token.Done():
		var empty T
		return empty, ErrCancelled
	}
}
