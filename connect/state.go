package connect

import (
	"sync"
	"time"
)

type OperationStatus string

const (
	OperationIdle      OperationStatus = "idle"
	OperationPending   OperationStatus = "pending"
	OperationSuccess   OperationStatus = "success"
	OperationError     OperationStatus = "error"
	OperationCancelled OperationStatus = "cancelled"
)

// value semantics. transitions return a new value and never mutate
// the receiver, so snapshots handed to callbacks stay stable.
type AsyncOperation[T any] struct {
	Status    OperationStatus
	Value     T
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

func NewAsyncOperation[T any]() AsyncOperation[T] {
	return AsyncOperation[T]{
		Status: OperationIdle,
	}
}

func (self AsyncOperation[T]) Start() AsyncOperation[T] {
	var zero T
	return AsyncOperation[T]{
		Status:    OperationPending,
		Value:     zero,
		StartTime: time.Now(),
	}
}

func (self AsyncOperation[T]) Succeed(value T) AsyncOperation[T] {
	self.Status = OperationSuccess
	self.Value = value
	self.Err = nil
	self.EndTime = time.Now()
	return self
}

func (self AsyncOperation[T]) Fail(err error) AsyncOperation[T] {
	self.Status = OperationError
	self.Err = err
	self.EndTime = time.Now()
	return self
}

func (self AsyncOperation[T]) Cancel() AsyncOperation[T] {
	self.Status = OperationCancelled
	self.Err = ErrCancelled
	self.EndTime = time.Now()
	return self
}

func (self AsyncOperation[T]) IsLoading() bool {
	return self.Status == OperationPending
}

func (self AsyncOperation[T]) IsSuccess() bool {
	return self.Status == OperationSuccess
}

func (self AsyncOperation[T]) IsError() bool {
	return self.Status == OperationError
}

func (self AsyncOperation[T]) IsTerminal() bool {
	switch self.Status {
	case OperationSuccess, OperationError, OperationCancelled:
		return true
	}
	return false
}

// false if the operation never started
func (self AsyncOperation[T]) Duration() (time.Duration, bool) {
	if self.StartTime.IsZero() {
		return 0, false
	}
	end := self.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(self.StartTime), true
}

// delays a call until the input settles. each Call resets the timer
// and replaces the function that will run, last-write-wins.
type Debouncer struct {
	delay time.Duration

	stateLock sync.Mutex
	timer     *time.Timer
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay: delay,
	}
}

func (self *Debouncer) Call(fn func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.timer != nil {
		self.timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(self.delay, func() {
		self.stateLock.Lock()
		// a timer that fired while a newer Call held the lock is
		// stale. only the current timer may run
		if self.timer != timer {
			self.stateLock.Unlock()
			return
		}
		self.timer = nil
		self.stateLock.Unlock()
		safeInvoke("debounce", fn)
	})
	self.timer = timer
}

func (self *Debouncer) Cancel() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}

// interval-based throttle for state writes. runs immediately when the
// interval has elapsed, otherwise coalesces into one trailing call.
type CallThrottler struct {
	interval time.Duration

	stateLock sync.Mutex
	lastCall  time.Time
	timer     *time.Timer
	pendingFn func()
}

func NewCallThrottler(interval time.Duration) *CallThrottler {
	return &CallThrottler{
		interval: interval,
	}
}

func (self *CallThrottler) Call(fn func()) {
	self.stateLock.Lock()
	now := time.Now()
	if self.lastCall.IsZero() || self.interval <= now.Sub(self.lastCall) {
		self.lastCall = now
		self.stateLock.Unlock()
		safeInvoke("throttle", fn)
		return
	}
	self.pendingFn = fn
	if self.timer == nil {
		remaining := self.interval - now.Sub(self.lastCall)
		self.timer = time.AfterFunc(remaining, self.firePending)
	}
	self.stateLock.Unlock()
}

func (self *CallThrottler) firePending() {
	self.stateLock.Lock()
	self.timer = nil
	fn := self.pendingFn
	self.pendingFn = nil
	if fn == nil {
		self.stateLock.Unlock()
		return
	}
	self.lastCall = time.Now()
	self.stateLock.Unlock()
	safeInvoke("throttle", fn)
}

func (self *CallThrottler) Cancel() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.pendingFn = nil
}

// memoizes the last (state, result) pair. recomputes only when the
// state changes, and when an equality function is given, a semantically
// equal recomputation returns the previous result so downstream
// identity checks do not churn.
type Selector[S comparable, R any] struct {
	compute func(state S) R
	equal   func(a R, b R) bool

	stateLock  sync.Mutex
	hasLast    bool
	lastState  S
	lastResult R
}

func NewSelector[S comparable, R any](compute func(state S) R) *Selector[S, R] {
	return NewSelectorWithEquality[S, R](compute, nil)
}

func NewSelectorWithEquality[S comparable, R any](compute func(state S) R, equal func(a R, b R) bool) *Selector[S, R] {
	return &Selector[S, R]{
		compute: compute,
		equal:   equal,
	}
}

func (self *Selector[S, R]) Select(state S) R {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.hasLast && state == self.lastState {
		return self.lastResult
	}
	result := self.compute(state)
	if self.hasLast && self.equal != nil && self.equal(result, self.lastResult) {
		self.lastState = state
		return self.lastResult
	}
	self.hasLast = true
	self.lastState = state
	self.lastResult = result
	return result
}
