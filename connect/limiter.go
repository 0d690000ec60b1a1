package connect

import (
	"sync"

	"github.com/golang/glog"
)

type ConcurrencyLimiterSettings struct {
	MaxConcurrent int
	QueueLimit    int
}

func DefaultConcurrencyLimiterSettings() *ConcurrencyLimiterSettings {
	return &ConcurrencyLimiterSettings{
		MaxConcurrent: 4,
		QueueLimit:    64,
	}
}

type LimiterStats struct {
	Running       int
	Queued        int
	MaxConcurrent int
	QueueLimit    int
}

type limiterEntry struct {
	// closed when the entry is admitted to run
	admit chan struct{}
}

// caps simultaneously in-flight operations. excess operations queue
// fifo up to `QueueLimit` and fail fast beyond that.
// an operation is running, queued, or finished - never counted twice.
type ConcurrencyLimiter struct {
	stateLock sync.Mutex

	settings *ConcurrencyLimiterSettings

	running int
	queue   []*limiterEntry
}

func NewConcurrencyLimiterWithDefaults() *ConcurrencyLimiter {
	return NewConcurrencyLimiter(DefaultConcurrencyLimiterSettings())
}

func NewConcurrencyLimiter(settings *ConcurrencyLimiterSettings) *ConcurrencyLimiter {
	if settings.MaxConcurrent < 1 {
		settings.MaxConcurrent = 1
	}
	if settings.QueueLimit < 0 {
		settings.QueueLimit = 0
	}
	return &ConcurrencyLimiter{
		settings: settings,
	}
}

// runs `op` when a slot is free, queueing fifo while all slots are busy.
// a cancelled token fails fast with `ErrCancelled`; a queued operation
// whose token cancels is removed and never invoked.
// the operation's own error propagates unchanged.
func (self *ConcurrencyLimiter) Execute(op func() error, token *CancelToken) error {
	if token != nil {
		if err := token.Err(); err != nil {
			return err
		}
	}

	self.stateLock.Lock()
	if self.running < self.settings.MaxConcurrent {
		self.running += 1
		self.stateLock.Unlock()
		return self.run(op)
	}
	if self.settings.QueueLimit <= len(self.queue) {
		self.stateLock.Unlock()
		glog.Infof("[limiter]queue full (limit=%d)\n", self.settings.QueueLimit)
		return ErrLimiterQueueFull
	}
	entry := &limiterEntry{
		admit: make(chan struct{}),
	}
	self.queue = append(self.queue, entry)
	self.stateLock.Unlock()

	if token == nil {
		<-entry.admit
		return self.run(op)
	}

	select {
	case <-entry.admit:
		return self.run(op)
	case <-token.Done():
		if self.removeQueued(entry) {
			return ErrCancelled
		}
		// already admitted by a completing operation. the slot is held,
		// so release it without invoking the operation.
		<-entry.admit
		self.finish()
		return ErrCancelled
	}
}

func (self *ConcurrencyLimiter) run(op func() error) error {
	defer self.finish()
	return op()
}

// frees a slot and admits the oldest queued entry, if any
func (self *ConcurrencyLimiter) finish() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.running -= 1
	if 0 < len(self.queue) {
		entry := self.queue[0]
		self.queue[0] = nil
		self.queue = self.queue[1:]
		self.running += 1
		close(entry.admit)
	}
}

func (self *ConcurrencyLimiter) removeQueued(entry *limiterEntry) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, queued := range self.queue {
		if queued == entry {
			self.queue = append(self.queue[:i], self.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (self *ConcurrencyLimiter) Stats() LimiterStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return LimiterStats{
		Running:       self.running,
		Queued:        len(self.queue),
		MaxConcurrent: self.settings.MaxConcurrent,
		QueueLimit:    self.settings.QueueLimit,
	}
}

// `Execute` for operations with results
func ExecuteWithResult[T any](limiter *ConcurrencyLimiter, op func() (T, error), token *CancelToken) (T, error) {
	var result T
	err := limiter.Execute(func() error {
		var opErr error
		result, opErr = op()
		return opErr
	}, token)
	if err != nil {
		var empty T
		return empty, err
	}
	return result, nil
}

// counting semaphore with fifo waiters.
// release hands the permit directly to the oldest waiter if one exists,
// otherwise increments the free count.
type Semaphore struct {
	stateLock sync.Mutex

	permits int
	waiters []chan struct{}
}

func NewSemaphore(permits int) *Semaphore {
	if permits < 0 {
		permits = 0
	}
	return &Semaphore{
		permits: permits,
	}
}

// blocks until a permit frees or the token cancels
func (self *Semaphore) Acquire(token *CancelToken) error {
	self.stateLock.Lock()
	if 0 < self.permits {
		self.permits -= 1
		self.stateLock.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	self.waiters = append(self.waiters, waiter)
	self.stateLock.Unlock()

	if token == nil {
		<-waiter
		return nil
	}

	select {
	case <-waiter:
		return nil
	case <-token.Done():
		if self.removeWaiter(waiter) {
			return ErrCancelled
		}
		// the permit was already handed over. give it back.
		<-waiter
		self.Release()
		return ErrCancelled
	}
}

func (self *Semaphore) TryAcquire() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if 0 < self.permits {
		self.permits -= 1
		return true
	}
	return false
}

func (self *Semaphore) Release() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if 0 < len(self.waiters) {
		waiter := self.waiters[0]
		self.waiters[0] = nil
		self.waiters = self.waiters[1:]
		close(waiter)
	} else {
		self.permits += 1
	}
}

func (self *Semaphore) removeWaiter(waiter chan struct{}) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for i, queued := range self.waiters {
		if queued == waiter {
			self.waiters = append(self.waiters[:i], self.waiters[i+1:]...)
			return true
		}
	}
	return false
}
