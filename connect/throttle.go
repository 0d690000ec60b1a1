package connect

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// the ui cannot usefully render faster than 10 Hz, and anything below
// 2 Hz reads as stalled. every frequency knob in this file is clamped
// into that band rather than rejected.
const MinEmitHz = float64(2)
const MaxEmitHz = float64(10)

func clampHz(hz float64) float64 {
	if hz < MinEmitHz {
		return MinEmitHz
	}
	if MaxEmitHz < hz {
		return MaxEmitHz
	}
	return hz
}

func hzInterval(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / clampHz(hz))
}

type ThrottlerSettings struct {
	MaxHz    float64
	Leading  bool
	Trailing bool
}

func DefaultThrottlerSettings() *ThrottlerSettings {
	return &ThrottlerSettings{
		MaxHz:    MaxEmitHz,
		Leading:  true,
		Trailing: true,
	}
}

// caps how often `fn` runs. a call inside the interval window is
// coalesced into a single trailing execution carrying the most recent
// value (last write wins).
type Throttler[T any] struct {
	stateLock sync.Mutex

	fn       func(T)
	settings *ThrottlerSettings
	interval time.Duration

	lastExecutionTime time.Time
	pendingTimer      *time.Timer
	pendingValue      T
}

func NewThrottler[T any](fn func(T), settings *ThrottlerSettings) *Throttler[T] {
	return &Throttler[T]{
		fn:       fn,
		settings: settings,
		interval: hzInterval(settings.MaxHz),
	}
}

func (self *Throttler[T]) Call(value T) {
	self.stateLock.Lock()

	now := time.Now()
	elapsed := now.Sub(self.lastExecutionTime)
	if self.settings.Leading && self.interval <= elapsed {
		self.lastExecutionTime = now
		self.stateLock.Unlock()
		self.fn(value)
		return
	}

	if self.settings.Trailing {
		self.pendingValue = value
		if self.pendingTimer == nil {
			remaining := self.interval - elapsed
			if remaining < 0 {
				remaining = 0
			}
			self.pendingTimer = time.AfterFunc(remaining, self.firePending)
		}
	}
	self.stateLock.Unlock()
}

func (self *Throttler[T]) firePending() {
	self.stateLock.Lock()
	if self.pendingTimer == nil {
		// cancelled after the timer fired
		self.stateLock.Unlock()
		return
	}
	self.pendingTimer = nil
	value := self.pendingValue
	self.lastExecutionTime = time.Now()
	self.stateLock.Unlock()
	self.fn(value)
}

// drops a pending trailing execution
func (self *Throttler[T]) Cancel() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.pendingTimer != nil {
		self.pendingTimer.Stop()
		self.pendingTimer = nil
	}
}

// sliding one-second window rate limiter
type RateLimiter struct {
	stateLock sync.Mutex

	maxPerWindow int
	timestamps   []time.Time
}

func NewRateLimiter(maxHz float64) *RateLimiter {
	return &RateLimiter{
		maxPerWindow: int(clampHz(maxHz)),
	}
}

// records and admits the call only if fewer than the cap occurred
// in the trailing window
func (self *RateLimiter) Allow() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	self.pruneLocked(now)
	if len(self.timestamps) < self.maxPerWindow {
		self.timestamps = append(self.timestamps, now)
		return true
	}
	glog.V(2).Infof("[rate]limited at %d/s\n", self.maxPerWindow)
	return false
}

func (self *RateLimiter) CurrentRate() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pruneLocked(time.Now())
	return len(self.timestamps)
}

func (self *RateLimiter) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.timestamps = nil
}

func (self *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-1 * time.Second)
	i := 0
	for i < len(self.timestamps) && self.timestamps[i].Before(cutoff) {
		i += 1
	}
	if 0 < i {
		self.timestamps = append(self.timestamps[:0], self.timestamps[i:]...)
	}
}

// smooths a high-rate value stream into the emit band.
// the first value and forced values emit immediately; values arriving
// inside the minimum interval are coalesced into one delayed emission
// carrying the latest value, delivered through the emit callback.
type ValueSmoother[T any] struct {
	stateLock sync.Mutex

	emit     func(T)
	interval time.Duration

	hasEmitted   bool
	lastValue    T
	lastEmitTime time.Time

	pendingTimer *time.Timer
	pendingValue T
}

func NewValueSmoother[T any](maxHz float64, emit func(T)) *ValueSmoother[T] {
	return &ValueSmoother[T]{
		emit:     emit,
		interval: hzInterval(maxHz),
	}
}

// true if the value was emitted now; false if it was deferred
func (self *ValueSmoother[T]) Offer(value T) bool {
	return self.offer(value, false)
}

func (self *ValueSmoother[T]) ForceOffer(value T) bool {
	return self.offer(value, true)
}

func (self *ValueSmoother[T]) offer(value T, force bool) bool {
	self.stateLock.Lock()

	now := time.Now()
	if force || !self.hasEmitted || self.interval <= now.Sub(self.lastEmitTime) {
		if self.pendingTimer != nil {
			self.pendingTimer.Stop()
			self.pendingTimer = nil
		}
		self.hasEmitted = true
		self.lastValue = value
		self.lastEmitTime = now
		self.stateLock.Unlock()
		self.emit(value)
		return true
	}

	self.pendingValue = value
	if self.pendingTimer == nil {
		remaining := self.interval - now.Sub(self.lastEmitTime)
		self.pendingTimer = time.AfterFunc(remaining, self.firePending)
	}
	self.stateLock.Unlock()
	return false
}

func (self *ValueSmoother[T]) firePending() {
	self.stateLock.Lock()
	if self.pendingTimer == nil {
		self.stateLock.Unlock()
		return
	}
	self.pendingTimer = nil
	value := self.pendingValue
	self.hasEmitted = true
	self.lastValue = value
	self.lastEmitTime = time.Now()
	self.stateLock.Unlock()
	self.emit(value)
}

func (self *ValueSmoother[T]) LastValue() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastValue, self.hasEmitted
}

func (self *ValueSmoother[T]) Cancel() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.pendingTimer != nil {
		self.pendingTimer.Stop()
		self.pendingTimer = nil
	}
}
