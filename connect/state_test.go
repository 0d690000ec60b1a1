package connect

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAsyncOperationLifecycle(t *testing.T) {
	op := NewAsyncOperation[string]()
	assert.Equal(t, op.Status, OperationIdle)
	assert.Equal(t, op.IsLoading(), false)
	assert.Equal(t, op.IsTerminal(), false)

	_, started := op.Duration()
	assert.Equal(t, started, false)

	pending := op.Start()
	assert.Equal(t, pending.IsLoading(), true)
	// the original value is untouched
	assert.Equal(t, op.Status, OperationIdle)

	duration, started := pending.Duration()
	assert.Equal(t, started, true)
	if duration < 0 {
		t.Fatalf("negative duration %s", duration)
	}

	done := pending.Succeed("hello")
	assert.Equal(t, done.Status, OperationSuccess)
	assert.Equal(t, done.Value, "hello")
	assert.Equal(t, done.IsSuccess(), true)
	assert.Equal(t, done.IsTerminal(), true)
	assert.Equal(t, done.StartTime, pending.StartTime)
	assert.Equal(t, done.EndTime.IsZero(), false)
	assert.Equal(t, pending.Status, OperationPending)
}

func TestAsyncOperationFailAndCancel(t *testing.T) {
	pending := NewAsyncOperation[int]().Start()

	failed := pending.Fail(fmt.Errorf("boom"))
	assert.Equal(t, failed.IsError(), true)
	assert.Equal(t, failed.Err.Error(), "boom")

	cancelled := pending.Cancel()
	assert.Equal(t, cancelled.Status, OperationCancelled)
	assert.Equal(t, cancelled.Err, ErrCancelled)
	assert.Equal(t, cancelled.IsTerminal(), true)
}

func TestDebouncerCoalesces(t *testing.T) {
	debouncer := NewDebouncer(30 * time.Millisecond)
	defer debouncer.Cancel()

	callCount := atomic.Int64{}
	lastValue := atomic.Int64{}
	for i := 1; i <= 5; i += 1 {
		value := int64(i)
		debouncer.Call(func() {
			callCount.Add(1)
			lastValue.Store(value)
		})
		time.Sleep(5 * time.Millisecond)
	}

	waitForCondition(t, func() bool {
		return callCount.Load() == 1
	})
	assert.Equal(t, lastValue.Load(), int64(5))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, callCount.Load(), int64(1))
}

func TestDebouncerStaleTimerDoesNotRun(t *testing.T) {
	debouncer := NewDebouncer(time.Millisecond)
	defer debouncer.Cancel()

	// hammer Call at roughly the delay interval so timers routinely
	// fire while a newer Call holds the lock. a fired-but-superseded
	// timer must not run its old function or clobber the fresh timer
	callCount := atomic.Int64{}
	lastValue := atomic.Int64{}
	count := int64(200)
	for i := int64(1); i <= count; i += 1 {
		value := i
		debouncer.Call(func() {
			callCount.Add(1)
			lastValue.Store(value)
		})
		time.Sleep(500 * time.Microsecond)
	}

	waitForCondition(t, func() bool {
		return lastValue.Load() == count
	})
	settled := callCount.Load()

	// no stale execution trails in after the burst settles
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, callCount.Load(), settled)
	assert.Equal(t, lastValue.Load(), count)
}

func TestDebouncerCancel(t *testing.T) {
	debouncer := NewDebouncer(20 * time.Millisecond)
	callCount := atomic.Int64{}
	debouncer.Call(func() {
		callCount.Add(1)
	})
	debouncer.Cancel()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, callCount.Load(), int64(0))
}

func TestCallThrottlerLeadingAndTrailing(t *testing.T) {
	throttler := NewCallThrottler(50 * time.Millisecond)
	defer throttler.Cancel()

	lock := sync.Mutex{}
	values := []int{}
	record := func(value int) func() {
		return func() {
			lock.Lock()
			defer lock.Unlock()
			values = append(values, value)
		}
	}

	throttler.Call(record(1))
	throttler.Call(record(2))
	throttler.Call(record(3))

	lock.Lock()
	assert.Equal(t, values, []int{1})
	lock.Unlock()

	// the last coalesced call runs when the interval elapses
	waitForCondition(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(values) == 2
	})
	lock.Lock()
	assert.Equal(t, values, []int{1, 3})
	lock.Unlock()
}

func TestSelectorMemoizes(t *testing.T) {
	computeCount := 0
	selector := NewSelector(func(state int) string {
		computeCount += 1
		return fmt.Sprintf("v%d", state)
	})

	assert.Equal(t, selector.Select(1), "v1")
	assert.Equal(t, selector.Select(1), "v1")
	assert.Equal(t, computeCount, 1)

	assert.Equal(t, selector.Select(2), "v2")
	assert.Equal(t, computeCount, 2)
}

func TestSelectorPreservesEqualResults(t *testing.T) {
	selector := NewSelectorWithEquality(func(state int) []string {
		return []string{"constant"}
	}, func(a []string, b []string) bool {
		return len(a) == len(b) && a[0] == b[0]
	})

	first := selector.Select(1)
	second := selector.Select(2)
	// semantically equal recomputation returns the same slice
	if &first[0] != &second[0] {
		t.Fatal("equal result did not preserve identity")
	}
}
