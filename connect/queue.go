package connect

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

type DropStrategy int

const (
	// evict the head to admit the incoming item
	DropOldest DropStrategy = iota
	// refuse the incoming item, counting it dropped
	DropNewest
	// refuse the incoming item without counting it dropped
	DropReject
)

type BoundedQueueStats struct {
	Size         int
	MaxSize      int
	DroppedCount int
	IsFull       bool
	IsEmpty      bool
}

// fixed-capacity fifo queue with a configurable overflow policy.
// capacity is immutable after construction.
type BoundedQueue[T any] struct {
	stateLock sync.Mutex

	maxSize      int
	dropStrategy DropStrategy

	items        []T
	droppedCount int

	dropCallback func(item T)
}

func NewBoundedQueue[T any](maxSize int, dropStrategy DropStrategy) *BoundedQueue[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &BoundedQueue[T]{
		maxSize:      maxSize,
		dropStrategy: dropStrategy,
	}
}

// observe dropped/evicted items. called outside the queue lock.
func (self *BoundedQueue[T]) SetDropCallback(dropCallback func(item T)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.dropCallback = dropCallback
}

// admitted or not. overflow is signaled by the return value, not an error,
// so the caller decides whether a dropped item is fatal.
func (self *BoundedQueue[T]) Enqueue(item T) bool {
	self.stateLock.Lock()
	admitted, dropped, hasDropped := self.enqueueLocked(item)
	dropCallback := self.dropCallback
	self.stateLock.Unlock()

	if hasDropped && dropCallback != nil {
		safeInvoke("queue drop", func() {
			dropCallback(dropped)
		})
	}
	return admitted
}

func (self *BoundedQueue[T]) enqueueLocked(item T) (admitted bool, dropped T, hasDropped bool) {
	if len(self.items) < self.maxSize {
		self.items = append(self.items, item)
		return true, dropped, false
	}

	switch self.dropStrategy {
	case DropOldest:
		dropped = self.items[0]
		copy(self.items, self.items[1:])
		self.items[len(self.items)-1] = item
		self.droppedCount += 1
		glog.V(2).Infof("[queue]drop oldest (count=%d)\n", self.droppedCount)
		return true, dropped, true
	case DropNewest:
		self.droppedCount += 1
		glog.V(2).Infof("[queue]drop newest (count=%d)\n", self.droppedCount)
		return false, item, true
	default:
		return false, dropped, false
	}
}

func (self *BoundedQueue[T]) Dequeue() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var empty T
	if len(self.items) == 0 {
		return empty, false
	}
	item := self.items[0]
	self.items[0] = empty
	self.items = self.items[1:]
	return item, true
}

func (self *BoundedQueue[T]) Peek() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var empty T
	if len(self.items) == 0 {
		return empty, false
	}
	return self.items[0], true
}

func (self *BoundedQueue[T]) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.items = nil
}

// empties the queue and returns the removed items in fifo order
func (self *BoundedQueue[T]) Drain() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	items := self.items
	self.items = nil
	return items
}

// snapshot copy for iteration without mutation
func (self *BoundedQueue[T]) Items() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	items := make([]T, len(self.items))
	copy(items, self.items)
	return items
}

func (self *BoundedQueue[T]) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.items)
}

func (self *BoundedQueue[T]) DroppedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.droppedCount
}

func (self *BoundedQueue[T]) ResetDroppedCount() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.droppedCount = 0
}

func (self *BoundedQueue[T]) Stats() BoundedQueueStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return BoundedQueueStats{
		Size:         len(self.items),
		MaxSize:      self.maxSize,
		DroppedCount: self.droppedCount,
		IsFull:       len(self.items) == self.maxSize,
		IsEmpty:      len(self.items) == 0,
	}
}

// size charged to an item whose real size cannot be estimated
const NominalMessageByteCount = ByteCount(256)

type SizeEstimator[T any] func(item T) ByteCount

// serialized json size, falling back to the nominal size when the
// item cannot be serialized
func JsonSizeEstimator[T any](item T) ByteCount {
	b, err := json.Marshal(item)
	if err != nil {
		return NominalMessageByteCount
	}
	return ByteCount(len(b))
}

type MessageBufferSettings struct {
	MaxSize      int
	MaxBytes     ByteCount
	DropStrategy DropStrategy
}

func DefaultMessageBufferSettings() *MessageBufferSettings {
	return &MessageBufferSettings{
		MaxSize:      512,
		MaxBytes:     Mib(1),
		DropStrategy: DropOldest,
	}
}

type MessageBufferStats struct {
	BoundedQueueStats
	TotalBytes ByteCount
	MaxBytes   ByteCount
}

type messageEntry[T any] struct {
	item      T
	byteCount ByteCount
}

// bounded queue specialized for message payloads with a byte budget.
// before count-based admission, evicts from the head until the incoming
// item fits under `MaxBytes` or the buffer is empty. a single item larger
// than the whole budget can still be admitted once the buffer is empty;
// the count-based strategy then decides.
type MessageBuffer[T any] struct {
	stateLock sync.Mutex

	settings  *MessageBufferSettings
	estimator SizeEstimator[T]

	entries      []messageEntry[T]
	totalBytes   ByteCount
	droppedCount int

	dropCallback func(item T)
}

func NewMessageBufferWithDefaults[T any]() *MessageBuffer[T] {
	return NewMessageBuffer[T](DefaultMessageBufferSettings(), JsonSizeEstimator[T])
}

func NewMessageBuffer[T any](settings *MessageBufferSettings, estimator SizeEstimator[T]) *MessageBuffer[T] {
	if settings.MaxSize < 1 {
		settings.MaxSize = 1
	}
	if estimator == nil {
		estimator = JsonSizeEstimator[T]
	}
	return &MessageBuffer[T]{
		settings:  settings,
		estimator: estimator,
	}
}

func (self *MessageBuffer[T]) SetDropCallback(dropCallback func(item T)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.dropCallback = dropCallback
}

func (self *MessageBuffer[T]) Enqueue(item T) bool {
	byteCount := self.estimator(item)
	if byteCount < 0 {
		byteCount = NominalMessageByteCount
	}

	self.stateLock.Lock()

	var droppedItems []T

	// byte budget: evict from the head until the new item fits
	// or the buffer empties
	for 0 < len(self.entries) && self.settings.MaxBytes < self.totalBytes+byteCount {
		evicted := self.evictHeadLocked()
		droppedItems = append(droppedItems, evicted)
	}

	admitted := false
	if len(self.entries) < self.settings.MaxSize {
		self.pushLocked(item, byteCount)
		admitted = true
	} else {
		switch self.settings.DropStrategy {
		case DropOldest:
			evicted := self.evictHeadLocked()
			droppedItems = append(droppedItems, evicted)
			self.pushLocked(item, byteCount)
			admitted = true
		case DropNewest:
			self.droppedCount += 1
			droppedItems = append(droppedItems, item)
		default:
		}
	}

	dropCallback := self.dropCallback
	totalBytes := self.totalBytes
	self.stateLock.Unlock()

	if 0 < len(droppedItems) {
		glog.V(2).Infof("[buffer]evicted %d (bytes=%d)\n", len(droppedItems), totalBytes)
		if dropCallback != nil {
			for _, dropped := range droppedItems {
				dropped := dropped
				safeInvoke("buffer drop", func() {
					dropCallback(dropped)
				})
			}
		}
	}
	return admitted
}

func (self *MessageBuffer[T]) pushLocked(item T, byteCount ByteCount) {
	self.entries = append(self.entries, messageEntry[T]{
		item:      item,
		byteCount: byteCount,
	})
	self.totalBytes += byteCount
}

func (self *MessageBuffer[T]) evictHeadLocked() T {
	entry := self.entries[0]
	self.entries[0] = messageEntry[T]{}
	self.entries = self.entries[1:]
	self.totalBytes -= entry.byteCount
	self.droppedCount += 1
	return entry.item
}

func (self *MessageBuffer[T]) Dequeue() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var empty T
	if len(self.entries) == 0 {
		return empty, false
	}
	entry := self.entries[0]
	self.entries[0] = messageEntry[T]{}
	self.entries = self.entries[1:]
	self.totalBytes -= entry.byteCount
	return entry.item, true
}

func (self *MessageBuffer[T]) Peek() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var empty T
	if len(self.entries) == 0 {
		return empty, false
	}
	return self.entries[0].item, true
}

func (self *MessageBuffer[T]) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entries = nil
	self.totalBytes = 0
}

func (self *MessageBuffer[T]) Drain() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := make([]T, len(self.entries))
	for i, entry := range self.entries {
		items[i] = entry.item
	}
	self.entries = nil
	self.totalBytes = 0
	return items
}

// Requeue reinserts items at the head in order, ahead of the current
// contents. Limits are re-applied by evicting from the head, keeping
// the newest buffered items.
func (self *MessageBuffer[T]) Requeue(items []T) {
	self.stateLock.Lock()

	entries := make([]messageEntry[T], 0, len(items)+len(self.entries))
	for _, item := range items {
		byteCount := self.estimator(item)
		if byteCount < 0 {
			byteCount = NominalMessageByteCount
		}
		entries = append(entries, messageEntry[T]{
			item:      item,
			byteCount: byteCount,
		})
		self.totalBytes += byteCount
	}
	self.entries = append(entries, self.entries...)

	var droppedItems []T
	for self.settings.MaxSize < len(self.entries) ||
		(1 < len(self.entries) && self.settings.MaxBytes < self.totalBytes) {
		evicted := self.evictHeadLocked()
		droppedItems = append(droppedItems, evicted)
	}

	dropCallback := self.dropCallback
	self.stateLock.Unlock()

	if 0 < len(droppedItems) && dropCallback != nil {
		for _, dropped := range droppedItems {
			dropped := dropped
			safeInvoke("buffer drop", func() {
				dropCallback(dropped)
			})
		}
	}
}

func (self *MessageBuffer[T]) Items() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	items := make([]T, len(self.entries))
	for i, entry := range self.entries {
		items[i] = entry.item
	}
	return items
}

func (self *MessageBuffer[T]) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}

func (self *MessageBuffer[T]) TotalBytes() ByteCount {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.totalBytes
}

func (self *MessageBuffer[T]) Stats() MessageBufferStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return MessageBufferStats{
		BoundedQueueStats: BoundedQueueStats{
			Size:         len(self.entries),
			MaxSize:      self.settings.MaxSize,
			DroppedCount: self.droppedCount,
			IsFull:       len(self.entries) == self.settings.MaxSize,
			IsEmpty:      len(self.entries) == 0,
		},
		TotalBytes: self.totalBytes,
		MaxBytes:   self.settings.MaxBytes,
	}
}
