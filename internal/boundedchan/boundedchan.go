// Package boundedchan implements the Bounded Channel of section 4.A: a
// fixed-capacity queue carrying opaque response frames, with close
// semantics and was_full/was_empty observation so callers can feed a
// blockcounter.Counter.
//
// Grounded on the teacher's task/results channel pair in
// coordinator.Run (tasks chan manifest.FileMeta, sized by MaxWorkers),
// generalized into its own type with explicit push/pop/close rather
// than bare Go channels, because the spec requires observing
// was_full/was_empty at the call site and a producer-guard auto-close
// that a plain `chan` cannot express without extra bookkeeping anyway.
package boundedchan

import "sync"

// Chan is a fixed-capacity, multi-producer/multi-consumer queue of
// opaque frames.
type Chan[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	capacity int
	closed   bool
}

// New creates a Chan with the given capacity. capacity <= 0 is treated
// as 1, since an unbounded bounded-channel is a contradiction.
func New[T any](capacity int) *Chan[T] {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Chan[T]{items: make([]T, 0, capacity), capacity: capacity}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Push enqueues item, blocking while the channel is full. stopped is
// true if the channel was or became closed before the item could be
// accepted, in which case the item is dropped. wasFull reports whether
// the call observed the channel at capacity before enqueuing (so the
// caller can record a block event).
func (c *Chan[T]) Push(item T) (stopped, wasFull bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.capacity && !c.closed {
		wasFull = true
	}
	for len(c.items) >= c.capacity && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return true, wasFull
	}
	c.items = append(c.items, item)
	c.cond.Broadcast()
	return false, wasFull
}

// Pop dequeues the next item, blocking while the channel is empty and
// open. ok is false once the channel is closed and drained. wasEmpty
// reports whether the call observed an empty channel before an item
// became available.
func (c *Chan[T]) Pop() (item T, ok bool, wasEmpty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) == 0 && !c.closed {
		wasEmpty = true
	}
	for len(c.items) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.items) == 0 {
		var zero T
		return zero, false, wasEmpty
	}
	item = c.items[0]
	c.items = c.items[1:]
	c.cond.Broadcast()
	return item, true, wasEmpty
}

// Close stops the channel: every blocked Push returns stopped=true and
// every blocked (or future) Pop against an empty channel returns
// ok=false. Close is idempotent.
func (c *Chan[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cond.Broadcast()
}

// Len reports the number of items currently queued.
func (c *Chan[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// ProducerGuard tracks a count of live producers sharing one Chan; when
// the last one drops, the channel auto-closes. This matches §4.H's
// network threads, which share one producer guard on the writer
// channel so that the last network thread to finish closes it.
type ProducerGuard[T any] struct {
	mu        sync.Mutex
	ch        *Chan[T]
	remaining int
}

// NewProducerGuard creates a guard for n producers sharing ch.
func NewProducerGuard[T any](ch *Chan[T], n int) *ProducerGuard[T] {
	return &ProducerGuard[T]{ch: ch, remaining: n}
}

// Drop records that one producer has finished. When the last producer
// drops, the underlying channel is closed.
func (g *ProducerGuard[T]) Drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining--
	if g.remaining <= 0 {
		g.ch.Close()
	}
}
