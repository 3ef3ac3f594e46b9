package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// mpscNode is one element of the linked list behind LockFreeMPSC
type mpscNode[T any] struct {
	value *T
	next  atomic.Pointer[mpscNode[T]]
}

// LockFreeMPSC is an unbounded multi-producer single-consumer queue.
//
// Producers append to a linked list with compare-and-swap, a single internal goroutine
// moves the values into the channel returned by Recv. Values pushed by one producer
// keep their order, values of different producers interleave in completion order.
// After Close all values already pushed are still delivered, then Recv is closed.
type LockFreeMPSC[T any] struct {
	head    atomic.Pointer[mpscNode[T]]
	tail    atomic.Pointer[mpscNode[T]]
	out     chan *T
	closed  atomic.Bool
	pending atomic.Int64

	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates the queue and starts its delivery goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &mpscNode[T]{}

	q := &LockFreeMPSC[T]{
		out: make(chan *T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.deliver()

	return q
}

// Push appends value to the queue. It returns false if value is nil or the queue is closed.
// Push is safe for concurrent use.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	var backoff uint8
	q.pending.Add(1)

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// another producer may already have advanced the tail
				q.tail.CompareAndSwap(tail, n)

				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin a little at low contention, yield afterwards
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// deliver moves values from the list into the out channel until the queue is closed and empty
func (q *LockFreeMPSC[T]) deliver() {
	defer close(q.out)

	for {
		head := q.head.Load()
		next := head.next.Load()

		if next != nil {
			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = nil
			q.pending.Add(-1)
			continue
		}

		q.mu.Lock()
		if head.next.Load() == nil {
			if q.closed.Load() {
				q.mu.Unlock()
				return
			}
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns the channel the queued values are delivered on
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close stops accepting new values. Values already queued are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed returns true if the queue is closed
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of values pushed but not yet handed to the consumer
func (q *LockFreeMPSC[T]) Len() int {
	return int(q.pending.Load())
}
