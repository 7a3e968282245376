package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// cell is one link of the queue. The value is cleared once the consumer has
// taken it so long-lived queues do not pin delivered values.
type cell[T any] struct {
	value T
	next  atomic.Pointer[cell[T]]
}

// LockFreeMPSC is an unbounded multi-producer single-consumer queue.
//
// Any number of goroutines may Push concurrently without taking a lock. A
// single internal goroutine walks the linked list and hands values out on the
// channel returned by Recv, which makes the queue usable inside select.
//
// Values pushed by one producer are delivered in push order. Values from
// different producers interleave in the order their appends won the race on
// the tail.
//
// The lock manager feeds every partition through one of these queues, so all
// tasks of a partition run on a single goroutine.
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[cell[T]]
	tail   atomic.Pointer[cell[T]]
	out    chan T
	closed atomic.Bool
	done   chan struct{}

	// parks the forwarder while the list is empty
	mu     sync.Mutex
	wakeup *sync.Cond
}

// NewLockFreeMPSC creates an empty queue and starts its forwarder.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	stub := &cell[T]{}
	q := &LockFreeMPSC[T]{
		out:  make(chan T),
		done: make(chan struct{}),
	}
	q.wakeup = sync.NewCond(&q.mu)
	q.head.Store(stub)
	q.tail.Store(stub)

	go q.forward()
	return q
}

// Push appends v. It returns false if the queue has been closed.
func (q *LockFreeMPSC[T]) Push(v T) bool {
	if q.closed.Load() {
		return false
	}

	c := &cell[T]{value: v}
	var spins uint8

	for {
		last := q.tail.Load()
		next := last.next.Load()
		if next == nil {
			if last.next.CompareAndSwap(nil, c) {
				// losing this CAS is fine, some other producer moved tail on
				q.tail.CompareAndSwap(last, c)
				q.mu.Lock()
				q.wakeup.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// a producer linked a cell but has not moved tail yet
			q.tail.CompareAndSwap(last, next)
		}

		// contention backoff: spin a little, then yield
		if spins < 6 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		} else {
			runtime.Gosched()
		}
	}
}

// forward moves values from the linked list onto the out channel. It closes
// the channel once the queue is closed and fully drained.
func (q *LockFreeMPSC[T]) forward() {
	defer close(q.done)
	defer close(q.out)

	var zero T
	for {
		head := q.head.Load()
		next := head.next.Load()

		if next != nil {
			v := next.value
			next.value = zero
			q.head.Store(next)
			q.out <- v
			continue
		}

		if q.closed.Load() {
			return
		}

		q.mu.Lock()
		if q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.wakeup.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns the channel values are delivered on. The channel is closed
// after Close once every value pushed before it has been received.
func (q *LockFreeMPSC[T]) Recv() <-chan T {
	return q.out
}

// Close stops the queue from accepting new values. Values already pushed are
// still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.wakeup.Signal()
	q.mu.Unlock()
}

// IsClosed reports whether Close has been called.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Done is closed when the forwarder has exited, i.e. after Close once every
// value has been handed out.
func (q *LockFreeMPSC[T]) Done() <-chan struct{} {
	return q.done
}
