// Copyright 2026 Redpanda Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory implements a bounded, in-process FIFO of typed events.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/redpanda-data/connect-spool/internal/spool/acker"
	"github.com/redpanda-data/connect-spool/internal/spool/fifo"
)

var (
	// ErrFull is returned by TryEnqueue when the queue is at capacity.
	ErrFull = errors.New("memory queue is full")

	// ErrTooLarge is returned when a single item is larger than the capacity
	// of the queue and could therefore never be accepted.
	ErrTooLarge = errors.New("item exceeds memory queue capacity")

	// ErrClosed is returned when writing to a queue that no longer accepts
	// input, or reading from a queue whose consumer has been closed.
	ErrClosed = errors.New("memory queue is closed")

	// ErrEndOfQueue is returned by Dequeue once input has ended and every
	// queued item has been read.
	ErrEndOfQueue = errors.New("end of memory queue")
)

// Stats is a point in time snapshot of a queue.
type Stats struct {
	Written  uint64
	Read     uint64
	Acked    uint64
	Queued   int
	Size     int
	Capacity int
}

type sizedItem[T any] struct {
	v    T
	size int
}

// Queue is a bounded FIFO of T. Capacity is a count of queued items unless a
// size function is provided, in which case it is the sum of item sizes.
//
// Any number of goroutines may enqueue concurrently, items are dequeued in
// exactly the order they were accepted.
type Queue[T any] struct {
	cond     *sync.Cond
	items    *fifo.Chunked[sizedItem[T]]
	size     int
	capacity int
	sizer    func(T) int

	endOfInput bool
	closed     bool

	written, read uint64
	acks          *acker.Counter
	onChange      func()
}

// Opt configures a Queue.
type Opt[T any] func(q *Queue[T])

// OptSizer accounts capacity with fn rather than by item count.
func OptSizer[T any](fn func(T) int) Opt[T] {
	return func(q *Queue[T]) {
		q.sizer = fn
	}
}

// OptOnChange registers a function that is called whenever an item becomes
// available or the queue closes. The function must not block.
func OptOnChange[T any](fn func()) Opt[T] {
	return func(q *Queue[T]) {
		q.onChange = fn
	}
}

// New creates a queue with the given capacity, which must be positive.
func New[T any](capacity int, opts ...Opt[T]) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, errors.New("memory queue capacity must be greater than zero")
	}
	q := &Queue[T]{
		cond:     sync.NewCond(&sync.Mutex{}),
		items:    fifo.NewChunked[sizedItem[T]](),
		capacity: capacity,
	}
	for _, o := range opts {
		o(q)
	}
	q.acks = acker.NewCounter(0, acker.WithLimit(q.readCount))
	return q, nil
}

func (q *Queue[T]) readCount() uint64 {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return q.read
}

func (q *Queue[T]) sizeOf(v T) int {
	if q.sizer == nil {
		return 1
	}
	return q.sizer(v)
}

func (q *Queue[T]) changed() {
	if q.onChange != nil {
		q.onChange()
	}
}

// wakeOnDone broadcasts to waiters when ctx ends. The broadcast takes the
// lock so that it cannot land between a waiter's context check and its Wait.
func (q *Queue[T]) wakeOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		q.cond.L.Lock()
		q.cond.Broadcast()
		q.cond.L.Unlock()
	})
}

// must hold lock.
func (q *Queue[T]) pushLocked(v T, size int) {
	q.items.PushBack(sizedItem[T]{v: v, size: size})
	q.size += size
	q.written++
	q.cond.Broadcast()
}

// TryEnqueue adds v to the queue without blocking, returning ErrFull when
// there is not enough capacity left.
func (q *Queue[T]) TryEnqueue(v T) error {
	size := q.sizeOf(v)
	if size > q.capacity {
		return ErrTooLarge
	}

	q.cond.L.Lock()
	if q.closed || q.endOfInput {
		q.cond.L.Unlock()
		return ErrClosed
	}
	if q.size+size > q.capacity {
		q.cond.L.Unlock()
		return ErrFull
	}
	q.pushLocked(v, size)
	q.cond.L.Unlock()

	q.changed()
	return nil
}

// EnqueueBlocking adds v to the queue, waiting until enough capacity is freed
// by the consumer, the queue is closed or the context is cancelled.
func (q *Queue[T]) EnqueueBlocking(ctx context.Context, v T) error {
	size := q.sizeOf(v)
	if size > q.capacity {
		return ErrTooLarge
	}

	stop := q.wakeOnDone(ctx)
	defer stop()

	q.cond.L.Lock()
	for {
		if q.closed || q.endOfInput {
			q.cond.L.Unlock()
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			q.cond.L.Unlock()
			return err
		}
		if q.size+size <= q.capacity {
			break
		}
		q.cond.Wait()
	}
	q.pushLocked(v, size)
	q.cond.L.Unlock()

	q.changed()
	return nil
}

// must hold lock.
func (q *Queue[T]) popLocked() (T, bool, error) {
	var zero T
	if q.closed {
		return zero, false, ErrClosed
	}
	item, ok := q.items.PopFront()
	if !ok {
		if q.endOfInput {
			return zero, false, ErrEndOfQueue
		}
		return zero, false, nil
	}
	q.size -= item.size
	q.read++
	q.cond.Broadcast()
	return item.v, true, nil
}

// TryDequeue removes the next item if one is available. When the queue is
// empty it returns false, or ErrEndOfQueue if input has ended.
func (q *Queue[T]) TryDequeue() (T, bool, error) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return q.popLocked()
}

// Dequeue removes the next item, waiting until one is available. Once input
// has ended and the queue is drained ErrEndOfQueue is returned.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for {
		v, ok, err := q.popLocked()
		if err != nil || ok {
			return v, err
		}
		if err := ctx.Err(); err != nil {
			return v, err
		}
		q.cond.Wait()
	}
}

// Acker returns the acknowledgement counter of the queue. Capacity is freed as
// items are dequeued, so acknowledgements only record consumer progress.
func (q *Queue[T]) Acker() *acker.Counter {
	return q.acks
}

// CloseInput signals that no more items will be written. Blocked producers
// return ErrClosed, and the consumer reads the remaining items before
// receiving ErrEndOfQueue. CloseInput is idempotent.
func (q *Queue[T]) CloseInput() {
	q.cond.L.Lock()
	q.endOfInput = true
	q.cond.Broadcast()
	q.cond.L.Unlock()
	q.changed()
}

// Close terminates the queue. Any items not yet read are discarded.
func (q *Queue[T]) Close() {
	q.cond.L.Lock()
	q.closed = true
	q.endOfInput = true
	for !q.items.Empty() {
		q.items.PopFront()
	}
	q.size = 0
	q.cond.Broadcast()
	q.cond.L.Unlock()
	q.changed()
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return Stats{
		Written:  q.written,
		Read:     q.read,
		Acked:    q.acks.Acknowledged(),
		Queued:   q.items.Len(),
		Size:     q.size,
		Capacity: q.capacity,
	}
}
