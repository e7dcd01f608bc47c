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

// Package fifo provides an unbounded first-in first-out list that allocates in
// fixed size chunks, so that a long running queue neither reallocates a large
// backing slice nor leaks the head of a slice that is resliced forever.
package fifo

const chunkSize = 128

type chunk[T any] struct {
	items      [chunkSize]T
	head, tail int
	next       *chunk[T]
}

// Chunked is a FIFO list of T. The zero value is not usable, call NewChunked.
//
// Chunked is not safe for concurrent use.
type Chunked[T any] struct {
	first, last *chunk[T]
	length      int
	spare       *chunk[T]
}

// NewChunked returns an empty list.
func NewChunked[T any]() *Chunked[T] {
	c := &chunk[T]{}
	return &Chunked[T]{first: c, last: c}
}

func (c *Chunked[T]) newChunk() *chunk[T] {
	if s := c.spare; s != nil {
		c.spare = nil
		return s
	}
	return &chunk[T]{}
}

// PushBack appends v to the end of the list.
func (c *Chunked[T]) PushBack(v T) {
	if c.last.tail == chunkSize {
		n := c.newChunk()
		c.last.next = n
		c.last = n
	}
	c.last.items[c.last.tail] = v
	c.last.tail++
	c.length++
}

// PopFront removes and returns the first element.
func (c *Chunked[T]) PopFront() (v T, ok bool) {
	if c.length == 0 {
		return v, false
	}
	f := c.first
	v = f.items[f.head]

	var zero T
	f.items[f.head] = zero
	f.head++
	c.length--

	if f.head == f.tail {
		if f.next == nil {
			f.head, f.tail = 0, 0
		} else {
			c.first = f.next
			f.next = nil
			f.head, f.tail = 0, 0
			c.spare = f
		}
	}
	return v, true
}

// Len returns the number of elements in the list.
func (c *Chunked[T]) Len() int {
	return c.length
}

// Empty returns true when the list holds no elements.
func (c *Chunked[T]) Empty() bool {
	return c.length == 0
}
