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

// Package acker implements the acknowledgement side of a spool buffer: a
// consumer reports how many further items it has durably handled, and the
// owning queue uses that cumulative count to reclaim memory or disk.
package acker

import (
	"sync/atomic"
)

// Acker is told that n more items, beyond all previously acknowledged items,
// have been handled by the consumer in order. Ack never blocks.
type Acker interface {
	Ack(n int)
}

// Noop acknowledges instantly and does nothing, which suits tests and
// consumers that are happy with at-most-once delivery.
type Noop struct{}

// Ack does nothing.
func (Noop) Ack(int) {}

// Counter is an Acker backed by a single atomic counter. Every successful Ack
// publishes the new cumulative total to the notify function, which must not
// block. Concurrent Ack calls may notify out of order, so receivers should
// treat the total as a hint and read Acknowledged.
type Counter struct {
	acked  atomic.Uint64
	limit  func() uint64
	notify func(total uint64)
	excess func(requested, allowed uint64)
}

// CounterOpt configures a Counter.
type CounterOpt func(c *Counter)

// WithLimit bounds the counter to the number of items the consumer has
// actually read. Acks beyond the limit are clamped.
func WithLimit(fn func() uint64) CounterOpt {
	return func(c *Counter) {
		c.limit = fn
	}
}

// WithNotify registers a function called with the new total after each
// advance.
func WithNotify(fn func(total uint64)) CounterOpt {
	return func(c *Counter) {
		c.notify = fn
	}
}

// WithExcessHandler registers a function called when an Ack would exceed the
// limit, with the requested and the permitted totals.
func WithExcessHandler(fn func(requested, allowed uint64)) CounterOpt {
	return func(c *Counter) {
		c.excess = fn
	}
}

// NewCounter returns a Counter starting at initial, which is non-zero when a
// persisted queue resumes after a restart.
func NewCounter(initial uint64, opts ...CounterOpt) *Counter {
	c := &Counter{}
	c.acked.Store(initial)
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ack advances the counter by n.
func (c *Counter) Ack(n int) {
	if n <= 0 {
		return
	}
	var total uint64
	for {
		current := c.acked.Load()
		total = current + uint64(n)
		if c.limit != nil {
			if allowed := c.limit(); total > allowed {
				if c.excess != nil {
					c.excess(total, allowed)
				}
				if allowed <= current {
					return
				}
				total = allowed
			}
		}
		if c.acked.CompareAndSwap(current, total) {
			break
		}
	}
	if c.notify != nil {
		c.notify(total)
	}
}

// Acknowledged returns the cumulative number of acknowledged items.
func (c *Counter) Acknowledged() uint64 {
	return c.acked.Load()
}
