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

package acker

import (
	"sync"

	"github.com/Jeffail/checkpoint"
)

// Sequencer turns acknowledgements that arrive in any order into in-order
// cumulative acks. Each tracked slot covers a number of items, and the
// underlying Acker only hears about a slot once it and every slot before it
// have been resolved.
type Sequencer struct {
	mu      sync.Mutex
	target  Acker
	cp      *checkpoint.Uncapped[uint64]
	tracked uint64
	acked   uint64
}

// NewSequencer returns a Sequencer that forwards to target.
func NewSequencer(target Acker) *Sequencer {
	return &Sequencer{
		target: target,
		cp:     checkpoint.NewUncapped[uint64](),
	}
}

// Track registers the next count items read from the queue and returns the
// function that resolves them. The resolve function may be called from any
// goroutine, calling it more than once has no further effect.
//
// Track must be called in read order.
func (s *Sequencer) Track(count int) func() {
	s.mu.Lock()
	s.tracked += uint64(count)
	release := s.cp.Track(s.tracked, int64(count))
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			// Forwarded under the lock, the target must see resolutions in
			// order.
			if highest := release(); highest != nil && *highest > s.acked {
				s.target.Ack(int(*highest - s.acked))
				s.acked = *highest
			}
		})
	}
}

// Pending returns the number of tracked items not yet forwarded.
func (s *Sequencer) Pending() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.tracked - s.acked)
}
