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

package spool

import (
	"context"
	"errors"
	"sync"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/redpanda-data/connect-spool/internal/spool"
	"github.com/redpanda-data/connect-spool/internal/spool/acker"
	"github.com/redpanda-data/connect-spool/internal/spool/codec"
)

func spoolBufferConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Beta().
		Categories("Utility").
		Summary("Stores message batches in memory or on disk, applying a configurable policy when full.").
		Description(`
A ` + "`memory`" + ` spool holds up to ` + "`capacity`" + ` batches in process. A ` + "`disk`" + ` spool appends batches to segment files within ` + "`path`" + ` and records a checkpoint of acknowledged batches, so that when the service restarts it resumes from the oldest batch that was not yet delivered.

## Delivery Guarantees

Batches are acknowledged at the input level once they are written to the spool, and are only removed from a disk spool once they are successfully delivered at the output level, in the order they were written. Delivery is at-least-once: batches that were read but not acknowledged before a crash are delivered again. A batch rejected at the output level is retried before any newer batch is consumed.

## When Full

The ` + "`when_full`" + ` field decides what happens when a batch is written to a full spool. The default ` + "`block`" + ` applies back pressure to the input, ` + "`drop_newest`" + ` discards the incoming batch and ` + "`overflow`" + ` writes it to the spool configured under ` + "`overflow`" + ` instead. Batches dropped this way are counted by the ` + "`spool_dropped`" + ` metric.
`).
		Fields(spool.ConfigFields()...).
		Example("Disk spool", "Persist batches across restarts, keeping at most 5GiB on disk and blocking the input beyond that.", `
buffer:
  spool:
    type: disk
    path: /var/lib/connect/spool
    max_size: 5GiB
`).
		Example("Memory with disk overflow", "Keep recent batches in memory and spill bursts to disk.", `
buffer:
  spool:
    type: memory
    capacity: 1000
    when_full: overflow
    overflow:
      type: disk
      path: /var/lib/connect/spool
      max_size: 1GiB
`)
}

func init() {
	err := service.RegisterBatchBuffer(
		"spool", spoolBufferConfig(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchBuffer, error) {
			return newSpoolBufferFromConfig(conf, mgr)
		})
	if err != nil {
		panic(err)
	}
}

func newSpoolBufferFromConfig(conf *service.ParsedConfig, mgr *service.Resources) (*spoolBuffer, error) {
	sConf, err := spool.ConfigFromParsed(conf)
	if err != nil {
		return nil, err
	}
	return newSpoolBuffer(sConf, mgr.Logger(), mgr.Metrics())
}

//------------------------------------------------------------------------------

type pendingBatch struct {
	batch   service.MessageBatch
	resolve func()
}

// spoolBuffer adapts a spool to the batch buffer interface. Each batch read
// holds a slot in a sequencer, which turns acknowledgements that arrive in
// any order into the in order cumulative acks that the spool requires.
type spoolBuffer struct {
	producer *spool.Producer[service.MessageBatch]
	consumer *spool.Consumer[service.MessageBatch]
	seq      *acker.Sequencer
	log      *service.Logger

	mu      sync.Mutex
	retries []pendingBatch
	ended   bool
	wake    chan struct{}
}

func newSpoolBuffer(conf spool.Config, log *service.Logger, metrics *service.Metrics) (*spoolBuffer, error) {
	p, c, a, err := spool.Build(conf, spool.Options[service.MessageBatch]{
		Codec:   batchCodec{},
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	return &spoolBuffer{
		producer: p,
		consumer: c,
		seq:      acker.NewSequencer(a),
		log:      log,
		wake:     make(chan struct{}),
	}, nil
}

// must hold lock.
func (s *spoolBuffer) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *spoolBuffer) ackFunc(p pendingBatch) service.AckFunc {
	return func(ctx context.Context, err error) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.retries = append(s.retries, p)
		} else {
			p.resolve()
		}
		s.broadcastLocked()
		return nil
	}
}

// ReadBatch returns batches that were rejected downstream before reading new
// ones from the spool.
func (s *spoolBuffer) ReadBatch(ctx context.Context) (service.MessageBatch, service.AckFunc, error) {
	for {
		s.mu.Lock()
		if len(s.retries) > 0 {
			p := s.retries[0]
			s.retries = s.retries[1:]
			s.mu.Unlock()
			return p.batch, s.ackFunc(p), nil
		}
		wake, ended := s.wake, s.ended
		s.mu.Unlock()

		if ended {
			// Batches still in flight may yet be rejected and need
			// redelivering.
			if s.seq.Pending() == 0 {
				return nil, nil, service.ErrEndOfBuffer
			}
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		dctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-wake:
				cancel()
			case <-dctx.Done():
			}
		}()
		batch, err := s.consumer.Dequeue(dctx)
		cancel()

		switch {
		case err == nil:
			p := pendingBatch{batch: batch, resolve: s.seq.Track(1)}
			return batch, s.ackFunc(p), nil
		case errors.Is(err, spool.ErrEndOfBuffer):
			s.mu.Lock()
			s.ended = true
			s.mu.Unlock()
		case errors.Is(err, spool.ErrClosed):
			return nil, nil, service.ErrEndOfBuffer
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		case errors.Is(err, context.Canceled):
			// Woken by a rejected batch.
		default:
			return nil, nil, err
		}
	}
}

// WriteBatch adds a batch to the spool and acknowledges it upstream once
// stored. Batches discarded by the drop_newest policy, or that cannot be
// encoded, are acknowledged as well since retrying them cannot succeed.
func (s *spoolBuffer) WriteBatch(ctx context.Context, batch service.MessageBatch, aFn service.AckFunc) error {
	err := s.producer.Send(ctx, batch)
	switch {
	case errors.Is(err, spool.ErrDropped):
	case errors.Is(err, codec.ErrEncode):
		s.log.Errorf("Dropping batch of %d messages: %v", len(batch), err)
	case err != nil:
		return err
	}
	return aFn(ctx, nil)
}

// EndOfInput signals to the buffer that the input is finished and therefore
// once the spool is drained it should close.
func (s *spoolBuffer) EndOfInput() {
	s.producer.Close()
}

// Close the spool. Batches of a disk spool that were not acknowledged remain
// on disk.
func (s *spoolBuffer) Close(ctx context.Context) error {
	err := s.consumer.Close(ctx)
	s.mu.Lock()
	s.broadcastLocked()
	s.mu.Unlock()
	return err
}
