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

// Package spool builds buffers that sit between the producing and consuming
// halves of a pipeline, either in memory or persisted to disk, and applies
// the configured policy when a buffer is full.
package spool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redpanda-data/benthos/v4/public/service"
	"go.uber.org/multierr"

	"github.com/redpanda-data/connect-spool/internal/spool/acker"
	"github.com/redpanda-data/connect-spool/internal/spool/codec"
	"github.com/redpanda-data/connect-spool/internal/spool/disk"
	"github.com/redpanda-data/connect-spool/internal/spool/fifo"
	"github.com/redpanda-data/connect-spool/internal/spool/memory"
)

var (
	// ErrEndOfBuffer is returned by Consumer.Dequeue once the producer has
	// closed and every buffered item has been read.
	ErrEndOfBuffer = errors.New("end of buffer")

	// ErrFull is returned by Producer.TryEnqueue when the buffer is full.
	ErrFull = errors.New("buffer is full")

	// ErrDropped is returned by Producer.Send when the item was discarded by
	// the drop_newest policy. Callers may treat it as a successful write.
	ErrDropped = errors.New("item dropped as the buffer is full")

	// ErrClosed is returned when writing to a buffer after its producer was
	// closed, or reading from a buffer after its consumer was closed.
	ErrClosed = errors.New("buffer is closed")
)

// Options carries the dependencies of a buffer that do not belong in its
// config.
type Options[T any] struct {
	// Codec encodes items for disk buffers, it is unused by memory buffers.
	Codec codec.Codec[T]

	// Sizer optionally weighs items against the capacity of memory buffers.
	Sizer func(T) int

	Logger  *service.Logger
	Metrics *service.Metrics
}

// variant is the common surface of the memory and disk queues, with errors
// translated to the sentinels of this package.
type variant[T any] interface {
	TryEnqueue(v T) error
	EnqueueBlocking(ctx context.Context, v T) error
	TryDequeue() (T, bool, error)
	Dequeue(ctx context.Context) (T, error)
	Acker() acker.Acker
	CloseInput()
	Close(ctx context.Context) error
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, memory.ErrFull), errors.Is(err, disk.ErrFull):
		return fmt.Errorf("%w: %w", ErrFull, err)
	case errors.Is(err, memory.ErrEndOfQueue), errors.Is(err, disk.ErrEndOfQueue):
		return ErrEndOfBuffer
	case errors.Is(err, memory.ErrClosed), errors.Is(err, disk.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

type memoryVariant[T any] struct {
	q       *memory.Queue[T]
	label   string
	mQueued *service.MetricGauge
}

func (m *memoryVariant[T]) updateQueued() {
	m.mQueued.Set(int64(m.q.Stats().Queued), m.label)
}

func (m *memoryVariant[T]) TryEnqueue(v T) error {
	defer m.updateQueued()
	return translate(m.q.TryEnqueue(v))
}

func (m *memoryVariant[T]) EnqueueBlocking(ctx context.Context, v T) error {
	defer m.updateQueued()
	return translate(m.q.EnqueueBlocking(ctx, v))
}

func (m *memoryVariant[T]) TryDequeue() (T, bool, error) {
	defer m.updateQueued()
	v, ok, err := m.q.TryDequeue()
	return v, ok, translate(err)
}

func (m *memoryVariant[T]) Dequeue(ctx context.Context) (T, error) {
	defer m.updateQueued()
	v, err := m.q.Dequeue(ctx)
	return v, translate(err)
}

func (m *memoryVariant[T]) Acker() acker.Acker { return m.q.Acker() }
func (m *memoryVariant[T]) CloseInput()        { m.q.CloseInput() }

func (m *memoryVariant[T]) Close(context.Context) error {
	m.q.Close()
	m.updateQueued()
	return nil
}

type diskVariant[T any] struct {
	q *disk.Queue[T]
}

func (d *diskVariant[T]) TryEnqueue(v T) error {
	return translate(d.q.TryEnqueue(v))
}

func (d *diskVariant[T]) EnqueueBlocking(ctx context.Context, v T) error {
	return translate(d.q.EnqueueBlocking(ctx, v))
}

func (d *diskVariant[T]) TryDequeue() (T, bool, error) {
	v, ok, err := d.q.TryDequeue()
	return v, ok, translate(err)
}

func (d *diskVariant[T]) Dequeue(ctx context.Context) (T, error) {
	v, err := d.q.Dequeue(ctx)
	return v, translate(err)
}

func (d *diskVariant[T]) Acker() acker.Acker              { return d.q.Acker() }
func (d *diskVariant[T]) CloseInput()                     { d.q.CloseInput() }
func (d *diskVariant[T]) Close(ctx context.Context) error { return d.q.Close(ctx) }

func newVariant[T any](level int, conf Config, opts Options[T], onChange func()) (variant[T], error) {
	switch conf.Type {
	case TypeMemory:
		mOpts := []memory.Opt[T]{memory.OptOnChange[T](onChange)}
		if opts.Sizer != nil {
			mOpts = append(mOpts, memory.OptSizer(opts.Sizer))
		}
		q, err := memory.New(conf.Capacity, mOpts...)
		if err != nil {
			return nil, err
		}
		return &memoryVariant[T]{
			q:       q,
			label:   strconv.Itoa(level),
			mQueued: opts.Metrics.NewGauge("spool_queued", "level"),
		}, nil
	case TypeDisk:
		if opts.Codec == nil {
			return nil, errors.New("a codec is required for disk buffers")
		}
		q, err := disk.Open(disk.Options{
			Path:        conf.Path,
			MaxSize:     conf.MaxSize,
			SegmentSize: conf.SegmentSize,
			Logger:      opts.Logger,
			Metrics:     opts.Metrics,
			OnChange:    onChange,
		}, opts.Codec)
		if err != nil {
			return nil, fmt.Errorf("opening disk buffer at %v: %w", conf.Path, err)
		}
		return &diskVariant[T]{q: q}, nil
	}
	return nil, fmt.Errorf("unrecognised buffer type: %q", conf.Type)
}

// Build validates conf, opens the buffer it describes along with any overflow
// buffers, and returns the producer, consumer and acknowledgement handles of
// the result. Disk buffers recover their previous state from the storage
// path before Build returns.
func Build[T any](conf Config, opts Options[T]) (*Producer[T], *Consumer[T], acker.Acker, error) {
	if err := conf.Validate(); err != nil {
		return nil, nil, nil, err
	}

	c := &Consumer[T]{
		signal:  make(chan struct{}, 1),
		origins: fifo.NewChunked[int](),
		log:     opts.Logger,
	}
	onChange := func() {
		select {
		case c.signal <- struct{}{}:
		default:
		}
	}

	var levels []*Config
	for l := &conf; l != nil; l = l.Overflow {
		levels = append(levels, l)
	}

	for i, l := range levels {
		v, err := newVariant(i, *l, opts, onChange)
		if err != nil {
			for _, built := range c.sources {
				_ = built.Close(context.Background())
			}
			if i > 0 {
				err = fmt.Errorf("overflow buffer %d: %w", i, err)
			}
			return nil, nil, nil, err
		}
		c.sources = append(c.sources, v)
	}
	c.ended = make([]bool, len(c.sources))

	pm := &producerMetrics{
		dropped:      opts.Metrics.NewCounter("spool_dropped"),
		overflowed:   opts.Metrics.NewCounter("spool_overflowed"),
		encodeErrors: opts.Metrics.NewCounter("spool_encode_errors"),
	}
	var p *Producer[T]
	for i := len(levels) - 1; i >= 0; i-- {
		p = &Producer[T]{
			q:        c.sources[i],
			whenFull: levels[i].WhenFull,
			overflow: p,
			log:      opts.Logger,
			m:        pm,
		}
	}
	return p, c, &ackRouter[T]{c: c}, nil
}

//------------------------------------------------------------------------------

type producerMetrics struct {
	dropped      *service.MetricCounter
	overflowed   *service.MetricCounter
	encodeErrors *service.MetricCounter
}

// Producer writes items into a buffer. It is safe for concurrent use.
type Producer[T any] struct {
	q        variant[T]
	whenFull WhenFull
	overflow *Producer[T]
	log      *service.Logger
	m        *producerMetrics
}

func (p *Producer[T]) countErr(err error) error {
	if errors.Is(err, codec.ErrEncode) {
		p.m.encodeErrors.Incr(1)
		p.log.Errorf("Dropping item that could not be encoded: %v", err)
	}
	return err
}

// TryEnqueue writes v if there is space, returning ErrFull otherwise.
func (p *Producer[T]) TryEnqueue(v T) error {
	return p.countErr(p.q.TryEnqueue(v))
}

// EnqueueBlocking writes v, waiting for space if the buffer is full.
func (p *Producer[T]) EnqueueBlocking(ctx context.Context, v T) error {
	return p.countErr(p.q.EnqueueBlocking(ctx, v))
}

// Send writes v according to the when_full policy of the buffer.
func (p *Producer[T]) Send(ctx context.Context, v T) error {
	switch p.whenFull {
	case WhenFullBlock:
		return p.EnqueueBlocking(ctx, v)
	case WhenFullDropNewest:
		err := p.TryEnqueue(v)
		if errors.Is(err, ErrFull) {
			p.m.dropped.Incr(1)
			p.log.Warn("Dropping item as the buffer is full")
			return ErrDropped
		}
		return err
	case WhenFullOverflow:
		err := p.TryEnqueue(v)
		if errors.Is(err, ErrFull) {
			p.m.overflowed.Incr(1)
			return p.overflow.Send(ctx, v)
		}
		return err
	}
	return fmt.Errorf("unrecognised when_full policy: %q", p.whenFull)
}

// Close signals that no more items will be written. The consumer reads all
// remaining items, including those of overflow buffers, before receiving
// ErrEndOfBuffer.
func (p *Producer[T]) Close() {
	for l := p; l != nil; l = l.overflow {
		l.q.CloseInput()
	}
}

//------------------------------------------------------------------------------

// Consumer reads items from a buffer. It must only be used by one goroutine
// at a time.
//
// With overflow buffers configured the primary buffer is always drained
// first, and each item remembers which buffer it came from so that
// acknowledgements reach the right one.
type Consumer[T any] struct {
	sources []variant[T]
	ended   []bool
	signal  chan struct{}
	log     *service.Logger

	mu      sync.Mutex
	origins *fifo.Chunked[int]
}

// Dequeue returns the next item, waiting until one is available. Once the
// producer has closed and all items are read ErrEndOfBuffer is returned.
func (c *Consumer[T]) Dequeue(ctx context.Context) (T, error) {
	if len(c.sources) == 1 {
		return c.sources[0].Dequeue(ctx)
	}

	var zero T
	for {
		remaining := false
		for i, s := range c.sources {
			if c.ended[i] {
				continue
			}
			v, ok, err := s.TryDequeue()
			if errors.Is(err, ErrEndOfBuffer) {
				c.ended[i] = true
				continue
			}
			if err != nil {
				return zero, err
			}
			remaining = true
			if ok {
				c.mu.Lock()
				c.origins.PushBack(i)
				c.mu.Unlock()
				return v, nil
			}
		}
		if !remaining {
			return zero, ErrEndOfBuffer
		}
		select {
		case <-c.signal:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close closes the buffer without draining it. Items of a memory buffer that
// have not been acknowledged are lost, those of a disk buffer remain on disk
// and are delivered again when the storage path is next opened.
func (c *Consumer[T]) Close(ctx context.Context) error {
	var err error
	for _, s := range c.sources {
		err = multierr.Append(err, s.Close(ctx))
	}
	return err
}

// ackRouter splits cumulative acknowledgements into in order runs per source
// buffer.
type ackRouter[T any] struct {
	c *Consumer[T]
}

func (r *ackRouter[T]) Ack(n int) {
	c := r.c
	if len(c.sources) == 1 {
		c.sources[0].Acker().Ack(n)
		return
	}
	if n <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	src, run := -1, 0
	for ; n > 0; n-- {
		i, ok := c.origins.PopFront()
		if !ok {
			c.log.Errorf("Attempted to acknowledge %d more items than have been read", n)
			break
		}
		if i != src && run > 0 {
			c.sources[src].Acker().Ack(run)
			run = 0
		}
		src = i
		run++
	}
	if run > 0 {
		c.sources[src].Acker().Ack(run)
	}
}
