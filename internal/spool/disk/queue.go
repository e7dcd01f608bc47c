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

// Package disk implements a persisted FIFO queue of records stored as a
// sequence of size bounded, append only segment files. A checkpoint file
// records the position of the first unacknowledged record so that a restarted
// process resumes delivery exactly where acknowledgement left off.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/redpanda-data/benthos/v4/public/service"
	"go.uber.org/multierr"

	"github.com/redpanda-data/connect-spool/internal/spool/acker"
	"github.com/redpanda-data/connect-spool/internal/spool/codec"
	"github.com/redpanda-data/connect-spool/internal/spool/fifo"
)

const (
	defaultSegmentSize = 16 * humanize.MiByte
	maxCommitBatch     = 256
	defaultRetryFor    = 5 * time.Second
)

var (
	// ErrFull is returned by TryEnqueue when the queue has reached its
	// maximum size on disk, or the filesystem itself is out of space.
	ErrFull = errors.New("disk queue is full")

	// ErrTooLarge is returned for records that could never fit within the
	// maximum size of the queue.
	ErrTooLarge = errors.New("record exceeds disk queue max size")

	// ErrClosed is returned when writing to a queue that no longer accepts
	// input, or reading from a queue that has been closed.
	ErrClosed = errors.New("disk queue is closed")

	// ErrEndOfQueue is returned by Dequeue once input has ended and every
	// record has been read.
	ErrEndOfQueue = errors.New("end of disk queue")

	// ErrInconsistentCheckpoint is returned by Open when the checkpoint
	// refers to data that does not exist within the segment files.
	ErrInconsistentCheckpoint = errors.New("checkpoint is inconsistent with segment files")
)

// Options configures a disk queue.
type Options struct {
	// Path is the directory holding segments, the checkpoint and lock file.
	Path string

	// MaxSize is the maximum number of bytes of segment data kept on disk.
	MaxSize int64

	// SegmentSize is the size at which the active segment is sealed. When
	// zero it defaults to a quarter of MaxSize, capped at 16MiB. Larger values
	// are clamped to half of MaxSize.
	SegmentSize int64

	Logger  *service.Logger
	Metrics *service.Metrics

	// OnChange is called whenever a record becomes readable or the queue
	// closes. It must not block.
	OnChange func()
}

type position struct {
	segment uint64
	offset  int64
}

// Stats is a point in time snapshot of a queue.
type Stats struct {
	Written      uint64
	Read         uint64
	Acked        uint64
	Checkpointed uint64
	Corrupt      uint64
	DiskBytes    int64
	Segments     int
	Active       uint64
}

// Queue is a disk backed FIFO of T, encoded with a codec.Codec[T].
//
// Any number of goroutines may enqueue concurrently. Records are written by a
// single commit worker which groups concurrent appends into one fsync, and
// acknowledged segments are deleted by a background reclaimer, so neither
// Enqueue nor Ack callers perform that work inline.
type Queue[T any] struct {
	dir         string
	maxSize     int64
	segmentSize int64
	codec       codec.Codec[T]
	log         *service.Logger
	onChange    func()
	retryFor    time.Duration

	mCorrupt   *service.MetricCounter
	mReclaimed *service.MetricCounter
	mDiskBytes *service.MetricGauge

	lock *fileLock

	mu           sync.Mutex
	cond         *sync.Cond
	segments     map[uint64]*segment
	order        []uint64
	diskBytes    int64
	reserved     int64
	rejected     bool
	fsFull       bool
	fsRetryAt    time.Time
	fsBackoff    backoff.BackOff
	inflight     int
	written      uint64
	read         uint64
	corrupt      uint64
	pending      *fifo.Chunked[position]
	ackApplied   uint64
	ackPos       position
	checkpointed checkpoint
	spaceWaiters int
	endOfInput   bool
	closed       bool
	err          error

	writeMu sync.Mutex
	writer  *segmentWriter

	readMu sync.Mutex
	cursor position
	reader *segmentReader

	acks       *acker.Counter
	committer  *groupCommitter
	reclaimSig chan struct{}
	shutSig    *shutdown.Signaller
	closeOnce  sync.Once
}

// Open creates the storage path if needed, locks it, and recovers the queue
// state from any existing checkpoint and segment files.
func Open[T any](opts Options, c codec.Codec[T]) (*Queue[T], error) {
	if opts.Path == "" {
		return nil, errors.New("disk queue requires a storage path")
	}
	if opts.MaxSize <= 0 {
		return nil, errors.New("disk queue max size must be greater than zero")
	}
	segmentSize := opts.SegmentSize
	if segmentSize <= 0 {
		segmentSize = min(defaultSegmentSize, opts.MaxSize/4)
	}
	// At least one sealed segment must be able to coexist with the active
	// one, otherwise acknowledged data may never be reclaimed.
	segmentSize = max(min(segmentSize, opts.MaxSize/2), frameHeaderSize+1)

	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage path: %w", err)
	}
	lock, err := acquireLock(opts.Path)
	if err != nil {
		return nil, err
	}

	q := &Queue[T]{
		dir:         opts.Path,
		maxSize:     opts.MaxSize,
		segmentSize: segmentSize,
		codec:       c,
		log:         opts.Logger,
		onChange:    opts.OnChange,
		retryFor:    defaultRetryFor,
		mCorrupt:    opts.Metrics.NewCounter("spool_corrupt_records", "path"),
		mReclaimed:  opts.Metrics.NewCounter("spool_segments_reclaimed", "path"),
		mDiskBytes:  opts.Metrics.NewGauge("spool_disk_bytes", "path"),
		lock:        lock,
		segments:    map[uint64]*segment{},
		pending:     fifo.NewChunked[position](),
		reclaimSig:  make(chan struct{}, 1),
		shutSig:     shutdown.NewSignaller(),
	}
	q.cond = sync.NewCond(&q.mu)

	if err := q.recover(); err != nil {
		_ = lock.release()
		return nil, err
	}

	q.acks = acker.NewCounter(q.checkpointed.acked,
		acker.WithLimit(q.readCount),
		acker.WithNotify(func(uint64) { q.notifyReclaim() }),
		acker.WithExcessHandler(func(requested, allowed uint64) {
			q.log.Errorf("Attempted to acknowledge %d records of disk buffer %v when only %d have been read", requested, q.dir, allowed)
		}),
	)
	q.committer = newGroupCommitter(maxCommitBatch, q.writeRecords)
	go q.reclaimLoop()
	return q, nil
}

// recover rebuilds the segment arena from the directory listing, validates
// the checkpoint against it and positions both cursors at the checkpoint.
func (q *Queue[T]) recover() error {
	_ = os.Remove(filepath.Join(q.dir, checkpointTmpFileName))

	ids, err := listSegments(q.dir)
	if err != nil {
		return fmt.Errorf("listing segments: %w", err)
	}

	ckpt, hasCkpt, err := readCheckpoint(q.dir)
	if errors.Is(err, errCheckpointUnreadable) {
		q.log.Warnf("Checkpoint of disk buffer %v is unreadable, replaying all %d segments", q.dir, len(ids))
		hasCkpt, err = false, nil
	}
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}

	if hasCkpt && !slices.Contains(ids, ckpt.segment) {
		return fmt.Errorf("%w: segment %d does not exist", ErrInconsistentCheckpoint, ckpt.segment)
	}
	if !hasCkpt {
		if len(ids) > 0 {
			q.log.Warnf("No checkpoint found for disk buffer %v, replaying from segment %d", q.dir, ids[0])
			ckpt = checkpoint{segment: ids[0]}
		}
	}
	if len(ids) == 0 {
		ids = []uint64{ckpt.segment}
	}

	var remaining int64
	for i, id := range ids {
		path := filepath.Join(q.dir, segmentFileName(id))
		if id < ckpt.segment {
			// Left over from a crash between persisting a checkpoint and
			// deleting the segments it made redundant.
			q.log.Debugf("Removing acknowledged segment %d of disk buffer %v", id, q.dir)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("removing acknowledged segment %d: %w", id, err)
			}
			continue
		}

		active := i == len(ids)-1
		var res scanResult
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && active {
			res.boundaries = map[int64]struct{}{0: {}}
		} else if res, err = scanSegment(path, q.maxSize, id == ckpt.segment); err != nil {
			return fmt.Errorf("scanning segment %d: %w", id, err)
		}

		if id == ckpt.segment {
			if _, ok := res.boundaries[ckpt.offset]; !ok {
				return fmt.Errorf("%w: offset %d is not a record boundary of segment %d", ErrInconsistentCheckpoint, ckpt.offset, id)
			}
			for b := range res.boundaries {
				if b >= ckpt.offset && b < res.validEnd {
					remaining++
				}
			}
		} else {
			remaining += res.records
		}

		size := res.size
		if active && res.validEnd < res.size {
			q.log.Warnf("Truncating %d bytes of partially written data from segment %d of disk buffer %v", res.size-res.validEnd, id, q.dir)
			if err := os.Truncate(path, res.validEnd); err != nil {
				return fmt.Errorf("truncating segment %d: %w", id, err)
			}
			size = res.validEnd
		}

		q.segments[id] = &segment{
			id:      id,
			size:    size,
			records: res.records,
			sealed:  !active,
		}
		q.order = append(q.order, id)
		q.diskBytes += size
	}

	active := q.order[len(q.order)-1]
	if q.writer, err = openSegmentWriter(q.dir, active, q.segments[active].size); err != nil {
		return fmt.Errorf("opening active segment %d: %w", active, err)
	}

	q.checkpointed = ckpt
	q.written = ckpt.acked + uint64(remaining)
	q.read = ckpt.acked
	q.ackApplied = ckpt.acked
	q.cursor = position{segment: ckpt.segment, offset: ckpt.offset}
	q.ackPos = q.cursor
	q.mDiskBytes.Set(q.diskBytes, q.dir)

	q.log.Infof("Opened disk buffer %v with %d segments (%v), resuming from segment %d offset %d with %d records to replay",
		q.dir, len(q.order), humanize.IBytes(uint64(q.diskBytes)), ckpt.segment, ckpt.offset, remaining)
	return nil
}

func (q *Queue[T]) readCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read
}

func (q *Queue[T]) changed() {
	if q.onChange != nil {
		q.onChange()
	}
}

func (q *Queue[T]) wakeOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

// markNoSpace stops admitting writes after the filesystem reported that it is
// out of space. Writes are admitted again once segments are reclaimed, or when
// the next backoff interval has passed so that space freed by other processes
// is noticed.
func (q *Queue[T]) markNoSpace() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.fsBackoff == nil {
		boff := backoff.NewExponentialBackOff()
		boff.InitialInterval = 100 * time.Millisecond
		boff.RandomizationFactor = 0.1
		boff.MaxInterval = 10 * time.Second
		boff.MaxElapsedTime = 0
		q.fsBackoff = boff
	}
	wait := q.fsBackoff.NextBackOff()
	q.fsFull = true
	q.fsRetryAt = time.Now().Add(wait)

	// Blocked producers only wake on a broadcast.
	time.AfterFunc(wait, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

func (q *Queue[T]) newBackoff() backoff.BackOff {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 10 * time.Millisecond
	boff.MaxInterval = time.Second
	boff.MaxElapsedTime = q.retryFor
	return boff
}

// fail moves the queue into a terminal error state. Producers and the
// consumer observe err on their next call.
func (q *Queue[T]) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
		q.log.Errorf("Disk buffer %v has failed and is closing: %v", q.dir, err)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	q.changed()
}

// Acker returns the acknowledgement counter of the queue. Advancing it
// schedules a reclamation pass which persists the checkpoint and deletes
// fully acknowledged segments.
func (q *Queue[T]) Acker() *acker.Counter {
	return q.acks
}

// CloseInput signals that no more records will be written. The consumer reads
// the remaining records before receiving ErrEndOfQueue.
func (q *Queue[T]) CloseInput() {
	q.mu.Lock()
	q.endOfInput = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.changed()
}

// Close stops the queue, waits for in flight writes, persists the latest
// checkpoint and releases the storage path. Records that were read but not
// acknowledged remain on disk and are delivered again by the next Open.
func (q *Queue[T]) Close(ctx context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		err = q.shutdown(ctx, false)
	})
	return err
}

func (q *Queue[T]) shutdown(ctx context.Context, hard bool) error {
	q.mu.Lock()
	q.closed, q.endOfInput = true, true
	q.cond.Broadcast()
	for q.inflight > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
	q.changed()

	q.committer.close()

	if hard {
		q.shutSig.TriggerHardStop()
	} else {
		q.shutSig.TriggerSoftStop()
	}

	var errs []error
	select {
	case <-q.shutSig.HasStoppedChan():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for final reclamation: %w", ctx.Err()))
	}

	q.writeMu.Lock()
	if hard {
		errs = append(errs, q.writer.file.Close())
	} else {
		errs = append(errs, q.writer.close())
	}
	q.writeMu.Unlock()

	q.readMu.Lock()
	errs = append(errs, q.closeReader())
	q.readMu.Unlock()

	errs = append(errs, q.lock.release())
	return multierr.Combine(errs...)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Written:      q.written,
		Read:         q.read,
		Acked:        q.acks.Acknowledged(),
		Checkpointed: q.checkpointed.acked,
		Corrupt:      q.corrupt,
		DiskBytes:    q.diskBytes,
		Segments:     len(q.order),
		Active:       q.order[len(q.order)-1],
	}
}
