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

package disk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/redpanda-data/connect-spool/internal/spool/codec"
)

// TryEnqueue encodes v and appends it without waiting for space. It returns
// ErrFull when the record does not fit within the remaining capacity, and nil
// only once the record is durable.
func (q *Queue[T]) TryEnqueue(v T) error {
	return q.enqueue(context.Background(), v, false)
}

// EnqueueBlocking encodes v and appends it, waiting for acknowledged
// segments to be reclaimed while the queue is full. The wait ends with the
// context error if ctx is cancelled first.
func (q *Queue[T]) EnqueueBlocking(ctx context.Context, v T) error {
	return q.enqueue(ctx, v, true)
}

func (q *Queue[T]) enqueue(ctx context.Context, v T, block bool) error {
	payload, err := codec.Encode(q.codec, v)
	if err != nil {
		return err
	}
	frame := frameHeaderSize + int64(len(payload))
	if frame > q.maxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, frame)
	}

	if block {
		stop := q.wakeOnDone(ctx)
		defer stop()
	}

	for {
		if err := q.reserve(ctx, frame, block); err != nil {
			return err
		}
		err := q.committer.submit(payload)
		q.release(frame)
		if block && errors.Is(err, ErrFull) {
			continue
		}
		return err
	}
}

// reserve claims frame bytes of capacity, counting the caller as an in flight
// writer until release.
func (q *Queue[T]) reserve(ctx context.Context, frame int64, block bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.err != nil {
			return q.err
		}
		if q.endOfInput {
			return ErrClosed
		}
		if q.fsFull && !time.Now().Before(q.fsRetryAt) {
			q.fsFull = false
		}
		if !q.fsFull && q.diskBytes+q.reserved+frame <= q.maxSize {
			q.reserved += frame
			q.inflight++
			q.rejected = false
			return nil
		}
		if !block {
			// The active segment may be fully acknowledged, in which case
			// the reclaimer rolls it so that its space can be freed.
			q.rejected = true
			q.notifyReclaim()
			return ErrFull
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.spaceWaiters++
		q.notifyReclaim()
		q.cond.Wait()
		q.spaceWaiters--
	}
}

func (q *Queue[T]) release(frame int64) {
	q.mu.Lock()
	q.reserved -= frame
	q.inflight--
	endOfInput := q.endOfInput
	q.cond.Broadcast()
	q.mu.Unlock()

	// The last in flight write completing after input ended is what allows
	// the consumer to observe the end of the queue.
	if endOfInput {
		q.changed()
	}
}

// writeRecords is the commit worker function. It appends payloads to the
// active segment, rotating whenever the segment would exceed its target size,
// and syncs once at the end of the batch. Failures roll back to the last
// synced offset and are retried, except for the filesystem running out of
// space which is reported to the producers as ErrFull.
func (q *Queue[T]) writeRecords(payloads [][]byte) []error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	errs := make([]error, len(payloads))
	failRemaining := func(from int, err error) []error {
		for i := from; i < len(errs); i++ {
			errs[i] = err
		}
		return errs
	}

	var boff backoff.BackOff
	done := 0
	for done < len(payloads) {
		n, err := q.writeSome(payloads[done:])
		done += n
		if err == nil {
			continue
		}

		if rerr := q.writer.rollback(); rerr != nil {
			err = fmt.Errorf("appending to segment %d: %w (rollback failed: %v)", q.writer.id, err, rerr)
			q.fail(err)
			return failRemaining(done, err)
		}

		if isNoSpace(err) {
			q.log.Warnf("Filesystem of disk buffer %v is out of space: %v", q.dir, err)
			q.markNoSpace()
			return failRemaining(done, ErrFull)
		}

		if boff == nil {
			boff = q.newBackoff()
		}
		wait := boff.NextBackOff()
		if wait == backoff.Stop {
			err = fmt.Errorf("appending to segment %d: %w", q.writer.id, err)
			q.fail(err)
			return failRemaining(done, err)
		}
		q.log.Warnf("Failed to append to segment %d of disk buffer %v, retrying in %v: %v", q.writer.id, q.dir, wait, err)
		time.Sleep(wait)
	}
	return errs
}

// writeSome returns the number of payloads that were made durable before any
// error occurred.
func (q *Queue[T]) writeSome(payloads [][]byte) (int, error) {
	var durable int
	for _, p := range payloads {
		frame := frameHeaderSize + int64(len(p))
		if q.writer.size > 0 && q.writer.size+frame > q.segmentSize {
			n, err := q.writer.sync()
			if err != nil {
				return durable, err
			}
			q.publish(n)
			durable += int(n)
			if err := q.writer.rotate(); err != nil {
				return durable, err
			}
			q.publishRotation()
		}
		if err := q.writer.append(p); err != nil {
			return durable, err
		}
	}
	n, err := q.writer.sync()
	if err != nil {
		return durable, err
	}
	q.publish(n)
	return durable + int(n), nil
}

// publish makes the records most recently synced to the active segment
// visible to the reader. The caller must hold writeMu.
func (q *Queue[T]) publish(n int64) {
	if n == 0 {
		return
	}
	q.mu.Lock()
	seg := q.segments[q.writer.id]
	q.diskBytes += q.writer.committed - seg.size
	seg.size = q.writer.committed
	seg.records += n
	q.written += uint64(n)
	q.fsBackoff = nil
	q.mDiskBytes.Set(q.diskBytes, q.dir)
	q.cond.Broadcast()
	q.mu.Unlock()
	q.changed()
}

// publishRotation seals the previous segment and registers the new active
// one. The caller must hold writeMu.
func (q *Queue[T]) publishRotation() {
	q.mu.Lock()
	if prev, exists := q.segments[q.writer.id-1]; exists {
		prev.sealed = true
	}
	q.segments[q.writer.id] = &segment{id: q.writer.id}
	q.order = append(q.order, q.writer.id)
	q.cond.Broadcast()
	q.mu.Unlock()
	q.log.Debugf("Disk buffer %v rolled over to segment %d", q.dir, q.writer.id)
}
