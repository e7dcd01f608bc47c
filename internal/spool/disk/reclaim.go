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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
)

func (q *Queue[T]) notifyReclaim() {
	select {
	case q.reclaimSig <- struct{}{}:
	default:
	}
}

// reclaimLoop runs until the queue is closed, performing a reclamation pass
// each time acknowledgements advance or a producer is refused space.
func (q *Queue[T]) reclaimLoop() {
	defer q.shutSig.TriggerHasStopped()
	for {
		select {
		case <-q.reclaimSig:
			q.reclaim()
		case <-q.shutSig.SoftStopChan():
			if !q.shutSig.IsHardStopSignalled() {
				q.reclaim()
			}
			return
		}
	}
}

// normaliseLocked maps the end of a sealed segment onto the start of the
// segment that follows it, which is the form in which checkpoints are stored.
func (q *Queue[T]) normaliseLocked(pos position) position {
	for {
		seg, exists := q.segments[pos.segment]
		if !exists || !seg.sealed || pos.offset < seg.size {
			return pos
		}
		pos = position{segment: q.nextSegmentLocked(pos.segment)}
	}
}

// reclaim translates the acknowledged count into a position, persists it as
// the checkpoint, and then deletes every segment that lies entirely before
// it. The checkpoint is always durable before any segment is removed, so a
// crash in between leaves only redundant files which Open cleans up.
func (q *Queue[T]) reclaim() {
	acked := q.acks.Acknowledged()

	q.mu.Lock()
	for q.ackApplied < acked {
		pos, ok := q.pending.PopFront()
		if !ok {
			break
		}
		q.ackPos = pos
		q.ackApplied++
	}
	target := q.normaliseLocked(q.ackPos)
	active := q.order[len(q.order)-1]
	activeSize := q.segments[active].size
	wantSpace := q.spaceWaiters > 0 || q.rejected || q.fsFull || activeSize >= q.segmentSize
	roll := wantSpace && q.err == nil && !q.closed &&
		target.segment == active && target.offset > 0 &&
		target.offset == activeSize
	if roll {
		q.rejected = false
	}
	q.mu.Unlock()

	// Everything written has been acknowledged and the active segment is
	// either full or in the way of a producer. Sealing it lets it be
	// reclaimed.
	if roll {
		if err := q.rollActive(); err == nil {
			q.mu.Lock()
			target = q.normaliseLocked(q.ackPos)
			q.mu.Unlock()
		} else if isNoSpace(err) {
			q.log.Warnf("Unable to roll segment %d of disk buffer %v: %v", active, q.dir, err)
		} else {
			q.fail(fmt.Errorf("rolling segment %d: %w", active, err))
			return
		}
	}

	q.mu.Lock()
	ckpt := checkpoint{segment: target.segment, offset: target.offset, acked: q.ackApplied}
	unchanged := ckpt == q.checkpointed
	q.mu.Unlock()

	if !unchanged {
		err := backoff.Retry(func() error {
			return writeCheckpoint(q.dir, ckpt)
		}, q.newBackoff())
		if err != nil {
			if isNoSpace(err) {
				q.log.Warnf("Unable to write checkpoint of disk buffer %v: %v", q.dir, err)
				return
			}
			q.fail(fmt.Errorf("writing checkpoint: %w", err))
			return
		}
		q.mu.Lock()
		q.checkpointed = ckpt
		q.mu.Unlock()
	}

	q.mu.Lock()
	var doomed []*segment
	for _, id := range q.order {
		if id >= ckpt.segment {
			break
		}
		doomed = append(doomed, q.segments[id])
	}
	q.mu.Unlock()

	for _, seg := range doomed {
		path := filepath.Join(q.dir, segmentFileName(seg.id))
		err := backoff.Retry(func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		}, q.newBackoff())
		if err != nil {
			q.fail(fmt.Errorf("removing segment %d: %w", seg.id, err))
			return
		}

		q.mu.Lock()
		delete(q.segments, seg.id)
		q.order = q.order[1:]
		q.diskBytes -= seg.size
		q.fsFull = false
		q.fsBackoff = nil
		q.mDiskBytes.Set(q.diskBytes, q.dir)
		q.cond.Broadcast()
		q.mu.Unlock()

		q.mReclaimed.Incr(1, q.dir)
		q.log.Debugf("Reclaimed segment %d of disk buffer %v", seg.id, q.dir)
	}
}

// rollActive seals the active segment so that it becomes eligible for
// reclamation.
func (q *Queue[T]) rollActive() error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if q.writer.size == 0 {
		return nil
	}
	if _, err := q.writer.sync(); err != nil {
		return err
	}
	if err := q.writer.rotate(); err != nil {
		return err
	}
	q.publishRotation()
	return nil
}
