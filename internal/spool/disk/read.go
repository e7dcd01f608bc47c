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
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/redpanda-data/connect-spool/internal/spool/codec"
)

// segmentReader reads frames of one segment from a window that never extends
// beyond the committed size, since bytes past it may still be rolled back.
type segmentReader struct {
	id     uint64
	file   *os.File
	buf    *bufio.Reader
	offset int64
	limit  int64
}

type readWindow struct {
	size   int64
	sealed bool
}

// Dequeue returns the next record, blocking until one is available, input has
// ended (ErrEndOfQueue), the queue is closed (ErrClosed) or ctx is cancelled.
// Records that fail to decode are logged, counted and skipped.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	q.readMu.Lock()
	defer q.readMu.Unlock()

	stop := q.wakeOnDone(ctx)
	defer stop()

	var zero T
	for {
		w, ok, err := q.nextWindow(ctx, true)
		if err != nil {
			return zero, err
		}
		if !ok {
			continue
		}
		v, ok, err := q.readRecord(w)
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}
	}
}

// TryDequeue returns the next record if one is immediately available.
func (q *Queue[T]) TryDequeue() (T, bool, error) {
	q.readMu.Lock()
	defer q.readMu.Unlock()

	var zero T
	for {
		w, ok, err := q.nextWindow(context.Background(), false)
		if err != nil || !ok {
			return zero, false, err
		}
		v, ok, err := q.readRecord(w)
		if err != nil {
			return zero, false, err
		}
		if ok {
			return v, true, nil
		}
	}
}

// nextWindow moves the cursor onto the next segment holding unread data and
// returns the readable extent of that segment. The caller must hold readMu.
func (q *Queue[T]) nextWindow(ctx context.Context, block bool) (readWindow, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.err != nil {
			return readWindow{}, false, q.err
		}
		if q.closed {
			return readWindow{}, false, ErrClosed
		}

		seg, exists := q.segments[q.cursor.segment]
		if !exists {
			// Segments are only reclaimed once every record within them has
			// been read, so the cursor can safely jump to the oldest one.
			if q.cursor.segment < q.order[0] {
				q.cursor = position{segment: q.order[0]}
				continue
			}
			return readWindow{}, false, fmt.Errorf("read cursor refers to unknown segment %d", q.cursor.segment)
		}

		if q.cursor.offset < seg.size {
			return readWindow{size: seg.size, sealed: seg.sealed}, true, nil
		}
		if seg.sealed {
			q.cursor = position{segment: q.nextSegmentLocked(seg.id)}
			continue
		}
		if q.endOfInput && q.inflight == 0 {
			return readWindow{}, false, ErrEndOfQueue
		}
		if !block {
			return readWindow{}, false, nil
		}
		if err := ctx.Err(); err != nil {
			return readWindow{}, false, err
		}
		q.cond.Wait()
	}
}

func (q *Queue[T]) nextSegmentLocked(id uint64) uint64 {
	for _, o := range q.order {
		if o > id {
			return o
		}
	}
	return id + 1
}

// readRecord reads the frame at the cursor. A false return without an error
// means the frame was skipped as corrupt.
func (q *Queue[T]) readRecord(w readWindow) (T, bool, error) {
	var zero T
	if err := q.positionReader(w); err != nil {
		err = fmt.Errorf("reading segment %d: %w", q.cursor.segment, err)
		q.fail(err)
		return zero, false, err
	}

	start := q.cursor
	remaining := w.size - start.offset
	if remaining < frameHeaderSize {
		q.skipCorrupt(w, fmt.Sprintf("%d trailing bytes are too short for a frame header", remaining))
		return zero, false, nil
	}

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(q.reader.buf, header[:]); err != nil {
		err = fmt.Errorf("reading segment %d: %w", start.segment, err)
		q.fail(err)
		return zero, false, err
	}
	length := int64(binary.BigEndian.Uint32(header[:]))
	if length > remaining-frameHeaderSize || length > q.maxSize {
		q.skipCorrupt(w, fmt.Sprintf("frame length %d exceeds the %d bytes remaining", length, remaining-frameHeaderSize))
		return zero, false, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(q.reader.buf, payload); err != nil {
		err = fmt.Errorf("reading segment %d: %w", start.segment, err)
		q.fail(err)
		return zero, false, err
	}
	q.cursor.offset += frameHeaderSize + length
	q.reader.offset = q.cursor.offset

	v, err := codec.Decode(q.codec, payload)
	if err != nil {
		q.mu.Lock()
		q.corrupt++
		q.mu.Unlock()
		q.mCorrupt.Incr(1, q.dir)
		q.log.Errorf("Skipping record at segment %d offset %d of disk buffer %v: %v", start.segment, start.offset, q.dir, err)
		return zero, false, nil
	}

	q.mu.Lock()
	q.pending.PushBack(q.cursor)
	q.read++
	q.mu.Unlock()
	return v, true, nil
}

// skipCorrupt moves the cursor to the end of the readable window. For a
// sealed segment that means moving onto the next segment, for the active
// segment the reader resumes at the next committed write.
func (q *Queue[T]) skipCorrupt(w readWindow, reason string) {
	q.log.Errorf("Skipping %d bytes of corrupt data at segment %d offset %d of disk buffer %v: %s",
		w.size-q.cursor.offset, q.cursor.segment, q.cursor.offset, q.dir, reason)
	q.cursor.offset = w.size
	q.mu.Lock()
	q.corrupt++
	q.mu.Unlock()
	q.mCorrupt.Incr(1, q.dir)
}

func (q *Queue[T]) positionReader(w readWindow) error {
	if q.reader != nil && q.reader.id != q.cursor.segment {
		if err := q.closeReader(); err != nil {
			return err
		}
	}
	if q.reader == nil {
		f, err := os.Open(filepath.Join(q.dir, segmentFileName(q.cursor.segment)))
		if err != nil {
			return err
		}
		q.reader = &segmentReader{
			id:     q.cursor.segment,
			file:   f,
			buf:    bufio.NewReaderSize(nil, 64*1024),
			offset: -1,
		}
	}
	if q.reader.offset != q.cursor.offset || q.reader.limit != w.size {
		q.reader.buf.Reset(io.NewSectionReader(q.reader.file, q.cursor.offset, w.size-q.cursor.offset))
		q.reader.offset = q.cursor.offset
		q.reader.limit = w.size
	}
	return nil
}

func (q *Queue[T]) closeReader() error {
	if q.reader == nil {
		return nil
	}
	err := q.reader.file.Close()
	q.reader = nil
	return err
}
