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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".log"

	// Records are framed as a big endian length followed by the payload.
	frameHeaderSize = 4
)

func segmentFileName(id uint64) string {
	return segmentPrefix + strconv.FormatUint(id, 10) + segmentSuffix
}

func parseSegmentFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// listSegments returns the ids of all segment files within dir, sorted.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseSegmentFileName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// segment is the in-memory record of one segment file. Segments are referred
// to by id only, so the whole set can be rebuilt from the directory listing.
type segment struct {
	id      uint64
	size    int64
	records int64
	sealed  bool
}

type scanResult struct {
	records int64
	// validEnd is the offset just after the last complete frame.
	validEnd int64
	size     int64
	// boundaries holds every frame start offset, only collected on request.
	boundaries map[int64]struct{}
}

// scanSegment walks the frames of a segment file without reading payloads.
// A frame that claims more bytes than remain in the file marks the end of the
// valid region.
func scanSegment(path string, maxFrame int64, collectBoundaries bool) (scanResult, error) {
	var res scanResult
	if collectBoundaries {
		res.boundaries = map[int64]struct{}{}
	}

	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return res, err
	}
	res.size = fi.Size()

	r := bufio.NewReader(f)
	var header [frameHeaderSize]byte
	var offset int64
	for {
		if collectBoundaries {
			res.boundaries[offset] = struct{}{}
		}
		if res.size-offset < frameHeaderSize {
			break
		}
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return res, err
		}
		length := int64(binary.BigEndian.Uint32(header[:]))
		if length > maxFrame || offset+frameHeaderSize+length > res.size {
			break
		}
		if _, err := r.Discard(int(length)); err != nil {
			return res, err
		}
		offset += frameHeaderSize + length
		res.records++
	}
	res.validEnd = offset
	return res, nil
}

//------------------------------------------------------------------------------

// segmentWriter appends frames to the active segment file. It is not safe for
// concurrent use.
type segmentWriter struct {
	dir  string
	id   uint64
	file *os.File
	buf  *bufio.Writer

	// size counts every byte handed to the writer, committed only those that
	// have been flushed and synced to disk.
	size      int64
	committed int64
	unsynced  int64

	header [frameHeaderSize]byte
}

func openSegmentWriter(dir string, id uint64, size int64) (*segmentWriter, error) {
	f, err := os.OpenFile(filepath.Join(dir, segmentFileName(id)), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{
		dir:       dir,
		id:        id,
		file:      f,
		buf:       bufio.NewWriterSize(f, 64*1024),
		size:      size,
		committed: size,
	}, nil
}

func (w *segmentWriter) append(payload []byte) error {
	binary.BigEndian.PutUint32(w.header[:], uint32(len(payload)))
	if _, err := w.buf.Write(w.header[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(payload); err != nil {
		return err
	}
	w.size += frameHeaderSize + int64(len(payload))
	w.unsynced++
	return nil
}

// sync flushes and fsyncs, returning the number of records made durable.
func (w *segmentWriter) sync() (int64, error) {
	if err := w.buf.Flush(); err != nil {
		return 0, err
	}
	if err := w.file.Sync(); err != nil {
		return 0, err
	}
	n := w.unsynced
	w.unsynced = 0
	w.committed = w.size
	return n, nil
}

// rollback discards everything written since the last sync, including any
// partial frame that made it to the file.
func (w *segmentWriter) rollback() error {
	w.buf.Reset(w.file)
	if err := w.file.Truncate(w.committed); err != nil {
		return err
	}
	if _, err := w.file.Seek(w.committed, io.SeekStart); err != nil {
		return err
	}
	w.size = w.committed
	w.unsynced = 0
	return nil
}

// rotate seals the current segment and opens the next one. The caller must
// have synced first.
func (w *segmentWriter) rotate() error {
	if w.unsynced > 0 {
		return errors.New("cannot rotate a segment with unsynced records")
	}
	next, err := os.OpenFile(filepath.Join(w.dir, segmentFileName(w.id+1)), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := syncDir(w.dir); err != nil {
		_ = next.Close()
		return err
	}
	if err := w.file.Close(); err != nil {
		_ = next.Close()
		return fmt.Errorf("closing sealed segment %d: %w", w.id, err)
	}
	w.id++
	w.file = next
	w.buf.Reset(next)
	w.size, w.committed = 0, 0
	return nil
}

func (w *segmentWriter) close() error {
	if _, err := w.sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
