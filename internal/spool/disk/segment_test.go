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
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentFileNames(t *testing.T) {
	t.Parallel()

	id, ok := parseSegmentFileName(segmentFileName(42))
	require.True(t, ok)
	assert.Equal(t, uint64(42), id)

	for _, name := range []string{"segment-.log", "segment-x.log", "segment-1.tmp", "checkpoint", "lock"} {
		_, ok := parseSegmentFileName(name)
		assert.False(t, ok, name)
	}
}

func TestListSegmentsSorted(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	for _, name := range []string{segmentFileName(10), segmentFileName(2), segmentFileName(9), "checkpoint", "lock"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	ids, err := listSegments(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 9, 10}, ids)
}

func TestSegmentWriterAndScan(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := openSegmentWriter(dir, 0, 0)
	require.NoError(t, err)
	require.NoError(t, w.append([]byte("foo")))
	require.NoError(t, w.append([]byte("barbaz")))
	n, err := w.sync()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Unsynced frames are discarded by a rollback.
	require.NoError(t, w.append([]byte("lost")))
	require.NoError(t, w.rollback())
	require.NoError(t, w.close())

	res, err := scanSegment(filepath.Join(dir, segmentFileName(0)), 1024, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.records)
	assert.Equal(t, int64(17), res.size)
	assert.Equal(t, res.size, res.validEnd)
	assert.Equal(t, map[int64]struct{}{0: {}, 7: {}, 17: {}}, res.boundaries)
}

func TestScanSegmentTornTail(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), segmentFileName(3))

	var b []byte
	b = binary.BigEndian.AppendUint32(b, 3)
	b = append(b, "abc"...)
	b = binary.BigEndian.AppendUint32(b, 50)
	b = append(b, "partial"...)
	require.NoError(t, os.WriteFile(path, b, 0o644))

	res, err := scanSegment(path, 1024, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.records)
	assert.Equal(t, int64(7), res.validEnd)
	assert.Equal(t, int64(len(b)), res.size)
	assert.Nil(t, res.boundaries)
}

func TestSegmentWriterRotate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := openSegmentWriter(dir, 5, 0)
	require.NoError(t, err)
	require.NoError(t, w.append([]byte("foo")))
	require.Error(t, w.rotate())

	_, err = w.sync()
	require.NoError(t, err)
	require.NoError(t, w.rotate())
	assert.Equal(t, uint64(6), w.id)
	assert.Equal(t, int64(0), w.size)
	require.NoError(t, w.close())

	ids, err := listSegments(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 6}, ids)
}

func TestCheckpointPersist(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, ok, err := readCheckpoint(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	exp := checkpoint{segment: 12, offset: 4096, acked: 1 << 40}
	require.NoError(t, writeCheckpoint(dir, exp))

	actual, ok, err := readCheckpoint(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, exp, actual)

	_, err = os.Stat(filepath.Join(dir, checkpointTmpFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestCheckpointCorrupt(t *testing.T) {
	t.Parallel()

	b := checkpoint{segment: 1, offset: 2, acked: 3}.marshal()
	require.Len(t, b, checkpointSize)

	flipped := append([]byte{}, b...)
	flipped[10] ^= 0xff
	_, err := unmarshalCheckpoint(flipped)
	require.ErrorIs(t, err, errCheckpointUnreadable)

	_, err = unmarshalCheckpoint(b[:checkpointSize-1])
	require.ErrorIs(t, err, errCheckpointUnreadable)
}

func TestGroupCommitterBatches(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var batches [][]string
	release := make(chan struct{})
	g := newGroupCommitter(16, func(payloads [][]byte) []error {
		<-release
		var batch []string
		for _, p := range payloads {
			batch = append(batch, string(p))
		}
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
		return make([]error, len(payloads))
	})

	var wg sync.WaitGroup
	for _, p := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.submit([]byte(p)))
		}()
	}

	// Every request either lands in the first batch or queues up behind it.
	release <- struct{}{}
	close(release)
	wg.Wait()
	g.close()

	var total int
	for _, b := range batches {
		total += len(b)
	}
	assert.Equal(t, 4, total)
}
