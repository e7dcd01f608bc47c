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
	"errors"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	checkpointFileName    = "checkpoint"
	checkpointTmpFileName = "checkpoint.tmp"

	checkpointMagic = "SPCK"
	checkpointSize  = 4 + 8 + 8 + 8 + 4
)

var errCheckpointUnreadable = errors.New("checkpoint file is unreadable")

// checkpoint is the position of the first record that has not been
// acknowledged, along with the total number of records acknowledged over the
// lifetime of the storage path.
type checkpoint struct {
	segment uint64
	offset  int64
	acked   uint64
}

func (c checkpoint) marshal() []byte {
	b := make([]byte, 0, checkpointSize)
	b = append(b, checkpointMagic...)
	b = binary.BigEndian.AppendUint64(b, c.segment)
	b = binary.BigEndian.AppendUint64(b, uint64(c.offset))
	b = binary.BigEndian.AppendUint64(b, c.acked)
	return binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

func unmarshalCheckpoint(b []byte) (checkpoint, error) {
	if len(b) != checkpointSize || string(b[:4]) != checkpointMagic {
		return checkpoint{}, errCheckpointUnreadable
	}
	body, sum := b[:checkpointSize-4], binary.BigEndian.Uint32(b[checkpointSize-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return checkpoint{}, errCheckpointUnreadable
	}
	return checkpoint{
		segment: binary.BigEndian.Uint64(b[4:]),
		offset:  int64(binary.BigEndian.Uint64(b[12:])),
		acked:   binary.BigEndian.Uint64(b[20:]),
	}, nil
}

// readCheckpoint returns false when no checkpoint has been written yet.
func readCheckpoint(dir string) (checkpoint, bool, error) {
	b, err := os.ReadFile(filepath.Join(dir, checkpointFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint{}, false, err
	}
	c, err := unmarshalCheckpoint(b)
	if err != nil {
		return checkpoint{}, false, err
	}
	return c, true, nil
}

// writeCheckpoint replaces the checkpoint file atomically: the new content is
// written and synced to a temporary file which is then renamed over the old
// one, so a crash leaves either the previous or the new checkpoint.
func writeCheckpoint(dir string, c checkpoint) error {
	tmpPath := filepath.Join(dir, checkpointTmpFileName)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(c.marshal()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, checkpointFileName)); err != nil {
		return err
	}
	return syncDir(dir)
}
