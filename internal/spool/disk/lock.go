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

	"github.com/gofrs/uuid/v5"
)

const lockFileName = "lock"

// ErrLocked is returned when another buffer instance holds the storage path.
var ErrLocked = errors.New("storage path is locked by another buffer instance")

// fileLock is an exclusive advisory lock on the storage path. The lock file
// carries the id of the owning instance and its pid to ease debugging.
type fileLock struct {
	f  *os.File
	id uuid.UUID
}

func acquireLock(dir string) (*fileLock, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			owner, _ := os.ReadFile(path)
			return nil, fmt.Errorf("%w: %s", err, owner)
		}
		return nil, err
	}

	l := &fileLock{f: f}
	if l.id, err = uuid.NewV4(); err != nil {
		_ = l.release()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		_ = l.release()
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%s pid=%d\n", l.id, os.Getpid()); err != nil {
		_ = l.release()
		return nil, err
	}
	return l, nil
}

func (l *fileLock) release() error {
	if err := unlockFile(l.f); err != nil {
		_ = l.f.Close()
		return err
	}
	return l.f.Close()
}
