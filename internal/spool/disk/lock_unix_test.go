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

//go:build unix

package disk

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestIsNoSpace(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		err error
		exp bool
	}{
		{err: &os.PathError{Op: "write", Path: "segment-0.log", Err: unix.ENOSPC}, exp: true},
		{err: fmt.Errorf("appending to segment 0: %w", &os.PathError{Op: "write", Path: "segment-0.log", Err: unix.EDQUOT}), exp: true},
		{err: &os.PathError{Op: "write", Path: "segment-0.log", Err: unix.EIO}},
		{err: os.ErrClosed},
	} {
		assert.Equal(t, test.exp, isNoSpace(test.err), "%v", test.err)
	}
}
