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

//go:build !unix

package disk

import "os"

// TODO: use LockFileEx on windows, until then concurrent instances on the same
// path are not detected.
func lockFile(*os.File) error {
	return nil
}

func unlockFile(*os.File) error {
	return nil
}

func isNoSpace(error) bool {
	return false
}
