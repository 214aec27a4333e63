//go:build !linux

/*
   Copyright The updatekit Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package blockdev

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// SetReadOnly is only implemented on Linux.
func SetReadOnly(path string, readOnly bool) error {
	return fmt.Errorf("block device read-only flag on %q: %w", path, errdefs.ErrNotImplemented)
}

func isMounted(path string) (bool, error) {
	return false, nil
}
