//go:build linux

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

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// SetReadOnly flips the kernel read-only flag (BLKROSET) on the block
// device at path. Regular files have no such flag and return an error the
// caller is expected to treat as advisory.
func SetReadOnly(path string, readOnly bool) error {
	fd, err := openRetry(path, unix.O_RDONLY|unix.O_CLOEXEC)
	if err != nil {
		return fmt.Errorf("opening %q to set read-only flag: %w", path, err)
	}
	defer unix.Close(fd)

	val := 0
	if readOnly {
		val = 1
	}
	if err := unix.IoctlSetPointerInt(fd, unix.BLKROSET, val); err != nil {
		return fmt.Errorf("BLKROSET %q: %w", path, err)
	}
	return nil
}

func isMounted(path string) (bool, error) {
	return mountinfo.Mounted(path)
}
