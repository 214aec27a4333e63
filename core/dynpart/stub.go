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

package dynpart

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/updatekit/updatekit/pkg/blockdev"
)

// Stub is a Controller for devices without dynamic partitions. Every
// partition is static and the extents check trivially passes.
type Stub struct{}

var _ Controller = Stub{}

func (Stub) UpdateUsesSnapshotCompression() bool {
	return false
}

func (Stub) IsDynamicPartition(name string, slot uint32) bool {
	return false
}

func (Stub) MapAllPartitions(ctx context.Context) error {
	return nil
}

func (Stub) UnmapAllPartitions(ctx context.Context) error {
	return nil
}

func (Stub) OpenCowFd(ctx context.Context, name, sourcePath string, readOnly bool) (blockdev.File, error) {
	return nil, fmt.Errorf("no snapshot store for partition %q: %w", name, errdefs.ErrNotImplemented)
}

func (Stub) VerifyExtentsForUntouchedPartitions(ctx context.Context, sourceSlot, targetSlot uint32, names []string) error {
	return nil
}
