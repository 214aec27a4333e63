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

// Package dynpart abstracts the volume-manager view of dynamic
// partitions: logically sized partitions presented through the device
// mapper, possibly via a user-space snapshot daemon during an update.
// Mapping state is process wide; callers touch it only at partition
// boundaries.
package dynpart

import (
	"context"

	"github.com/updatekit/updatekit/pkg/blockdev"
)

// Controller is the dynamic-partition surface consumed by update stages.
// All operations are synchronous.
type Controller interface {
	// UpdateUsesSnapshotCompression reports whether the running update
	// reads targets through compressed snapshots.
	UpdateUsesSnapshotCompression() bool

	// IsDynamicPartition reports whether name is a dynamic partition in
	// the given slot.
	IsDynamicPartition(name string, slot uint32) bool

	// MapAllPartitions makes every dynamic partition of the update
	// visible as a block device.
	MapAllPartitions(ctx context.Context) error

	// UnmapAllPartitions tears the mappings down again.
	UnmapAllPartitions(ctx context.Context) error

	// OpenCowFd opens a descriptor that reads name's target contents
	// through its copy-on-write store.
	OpenCowFd(ctx context.Context, name, sourcePath string, readOnly bool) (blockdev.File, error)

	// VerifyExtentsForUntouchedPartitions checks that the named
	// partitions occupy identical extents in both slots.
	VerifyExtentsForUntouchedPartitions(ctx context.Context, sourceSlot, targetSlot uint32, names []string) error
}
