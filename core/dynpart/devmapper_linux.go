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

package dynpart

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/updatekit/updatekit/pkg/blockdev"
)

// dmCommandTimeout bounds every device-mapper helper invocation.
const dmCommandTimeout = time.Minute

// DeviceMapperConfig configures a device-mapper-backed Controller.
type DeviceMapperConfig struct {
	// MapperDir is where mapped partitions appear, typically
	// /dev/block/mapper.
	MapperDir string

	// SlotSuffixes maps slot numbers to partition name suffixes,
	// typically ["_a", "_b"].
	SlotSuffixes []string

	// SnapshotCompression reports whether the update reads targets
	// through compressed snapshots.
	SnapshotCompression bool
}

// DeviceMapper implements Controller over the kernel device mapper,
// shelling out to the mapping helpers the way the snapshot daemon's own
// tooling does.
type DeviceMapper struct {
	config DeviceMapperConfig

	// run executes a helper command and returns its combined output.
	// Overridden in tests.
	run func(ctx context.Context, name string, args ...string) (string, error)
}

var _ Controller = (*DeviceMapper)(nil)

// NewDeviceMapper returns a Controller backed by the local device mapper.
func NewDeviceMapper(config DeviceMapperConfig) (*DeviceMapper, error) {
	if config.MapperDir == "" {
		config.MapperDir = "/dev/block/mapper"
	}
	if len(config.SlotSuffixes) == 0 {
		config.SlotSuffixes = []string{"_a", "_b"}
	}
	return &DeviceMapper{config: config, run: runCommand}, nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dmCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	// Force C locale so helper output stays parseable.
	cmd.Env = append(os.Environ(), "LC_ALL=C", "LANG=C")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s failed: %w, output: %s", name, strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

func (d *DeviceMapper) suffix(slot uint32) string {
	if int(slot) >= len(d.config.SlotSuffixes) {
		return fmt.Sprintf("_%d", slot)
	}
	return d.config.SlotSuffixes[slot]
}

func (d *DeviceMapper) UpdateUsesSnapshotCompression() bool {
	return d.config.SnapshotCompression
}

func (d *DeviceMapper) IsDynamicPartition(name string, slot uint32) bool {
	_, err := os.Stat(filepath.Join(d.config.MapperDir, name+d.suffix(slot)))
	return err == nil
}

func (d *DeviceMapper) MapAllPartitions(ctx context.Context) error {
	log.G(ctx).Info("mapping all dynamic partitions")
	if _, err := d.run(ctx, "snapshotctl", "map"); err != nil {
		return fmt.Errorf("mapping dynamic partitions: %w", err)
	}
	return nil
}

func (d *DeviceMapper) UnmapAllPartitions(ctx context.Context) error {
	log.G(ctx).Info("unmapping all dynamic partitions")
	if _, err := d.run(ctx, "snapshotctl", "unmap"); err != nil {
		return fmt.Errorf("unmapping dynamic partitions: %w", err)
	}
	return nil
}

// OpenCowFd opens the mapped snapshot device for name, which presents the
// target contents merged through the copy-on-write store.
func (d *DeviceMapper) OpenCowFd(ctx context.Context, name, sourcePath string, readOnly bool) (blockdev.File, error) {
	if !d.config.SnapshotCompression {
		return nil, fmt.Errorf("partition %q is not snapshot backed: %w", name, errdefs.ErrFailedPrecondition)
	}
	path := filepath.Join(d.config.MapperDir, name)
	return blockdev.Open(ctx, path, !readOnly)
}

// VerifyExtentsForUntouchedPartitions compares the device-mapper tables
// of each named partition across the two slots. The backing device token
// differs per slot and is masked out; everything else, including the
// physical extent layout, must match.
func (d *DeviceMapper) VerifyExtentsForUntouchedPartitions(ctx context.Context, sourceSlot, targetSlot uint32, names []string) error {
	for _, name := range names {
		var sourceTable, targetTable string
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			sourceTable, err = d.partitionTable(gctx, name+d.suffix(sourceSlot))
			return err
		})
		g.Go(func() error {
			var err error
			targetTable, err = d.partitionTable(gctx, name+d.suffix(targetSlot))
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		if sourceTable != targetTable {
			return fmt.Errorf("partition %q extents differ between slots %d and %d: %q vs %q",
				name, sourceSlot, targetSlot, sourceTable, targetTable)
		}
		log.G(ctx).Debugf("extents of untouched partition %q match across slots", name)
	}
	return nil
}

func (d *DeviceMapper) partitionTable(ctx context.Context, device string) (string, error) {
	output, err := d.run(ctx, "dmsetup", "table", device)
	if err != nil {
		return "", fmt.Errorf("reading table of %q: %w", device, err)
	}
	return normalizeTable(output), nil
}

// normalizeTable strips the per-slot backing device token from linear
// table lines so tables compare by extent layout only.
func normalizeTable(table string) string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(table), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[2] == "linear" {
			fields[3] = "-"
		}
		lines = append(lines, strings.Join(fields, " "))
	}
	return strings.Join(lines, "\n")
}
