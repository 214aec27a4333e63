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

// Package installplan describes the work of one update attempt: the slots
// involved and, per partition, the device layout and expected digests.
// A plan is immutable once handed to a stage; stages forward it unchanged.
package installplan

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/go-units"
)

// Partition is one target of the update.
type Partition struct {
	// Name is unique within the plan.
	Name string

	// SourcePath and TargetPath are block device paths; either may be
	// empty for full-payload or skipped partitions.
	SourcePath string
	TargetPath string

	// SourceSize and TargetSize are byte counts; zero means the partition
	// is skipped for that step.
	SourceSize uint64
	TargetSize uint64

	// SourceHash and TargetHash are raw SHA-256 digests. An empty
	// SourceHash denotes a full payload with no source to verify.
	SourceHash []byte
	TargetHash []byte

	// BlockSize is the verity block size. Zero means 4096.
	BlockSize uint32

	// Verity hash tree layout. HashTreeDataOffset/Size describe the
	// region covered by the tree; HashTreeOffset/Size describe where the
	// tree itself lives on the partition.
	HashTreeDataOffset uint64
	HashTreeDataSize   uint64
	HashTreeOffset     uint64
	HashTreeSize       uint64
	HashTreeAlgorithm  string
	HashTreeSalt       []byte

	// Forward error correction layout, covering the filesystem plus hash
	// tree region.
	FECDataOffset uint64
	FECDataSize   uint64
	FECOffset     uint64
	FECSize       uint64
	FECRoots      uint32

	// ReadonlyTargetPath is the path used to read the target through the
	// snapshot daemon when the partition is dynamic and verity is not
	// being written.
	ReadonlyTargetPath string
}

// Plan is the descriptor consumed and forwarded by update stages.
type Plan struct {
	SourceSlot uint32
	TargetSlot uint32

	// WriteVerity requests that verity metadata for target partitions be
	// produced during verification.
	WriteVerity bool

	// Partitions in verification order.
	Partitions []Partition

	// UntouchedDynamicPartitions are partition names whose extents must
	// be cross-checked between slots but whose contents are not
	// re-hashed.
	UntouchedDynamicPartitions []string
}

// Validate checks the structural invariants a stage relies on. All
// violations are reported, each classified as an invalid argument; a
// partition without a name is reported once and not checked further.
func (p *Plan) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(p.Partitions))
	for i := range p.Partitions {
		part := &p.Partitions[i]
		if part.Name == "" {
			errs = append(errs, fmt.Errorf("partition %d has no name: %w", i, errdefs.ErrInvalidArgument))
			continue
		}
		if _, ok := seen[part.Name]; ok {
			errs = append(errs, fmt.Errorf("duplicate partition name %q: %w", part.Name, errdefs.ErrInvalidArgument))
		}
		seen[part.Name] = struct{}{}

		if part.HashTreeOffset != 0 && part.FECOffset != 0 && part.HashTreeOffset > part.FECOffset {
			errs = append(errs, fmt.Errorf("partition %q: hash tree at %d must precede FEC at %d: %w",
				part.Name, part.HashTreeOffset, part.FECOffset, errdefs.ErrInvalidArgument))
		}
		if part.HashTreeSize > 0 && part.HashTreeOffset+part.HashTreeSize > part.TargetSize {
			errs = append(errs, fmt.Errorf("partition %q: hash tree [%d, %d) exceeds target size %d: %w",
				part.Name, part.HashTreeOffset, part.HashTreeOffset+part.HashTreeSize, part.TargetSize, errdefs.ErrInvalidArgument))
		}
		if part.FECSize > 0 && part.FECOffset+part.FECSize > part.TargetSize {
			errs = append(errs, fmt.Errorf("partition %q: FEC [%d, %d) exceeds target size %d: %w",
				part.Name, part.FECOffset, part.FECOffset+part.FECSize, part.TargetSize, errdefs.ErrInvalidArgument))
		}
		if len(part.SourceHash) > 0 {
			if part.SourceSize == 0 {
				errs = append(errs, fmt.Errorf("partition %q: source hash set but source size is 0: %w",
					part.Name, errdefs.ErrInvalidArgument))
			}
			if part.SourcePath == "" {
				errs = append(errs, fmt.Errorf("partition %q: source hash set but no source device: %w",
					part.Name, errdefs.ErrInvalidArgument))
			}
		}
		if part.TargetSize > 0 && len(part.TargetHash) == 0 {
			errs = append(errs, fmt.Errorf("partition %q: target size %d but no target hash: %w",
				part.Name, part.TargetSize, errdefs.ErrInvalidArgument))
		}
	}
	return errors.Join(errs...)
}

// Dump writes one informational log line per partition.
func (p *Plan) Dump(ctx context.Context) {
	log.G(ctx).Infof("install plan: source slot %d, target slot %d, write verity %v, %d partitions",
		p.SourceSlot, p.TargetSlot, p.WriteVerity, len(p.Partitions))
	for i := range p.Partitions {
		part := &p.Partitions[i]
		log.G(ctx).WithField("partition", part.Name).Infof(
			"  %s: source %s (%s, hash %s) target %s (%s, hash %s) hashtree [%d,+%d) fec [%d,+%d)",
			part.Name,
			orNone(part.SourcePath), units.HumanSize(float64(part.SourceSize)), shortHash(part.SourceHash),
			orNone(part.TargetPath), units.HumanSize(float64(part.TargetSize)), shortHash(part.TargetHash),
			part.HashTreeOffset, part.HashTreeSize, part.FECOffset, part.FECSize)
	}
	if len(p.UntouchedDynamicPartitions) > 0 {
		log.G(ctx).Infof("  untouched dynamic partitions: %v", p.UntouchedDynamicPartitions)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func shortHash(h []byte) string {
	if len(h) == 0 {
		return "(none)"
	}
	s := hex.EncodeToString(h)
	if len(s) > 12 {
		s = s[:12]
	}
	return s
}
