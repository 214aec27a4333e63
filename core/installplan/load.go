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

package installplan

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
)

// planFile is the TOML representation of a Plan, used by operator tooling.
// Sizes are human-readable strings ("4096", "8KiB", "2GB"); digests are
// hex.
type planFile struct {
	SourceSlot                 uint32              `toml:"source_slot"`
	TargetSlot                 uint32              `toml:"target_slot"`
	WriteVerity                bool                `toml:"write_verity"`
	UntouchedDynamicPartitions []string            `toml:"untouched_dynamic_partitions"`
	Partitions                 []partitionFileSpec `toml:"partitions"`
}

type partitionFileSpec struct {
	Name               string `toml:"name"`
	SourcePath         string `toml:"source_path"`
	TargetPath         string `toml:"target_path"`
	SourceSize         string `toml:"source_size"`
	TargetSize         string `toml:"target_size"`
	SourceHash         string `toml:"source_hash"`
	TargetHash         string `toml:"target_hash"`
	BlockSize          uint32 `toml:"block_size"`
	HashTreeDataOffset uint64 `toml:"hash_tree_data_offset"`
	HashTreeDataSize   uint64 `toml:"hash_tree_data_size"`
	HashTreeOffset     uint64 `toml:"hash_tree_offset"`
	HashTreeSize       uint64 `toml:"hash_tree_size"`
	HashTreeAlgorithm  string `toml:"hash_tree_algorithm"`
	HashTreeSalt       string `toml:"hash_tree_salt"`
	FECDataOffset      uint64 `toml:"fec_data_offset"`
	FECDataSize        uint64 `toml:"fec_data_size"`
	FECOffset          uint64 `toml:"fec_offset"`
	FECSize            uint64 `toml:"fec_size"`
	FECRoots           uint32 `toml:"fec_roots"`
	ReadonlyTargetPath string `toml:"readonly_target_path"`
}

// Load reads a plan description from the TOML file at path and validates
// it.
func Load(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pf planFile
	if err := toml.NewDecoder(f).Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan TOML: %w", err)
	}

	plan := &Plan{
		SourceSlot:                 pf.SourceSlot,
		TargetSlot:                 pf.TargetSlot,
		WriteVerity:                pf.WriteVerity,
		UntouchedDynamicPartitions: pf.UntouchedDynamicPartitions,
	}
	for _, ps := range pf.Partitions {
		part, err := ps.parse()
		if err != nil {
			return nil, fmt.Errorf("partition %q: %w", ps.Name, err)
		}
		plan.Partitions = append(plan.Partitions, part)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (ps *partitionFileSpec) parse() (Partition, error) {
	part := Partition{
		Name:               ps.Name,
		SourcePath:         ps.SourcePath,
		TargetPath:         ps.TargetPath,
		BlockSize:          ps.BlockSize,
		HashTreeDataOffset: ps.HashTreeDataOffset,
		HashTreeDataSize:   ps.HashTreeDataSize,
		HashTreeOffset:     ps.HashTreeOffset,
		HashTreeSize:       ps.HashTreeSize,
		HashTreeAlgorithm:  ps.HashTreeAlgorithm,
		FECDataOffset:      ps.FECDataOffset,
		FECDataSize:        ps.FECDataSize,
		FECOffset:          ps.FECOffset,
		FECSize:            ps.FECSize,
		FECRoots:           ps.FECRoots,
		ReadonlyTargetPath: ps.ReadonlyTargetPath,
	}

	var err error
	if part.SourceSize, err = parseSize(ps.SourceSize); err != nil {
		return part, fmt.Errorf("source_size: %w", err)
	}
	if part.TargetSize, err = parseSize(ps.TargetSize); err != nil {
		return part, fmt.Errorf("target_size: %w", err)
	}
	if part.SourceHash, err = parseHash(ps.SourceHash); err != nil {
		return part, fmt.Errorf("source_hash: %w", err)
	}
	if part.TargetHash, err = parseHash(ps.TargetHash); err != nil {
		return part, fmt.Errorf("target_hash: %w", err)
	}
	if part.HashTreeSalt, err = parseHash(ps.HashTreeSalt); err != nil {
		return part, fmt.Errorf("hash_tree_salt: %w", err)
	}
	return part, nil
}

func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return uint64(n), nil
}

func parseHash(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hex digest %q: %w", s, err)
	}
	return b, nil
}
