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

// Package verity builds dm-verity metadata (Merkle hash tree and forward
// error correction) over the raw bytes of a partition and writes it to
// the partition's reserved ranges.
package verity

import (
	"errors"
	"fmt"
	"io"

	digest "github.com/opencontainers/go-digest"
)

// HashTreeBuilder incrementally computes the Merkle hash tree over a
// stream of partition data. Leaf digests are accumulated as data arrives;
// upper levels are produced by BuildHashTree. Memory is bounded by the
// size of the tree, not the data.
type HashTreeBuilder struct {
	blockSize  uint32
	alg        digest.Algorithm
	salt       []byte
	dataSize   uint64
	received   uint64
	pending    []byte
	leaves     []byte
	levels     [][]byte // top level first, as laid out on disk
	rootDigest []byte
}

// NewHashTreeBuilder returns a builder hashing blockSize blocks with alg,
// salting each block hash. Supported algorithms are sha256 and sha512.
func NewHashTreeBuilder(blockSize uint32, alg digest.Algorithm, salt []byte) (*HashTreeBuilder, error) {
	switch alg {
	case digest.SHA256, digest.SHA512:
	default:
		return nil, fmt.Errorf("unsupported verity hash algorithm %q", alg)
	}
	if blockSize == 0 || blockSize%uint32(alg.Size()) != 0 {
		return nil, fmt.Errorf("invalid verity block size %d", blockSize)
	}
	return &HashTreeBuilder{
		blockSize: blockSize,
		alg:       alg,
		salt:      append([]byte(nil), salt...),
	}, nil
}

// Initialize declares the amount of data the tree will cover. The size
// must be block aligned.
func (b *HashTreeBuilder) Initialize(dataSize uint64) error {
	if dataSize%uint64(b.blockSize) != 0 {
		return fmt.Errorf("verity data size %d is not a multiple of block size %d", dataSize, b.blockSize)
	}
	b.dataSize = dataSize
	b.received = 0
	b.leaves = nil
	b.levels = nil
	b.rootDigest = nil
	return nil
}

// CalculateSize returns the on-disk size of the hash tree covering
// dataSize bytes. The root digest itself is not stored and does not
// count.
func (b *HashTreeBuilder) CalculateSize(dataSize uint64) uint64 {
	if dataSize == 0 {
		return 0
	}
	block := uint64(b.blockSize)
	hashSize := uint64(b.alg.Size())
	var total uint64
	size := dataSize
	for {
		blocks := (size + block - 1) / block
		size = alignUp(blocks*hashSize, block)
		total += size
		if size <= block {
			return total
		}
	}
}

// Update absorbs the next chunk of partition data. Chunks are expected in
// order; partial blocks are buffered internally.
func (b *HashTreeBuilder) Update(p []byte) error {
	if b.received+uint64(len(p)) > b.dataSize {
		return fmt.Errorf("verity hash tree received %d bytes past declared data size %d",
			b.received+uint64(len(p))-b.dataSize, b.dataSize)
	}
	b.received += uint64(len(p))

	if len(b.pending) > 0 {
		need := int(b.blockSize) - len(b.pending)
		if need > len(p) {
			b.pending = append(b.pending, p...)
			return nil
		}
		b.pending = append(b.pending, p[:need]...)
		p = p[need:]
		b.leaves = append(b.leaves, b.hashBlock(b.pending)...)
		b.pending = b.pending[:0]
	}
	for uint32(len(p)) >= b.blockSize {
		b.leaves = append(b.leaves, b.hashBlock(p[:b.blockSize])...)
		p = p[b.blockSize:]
	}
	b.pending = append(b.pending, p...)
	return nil
}

// BuildHashTree completes the upper levels of the tree. Update must have
// delivered exactly the declared data size.
func (b *HashTreeBuilder) BuildHashTree() error {
	if b.received != b.dataSize {
		return fmt.Errorf("verity hash tree received %d of %d data bytes", b.received, b.dataSize)
	}
	if len(b.pending) != 0 {
		return errors.New("verity hash tree left with a partial block")
	}
	if b.dataSize == 0 {
		return errors.New("verity hash tree covers no data")
	}

	cur := b.leaves
	var bottomUp [][]byte
	for {
		padded := padToBlock(cur, b.blockSize)
		bottomUp = append(bottomUp, padded)
		if uint32(len(padded)) == b.blockSize {
			break
		}
		var next []byte
		for off := 0; off < len(padded); off += int(b.blockSize) {
			next = append(next, b.hashBlock(padded[off:off+int(b.blockSize)])...)
		}
		cur = next
	}

	b.levels = make([][]byte, len(bottomUp))
	for i, lvl := range bottomUp {
		b.levels[len(bottomUp)-1-i] = lvl
	}
	b.rootDigest = b.hashBlock(b.levels[0])
	return nil
}

// WriteHashTree writes the tree to w, top level first, and returns the
// number of bytes written.
func (b *HashTreeBuilder) WriteHashTree(w io.Writer) (int64, error) {
	if b.levels == nil {
		return 0, errors.New("hash tree not built")
	}
	var total int64
	for _, lvl := range b.levels {
		n, err := w.Write(lvl)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("writing hash tree: %w", err)
		}
	}
	return total, nil
}

// RootDigest returns the root hash after BuildHashTree.
func (b *HashTreeBuilder) RootDigest() []byte {
	return b.rootDigest
}

func (b *HashTreeBuilder) hashBlock(block []byte) []byte {
	h := b.alg.Hash()
	h.Write(b.salt)
	h.Write(block)
	return h.Sum(nil)
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}

func padToBlock(p []byte, blockSize uint32) []byte {
	aligned := alignUp(uint64(len(p)), uint64(blockSize))
	if aligned == uint64(len(p)) {
		return p
	}
	out := make([]byte, aligned)
	copy(out, p)
	return out
}
