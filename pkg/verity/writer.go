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

package verity

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/containerd/log"
	digest "github.com/opencontainers/go-digest"

	"github.com/updatekit/updatekit/core/installplan"
)

const defaultBlockSize = 4096

// Writer incrementally computes verity metadata for one partition and
// persists it during Finalize. Update receives the filesystem region in
// order, with offsets contiguous from zero; Finalize writes the hash tree
// and FEC to their reserved ranges through the supplied descriptor
// capabilities. After Finalize the underlying descriptor's read position
// is undefined and must be re-seeked by the caller.
type Writer struct {
	partition string

	blockSize uint32

	hashTreeDataOffset uint64
	hashTreeDataSize   uint64
	hashTreeOffset     uint64

	fec        fecParams
	fecEnabled bool

	builder     *HashTreeBuilder
	totalOffset uint64
}

// NewWriter returns an uninitialized Writer; Init binds it to a
// partition.
func NewWriter() *Writer {
	return &Writer{}
}

// Init records the partition's verity layout and prepares the hash tree
// builder. Absent layout fields fall back to their conventional values:
// 4096-byte blocks, sha256, tree covering everything before itself, FEC
// covering everything before itself with two parity roots.
func (w *Writer) Init(ctx context.Context, part *installplan.Partition) error {
	w.partition = part.Name
	w.blockSize = part.BlockSize
	if w.blockSize == 0 {
		w.blockSize = defaultBlockSize
	}

	alg := digest.SHA256
	if part.HashTreeAlgorithm != "" {
		alg = digest.Algorithm(part.HashTreeAlgorithm)
	}

	w.fecEnabled = part.FECSize > 0
	if w.fecEnabled {
		w.fec = fecParams{
			dataOffset: part.FECDataOffset,
			dataSize:   part.FECDataSize,
			fecOffset:  part.FECOffset,
			fecSize:    part.FECSize,
			roots:      part.FECRoots,
			blockSize:  w.blockSize,
		}
		if w.fec.roots == 0 {
			w.fec.roots = DefaultFECRoots
		}
		if w.fec.dataSize == 0 {
			w.fec.dataSize = part.FECOffset - part.FECDataOffset
		}
		if err := w.fec.validate(); err != nil {
			return fmt.Errorf("partition %q: %w", part.Name, err)
		}
	}

	w.builder = nil
	w.hashTreeDataOffset = part.HashTreeDataOffset
	w.hashTreeDataSize = part.HashTreeDataSize
	w.hashTreeOffset = part.HashTreeOffset
	if part.HashTreeSize > 0 {
		if w.hashTreeDataSize == 0 {
			w.hashTreeDataSize = part.HashTreeOffset - part.HashTreeDataOffset
		}
		builder, err := NewHashTreeBuilder(w.blockSize, alg, part.HashTreeSalt)
		if err != nil {
			return fmt.Errorf("partition %q: %w", part.Name, err)
		}
		if err := builder.Initialize(w.hashTreeDataSize); err != nil {
			return fmt.Errorf("partition %q: %w", part.Name, err)
		}
		if computed := builder.CalculateSize(w.hashTreeDataSize); computed != part.HashTreeSize {
			return fmt.Errorf("partition %q: hash tree size mismatch: computed %d, plan has %d",
				part.Name, computed, part.HashTreeSize)
		}
		w.builder = builder
	}

	w.totalOffset = 0
	return nil
}

// Update absorbs the chunk of partition data at offset. Offsets must be
// strictly sequential and contiguous starting at zero.
func (w *Writer) Update(ctx context.Context, offset uint64, data []byte) error {
	if offset != w.totalOffset {
		return fmt.Errorf("sequential verity update expected at %d, got %d", w.totalOffset, offset)
	}
	if w.builder != nil {
		dataEnd := w.hashTreeDataOffset + w.hashTreeDataSize
		if offset+uint64(len(data)) > dataEnd {
			log.G(ctx).Warnf("verity update on %q reads past hash tree data end %d (offset %d, size %d)",
				w.partition, dataEnd, offset, len(data))
		}
		start := max(offset, w.hashTreeDataOffset)
		end := min(offset+uint64(len(data)), dataEnd)
		if start < end {
			if err := w.builder.Update(data[start-offset : end-offset]); err != nil {
				return err
			}
			if end == dataEnd {
				log.G(ctx).Debugf("verity hash tree input for %q complete", w.partition)
			}
		}
	}
	w.totalOffset += uint64(len(data))
	return nil
}

// Finalize completes the tree, writes it at the hash tree offset, then
// computes and writes FEC. r and wr may be backed by the same descriptor.
func (w *Writer) Finalize(ctx context.Context, r io.ReaderAt, wr io.WriterAt) error {
	dataEnd := w.hashTreeDataOffset + w.hashTreeDataSize
	if w.totalOffset < dataEnd {
		return fmt.Errorf("verity finalize after %d of %d data bytes", w.totalOffset, dataEnd)
	}

	if w.builder != nil {
		if err := w.builder.BuildHashTree(); err != nil {
			return err
		}
		log.G(ctx).Infof("writing verity hash tree for %q at offset %d, root %s",
			w.partition, w.hashTreeOffset, hex.EncodeToString(w.builder.RootDigest()))
		if _, err := w.builder.WriteHashTree(&offsetWriter{w: wr, off: int64(w.hashTreeOffset)}); err != nil {
			return err
		}
		w.builder = nil
	}

	if w.fecEnabled {
		log.G(ctx).Infof("writing verity FEC for %q at offset %d", w.partition, w.fec.fecOffset)
		if err := encodeFEC(r, wr, w.fec); err != nil {
			return err
		}
	}
	return nil
}

// offsetWriter adapts a WriterAt to a sequential Writer.
type offsetWriter struct {
	w   io.WriterAt
	off int64
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	n, err := o.w.WriteAt(p, o.off)
	o.off += int64(n)
	return n, err
}
