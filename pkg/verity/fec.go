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
	"fmt"
	"io"

	"github.com/klauspost/reedsolomon"
)

const (
	// rsSymbols is the total number of symbols in one Reed-Solomon
	// codeword over GF(2^8).
	rsSymbols = 255

	// DefaultFECRoots is the parity count used when the plan does not
	// specify one.
	DefaultFECRoots = 2

	// fecWriteCacheSize bounds the parity write-back buffer. Batching
	// parity writes avoids a read-after-write reopen on COW devices.
	fecWriteCacheSize = 1 << 20
)

type fecParams struct {
	dataOffset uint64
	dataSize   uint64
	fecOffset  uint64
	fecSize    uint64
	roots      uint32
	blockSize  uint32
}

func (p fecParams) rsN() uint64 {
	return rsSymbols - uint64(p.roots)
}

func (p fecParams) rounds() uint64 {
	dataBlocks := p.dataSize / uint64(p.blockSize)
	return (dataBlocks + p.rsN() - 1) / p.rsN()
}

func (p fecParams) validate() error {
	if p.blockSize == 0 || p.dataSize%uint64(p.blockSize) != 0 {
		return fmt.Errorf("FEC data size %d is not a multiple of block size %d", p.dataSize, p.blockSize)
	}
	if p.roots == 0 || p.roots >= rsSymbols {
		return fmt.Errorf("FEC roots %d out of range (0, %d)", p.roots, rsSymbols)
	}
	if want := p.rounds() * uint64(p.roots) * uint64(p.blockSize); want != p.fecSize {
		return fmt.Errorf("FEC size mismatch: computed %d, plan has %d", want, p.fecSize)
	}
	return nil
}

// encodeFEC computes Reed-Solomon parity over the data region and writes
// it to the FEC region. Data blocks are interleaved across codewords so a
// localized burst of corruption lands in many independent codewords.
// Blocks past the end of the data region encode as zeros.
func encodeFEC(r io.ReaderAt, w io.WriterAt, p fecParams) error {
	if err := p.validate(); err != nil {
		return err
	}

	rsN := int(p.rsN())
	enc, err := reedsolomon.New(rsN, int(p.roots))
	if err != nil {
		return fmt.Errorf("initializing Reed-Solomon encoder: %w", err)
	}

	rounds := p.rounds()
	dataBlocks := p.dataSize / uint64(p.blockSize)
	shards := make([][]byte, rsSymbols)
	for i := range shards {
		shards[i] = make([]byte, p.blockSize)
	}

	cw := newCachedWriterAt(w, fecWriteCacheSize)
	fecOffset := int64(p.fecOffset)
	for i := uint64(0); i < rounds; i++ {
		for j := 0; j < rsN; j++ {
			shard := shards[j]
			blk := uint64(j)*rounds + i
			if blk >= dataBlocks {
				clear(shard)
				continue
			}
			off := int64(p.dataOffset + blk*uint64(p.blockSize))
			if _, err := r.ReadAt(shard, off); err != nil {
				return fmt.Errorf("reading FEC data block %d: %w", blk, err)
			}
		}
		for j := rsN; j < rsSymbols; j++ {
			clear(shards[j])
		}
		if err := enc.Encode(shards); err != nil {
			return fmt.Errorf("encoding FEC round %d: %w", i, err)
		}
		for j := rsN; j < rsSymbols; j++ {
			if _, err := cw.WriteAt(shards[j], fecOffset); err != nil {
				return fmt.Errorf("writing FEC round %d: %w", i, err)
			}
			fecOffset += int64(p.blockSize)
		}
	}
	if err := cw.Flush(); err != nil {
		return fmt.Errorf("flushing FEC: %w", err)
	}
	return nil
}

// cachedWriterAt batches contiguous WriteAt calls up to a limit before
// handing them to the underlying writer in one call.
type cachedWriterAt struct {
	w     io.WriterAt
	buf   []byte
	off   int64
	limit int
}

func newCachedWriterAt(w io.WriterAt, limit int) *cachedWriterAt {
	return &cachedWriterAt{w: w, limit: limit}
}

func (c *cachedWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if len(c.buf) > 0 && off == c.off+int64(len(c.buf)) && len(c.buf)+len(p) <= c.limit {
		c.buf = append(c.buf, p...)
		return len(p), nil
	}
	if err := c.Flush(); err != nil {
		return 0, err
	}
	if len(p) >= c.limit {
		return c.w.WriteAt(p, off)
	}
	c.off = off
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *cachedWriterAt) Flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	_, err := c.w.WriteAt(c.buf, c.off)
	c.buf = c.buf[:0]
	return err
}
