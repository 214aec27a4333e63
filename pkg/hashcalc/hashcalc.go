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

// Package hashcalc provides a streaming digest with an update/finalize
// contract. Partition digests are SHA-256 and compared byte for byte.
package hashcalc

import (
	"errors"
	"fmt"
	"io"
	"os"

	digest "github.com/opencontainers/go-digest"
)

// Calculator accumulates data into a SHA-256 digest. After Finalize only
// RawDigest and Digest may be called.
type Calculator struct {
	digester digest.Digester
	raw      []byte
}

func New() *Calculator {
	return &Calculator{digester: digest.SHA256.Digester()}
}

// Update absorbs p into the running digest.
func (c *Calculator) Update(p []byte) error {
	if c.raw != nil {
		return errors.New("hash calculator already finalized")
	}
	if _, err := c.digester.Hash().Write(p); err != nil {
		return fmt.Errorf("updating digest: %w", err)
	}
	return nil
}

// Finalize seals the digest. Further Update calls fail.
func (c *Calculator) Finalize() error {
	if c.raw != nil {
		return errors.New("hash calculator already finalized")
	}
	c.raw = c.digester.Hash().Sum(nil)
	return nil
}

// RawDigest returns the finalized digest bytes, or nil before Finalize.
func (c *Calculator) RawDigest() []byte {
	return c.raw
}

// Digest returns the finalized digest in algorithm:hex form for logging.
func (c *Calculator) Digest() digest.Digest {
	if c.raw == nil {
		return ""
	}
	return digest.NewDigestFromBytes(digest.SHA256, c.raw)
}

// RawHashOfReader digests r to EOF and returns the raw digest bytes.
func RawHashOfReader(r io.Reader) ([]byte, error) {
	c := New()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if uerr := c.Update(buf[:n]); uerr != nil {
				return nil, uerr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if err := c.Finalize(); err != nil {
		return nil, err
	}
	return c.RawDigest(), nil
}

// RawHashOfFile digests the full contents of the file at path.
func RawHashOfFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return RawHashOfReader(f)
}

// RawHashOfData digests b in one shot.
func RawHashOfData(b []byte) ([]byte, error) {
	c := New()
	if err := c.Update(b); err != nil {
		return nil, err
	}
	if err := c.Finalize(); err != nil {
		return nil, err
	}
	return c.RawDigest(), nil
}
