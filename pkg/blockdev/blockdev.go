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

// Package blockdev opens block devices for positioned, interruption-safe
// I/O. Sizes always come from the caller; no file-size metadata is
// consulted.
package blockdev

import (
	"context"
	"fmt"
	"io"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// File is the capability surface handed to consumers of an open device.
// The read position is only meaningful between Seek and Read calls made by
// the same owner.
type File interface {
	io.Reader
	io.Seeker
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Device is an open block device (or a regular file standing in for one in
// tests). All calls transparently restart short or EINTR-interrupted
// syscalls as a single logical operation.
type Device struct {
	fd   int
	path string
}

var _ File = (*Device)(nil)

// Open opens the device at path. The kernel read-only flag is flipped to
// match writable before the open; a failure to flip is logged and ignored,
// since not every kernel exposes the control. Opening a mounted device
// writable is also only a warning.
func Open(ctx context.Context, path string, writable bool) (*Device, error) {
	if err := SetReadOnly(path, !writable); err != nil {
		log.G(ctx).WithError(err).Warnf("failed to set block device %q as %s", path, roWord(!writable))
	}
	if writable {
		if mounted, err := isMounted(path); err == nil && mounted {
			log.G(ctx).Warnf("opening mounted device %q writable", path)
		}
	}
	flags := unix.O_RDONLY
	if writable {
		flags = unix.O_RDWR
	}
	fd, err := openRetry(path, flags|unix.O_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	return &Device{fd: fd, path: path}, nil
}

func roWord(ro bool) string {
	if ro {
		return "readonly"
	}
	return "writable"
}

func openRetry(path string, flags int) (int, error) {
	for {
		fd, err := unix.Open(path, flags, 0)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

// Path returns the path the device was opened with.
func (d *Device) Path() string {
	return d.path
}

// Read reads from the current position, restarting on EINTR and resuming
// short reads until p is full or the device ends. A return of
// (0, io.EOF) means end of device.
func (d *Device) Read(p []byte) (int, error) {
	var total int
	for total < len(p) {
		n, err := unix.Read(d.fd, p[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("reading %q: %w", d.path, err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Seek repositions the descriptor.
func (d *Device) Seek(offset int64, whence int) (int64, error) {
	off, err := unix.Seek(d.fd, offset, whence)
	if err != nil {
		return 0, fmt.Errorf("seeking %q: %w", d.path, err)
	}
	return off, nil
}

// ReadAt reads len(p) bytes at off, looping over short and interrupted
// preads. Returns io.EOF (possibly with a short count) when the device
// ends early.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	var total int
	for total < len(p) {
		n, err := unix.Pread(d.fd, p[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("pread %q at %d: %w", d.path, off+int64(total), err)
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}

// WriteAt writes len(p) bytes at off, looping over short and interrupted
// pwrites.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	var total int
	for total < len(p) {
		n, err := unix.Pwrite(d.fd, p[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("pwrite %q at %d: %w", d.path, off+int64(total), err)
		}
		total += n
	}
	return total, nil
}

// Sync flushes written data to media.
func (d *Device) Sync() error {
	for {
		err := unix.Fsync(d.fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("fsync %q: %w", d.path, err)
		}
		return nil
	}
}

// Close releases the descriptor.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	if err != nil {
		return fmt.Errorf("closing %q: %w", d.path, err)
	}
	return nil
}
