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

// Package verify re-reads every target partition after an update payload
// has been applied, digests its full extent and compares the digest with
// the expected one from the install plan. On a target mismatch the source
// partition is re-read to tell a corrupt delivery apart from a device
// that was in the wrong state to begin with. For verity-protected
// partitions the hash tree and FEC are produced here, in the window
// between payload application and digest verification.
//
// The verifier is a cooperative state machine over
// (partition, step, phase, offset): one chunk of I/O per scheduled task,
// so cancellation is honored between chunks without preempting I/O.
package verify

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/containerd/log"

	"github.com/updatekit/updatekit/core/dynpart"
	"github.com/updatekit/updatekit/core/installplan"
	"github.com/updatekit/updatekit/pkg/blockdev"
	"github.com/updatekit/updatekit/pkg/errcode"
	"github.com/updatekit/updatekit/pkg/hashcalc"
	"github.com/updatekit/updatekit/pkg/taskloop"
	"github.com/updatekit/updatekit/pkg/verity"
)

// ReadBufferSize is the size of the single read buffer owned by the
// verifier. Peak memory attributable to a verification is proportional to
// this, independent of partition size.
const ReadBufferSize = 128 * 1024

type verifierStep int

const (
	stepVerifyTarget verifierStep = iota
	stepVerifySource
)

func (s verifierStep) String() string {
	if s == stepVerifySource {
		return "source"
	}
	return "target"
}

type readPhase int

const (
	// phaseFilesystem streams [0, filesystemDataEnd), feeding the hasher
	// and, when enabled, the verity writer.
	phaseFilesystem readPhase = iota
	// phaseMetadata streams [filesystemDataEnd, partitionSize), feeding
	// the hasher only. It begins only after the verity writer has
	// finalized.
	phaseMetadata
)

// DeviceOpener opens the block device backing a partition.
type DeviceOpener func(ctx context.Context, path string, writable bool) (blockdev.File, error)

// CompletionFunc receives the single terminal outcome. plan is non-nil
// only on success and is the unchanged input plan.
type CompletionFunc func(code errcode.Code, plan *installplan.Plan)

// Option configures a Verifier.
type Option func(*Verifier)

// WithProgress installs a progress callback receiving values in
// [0.0, 1.0], non-decreasing, ending at 1.0 on terminal outcomes.
func WithProgress(fn func(float64)) Option {
	return func(v *Verifier) { v.progress = fn }
}

// WithDeviceOpener replaces how partition devices are opened. Used by
// tests and by alternate block-device backends.
func WithDeviceOpener(open DeviceOpener) Option {
	return func(v *Verifier) { v.open = open }
}

// Verifier verifies the partitions of one install plan. It is driven
// entirely on the task loop it is given: Start, Cancel and every internal
// step run on that single logical thread.
type Verifier struct {
	loop     taskloop.Loop
	dynamic  dynpart.Controller
	progress func(float64)
	open     DeviceOpener

	ctx        context.Context
	plan       *installplan.Plan
	completion CompletionFunc

	partitionIndex    int
	step              verifierStep
	phase             readPhase
	offset            uint64
	partitionSize     uint64
	filesystemDataEnd uint64

	buffer       []byte
	fd           blockdev.File
	hasher       *hashcalc.Calculator
	verityWriter *verity.Writer

	pendingTask  taskloop.TaskID
	cancelled    bool
	terminal     bool
	lastProgress float64
	started      time.Time
}

// New returns a verifier scheduling onto loop and consulting dynamic for
// snapshot-backed partitions.
func New(loop taskloop.Loop, dynamic dynpart.Controller, opts ...Option) *Verifier {
	v := &Verifier{
		loop:    loop,
		dynamic: dynamic,
		open: func(ctx context.Context, path string, writable bool) (blockdev.File, error) {
			return blockdev.Open(ctx, path, writable)
		},
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Start begins verification of plan. complete is invoked exactly once
// with the terminal outcome, unless the verifier is cancelled first.
func (v *Verifier) Start(ctx context.Context, plan *installplan.Plan, complete CompletionFunc) {
	v.ctx = ctx
	v.plan = plan
	v.completion = complete
	v.started = time.Now()

	if err := plan.Validate(); err != nil {
		log.G(ctx).WithError(err).Error("install plan failed validation")
		v.cleanup(errcode.FilesystemVerifierError)
		return
	}
	if len(plan.Partitions) == 0 {
		log.G(ctx).Info("no partitions to verify")
		v.cleanup(errcode.Success)
		return
	}
	plan.Dump(ctx)
	v.startPartitionHashing()
}

// Cancel stops the verifier: the pending task is cancelled and any task
// already dispatched observes the flag before touching I/O. The terminal
// outcome is suppressed; the caller owns terminating the pipeline.
func (v *Verifier) Cancel() {
	v.cancelled = true
	if v.pendingTask != taskloop.NoTask {
		v.loop.CancelTask(v.pendingTask)
		v.pendingTask = taskloop.NoTask
	}
	v.cleanup(errcode.Success) // code is ignored once cancelled
}

// cleanup releases per-partition resources and, unless cancelled, emits
// the terminal outcome.
func (v *Verifier) cleanup(code errcode.Code) {
	if v.fd != nil {
		if err := v.fd.Close(); err != nil {
			log.G(v.ctx).WithError(err).Warn("failed to close partition device")
		}
		v.fd = nil
	}
	v.buffer = nil
	v.hasher = nil
	v.verityWriter = nil

	// Partitions were mapped only for the read pass; release them.
	if v.plan != nil && !v.plan.WriteVerity && v.dynamic.UpdateUsesSnapshotCompression() {
		log.G(v.ctx).Info("not writing verity and snapshot compression is enabled, unmapping all partitions")
		if err := v.dynamic.UnmapAllPartitions(v.ctx); err != nil {
			log.G(v.ctx).WithError(err).Warn("failed to unmap dynamic partitions")
		}
	}

	if v.cancelled || v.terminal {
		return
	}
	v.terminal = true
	v.updateProgress(1.0)
	verifyTimer.UpdateSince(v.started)
	outcomeCounter.WithValues(code.String()).Inc()
	if v.completion != nil {
		var plan *installplan.Plan
		if code == errcode.Success {
			plan = v.plan
		}
		v.completion(code, plan)
	}
}

func (v *Verifier) updateProgress(p float64) {
	if v.progress == nil || p < v.lastProgress {
		return
	}
	v.lastProgress = p
	v.progress(p)
}

func (v *Verifier) currentPartition() *installplan.Partition {
	return &v.plan.Partitions[v.partitionIndex]
}

func (v *Verifier) shouldWriteVerity() bool {
	part := v.currentPartition()
	return v.step == stepVerifyTarget && v.plan.WriteVerity &&
		(part.HashTreeSize > 0 || part.FECSize > 0)
}

// startPartitionHashing advances over skipped partitions and sets up the
// per-partition state (descriptor, buffer, hasher, verity writer), then
// schedules the first read. Partition i+1 never starts I/O before
// partition i has released its descriptor and buffer.
func (v *Verifier) startPartitionHashing() {
	for {
		if v.partitionIndex == len(v.plan.Partitions) {
			if len(v.plan.UntouchedDynamicPartitions) > 0 {
				log.G(v.ctx).Infof("verifying extents of untouched dynamic partitions %v",
					v.plan.UntouchedDynamicPartitions)
				if err := v.dynamic.VerifyExtentsForUntouchedPartitions(
					v.ctx, v.plan.SourceSlot, v.plan.TargetSlot,
					v.plan.UntouchedDynamicPartitions); err != nil {
					log.G(v.ctx).WithError(err).Error("untouched dynamic partition extents differ")
					v.cleanup(errcode.FilesystemVerifierError)
					return
				}
			}
			v.cleanup(errcode.Success)
			return
		}

		part := v.currentPartition()
		var partPath string
		switch v.step {
		case stepVerifySource:
			partPath = part.SourcePath
			v.partitionSize = part.SourceSize
		case stepVerifyTarget:
			partPath = part.TargetPath
			v.partitionSize = part.TargetSize
		}

		log.G(v.ctx).Infof("hashing partition %d (%s) %s on device %s",
			v.partitionIndex, part.Name, v.step, partPath)

		if v.dynamic.UpdateUsesSnapshotCompression() &&
			v.step == stepVerifyTarget &&
			v.dynamic.IsDynamicPartition(part.Name, v.plan.TargetSlot) {
			if err := v.initializeFdVABC(part); err != nil {
				log.G(v.ctx).WithError(err).Errorf("cannot open snapshot-backed partition %q", part.Name)
				v.cleanup(errcode.FilesystemVerifierError)
				return
			}
		} else {
			if partPath == "" {
				if v.partitionSize == 0 {
					log.G(v.ctx).Infof("skipping partition %d (%s): size is 0", v.partitionIndex, part.Name)
					v.partitionIndex++
					v.step = stepVerifyTarget
					continue
				}
				log.G(v.ctx).Errorf("cannot hash partition %d (%s): no device path", v.partitionIndex, part.Name)
				v.cleanup(errcode.FilesystemVerifierError)
				return
			}
			if err := v.initializeFd(partPath); err != nil {
				log.G(v.ctx).WithError(err).Errorf("unable to open %q", partPath)
				v.cleanup(errcode.FilesystemVerifierError)
				return
			}
		}

		v.buffer = make([]byte, ReadBufferSize)
		v.hasher = hashcalc.New()
		v.offset = 0
		v.phase = phaseFilesystem

		v.filesystemDataEnd = v.partitionSize
		if part.HashTreeOffset != 0 {
			v.filesystemDataEnd = part.HashTreeOffset
		} else if part.FECOffset != 0 {
			v.filesystemDataEnd = part.FECOffset
		}

		if v.shouldWriteVerity() {
			v.verityWriter = verity.NewWriter()
			if err := v.verityWriter.Init(v.ctx, part); err != nil {
				log.G(v.ctx).WithError(err).Errorf("failed to initialize verity writer for %q", part.Name)
				v.cleanup(errcode.VerityCalculationError)
				return
			}
			log.G(v.ctx).Infof("verity writes enabled on partition %q", part.Name)
		} else {
			v.verityWriter = nil
			log.G(v.ctx).Debugf("verity writes disabled on partition %q", part.Name)
		}

		v.scheduleRead()
		return
	}
}

// initializeFdVABC opens the target of a snapshot-backed dynamic
// partition. With verity writes pending the copy-on-write descriptor is
// used directly; otherwise all partitions are unmapped and remapped so
// the snapshot daemon serves the most recent writes, and the read goes
// through its read-only device.
func (v *Verifier) initializeFdVABC(part *installplan.Partition) error {
	if !v.shouldWriteVerity() {
		if err := v.dynamic.UnmapAllPartitions(v.ctx); err != nil {
			return fmt.Errorf("refreshing snapshot mappings: %w", err)
		}
		if err := v.dynamic.MapAllPartitions(v.ctx); err != nil {
			return fmt.Errorf("refreshing snapshot mappings: %w", err)
		}
		return v.initializeFd(part.ReadonlyTargetPath)
	}

	fd, err := v.dynamic.OpenCowFd(v.ctx, part.Name, part.SourcePath, true)
	if err != nil {
		return fmt.Errorf("opening COW descriptor for %q: %w", part.Name, err)
	}
	v.fd = fd
	v.partitionSize = part.TargetSize
	return nil
}

func (v *Verifier) initializeFd(partPath string) error {
	fd, err := v.open(v.ctx, partPath, v.shouldWriteVerity())
	if err != nil {
		return err
	}
	v.fd = fd
	return nil
}

func (v *Verifier) scheduleRead() {
	v.pendingTask = v.loop.PostTask(v.stepOnce)
}

// stepOnce is the single routine posted to the scheduler. It observes the
// cancellation flag first, then performs exactly one chunk of work for
// the current phase.
func (v *Verifier) stepOnce() {
	v.pendingTask = taskloop.NoTask
	if v.cancelled {
		v.cleanup(errcode.Error)
		return
	}
	switch v.phase {
	case phaseFilesystem:
		v.readFilesystemChunk()
	case phaseMetadata:
		v.readMetadataChunk()
	}
}

// readFilesystemChunk reads one chunk below filesystemDataEnd, feeding
// the hasher and the verity writer. Reads never cross filesystemDataEnd:
// everything beyond it is suspended until the verity writer has
// finalized.
func (v *Verifier) readFilesystemChunk() {
	bytesToRead := uint64(len(v.buffer))
	if remaining := v.filesystemDataEnd - v.offset; remaining < bytesToRead {
		bytesToRead = remaining
	}
	if bytesToRead == 0 {
		v.beginMetadataPhase()
		return
	}

	if _, err := v.fd.Seek(int64(v.offset), io.SeekStart); err != nil {
		log.G(v.ctx).WithError(err).Error("unable to seek partition device")
		v.cleanup(errcode.Error)
		return
	}
	n, err := v.fd.Read(v.buffer[:bytesToRead])
	if n == 0 {
		log.G(v.ctx).WithError(err).Errorf("failed to read the remaining %d bytes from partition %q",
			v.partitionSize-v.offset, v.currentPartition().Name)
		v.cleanup(errcode.FilesystemVerifierError)
		return
	}
	if err != nil {
		log.G(v.ctx).WithError(err).Error("unable to read from partition device")
		v.cleanup(errcode.Error)
		return
	}

	if err := v.hasher.Update(v.buffer[:n]); err != nil {
		log.G(v.ctx).WithError(err).Error("unable to update the hash")
		v.cleanup(errcode.Error)
		return
	}
	if v.shouldWriteVerity() {
		if err := v.verityWriter.Update(v.ctx, v.offset, v.buffer[:n]); err != nil {
			log.G(v.ctx).WithError(err).Error("unable to update verity")
			v.cleanup(errcode.VerityCalculationError)
			return
		}
	}

	v.offset += uint64(n)
	v.updatePartitionProgress()
	v.scheduleRead()
}

// beginMetadataPhase is the Phase A to Phase C transition: finalize the
// verity writer so the hash tree and FEC are on media, then re-seek
// (finalize leaves the descriptor position undefined) and stream the rest
// of the partition.
func (v *Verifier) beginMetadataPhase() {
	if v.shouldWriteVerity() {
		if err := v.verityWriter.Finalize(v.ctx, v.fd, v.fd); err != nil {
			log.G(v.ctx).WithError(err).Error("failed to write hashtree/FEC data")
			v.cleanup(errcode.FilesystemVerifierError)
			return
		}
	}
	if _, err := v.fd.Seek(int64(v.filesystemDataEnd), io.SeekStart); err != nil {
		log.G(v.ctx).WithError(err).Error("unable to seek past filesystem data")
		v.cleanup(errcode.FilesystemVerifierError)
		return
	}
	v.phase = phaseMetadata
	if v.offset == v.partitionSize {
		v.finishPartitionHashing()
		return
	}
	v.scheduleRead()
}

// readMetadataChunk reads one chunk of the verity region into the hasher.
// A short device here is fatal: the plan promised partitionSize bytes.
func (v *Verifier) readMetadataChunk() {
	bytesToRead := uint64(len(v.buffer))
	if remaining := v.partitionSize - v.offset; remaining < bytesToRead {
		bytesToRead = remaining
	}
	if bytesToRead == 0 {
		v.finishPartitionHashing()
		return
	}

	n, err := v.fd.Read(v.buffer[:bytesToRead])
	if n == 0 || err != nil {
		log.G(v.ctx).WithError(err).Errorf("failed to read verity metadata at offset %d", v.offset)
		v.cleanup(errcode.FilesystemVerifierError)
		return
	}
	if err := v.hasher.Update(v.buffer[:n]); err != nil {
		log.G(v.ctx).WithError(err).Error("unable to update the hash")
		v.cleanup(errcode.Error)
		return
	}
	v.offset += uint64(n)
	v.updatePartitionProgress()
	v.scheduleRead()
}

func (v *Verifier) updatePartitionProgress() {
	if v.partitionSize == 0 {
		return
	}
	v.updateProgress((float64(v.offset)/float64(v.partitionSize) + float64(v.partitionIndex)) /
		float64(len(v.plan.Partitions)))
}

// finishPartitionHashing compares the finalized digest against the
// expected one and advances the state machine.
func (v *Verifier) finishPartitionHashing() {
	if err := v.hasher.Finalize(); err != nil {
		log.G(v.ctx).WithError(err).Error("unable to finalize the hash")
		v.cleanup(errcode.Error)
		return
	}
	part := v.currentPartition()
	raw := v.hasher.RawDigest()
	log.G(v.ctx).Infof("hash of %s (%s): %s", part.Name, v.step, hex.EncodeToString(raw))

	switch v.step {
	case stepVerifyTarget:
		if !bytes.Equal(raw, part.TargetHash) {
			log.G(v.ctx).Errorf("new %q partition verification failed", part.Name)
			if len(part.SourceHash) == 0 {
				// Full payload; there is no source to consult.
				v.cleanup(errcode.NewRootfsVerificationError)
				return
			}
			// Re-read the source of the same partition to find out
			// whether the delta was applied over the wrong base.
			v.step = stepVerifySource
		} else {
			v.partitionIndex++
			v.step = stepVerifyTarget
		}
	case stepVerifySource:
		if !bytes.Equal(raw, part.SourceHash) {
			v.logSourceMismatch(part, raw)
			v.cleanup(errcode.DownloadStateInitializationError)
			return
		}
		// The source is intact, so the target really is bad. Later
		// partitions no longer matter.
		v.cleanup(errcode.NewRootfsVerificationError)
		return
	}

	// Release per-partition state before the next partition starts I/O.
	v.hasher = nil
	v.buffer = nil
	if v.fd != nil {
		if err := v.fd.Close(); err != nil {
			log.G(v.ctx).WithError(err).Warn("failed to close partition device")
		}
		v.fd = nil
	}
	v.verityWriter = nil
	v.startPartitionHashing()
}

// logSourceMismatch emits enough for an operator to reproduce the digest
// externally.
func (v *Verifier) logSourceMismatch(part *installplan.Partition, observed []byte) {
	log.G(v.ctx).Errorf("old %q partition verification failed", part.Name)
	log.G(v.ctx).Errorf("the delta update was generated against a %q partition with hash %s, "+
		"but the %q partition on this device has hash %s; the payload does not match the installed system",
		part.Name, hex.EncodeToString(part.SourceHash), part.Name, hex.EncodeToString(observed))
	log.G(v.ctx).Infof("to reproduce the digest of %q run: dd if=%s bs=1M count=%d iflag=count_bytes "+
		"2>/dev/null | sha256sum", part.Name, part.SourcePath, part.SourceSize)
}
