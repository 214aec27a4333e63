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

package verify_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updatekit/updatekit/core/dynpart"
	"github.com/updatekit/updatekit/core/installplan"
	"github.com/updatekit/updatekit/core/verify"
	"github.com/updatekit/updatekit/pkg/blockdev"
	"github.com/updatekit/updatekit/pkg/errcode"
	"github.com/updatekit/updatekit/pkg/hashcalc"
	"github.com/updatekit/updatekit/pkg/taskloop"
	"github.com/updatekit/updatekit/pkg/verity"
)

func writePart(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func hashOf(t *testing.T, data []byte) []byte {
	t.Helper()
	raw, err := hashcalc.RawHashOfData(data)
	require.NoError(t, err)
	return raw
}

// fakeDynamic is a scriptable dynamic-partition controller.
type fakeDynamic struct {
	compression  bool
	dynamicParts map[string]bool
	cowOpen      func(ctx context.Context, name, sourcePath string, readOnly bool) (blockdev.File, error)
	extentsErr   error

	mapCalls     int
	unmapCalls   int
	extentsNames []string
}

func (f *fakeDynamic) UpdateUsesSnapshotCompression() bool { return f.compression }

func (f *fakeDynamic) IsDynamicPartition(name string, slot uint32) bool {
	return f.dynamicParts[name]
}

func (f *fakeDynamic) MapAllPartitions(ctx context.Context) error {
	f.mapCalls++
	return nil
}

func (f *fakeDynamic) UnmapAllPartitions(ctx context.Context) error {
	f.unmapCalls++
	return nil
}

func (f *fakeDynamic) OpenCowFd(ctx context.Context, name, sourcePath string, readOnly bool) (blockdev.File, error) {
	return f.cowOpen(ctx, name, sourcePath, readOnly)
}

func (f *fakeDynamic) VerifyExtentsForUntouchedPartitions(ctx context.Context, sourceSlot, targetSlot uint32, names []string) error {
	f.extentsNames = append(f.extentsNames, names...)
	return f.extentsErr
}

// ioRecorder observes every open, read and write made by the verifier.
type ioRecorder struct {
	opened []string

	// watchBoundary, when nonzero, is the filesystem data end of a
	// verity partition: reads at or past it before a write lands at it
	// are ordering violations.
	watchBoundary int64
	boundaryWrite bool
	violations    int

	reads     int
	readSizes []int
}

func (r *ioRecorder) opener() verify.DeviceOpener {
	return func(ctx context.Context, path string, writable bool) (blockdev.File, error) {
		r.opened = append(r.opened, path)
		f, err := blockdev.Open(ctx, path, writable)
		if err != nil {
			return nil, err
		}
		return &recordingFile{inner: f, rec: r}, nil
	}
}

type recordingFile struct {
	inner blockdev.File
	rec   *ioRecorder
	pos   int64
}

func (f *recordingFile) Read(p []byte) (int, error) {
	n, err := f.inner.Read(p)
	if n > 0 {
		f.rec.noteRead(f.pos)
		f.rec.readSizes = append(f.rec.readSizes, n)
		f.pos += int64(n)
	}
	return n, err
}

func (f *recordingFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := f.inner.Seek(offset, whence)
	if err == nil {
		f.pos = pos
	}
	return pos, err
}

func (f *recordingFile) ReadAt(p []byte, off int64) (int, error) {
	f.rec.noteRead(off)
	return f.inner.ReadAt(p, off)
}

func (f *recordingFile) WriteAt(p []byte, off int64) (int, error) {
	if f.rec.watchBoundary != 0 && off == f.rec.watchBoundary {
		f.rec.boundaryWrite = true
	}
	return f.inner.WriteAt(p, off)
}

func (f *recordingFile) Close() error {
	return f.inner.Close()
}

func (r *ioRecorder) noteRead(off int64) {
	r.reads++
	if r.watchBoundary != 0 && off >= r.watchBoundary && !r.boundaryWrite {
		r.violations++
	}
}

type runResult struct {
	done     bool
	code     errcode.Code
	plan     *installplan.Plan
	progress []float64
}

func runPlan(t *testing.T, plan *installplan.Plan, dynamic dynpart.Controller, opts ...verify.Option) runResult {
	t.Helper()
	var res runResult
	loop := taskloop.NewManual()
	opts = append(opts, verify.WithProgress(func(p float64) {
		res.progress = append(res.progress, p)
	}))
	v := verify.New(loop, dynamic, opts...)
	v.Start(context.Background(), plan, func(code errcode.Code, plan *installplan.Plan) {
		require.False(t, res.done, "terminal outcome emitted twice")
		res.done = true
		res.code = code
		res.plan = plan
	})
	loop.RunUntilIdle()
	require.True(t, res.done, "verifier did not reach a terminal outcome")
	return res
}

func TestFullPayloadHappyPath(t *testing.T) {
	data := make([]byte, 4096)
	plan := &installplan.Plan{
		Partitions: []installplan.Partition{{
			Name:       "system",
			TargetPath: writePart(t, data),
			TargetSize: 4096,
			TargetHash: hashOf(t, data),
		}},
	}

	res := runPlan(t, plan, dynpart.Stub{})
	assert.Equal(t, errcode.Success, res.code)
	assert.Same(t, plan, res.plan, "plan forwarded unchanged")
}

func TestDeltaPayloadTargetCorrectSourceNeverRead(t *testing.T) {
	zeros := make([]byte, 4096)
	ones := bytes.Repeat([]byte{0xff}, 4096)

	rec := &ioRecorder{}
	targetPath := writePart(t, ones)
	sourcePath := writePart(t, zeros)
	plan := &installplan.Plan{
		Partitions: []installplan.Partition{{
			Name:       "system",
			SourcePath: sourcePath,
			SourceSize: 4096,
			SourceHash: hashOf(t, zeros),
			TargetPath: targetPath,
			TargetSize: 4096,
			TargetHash: hashOf(t, ones),
		}},
	}

	res := runPlan(t, plan, dynpart.Stub{}, verify.WithDeviceOpener(rec.opener()))
	assert.Equal(t, errcode.Success, res.code)
	assert.Equal(t, []string{targetPath}, rec.opened, "source must not be read")

	// Progress is monotone and ends at exactly 1.0.
	require.NotEmpty(t, res.progress)
	for i := 1; i < len(res.progress); i++ {
		assert.GreaterOrEqual(t, res.progress[i], res.progress[i-1])
	}
	assert.Equal(t, 1.0, res.progress[len(res.progress)-1])
}

func TestDeltaPayloadTargetCorruptSourceGood(t *testing.T) {
	zeros := make([]byte, 4096)
	ones := bytes.Repeat([]byte{0xff}, 4096)

	rec := &ioRecorder{}
	// The device still holds the source content: the payload never
	// landed.
	targetPath := writePart(t, zeros)
	sourcePath := writePart(t, zeros)
	otherPath := writePart(t, zeros)
	plan := &installplan.Plan{
		Partitions: []installplan.Partition{
			{
				Name:       "system",
				SourcePath: sourcePath,
				SourceSize: 4096,
				SourceHash: hashOf(t, zeros),
				TargetPath: targetPath,
				TargetSize: 4096,
				TargetHash: hashOf(t, ones),
			},
			{
				Name:       "vendor",
				TargetPath: otherPath,
				TargetSize: 4096,
				TargetHash: hashOf(t, zeros),
			},
		},
	}

	res := runPlan(t, plan, dynpart.Stub{}, verify.WithDeviceOpener(rec.opener()))
	assert.Equal(t, errcode.NewRootfsVerificationError, res.code)
	// After the target mismatch the very next device opened is the same
	// partition's source; later partitions are never touched.
	assert.Equal(t, []string{targetPath, sourcePath}, rec.opened)
}

func TestDeltaPayloadTargetAndSourceCorrupt(t *testing.T) {
	zeros := make([]byte, 4096)
	ones := bytes.Repeat([]byte{0xff}, 4096)
	flipped := make([]byte, 4096)
	flipped[100] = 0x01

	plan := &installplan.Plan{
		Partitions: []installplan.Partition{{
			Name:       "system",
			SourcePath: writePart(t, flipped),
			SourceSize: 4096,
			SourceHash: hashOf(t, zeros),
			TargetPath: writePart(t, zeros),
			TargetSize: 4096,
			TargetHash: hashOf(t, ones),
		}},
	}

	res := runPlan(t, plan, dynpart.Stub{})
	assert.Equal(t, errcode.DownloadStateInitializationError, res.code)
}

// expectedVerityImage returns the image a verity partition must hold
// after the stage ran: data, then the hash tree built over it.
func expectedVerityImage(t *testing.T, data []byte, treeSize int) []byte {
	t.Helper()
	b, err := verity.NewHashTreeBuilder(4096, digest.SHA256, nil)
	require.NoError(t, err)
	require.NoError(t, b.Initialize(uint64(len(data))))
	require.NoError(t, b.Update(data))
	require.NoError(t, b.BuildHashTree())
	var tree bytes.Buffer
	_, err = b.WriteHashTree(&tree)
	require.NoError(t, err)
	require.Equal(t, treeSize, tree.Len())
	return append(append([]byte(nil), data...), tree.Bytes()...)
}

func TestVerityPartition(t *testing.T) {
	data := make([]byte, 4096)
	image := expectedVerityImage(t, data, 4096)

	// The verity region starts out stale; the stage must write it
	// before hashing it.
	initial := append(append([]byte(nil), data...), bytes.Repeat([]byte{0xee}, 4096)...)
	targetPath := writePart(t, initial)

	rec := &ioRecorder{watchBoundary: 4096}
	plan := &installplan.Plan{
		WriteVerity: true,
		Partitions: []installplan.Partition{{
			Name:           "system",
			TargetPath:     targetPath,
			TargetSize:     8192,
			TargetHash:     hashOf(t, image),
			HashTreeOffset: 4096,
			HashTreeSize:   4096,
		}},
	}

	res := runPlan(t, plan, dynpart.Stub{}, verify.WithDeviceOpener(rec.opener()))
	assert.Equal(t, errcode.Success, res.code)

	// No read at or past the hash tree offset happened before the tree
	// was written there.
	assert.True(t, rec.boundaryWrite, "hash tree was written")
	assert.Zero(t, rec.violations, "read crossed into the verity region before finalize")

	// The device now holds exactly the bytes the digest covered.
	got, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestVerityInitFailure(t *testing.T) {
	data := make([]byte, 8192)
	plan := &installplan.Plan{
		WriteVerity: true,
		Partitions: []installplan.Partition{{
			Name:           "system",
			TargetPath:     writePart(t, data),
			TargetSize:     8192,
			TargetHash:     hashOf(t, data),
			HashTreeOffset: 4096,
			HashTreeSize:   12288, // impossible for 4096 bytes of data
		}},
	}
	// Hash tree cannot exceed the partition; bypass Validate by sizing
	// the partition up instead.
	plan.Partitions[0].TargetSize = 4096 * 5
	plan.Partitions[0].TargetHash = hashOf(t, make([]byte, 4096*5))

	res := runPlan(t, plan, dynpart.Stub{})
	assert.Equal(t, errcode.VerityCalculationError, res.code)
}

func TestZeroSizePartitionSkipped(t *testing.T) {
	data := bytes.Repeat([]byte{0xff}, 4096)
	rec := &ioRecorder{}
	secondPath := writePart(t, data)
	plan := &installplan.Plan{
		Partitions: []installplan.Partition{
			{Name: "boot"},
			{
				Name:       "system",
				TargetPath: secondPath,
				TargetSize: 4096,
				TargetHash: hashOf(t, data),
			},
		},
	}

	res := runPlan(t, plan, dynpart.Stub{}, verify.WithDeviceOpener(rec.opener()))
	assert.Equal(t, errcode.Success, res.code)
	assert.Equal(t, []string{secondPath}, rec.opened, "zero-size partition skipped silently")
}

func TestMissingPathWithNonzeroSize(t *testing.T) {
	plan := &installplan.Plan{
		Partitions: []installplan.Partition{{
			Name:       "system",
			TargetSize: 4096,
			TargetHash: make([]byte, 32),
		}},
	}
	res := runPlan(t, plan, dynpart.Stub{})
	assert.Equal(t, errcode.FilesystemVerifierError, res.code)
}

func TestInvalidPlanRejected(t *testing.T) {
	plan := &installplan.Plan{
		Partitions: []installplan.Partition{{
			Name:       "system",
			TargetPath: "/dev/whatever",
			TargetSize: 4096,
			// no target hash
		}},
	}
	res := runPlan(t, plan, dynpart.Stub{})
	assert.Equal(t, errcode.FilesystemVerifierError, res.code)
}

func TestEmptyPlanSucceedsImmediately(t *testing.T) {
	plan := &installplan.Plan{}
	res := runPlan(t, plan, dynpart.Stub{})
	assert.Equal(t, errcode.Success, res.code)
	assert.Same(t, plan, res.plan)
}

func TestUntouchedDynamicPartitionExtentMismatch(t *testing.T) {
	data := make([]byte, 4096)
	plan := &installplan.Plan{
		UntouchedDynamicPartitions: []string{"odm"},
		Partitions: []installplan.Partition{{
			Name:       "system",
			TargetPath: writePart(t, data),
			TargetSize: 4096,
			TargetHash: hashOf(t, data),
		}},
	}

	dynamic := &fakeDynamic{extentsErr: io.ErrUnexpectedEOF}
	res := runPlan(t, plan, dynamic)
	assert.Equal(t, errcode.FilesystemVerifierError, res.code)
	assert.Equal(t, []string{"odm"}, dynamic.extentsNames)

	dynamic = &fakeDynamic{}
	res = runPlan(t, plan, dynamic)
	assert.Equal(t, errcode.Success, res.code)
}

func TestSnapshotReadOnlyPathRemapsAndUnmaps(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 4096)
	roPath := writePart(t, data)
	rec := &ioRecorder{}
	plan := &installplan.Plan{
		WriteVerity: false,
		Partitions: []installplan.Partition{{
			Name:               "system",
			TargetPath:         "/dev/block/mapper/system",
			ReadonlyTargetPath: roPath,
			TargetSize:         4096,
			TargetHash:         hashOf(t, data),
		}},
	}

	dynamic := &fakeDynamic{
		compression:  true,
		dynamicParts: map[string]bool{"system": true},
	}
	res := runPlan(t, plan, dynamic, verify.WithDeviceOpener(rec.opener()))
	assert.Equal(t, errcode.Success, res.code)
	assert.Equal(t, []string{roPath}, rec.opened, "reads go through the snapshot daemon path")
	assert.Equal(t, 1, dynamic.mapCalls, "remapped before reading")
	// Unmapped once to refresh the daemon's view and once at cleanup.
	assert.Equal(t, 2, dynamic.unmapCalls)
}

func TestSnapshotCowPathWithVerity(t *testing.T) {
	data := make([]byte, 4096)
	image := expectedVerityImage(t, data, 4096)
	initial := append(append([]byte(nil), data...), make([]byte, 4096)...)
	targetPath := writePart(t, initial)

	var cowName, cowSource string
	dynamic := &fakeDynamic{
		compression:  true,
		dynamicParts: map[string]bool{"system": true},
		cowOpen: func(ctx context.Context, name, sourcePath string, readOnly bool) (blockdev.File, error) {
			cowName, cowSource = name, sourcePath
			return blockdev.Open(ctx, targetPath, true)
		},
	}

	plan := &installplan.Plan{
		WriteVerity: true,
		Partitions: []installplan.Partition{{
			Name:           "system",
			SourcePath:     "/dev/block/sda2",
			TargetPath:     "/dev/block/mapper/system",
			TargetSize:     8192,
			TargetHash:     hashOf(t, image),
			HashTreeOffset: 4096,
			HashTreeSize:   4096,
		}},
	}

	res := runPlan(t, plan, dynamic)
	assert.Equal(t, errcode.Success, res.code)
	assert.Equal(t, "system", cowName)
	assert.Equal(t, "/dev/block/sda2", cowSource)
	assert.Zero(t, dynamic.mapCalls, "COW descriptor path does not remap")
	assert.Zero(t, dynamic.unmapCalls, "verity run keeps partitions mapped")
}

func TestCowOpenFailure(t *testing.T) {
	dynamic := &fakeDynamic{
		compression:  true,
		dynamicParts: map[string]bool{"system": true},
		cowOpen: func(ctx context.Context, name, sourcePath string, readOnly bool) (blockdev.File, error) {
			return nil, io.ErrClosedPipe
		},
	}
	plan := &installplan.Plan{
		WriteVerity: true,
		Partitions: []installplan.Partition{{
			Name:           "system",
			TargetPath:     "/dev/block/mapper/system",
			TargetSize:     4096,
			TargetHash:     make([]byte, 32),
			HashTreeOffset: 2048,
			HashTreeSize:   2048,
		}},
	}
	res := runPlan(t, plan, dynamic)
	assert.Equal(t, errcode.FilesystemVerifierError, res.code)
}

func TestReadsAreChunkLimited(t *testing.T) {
	// Three and a half buffers' worth: the verifier must stream it in
	// reads no larger than its single fixed buffer.
	data := make([]byte, 3*verify.ReadBufferSize+verify.ReadBufferSize/2)
	rec := &ioRecorder{}
	plan := &installplan.Plan{
		Partitions: []installplan.Partition{{
			Name:       "system",
			TargetPath: writePart(t, data),
			TargetSize: uint64(len(data)),
			TargetHash: hashOf(t, data),
		}},
	}

	res := runPlan(t, plan, dynpart.Stub{}, verify.WithDeviceOpener(rec.opener()))
	assert.Equal(t, errcode.Success, res.code)
	require.Len(t, rec.readSizes, 4)
	for _, n := range rec.readSizes {
		assert.LessOrEqual(t, n, verify.ReadBufferSize)
	}
}

func TestCancelIsPrompt(t *testing.T) {
	// Four read chunks' worth of data.
	data := make([]byte, 4*verify.ReadBufferSize)
	rec := &ioRecorder{}
	plan := &installplan.Plan{
		Partitions: []installplan.Partition{{
			Name:       "system",
			TargetPath: writePart(t, data),
			TargetSize: uint64(len(data)),
			TargetHash: hashOf(t, data),
		}},
	}

	loop := taskloop.NewManual()
	var done bool
	var lastProgress float64
	v := verify.New(loop, dynpart.Stub{},
		verify.WithDeviceOpener(rec.opener()),
		verify.WithProgress(func(p float64) { lastProgress = p }))
	v.Start(context.Background(), plan, func(errcode.Code, *installplan.Plan) { done = true })

	require.True(t, loop.RunOnce(), "first chunk")
	readsBefore := rec.reads
	require.Equal(t, 1, readsBefore)

	v.Cancel()
	loop.RunUntilIdle()

	assert.Equal(t, readsBefore, rec.reads, "no further I/O after cancel")
	assert.False(t, done, "terminal outcome suppressed after cancel")
	assert.Less(t, lastProgress, 1.0)
}
