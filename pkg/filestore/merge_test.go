package filestore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/qemuimg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH, skipping test")
	}
}

// expectSnapshotInfo delta 为以 base 为 backing file 的 qcow2，其余文件按真实大小返回
func expectSnapshotInfo(m *qemuimg.MockClient, dir string) {
	m.On("Info", mock.Anything, filepath.Join(dir, "delta.qcow2")).Return(&qemuimg.ImageInfo{
		Format:          "qcow2",
		VirtualSize:     1 << 30,
		ActualSize:      4 << 20,
		BackingFilename: filepath.Join(dir, "base.qcow2"),
	}, nil)
	m.On("Info", mock.Anything, filepath.Join(dir, "base.qcow2")).Return(&qemuimg.ImageInfo{
		Format:      "qcow2",
		VirtualSize: 1 << 30,
		ActualSize:  12 << 20,
	}, nil)
	expectInfo(m, "qcow2")
}

func snapshotFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.qcow2"), []byte("base"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "delta.qcow2"), []byte("delta"), 0o644))
	return dir
}

func TestStore_Merge_WithBase(t *testing.T) {
	requireShell(t)
	t.Parallel()

	s, m := newMockStore(t)
	dir := snapshotFixture(t)
	expectSnapshotInfo(m, dir)

	src := &disk.Disk{Name: "delta.qcow2", Dir: dir, Backend: disk.BackendFile, Format: disk.FormatQcow2, Type: disk.TypeSnapshot, BaseName: "base.qcow2"}
	dst := src.Flattened("flat.qcow2", disk.FormatQcow2)
	out := dst.Path()

	// 用 sh 模拟 convert：分两次写出 8MiB 和 16MiB
	m.On("StartConvert", mock.Anything, "qcow2", src.Path(), out).Return(
		func(ctx context.Context, _, _, out string) (*qemuimg.Process, error) {
			return qemuimg.StartProcess(ctx, "sh", "-c",
				"head -c 8388608 /dev/zero > "+out+"; sleep 0.1; head -c 16777216 /dev/zero > "+out)
		})

	task := &countingTask{}
	require.NoError(t, s.Merge(context.Background(), task, src, dst))

	assert.Equal(t, disk.TypeNormal, dst.Type)
	assert.Empty(t, dst.BaseName)
	assert.Equal(t, int64(16<<20), dst.Size)
	assert.IsNonDecreasing(t, task.percents)
	assert.Equal(t, 100, task.percents[len(task.percents)-1])
}

func TestStore_Merge_WithBaseAborted(t *testing.T) {
	requireShell(t)
	t.Parallel()

	s, m := newMockStore(t)
	dir := snapshotFixture(t)
	expectSnapshotInfo(m, dir)

	src := &disk.Disk{Name: "delta.qcow2", Dir: dir, Backend: disk.BackendFile, Format: disk.FormatQcow2, Type: disk.TypeSnapshot, BaseName: "base.qcow2"}
	dst := src.Flattened("flat.qcow2", disk.FormatQcow2)

	var proc *qemuimg.Process
	m.On("StartConvert", mock.Anything, "qcow2", src.Path(), dst.Path()).Return(
		func(ctx context.Context, _, _, out string) (*qemuimg.Process, error) {
			p, err := qemuimg.StartProcess(ctx, "sh", "-c", "echo partial > "+out+"; exec sleep 30")
			proc = p
			return p, err
		})

	err := s.Merge(context.Background(), &countingTask{abortAt: 4}, src, dst)
	assert.True(t, errors.Is(err, apierror.ErrAborted), "got %v", err)
	require.NotNil(t, proc)
	select {
	case <-proc.Done():
	default:
		t.Fatal("convert process should be terminated")
	}
	assertNoArtifacts(t, dir, "flat.qcow2")
}

func TestStore_Merge_WithBaseToolFailure(t *testing.T) {
	requireShell(t)
	t.Parallel()

	s, m := newMockStore(t)
	dir := snapshotFixture(t)
	expectSnapshotInfo(m, dir)

	src := &disk.Disk{Name: "delta.qcow2", Dir: dir, Backend: disk.BackendFile, Format: disk.FormatQcow2, Type: disk.TypeSnapshot, BaseName: "base.qcow2"}
	dst := src.Flattened("flat.qcow2", disk.FormatQcow2)
	m.On("StartConvert", mock.Anything, "qcow2", src.Path(), dst.Path()).Return(
		func(ctx context.Context, _, _, out string) (*qemuimg.Process, error) {
			return qemuimg.StartProcess(ctx, "sh", "-c", "echo partial > "+out+"; echo 'no space' >&2; exit 1")
		})

	err := s.Merge(context.Background(), nil, src, dst)
	assert.True(t, errors.Is(err, apierror.ErrExternalToolFailure), "got %v", err)
	assertNoArtifacts(t, dir, "flat.qcow2")
}

func TestStore_Merge_WithoutBase(t *testing.T) {
	t.Parallel()

	s, m := newMockStore(t)
	expectInfo(m, "qcow2")
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("standalone"), 300000)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.qcow2"), payload, 0o644))

	src := fileDisk(dir, "src.qcow2", disk.FormatQcow2, 0)
	dst := src.Flattened("copy.qcow2", "")
	task := &countingTask{}
	require.NoError(t, s.Merge(context.Background(), task, src, dst))

	got, err := os.ReadFile(dst.Path())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, disk.FormatQcow2, dst.Format)
	assert.Equal(t, disk.TypeNormal, dst.Type)
	assert.IsNonDecreasing(t, task.percents)
	assert.Equal(t, 100, task.percents[len(task.percents)-1])
}

func TestStore_Merge_WithoutBaseAborted(t *testing.T) {
	t.Parallel()

	s, m := newMockStore(t)
	expectInfo(m, "qcow2")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.qcow2"), make([]byte, 8*CopyBlockSize), 0o644))

	src := fileDisk(dir, "src.qcow2", disk.FormatQcow2, 0)
	dst := src.Flattened("copy.qcow2", "")
	err := s.Merge(context.Background(), &countingTask{abortAt: 3}, src, dst)
	assert.True(t, errors.Is(err, apierror.ErrAborted))
	assertNoArtifacts(t, dir, "copy.qcow2")
}

func TestStore_Merge_Preconditions(t *testing.T) {
	t.Parallel()

	s, m := newMockStore(t)
	expectInfo(m, "raw")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cd.iso"), isoImage(t, map[string]string{"a": "a"}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "taken.iso"), []byte("keep"), 0o644))

	src := fileDisk(dir, "cd.iso", disk.FormatISO, 0)

	err := s.Merge(context.Background(), nil, src, src.Flattened("taken.iso", disk.FormatISO))
	assert.True(t, errors.Is(err, apierror.ErrAlreadyExists))
	kept, err := os.ReadFile(filepath.Join(dir, "taken.iso"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(kept))

	err = s.Merge(context.Background(), &countingTask{abortAt: 1}, src, src.Flattened("x.iso", disk.FormatISO))
	assert.True(t, errors.Is(err, apierror.ErrAborted))
	assertNoArtifacts(t, dir, "x.iso")

	err = s.Merge(context.Background(), nil, fileDisk(dir, "missing.img", disk.FormatQcow2, 0), src.Flattened("y.img", disk.FormatQcow2))
	assert.True(t, errors.Is(err, apierror.ErrNotFound))

	// iso 合并为符号链接
	link := src.Flattened("link.iso", disk.FormatISO)
	require.NoError(t, s.Merge(context.Background(), nil, src, link))
	target, err := os.Readlink(link.Path())
	require.NoError(t, err)
	assert.Equal(t, src.Path(), target)
	assert.Equal(t, disk.FormatISO, link.Format)
	assert.Equal(t, disk.TypeNormal, link.Type)
}

// 完整流程：base -> snapshot -> 写入 -> merge -> 校验内容
func TestStore_SnapshotMergeScenario(t *testing.T) {
	s := newQemuStore(t)
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	base := bytes.Repeat([]byte("0123456789abcdef"), 256<<10)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.img"), base, 0o644))

	delta := &disk.Disk{Name: "delta.img", Dir: dir, Backend: disk.BackendFile, Format: disk.FormatQcow2, Type: disk.TypeSnapshot, BaseName: "base.img"}
	require.NoError(t, s.Snapshot(ctx, delta))

	got, err := s.Get(ctx, dir, "delta.img")
	require.NoError(t, err)
	assert.Equal(t, disk.TypeSnapshot, got.Type)
	assert.Equal(t, "base.img", got.BaseName)

	want := bytes.Clone(base)
	if _, err := exec.LookPath("qemu-io"); err == nil {
		out, err := exec.Command("qemu-io", "-f", "qcow2", "-c", "write -P 0xab 0 64k", delta.Path()).CombinedOutput()
		require.NoError(t, err, string(out))
		copy(want, bytes.Repeat([]byte{0xab}, 64<<10))
	}

	flat := delta.Flattened("flat.img", disk.FormatRaw)
	require.NoError(t, s.Merge(ctx, nil, delta, flat))

	got, err = s.Get(ctx, dir, "flat.img")
	require.NoError(t, err)
	assert.Equal(t, disk.TypeNormal, got.Type)
	assert.Empty(t, got.BaseName)

	sum, err := s.Checksum(ctx, nil, flat)
	require.NoError(t, err)
	expected, err := disk.Checksum(ctx, nil, bytes.NewReader(want), int64(len(want)))
	require.NoError(t, err)
	assert.Equal(t, expected, sum)
}
