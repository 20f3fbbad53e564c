package filestore

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/qemuimg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newQemuStore(t *testing.T) *Store {
	t.Helper()
	if _, err := exec.LookPath("qemu-img"); err != nil {
		t.Skip("qemu-img not found in PATH, skipping test")
	}
	return New(Options{PollInterval: 50 * time.Millisecond})
}

func fileDisk(dir, name string, format disk.Format, size int64) *disk.Disk {
	return &disk.Disk{Name: name, Dir: dir, Backend: disk.BackendFile, Format: format, Type: disk.TypeNormal, Size: size}
}

func TestStore_CreateGetRoundTrip(t *testing.T) {
	s := newQemuStore(t)
	t.Parallel()

	testcases := []struct {
		name   string
		format disk.Format
		size   int64
	}{
		{name: "qcow2", format: disk.FormatQcow2, size: 1 << 30},
		{name: "raw", format: disk.FormatRaw, size: 16 << 20},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()

			d := fileDisk(dir, "disk.img", tc.format, tc.size)
			require.NoError(t, s.Create(ctx, d))

			got, err := s.Get(ctx, dir, "disk.img")
			require.NoError(t, err)
			assert.Equal(t, tc.format, got.Format)
			assert.Equal(t, tc.size, got.Size)
			assert.Equal(t, disk.TypeNormal, got.Type)
			assert.Empty(t, got.BaseName)

			err = s.Create(ctx, d)
			assert.True(t, errors.Is(err, apierror.ErrAlreadyExists))
		})
	}
}

func TestStore_Create_Invalid(t *testing.T) {
	t.Parallel()

	s, _ := newMockStore(t)
	dir := t.TempDir()

	testcases := []struct {
		name    string
		d       *disk.Disk
		wantErr *apierror.Error
	}{
		{name: "iso", d: fileDisk(dir, "a.iso", disk.FormatISO, 1<<20), wantErr: apierror.ErrInvalidFormat},
		{name: "rbd", d: fileDisk(dir, "a.img", disk.FormatRBD, 1<<20), wantErr: apierror.ErrInvalidFormat},
		{name: "snapshot", d: &disk.Disk{Name: "s", Dir: dir, Backend: disk.BackendFile, Format: disk.FormatQcow2, Type: disk.TypeSnapshot, BaseName: "b", Size: 1}, wantErr: apierror.ErrInvalidKind},
		{name: "zero size", d: fileDisk(dir, "z.img", disk.FormatQcow2, 0), wantErr: apierror.ErrInvalidDescriptor},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := s.Create(context.Background(), tc.d)
			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
		})
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newMockStore(t)
	dir := t.TempDir()
	d := fileDisk(dir, "a.img", disk.FormatRaw, 1)
	require.NoError(t, os.WriteFile(d.Path(), []byte("x"), 0o644))

	require.NoError(t, s.Delete(context.Background(), d))
	require.NoError(t, s.Delete(context.Background(), d))
	_, err := os.Stat(d.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStore_Get_Errors(t *testing.T) {
	t.Parallel()

	s, m := newMockStore(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vmdk.img"), []byte("x"), 0o644))
	m.On("Info", mock.Anything, filepath.Join(dir, "vmdk.img")).Return(&qemuimg.ImageInfo{Format: "vmdk"}, nil)

	_, err := s.Get(context.Background(), dir, "missing.img")
	assert.True(t, errors.Is(err, apierror.ErrNotFound))

	_, err = s.Get(context.Background(), dir, "vmdk.img")
	assert.True(t, errors.Is(err, apierror.ErrInvalidFormat))

	_, err = s.Get(context.Background(), dir, "../etc")
	assert.True(t, errors.Is(err, apierror.ErrInvalidDescriptor))
}

func TestStore_Get_ISO(t *testing.T) {
	t.Parallel()

	s, m := newMockStore(t)
	expectInfo(m, "raw")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cd.iso"), isoImage(t, map[string]string{"a.txt": "a"}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.img"), make([]byte, 64<<10), 0o644))

	got, err := s.Get(context.Background(), dir, "cd.iso")
	require.NoError(t, err)
	assert.Equal(t, disk.FormatISO, got.Format)

	got, err = s.Get(context.Background(), dir, "plain.img")
	require.NoError(t, err)
	assert.Equal(t, disk.FormatRaw, got.Format)
}

func TestStore_List_SkipsFailures(t *testing.T) {
	t.Parallel()

	s, m := newMockStore(t)
	dir := t.TempDir()
	for _, name := range []string{"a.img", "b.img", "broken.img", "c.img~"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, TrashDirName), 0o755))

	m.On("Info", mock.Anything, filepath.Join(dir, "broken.img")).
		Return(nil, apierror.Errorf(apierror.ErrExternalToolFailure, "corrupt"))
	expectInfo(m, "qcow2")

	disks, err := s.List(context.Background(), dir)
	require.NoError(t, err)
	names := make([]string, 0, len(disks))
	for _, d := range disks {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"a.img", "b.img"}, names)

	_, err = s.List(context.Background(), filepath.Join(dir, "nope"))
	assert.True(t, errors.Is(err, apierror.ErrNotFound))
}

func TestStore_Snapshot(t *testing.T) {
	t.Parallel()

	s, m := newMockStore(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.iso"), []byte("iso"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.raw"), []byte("raw"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.qcow2"), []byte("qcow"), 0o644))

	snap := func(name, base string, format disk.Format) *disk.Disk {
		return &disk.Disk{Name: name, Dir: dir, Backend: disk.BackendFile, Format: format, Type: disk.TypeSnapshot, BaseName: base}
	}

	// iso 快照为符号链接
	require.NoError(t, s.Snapshot(context.Background(), snap("link.iso", "base.iso", disk.FormatISO)))
	target, err := os.Readlink(filepath.Join(dir, "link.iso"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "base.iso"), target)

	err = s.Snapshot(context.Background(), snap("delta.raw", "base.raw", disk.FormatRaw))
	assert.True(t, errors.Is(err, apierror.ErrInvalidFormat))

	err = s.Snapshot(context.Background(), snap("delta.img", "missing.qcow2", disk.FormatQcow2))
	assert.True(t, errors.Is(err, apierror.ErrNotFound))

	err = s.Snapshot(context.Background(), snap("base.raw", "base.qcow2", disk.FormatQcow2))
	assert.True(t, errors.Is(err, apierror.ErrAlreadyExists))

	err = s.Snapshot(context.Background(), fileDisk(dir, "n.img", disk.FormatQcow2, 1))
	assert.True(t, errors.Is(err, apierror.ErrInvalidKind))

	basePath, deltaPath := filepath.Join(dir, "base.qcow2"), filepath.Join(dir, "delta.qcow2")
	m.On("Info", mock.Anything, basePath).Return(&qemuimg.ImageInfo{Format: "qcow2", VirtualSize: 1 << 30}, nil).Once()
	m.On("CreateWithBacking", mock.Anything, "qcow2", "qcow2", basePath, deltaPath).Return(nil).Once()
	m.On("Info", mock.Anything, deltaPath).Return(&qemuimg.ImageInfo{Format: "qcow2", VirtualSize: 1 << 30, ActualSize: 196608}, nil).Once()

	d := snap("delta.qcow2", "base.qcow2", disk.FormatQcow2)
	require.NoError(t, s.Snapshot(context.Background(), d))
	assert.Equal(t, int64(1<<30), d.Size)
	m.AssertExpectations(t)
}
