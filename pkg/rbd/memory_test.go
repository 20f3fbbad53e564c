package rbd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T) Pool {
	t.Helper()
	d := NewMemoryDialer()
	d.CreatePool("rbd")
	cluster, err := d.Dial(context.Background(), Config{})
	require.NoError(t, err)
	t.Cleanup(cluster.Shutdown)
	p, err := cluster.OpenPool("rbd")
	require.NoError(t, err)
	return p
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "empty",
			in:   Config{},
			want: Config{User: "admin", ConfigPath: "/etc/ceph/ceph.conf", KeyringPath: "/etc/ceph/ceph.client.admin.keyring", Timeout: 2 * time.Second},
		},
		{
			name: "custom user",
			in:   Config{User: "libvirt"},
			want: Config{User: "libvirt", ConfigPath: "/etc/ceph/ceph.conf", KeyringPath: "/etc/ceph/ceph.client.libvirt.keyring", Timeout: 2 * time.Second},
		},
		{
			name: "explicit",
			in:   Config{User: "u", ConfigPath: "/c", KeyringPath: "/k", Timeout: time.Minute},
			want: Config{User: "u", ConfigPath: "/c", KeyringPath: "/k", Timeout: time.Minute},
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.in.WithDefaults())
		})
	}
}

func TestWithPool(t *testing.T) {
	t.Parallel()

	d := NewMemoryDialer()
	d.CreatePool("rbd")

	called := false
	err := WithPool(context.Background(), d, Config{}, "rbd", func(p Pool) error {
		called = true
		return p.CreateImage("a", 1<<20)
	})
	require.NoError(t, err)
	assert.True(t, called)

	err = WithPool(context.Background(), d, Config{}, "missing", func(Pool) error { return nil })
	assert.True(t, errors.Is(err, apierror.ErrBackendUnavailable))

	d.DialErr = errors.New("timed out")
	err = WithPool(context.Background(), d, Config{}, "rbd", func(Pool) error { return nil })
	assert.True(t, errors.Is(err, apierror.ErrBackendUnavailable))
}

func TestMemory_ReadWriteResize(t *testing.T) {
	t.Parallel()

	p := newPool(t)
	require.NoError(t, p.CreateImage("img", 10<<20))
	assert.True(t, errors.Is(p.CreateImage("img", 1), ErrExist))

	img, err := p.OpenImage("img")
	require.NoError(t, err)
	defer img.Close()

	payload := bytes.Repeat([]byte("abc"), 3<<20)
	w := &OffsetWriter{W: img, Offset: 0}
	_, err = io.Copy(w, bytes.NewReader(payload))
	require.NoError(t, err)
	require.NoError(t, img.Resize(uint64(len(payload))))

	st, err := img.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), st.Size)
	assert.Equal(t, uint64(3), st.NumObjects)

	got, err := io.ReadAll(io.NewSectionReader(img, 0, int64(st.Size)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = img.WriteAt([]byte("x"), int64(st.Size))
	assert.Error(t, err)
}

func TestMemory_SnapshotsAndClone(t *testing.T) {
	t.Parallel()

	p := newPool(t)
	require.NoError(t, p.CreateImage("base", 1<<20))
	base, err := p.OpenImage("base")
	require.NoError(t, err)
	defer base.Close()

	_, err = base.WriteAt([]byte("base-data"), 0)
	require.NoError(t, err)
	require.NoError(t, base.CreateSnapshot("snapshot"))

	assert.Error(t, p.Clone("base", "snapshot", "child"), "clone requires protected snapshot")
	require.NoError(t, base.ProtectSnapshot("snapshot"))
	require.NoError(t, p.Clone("base", "snapshot", "child"))

	child, err := p.OpenImage("child")
	require.NoError(t, err)
	defer child.Close()

	parent, snap, err := child.Parent()
	require.NoError(t, err)
	assert.Equal(t, "base", parent)
	assert.Equal(t, "snapshot", snap)

	_, err = child.WriteAt([]byte("CHILD"), 0)
	require.NoError(t, err)

	buf := make([]byte, 9)
	_, err = child.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "CHILDdata", string(buf))

	_, err = base.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "base-data", string(buf))

	assert.True(t, errors.Is(base.UnprotectSnapshot("snapshot"), ErrBusy))
	assert.True(t, errors.Is(p.RemoveImage("base"), ErrBusy))

	require.NoError(t, child.Close())
	require.NoError(t, p.RemoveImage("child"))
	require.NoError(t, base.UnprotectSnapshot("snapshot"))
	require.NoError(t, base.RemoveSnapshot("snapshot"))
	require.NoError(t, p.RemoveImage("base"))
	assert.True(t, errors.Is(p.RemoveImage("base"), ErrNotFound))
}

func TestMemory_RenameMetadataCopy(t *testing.T) {
	t.Parallel()

	p := newPool(t)
	require.NoError(t, p.CreateImage("a", 1<<20))
	img, err := p.OpenImage("a")
	require.NoError(t, err)
	defer img.Close()

	_, err = img.WriteAt([]byte("hello"), 100)
	require.NoError(t, err)

	_, err = img.Metadata("format")
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, img.SetMetadata("format", "iso"))
	v, err := img.Metadata("format")
	require.NoError(t, err)
	assert.Equal(t, "iso", v)

	require.NoError(t, img.Rename("b"))
	names, err := p.ImageNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)

	require.NoError(t, img.CopyTo("c"))
	c, err := p.OpenImage("c")
	require.NoError(t, err)
	defer c.Close()
	buf := make([]byte, 5)
	_, err = c.ReadAt(buf, 100)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, img.RemoveMetadata("format"))
	assert.True(t, errors.Is(img.RemoveMetadata("format"), ErrNotFound))
}

func TestMemory_ClusterStat(t *testing.T) {
	t.Parallel()

	d := NewMemoryDialer()
	d.CreatePool("rbd")
	d.SetCapacity(64 << 20)

	err := WithPool(context.Background(), d, Config{}, "rbd", func(p Pool) error {
		if err := p.CreateImage("a", 32<<20); err != nil {
			return err
		}
		return WithImage(p, "a", func(img Image) error {
			_, err := img.WriteAt(make([]byte, 8<<20), 0)
			return err
		})
	})
	require.NoError(t, err)

	err = WithCluster(context.Background(), d, Config{}, func(c Cluster) error {
		st, err := c.Stat()
		require.NoError(t, err)
		assert.Equal(t, uint64(64<<20), st.Total)
		assert.Equal(t, uint64(8<<20), st.Used)
		assert.Equal(t, uint64(56<<20), st.Avail)
		return nil
	})
	require.NoError(t, err)
}
