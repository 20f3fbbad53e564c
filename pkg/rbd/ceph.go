//go:build ceph

package rbd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ceph/go-ceph/rados"
	cephrbd "github.com/ceph/go-ceph/rbd"
)

// CephDialer 通过 librados/librbd 连接真实集群
type CephDialer struct{}

// NewCephDialer 返回 librados 实现
func NewCephDialer() (Dialer, error) {
	return CephDialer{}, nil
}

func (CephDialer) Dial(ctx context.Context, cfg Config) (Cluster, error) {
	cfg = cfg.WithDefaults()
	conn, err := rados.NewConnWithUser(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("create rados connection: %w", err)
	}
	if err := conn.ReadConfigFile(cfg.ConfigPath); err != nil {
		return nil, fmt.Errorf("read %s: %w", cfg.ConfigPath, err)
	}
	timeout := strconv.Itoa(max(1, int(cfg.Timeout.Seconds())))
	options := map[string]string{
		"keyring":              cfg.KeyringPath,
		"rados_mon_op_timeout": timeout,
		"rados_osd_op_timeout": timeout,
		"client_mount_timeout": timeout,
	}
	for k, v := range options {
		if err := conn.SetConfigOption(k, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", k, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &cephCluster{conn: conn}, nil
}

type cephCluster struct {
	conn *rados.Conn
}

func (c *cephCluster) OpenPool(name string) (Pool, error) {
	ioctx, err := c.conn.OpenIOContext(name)
	if err != nil {
		return nil, mapErr(err)
	}
	return &cephPool{ioctx: ioctx}, nil
}

func (c *cephCluster) Stat() (ClusterStat, error) {
	st, err := c.conn.GetClusterStats()
	if err != nil {
		return ClusterStat{}, err
	}
	return ClusterStat{
		Total: st.Kb << 10,
		Used:  st.Kb_used << 10,
		Avail: st.Kb_avail << 10,
	}, nil
}

func (c *cephCluster) Shutdown() {
	c.conn.Shutdown()
}

type cephPool struct {
	ioctx *rados.IOContext
}

func layeringOptions() (*cephrbd.ImageOptions, error) {
	opts := cephrbd.NewRbdImageOptions()
	if err := opts.SetUint64(cephrbd.ImageOptionFeatures, cephrbd.FeatureLayering); err != nil {
		opts.Destroy()
		return nil, err
	}
	return opts, nil
}

func (p *cephPool) CreateImage(name string, size uint64) error {
	opts, err := layeringOptions()
	if err != nil {
		return err
	}
	defer opts.Destroy()
	return mapErr(cephrbd.CreateImage(p.ioctx, name, size, opts))
}

func (p *cephPool) OpenImage(name string) (Image, error) {
	img, err := cephrbd.OpenImage(p.ioctx, name, cephrbd.NoSnapshot)
	if err != nil {
		return nil, mapErr(err)
	}
	return &cephImage{img: img, ioctx: p.ioctx}, nil
}

func (p *cephPool) RemoveImage(name string) error {
	return mapErr(cephrbd.RemoveImage(p.ioctx, name))
}

func (p *cephPool) ImageNames() ([]string, error) {
	names, err := cephrbd.GetImageNames(p.ioctx)
	return names, mapErr(err)
}

func (p *cephPool) Clone(parent, snap, name string) error {
	opts, err := layeringOptions()
	if err != nil {
		return err
	}
	defer opts.Destroy()
	return mapErr(cephrbd.CloneImage(p.ioctx, parent, snap, p.ioctx, name, opts))
}

func (p *cephPool) Close() {
	p.ioctx.Destroy()
}

type cephImage struct {
	img   *cephrbd.Image
	ioctx *rados.IOContext
}

func (i *cephImage) ReadAt(b []byte, off int64) (int, error) {
	return i.img.ReadAt(b, off)
}

func (i *cephImage) WriteAt(b []byte, off int64) (int, error) {
	return i.img.WriteAt(b, off)
}

func (i *cephImage) Stat() (ImageStat, error) {
	st, err := i.img.Stat()
	if err != nil {
		return ImageStat{}, mapErr(err)
	}
	return ImageStat{Size: st.Size, ObjectSize: st.Obj_size, NumObjects: st.Num_objs}, nil
}

func (i *cephImage) Resize(size uint64) error { return mapErr(i.img.Resize(size)) }

func (i *cephImage) Flush() error { return mapErr(i.img.Flush()) }

func (i *cephImage) CopyTo(name string) error {
	return mapErr(i.img.Copy(i.ioctx, name))
}

func (i *cephImage) Parent() (string, string, error) {
	info, err := i.img.GetParent()
	if err != nil {
		if errors.Is(err, cephrbd.ErrNotFound) {
			return "", "", nil
		}
		return "", "", err
	}
	return info.Image.ImageName, info.Snap.SnapName, nil
}

func (i *cephImage) Snapshots() ([]string, error) {
	snaps, err := i.img.GetSnapshotNames()
	if err != nil {
		return nil, mapErr(err)
	}
	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	return names, nil
}

func (i *cephImage) CreateSnapshot(name string) error {
	_, err := i.img.CreateSnapshot(name)
	return mapErr(err)
}

func (i *cephImage) ProtectSnapshot(name string) error {
	return mapErr(i.img.GetSnapshot(name).Protect())
}

func (i *cephImage) UnprotectSnapshot(name string) error {
	return mapErr(i.img.GetSnapshot(name).Unprotect())
}

func (i *cephImage) SnapshotProtected(name string) (bool, error) {
	ok, err := i.img.GetSnapshot(name).IsProtected()
	return ok, mapErr(err)
}

func (i *cephImage) RemoveSnapshot(name string) error {
	return mapErr(i.img.GetSnapshot(name).Remove())
}

func (i *cephImage) Rename(name string) error { return mapErr(i.img.Rename(name)) }

func (i *cephImage) SetMetadata(key, value string) error {
	return mapErr(i.img.SetMetadata(key, value))
}

func (i *cephImage) Metadata(key string) (string, error) {
	v, err := i.img.GetMetadata(key)
	return v, mapErr(err)
}

func (i *cephImage) RemoveMetadata(key string) error {
	return mapErr(i.img.RemoveMetadata(key))
}

func (i *cephImage) Close() error { return i.img.Close() }

// mapErr 把 librbd/librados 的错误映射到包内哨兵错误
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cephrbd.ErrNotFound), errors.Is(err, rados.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, cephrbd.ErrExist):
		return fmt.Errorf("%w: %v", ErrExist, err)
	default:
		return err
	}
}
