// Package rbdstore 在集群块存储上实现磁盘镜像后端
//
// 容器为存储池名。镜像均为启用分层特性的精简配置块设备；快照镜像是从 base
// 的受保护快照 "snapshot" 克隆出的子镜像。每个操作独占一次集群连接。
package rbdstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/rbd"
	"github.com/jimyag/storagedriver/pkg/transfer"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
)

const (
	// SnapshotName 作为克隆源的受保护快照名
	SnapshotName = "snapshot"
	// formatKey 记录镜像内容格式的元数据键，缺省为 rbd
	formatKey = "format"
)

// Options Store 参数
type Options struct {
	Dialer   rbd.Dialer
	Config   rbd.Config
	Transfer transfer.Options
}

// Store 集群后端
type Store struct {
	dialer   rbd.Dialer
	cfg      rbd.Config
	transfer transfer.Options
}

var _ disk.Backend = (*Store)(nil)

// New 创建集群后端
func New(opts Options) *Store {
	return &Store{
		dialer:   opts.Dialer,
		cfg:      opts.Config.WithDefaults(),
		transfer: opts.Transfer,
	}
}

func (s *Store) withPool(ctx context.Context, pool string, fn func(rbd.Pool) error) error {
	return rbd.WithPool(ctx, s.dialer, s.cfg, pool, fn)
}

func path(pool, name string) string {
	return fmt.Sprintf("rbd:%s/%s", pool, name)
}

// notFound 把 rbd.ErrNotFound 转换为 apierror.ErrNotFound
func notFound(err error, pool, name string) error {
	if errors.Is(err, rbd.ErrNotFound) {
		return apierror.Wrapf(apierror.ErrNotFound, err, "image %s not found", path(pool, name))
	}
	return err
}

func validateName(name string) error {
	if err := disk.ValidateName(name); err != nil {
		return err
	}
	if strings.HasPrefix(name, trashPrefix) {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "name %q uses the reserved trash prefix", name)
	}
	return nil
}

func imageExists(p rbd.Pool, name string) (bool, error) {
	img, err := p.OpenImage(name)
	if err != nil {
		if errors.Is(err, rbd.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_ = img.Close()
	return true, nil
}

func ensureAbsent(p rbd.Pool, pool, name string) error {
	exists, err := imageExists(p, name)
	if err != nil {
		return err
	}
	if exists {
		return apierror.Errorf(apierror.ErrAlreadyExists, "ceph image already exists: %s", path(pool, name))
	}
	return nil
}

// inspect 从镜像统计、父镜像和元数据构造描述符
func inspect(p rbd.Pool, pool, name string) (*disk.Disk, error) {
	d := &disk.Disk{
		Name:    name,
		Dir:     pool,
		Backend: disk.BackendCephBlock,
		Format:  disk.FormatRBD,
		Type:    disk.TypeNormal,
	}
	err := rbd.WithImage(p, name, func(img rbd.Image) error {
		st, err := img.Stat()
		if err != nil {
			return err
		}
		d.Size = int64(st.Size)
		d.ActualSize = int64(st.NumObjects * st.ObjectSize)

		parent, _, err := img.Parent()
		if err != nil {
			return err
		}
		if parent != "" {
			d.Type = disk.TypeSnapshot
			d.BaseName = parent
		}

		format, err := img.Metadata(formatKey)
		switch {
		case err == nil:
			d.Format = disk.Format(format)
		case errors.Is(err, rbd.ErrNotFound):
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return nil, notFound(err, pool, name)
	}
	return d, nil
}

// Create 创建精简配置的 rbd 镜像
func (s *Store) Create(ctx context.Context, d *disk.Disk) error {
	if d.Format != disk.FormatRBD {
		return apierror.Errorf(apierror.ErrInvalidFormat, "invalid format: %s", d.Format)
	}
	if d.Type != disk.TypeNormal {
		return apierror.Errorf(apierror.ErrInvalidKind, "invalid type: %s", d.Type)
	}
	if d.Size <= 0 {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "size of %s must be positive", d.Name)
	}
	if err := validateName(d.Name); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("image", path(d.Dir, d.Name)).Int64("size", d.Size).Msg("Creating ceph block")
	return s.withPool(ctx, d.Dir, func(p rbd.Pool) error {
		if err := p.CreateImage(d.Name, uint64(d.Size)); err != nil {
			if errors.Is(err, rbd.ErrExist) {
				return apierror.Wrapf(apierror.ErrAlreadyExists, err, "ceph image already exists: %s", path(d.Dir, d.Name))
			}
			return err
		}
		got, err := inspect(p, d.Dir, d.Name)
		if err != nil {
			return err
		}
		d.Size, d.ActualSize = got.Size, got.ActualSize
		return nil
	})
}

// Get 读取镜像
func (s *Store) Get(ctx context.Context, pool, name string) (*disk.Disk, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	var d *disk.Disk
	err := s.withPool(ctx, pool, func(p rbd.Pool) error {
		var err error
		d, err = inspect(p, pool, name)
		return err
	})
	return d, err
}

// List 枚举存储池中的镜像，跳过回收站镜像，单个镜像失败时跳过并记录日志
func (s *Store) List(ctx context.Context, pool string) ([]*disk.Disk, error) {
	logger := zerolog.Ctx(ctx)
	disks := make([]*disk.Disk, 0)
	err := s.withPool(ctx, pool, func(p rbd.Pool) error {
		names, err := p.ImageNames()
		if err != nil {
			return err
		}
		for _, name := range names {
			if strings.HasPrefix(name, trashPrefix) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := inspect(p, pool, name)
			if err != nil {
				logger.Warn().Err(err).Str("pool", pool).Str("name", name).Msg("Skip image that failed inspection")
				continue
			}
			disks = append(disks, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return disks, nil
}

// Checksum 按偏移顺序读取镜像计算摘要
func (s *Store) Checksum(ctx context.Context, task disk.Task, d *disk.Disk) (digest.Digest, error) {
	var sum digest.Digest
	err := s.withPool(ctx, d.Dir, func(p rbd.Pool) error {
		return rbd.WithImage(p, d.Name, func(img rbd.Image) error {
			st, err := img.Stat()
			if err != nil {
				return err
			}
			size := int64(st.Size)
			sum, err = disk.Checksum(ctx, task, io.NewSectionReader(img, 0, size), size)
			return err
		})
	})
	return sum, notFound(err, d.Dir, d.Name)
}

// Delete 解除保护并删除全部快照后删除镜像，镜像不存在时直接返回
func (s *Store) Delete(ctx context.Context, d *disk.Disk) error {
	zerolog.Ctx(ctx).Info().Str("image", path(d.Dir, d.Name)).Msg("Deleting ceph block")
	return s.withPool(ctx, d.Dir, func(p rbd.Pool) error {
		return purge(p, d.Name)
	})
}

// purge 永久删除镜像及其快照
func purge(p rbd.Pool, name string) error {
	err := rbd.WithImage(p, name, func(img rbd.Image) error {
		snaps, err := img.Snapshots()
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			protected, err := img.SnapshotProtected(snap)
			if err != nil {
				return err
			}
			if protected {
				if err := img.UnprotectSnapshot(snap); err != nil {
					return fmt.Errorf("unprotect %s@%s: %w", name, snap, err)
				}
			}
			if err := img.RemoveSnapshot(snap); err != nil {
				return fmt.Errorf("remove %s@%s: %w", name, snap, err)
			}
		}
		return nil
	})
	if err == nil {
		err = p.RemoveImage(name)
	}
	if errors.Is(err, rbd.ErrNotFound) {
		return nil
	}
	return err
}

// Snapshot 从 base 的受保护快照克隆出子镜像
// base 还没有参考快照时先创建并保护
func (s *Store) Snapshot(ctx context.Context, d *disk.Disk) error {
	if d.Type != disk.TypeSnapshot {
		return apierror.Errorf(apierror.ErrInvalidKind, "invalid type: %s", d.Type)
	}
	if d.Format != disk.FormatRBD {
		return apierror.Errorf(apierror.ErrInvalidFormat, "invalid format: %s", d.Format)
	}
	if err := validateName(d.Name); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("image", path(d.Dir, d.Name)).
		Str("base", path(d.Dir, d.BaseName)).
		Msg("Snapshot ceph block")
	return s.withPool(ctx, d.Dir, func(p rbd.Pool) error {
		if err := ensureAbsent(p, d.Dir, d.Name); err != nil {
			return err
		}
		err := rbd.WithImage(p, d.BaseName, ensureReferenceSnapshot)
		if err != nil {
			return notFound(err, d.Dir, d.BaseName)
		}
		if err := p.Clone(d.BaseName, SnapshotName, d.Name); err != nil {
			if errors.Is(err, rbd.ErrExist) {
				return apierror.Wrapf(apierror.ErrAlreadyExists, err, "ceph image already exists: %s", path(d.Dir, d.Name))
			}
			return err
		}
		got, err := inspect(p, d.Dir, d.Name)
		if err != nil {
			return err
		}
		d.Size, d.ActualSize = got.Size, got.ActualSize
		return nil
	})
}

// ensureReferenceSnapshot 确保镜像上存在受保护的 SnapshotName 快照
func ensureReferenceSnapshot(img rbd.Image) error {
	snaps, err := img.Snapshots()
	if err != nil {
		return err
	}
	found := false
	for _, snap := range snaps {
		if snap == SnapshotName {
			found = true
			break
		}
	}
	if !found {
		if err := img.CreateSnapshot(SnapshotName); err != nil {
			return err
		}
	}
	protected, err := img.SnapshotProtected(SnapshotName)
	if err != nil {
		return err
	}
	if !protected {
		return img.ProtectSnapshot(SnapshotName)
	}
	return nil
}
