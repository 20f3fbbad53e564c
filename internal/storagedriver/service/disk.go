package service

import (
	"context"
	"path/filepath"

	"github.com/jimyag/storagedriver/internal/storagedriver/entity"
	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/trash"
	"github.com/rs/zerolog"
)

// Backend 一种存储后端的磁盘能力和回收站原语
type Backend struct {
	Disks disk.Backend
	Trash trash.Backend
}

type backendEntry struct {
	disks disk.Backend
	trash *trash.Manager
}

// DiskService 按 data_store_type 把请求分派到对应后端
// 下载、合并、校验和回收作为任务异步执行
type DiskService struct {
	backends          map[disk.BackendKind]*backendEntry
	tasks             *TaskManager
	targetFreePercent float64
}

// NewDiskService 创建磁盘服务
func NewDiskService(backends map[disk.BackendKind]Backend, tasks *TaskManager, targetFreePercent float64) *DiskService {
	s := &DiskService{
		backends:          make(map[disk.BackendKind]*backendEntry, len(backends)),
		tasks:             tasks,
		targetFreePercent: targetFreePercent,
	}
	for kind, b := range backends {
		s.backends[kind] = &backendEntry{disks: b.Disks, trash: trash.New(b.Trash)}
	}
	return s
}

// Tasks 返回任务管理器
func (s *DiskService) Tasks() *TaskManager {
	return s.tasks
}

func (s *DiskService) backend(kind disk.BackendKind) (*backendEntry, error) {
	b, ok := s.backends[kind]
	if !ok {
		if kind.Valid() {
			return nil, apierror.Errorf(apierror.ErrBackendUnavailable, "backend %s is not configured", kind)
		}
		return nil, apierror.Errorf(apierror.ErrInvalidDescriptor, "unknown data_store_type %q", kind)
	}
	return b, nil
}

// validateLocation 只校验定位镜像所需的字段，格式和类型由后端读取
func validateLocation(d *disk.Disk) error {
	if d == nil {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "disk is required")
	}
	if err := validateContainer(d.Backend, d.Dir); err != nil {
		return err
	}
	return disk.ValidateName(d.Name)
}

func validateContainer(kind disk.BackendKind, dir string) error {
	if !kind.Valid() {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "unknown data_store_type %q", kind)
	}
	if dir == "" {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "dir is required")
	}
	if kind == disk.BackendFile && !filepath.IsAbs(dir) {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "dir %q must be an absolute path", dir)
	}
	return nil
}

// ensureIdle 磁盘上有活跃任务时拒绝同步修改
func (s *DiskService) ensureIdle(d *disk.Disk) error {
	if id, busy := s.tasks.Busy(d.Key()); busy {
		return apierror.Errorf(apierror.ErrTaskInProgress, "task %s is running on %s", id, d.Key())
	}
	return nil
}

// CreateDisk 创建 Normal 镜像并返回后端读取到的描述符
func (s *DiskService) CreateDisk(ctx context.Context, d *disk.Disk) (*disk.Disk, error) {
	if d == nil {
		return nil, apierror.Errorf(apierror.ErrInvalidDescriptor, "disk is required")
	}
	if d.Type == "" {
		d.Type = disk.TypeNormal
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	b, err := s.backend(d.Backend)
	if err != nil {
		return nil, err
	}
	if err := s.ensureIdle(d); err != nil {
		return nil, err
	}
	if err := b.disks.Create(ctx, d); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("disk", d.String()).Msg("Disk created")
	return b.disks.Get(ctx, d.Dir, d.Name)
}

// GetDisk 读取镜像的权威信息
func (s *DiskService) GetDisk(ctx context.Context, d *disk.Disk) (*disk.Disk, error) {
	if err := validateLocation(d); err != nil {
		return nil, err
	}
	b, err := s.backend(d.Backend)
	if err != nil {
		return nil, err
	}
	return b.disks.Get(ctx, d.Dir, d.Name)
}

// ListDisks 列出容器中的镜像
func (s *DiskService) ListDisks(ctx context.Context, kind disk.BackendKind, dir string) ([]*disk.Disk, error) {
	if err := validateContainer(kind, dir); err != nil {
		return nil, err
	}
	b, err := s.backend(kind)
	if err != nil {
		return nil, err
	}
	disks, err := b.disks.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	if disks == nil {
		disks = []*disk.Disk{}
	}
	return disks, nil
}

// DeleteDisk 删除镜像，镜像不存在时也返回成功
func (s *DiskService) DeleteDisk(ctx context.Context, d *disk.Disk) error {
	if err := validateLocation(d); err != nil {
		return err
	}
	b, err := s.backend(d.Backend)
	if err != nil {
		return err
	}
	if err := s.ensureIdle(d); err != nil {
		return err
	}
	return b.disks.Delete(ctx, d)
}

// SnapshotDisk 基于 d.BaseName 创建快照
func (s *DiskService) SnapshotDisk(ctx context.Context, d *disk.Disk) (*disk.Disk, error) {
	if d == nil {
		return nil, apierror.Errorf(apierror.ErrInvalidDescriptor, "disk is required")
	}
	if d.Type == "" {
		d.Type = disk.TypeSnapshot
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	b, err := s.backend(d.Backend)
	if err != nil {
		return nil, err
	}
	if err := s.ensureIdle(d); err != nil {
		return nil, err
	}
	if err := b.disks.Snapshot(ctx, d); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("disk", d.String()).Msg("Snapshot created")
	return b.disks.Get(ctx, d.Dir, d.Name)
}

// DownloadDisk 启动下载任务，镜像格式由下载内容决定
func (s *DiskService) DownloadDisk(ctx context.Context, d *disk.Disk, url string) (*entity.Task, error) {
	if err := validateLocation(d); err != nil {
		return nil, err
	}
	if url == "" {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "url is required")
	}
	b, err := s.backend(d.Backend)
	if err != nil {
		return nil, err
	}
	target := *d
	target.Type = disk.TypeNormal
	target.BaseName = ""

	spec := TaskSpec{
		Kind:    entity.TaskKindDownload,
		Backend: d.Backend,
		Dir:     d.Dir,
		Name:    d.Name,
		URL:     url,
		Keys:    []string{d.Key()},
	}
	return s.tasks.Start(ctx, spec, func(ctx context.Context, task disk.Task) (*entity.TaskResult, error) {
		if err := b.disks.Download(ctx, task, &target, url); err != nil {
			return nil, err
		}
		got, err := b.disks.Get(ctx, target.Dir, target.Name)
		if err != nil {
			return nil, err
		}
		return &entity.TaskResult{Disk: got}, nil
	})
}

// MergeDisk 启动合并任务，把 src 与其 base 合并为独立镜像 dst
// dst.Format 为空时沿用源格式
func (s *DiskService) MergeDisk(ctx context.Context, src, dst *disk.Disk) (*entity.Task, error) {
	if err := validateLocation(src); err != nil {
		return nil, err
	}
	if err := validateLocation(dst); err != nil {
		return nil, err
	}
	if src.Backend != dst.Backend || src.Dir != dst.Dir {
		return nil, apierror.Errorf(apierror.ErrInvalidDescriptor, "source and target must share backend and dir")
	}
	if src.Name == dst.Name {
		return nil, apierror.Errorf(apierror.ErrAlreadyExists, "target %s is the source image", dst.Key())
	}
	if dst.Format != "" && !dst.Backend.Allows(dst.Format) {
		return nil, apierror.Errorf(apierror.ErrInvalidFormat, "format %q is not supported by %s", dst.Format, dst.Backend)
	}
	b, err := s.backend(src.Backend)
	if err != nil {
		return nil, err
	}
	target := src.Flattened(dst.Name, dst.Format)

	spec := TaskSpec{
		Kind:    entity.TaskKindMerge,
		Backend: src.Backend,
		Dir:     src.Dir,
		Name:    src.Name,
		Target:  dst.Name,
		Keys:    []string{src.Key(), dst.Key()},
	}
	return s.tasks.Start(ctx, spec, func(ctx context.Context, task disk.Task) (*entity.TaskResult, error) {
		cur, err := b.disks.Get(ctx, src.Dir, src.Name)
		if err != nil {
			return nil, err
		}
		if err := b.disks.Merge(ctx, task, cur, target); err != nil {
			return nil, err
		}
		got, err := b.disks.Get(ctx, target.Dir, target.Name)
		if err != nil {
			return nil, err
		}
		return &entity.TaskResult{Disk: got}, nil
	})
}

// ChecksumDisk 启动校验任务
func (s *DiskService) ChecksumDisk(ctx context.Context, d *disk.Disk) (*entity.Task, error) {
	if err := validateLocation(d); err != nil {
		return nil, err
	}
	b, err := s.backend(d.Backend)
	if err != nil {
		return nil, err
	}
	spec := TaskSpec{
		Kind:    entity.TaskKindChecksum,
		Backend: d.Backend,
		Dir:     d.Dir,
		Name:    d.Name,
		Keys:    []string{d.Key()},
	}
	return s.tasks.Start(ctx, spec, func(ctx context.Context, task disk.Task) (*entity.TaskResult, error) {
		cur, err := b.disks.Get(ctx, d.Dir, d.Name)
		if err != nil {
			return nil, err
		}
		dgst, err := b.disks.Checksum(ctx, task, cur)
		if err != nil {
			return nil, err
		}
		return &entity.TaskResult{Digest: dgst.String()}, nil
	})
}

// MoveToTrash 把镜像移入回收站
func (s *DiskService) MoveToTrash(ctx context.Context, kind disk.BackendKind, dir, name string) error {
	b, d, err := s.trashTarget(kind, dir, name)
	if err != nil {
		return err
	}
	if err := s.ensureIdle(d); err != nil {
		return err
	}
	return b.trash.MoveToTrash(ctx, dir, name)
}

// RecoverFromTrash 恢复镜像，同名在用镜像存在时返回 false
func (s *DiskService) RecoverFromTrash(ctx context.Context, kind disk.BackendKind, dir, name string) (bool, error) {
	b, d, err := s.trashTarget(kind, dir, name)
	if err != nil {
		return false, err
	}
	if err := s.ensureIdle(d); err != nil {
		return false, err
	}
	return b.trash.RecoverFromTrash(ctx, dir, name)
}

func (s *DiskService) trashTarget(kind disk.BackendKind, dir, name string) (*backendEntry, *disk.Disk, error) {
	d := &disk.Disk{Name: name, Dir: dir, Backend: kind}
	if err := validateLocation(d); err != nil {
		return nil, nil, err
	}
	b, err := s.backend(kind)
	if err != nil {
		return nil, nil, err
	}
	return b, d, nil
}

// ListTrash 按移入时间从旧到新列出回收站
func (s *DiskService) ListTrash(ctx context.Context, kind disk.BackendKind, dir string) ([]trash.Entry, error) {
	if err := validateContainer(kind, dir); err != nil {
		return nil, err
	}
	b, err := s.backend(kind)
	if err != nil {
		return nil, err
	}
	entries, err := b.trash.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []trash.Entry{}
	}
	trash.SortOldestFirst(entries)
	return entries, nil
}

// FreeSpace 查询剩余空间
func (s *DiskService) FreeSpace(ctx context.Context, kind disk.BackendKind, dir string) (trash.SpaceStat, error) {
	if err := validateContainer(kind, dir); err != nil {
		return trash.SpaceStat{}, err
	}
	b, err := s.backend(kind)
	if err != nil {
		return trash.SpaceStat{}, err
	}
	return b.trash.FreeSpaceStat(ctx, dir)
}

// ReclaimSpace 启动回收任务
// candidates 为空时使用整个回收站（从旧到新）；target 为 nil 时使用配置值
// 任务失败时结果中仍记录已清除的镜像
func (s *DiskService) ReclaimSpace(ctx context.Context, kind disk.BackendKind, dir string, candidates []string, target *float64) (*entity.Task, error) {
	if err := validateContainer(kind, dir); err != nil {
		return nil, err
	}
	b, err := s.backend(kind)
	if err != nil {
		return nil, err
	}
	percent := s.targetFreePercent
	if target != nil {
		percent = *target
	}
	if percent < 0 || percent > 100 {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "target_free_percent must be within [0, 100]")
	}

	spec := TaskSpec{
		Kind:    entity.TaskKindReclaim,
		Backend: kind,
		Dir:     dir,
		Keys:    []string{"trash:" + string(kind) + ":" + dir},
	}
	return s.tasks.Start(ctx, spec, func(ctx context.Context, task disk.Task) (*entity.TaskResult, error) {
		names := candidates
		if len(names) == 0 {
			var err error
			if names, err = b.trash.Candidates(ctx, dir); err != nil {
				return nil, err
			}
		}
		purged, err := b.trash.MakeFreeSpace(ctx, dir, names, percent)
		if err != nil {
			if len(purged) == 0 {
				return nil, err
			}
			zerolog.Ctx(ctx).Warn().Strs("purged", purged).Msg("Reclaim stopped after purging images")
			return &entity.TaskResult{Purged: purged}, err
		}
		return &entity.TaskResult{Purged: purged}, nil
	})
}
