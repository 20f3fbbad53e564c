// Package trash 实现与后端无关的软删除、恢复和按剩余空间回收
package trash

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/rs/zerolog"
)

// Entry 回收站中的一个镜像
type Entry struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	TrashedAt time.Time `json:"trashed_at"`
}

// SpaceStat 剩余空间
// 文件后端为容器所在文件系统，集群后端为整个集群
type SpaceStat struct {
	FreeBytes   uint64  `json:"free_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreePercent float64 `json:"free_percent"`
}

// NewSpaceStat 根据剩余和总量计算百分比
func NewSpaceStat(free, total uint64) SpaceStat {
	st := SpaceStat{FreeBytes: free, TotalBytes: total}
	if total > 0 {
		st.FreePercent = float64(free) * 100 / float64(total)
	}
	return st
}

// Backend 后端提供的回收站原语
type Backend interface {
	// Exists 判断 container 中是否存在名为 name 的在用镜像
	Exists(ctx context.Context, container, name string) (bool, error)
	// MoveIn 把在用镜像原子地移入回收站
	MoveIn(ctx context.Context, container, name string) error
	// MoveOut 把回收站中的镜像移回，不覆盖在用镜像，同名在用镜像存在时返回 AlreadyExists
	MoveOut(ctx context.Context, container, name string) error
	// Purge 永久删除回收站中的镜像，不存在时返回成功
	Purge(ctx context.Context, container, name string) error
	List(ctx context.Context, container string) ([]Entry, error)
	FreeSpace(ctx context.Context, container string) (SpaceStat, error)
}

// Manager 回收站策略
type Manager struct {
	backend Backend
}

// New 创建 Manager
func New(backend Backend) *Manager {
	return &Manager{backend: backend}
}

// MoveToTrash 把镜像移入回收站，回收站目录按需创建
func (m *Manager) MoveToTrash(ctx context.Context, container, name string) error {
	exists, err := m.backend.Exists(ctx, container, name)
	if err != nil {
		return err
	}
	if !exists {
		return apierror.Errorf(apierror.ErrNotFound, "%s/%s not found", container, name)
	}
	if err := m.backend.MoveIn(ctx, container, name); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("container", container).Str("name", name).Msg("Image moved to trash")
	return nil
}

// RecoverFromTrash 把镜像移回；同名在用镜像存在时返回 false 且不做任何修改
func (m *Manager) RecoverFromTrash(ctx context.Context, container, name string) (bool, error) {
	exists, err := m.backend.Exists(ctx, container, name)
	if err != nil {
		return false, err
	}
	if exists {
		zerolog.Ctx(ctx).Info().Str("container", container).Str("name", name).
			Msg("Live image with the same name exists, skip recovery")
		return false, nil
	}
	if err := m.backend.MoveOut(ctx, container, name); err != nil {
		// 检查之后出现了同名在用镜像
		if errors.Is(err, apierror.ErrAlreadyExists) {
			zerolog.Ctx(ctx).Info().Str("container", container).Str("name", name).
				Msg("Live image appeared during recovery, skip recovery")
			return false, nil
		}
		return false, err
	}
	zerolog.Ctx(ctx).Info().Str("container", container).Str("name", name).Msg("Image recovered from trash")
	return true, nil
}

// List 列出回收站内容
func (m *Manager) List(ctx context.Context, container string) ([]Entry, error) {
	return m.backend.List(ctx, container)
}

// FreeSpaceStat 查询剩余空间
func (m *Manager) FreeSpaceStat(ctx context.Context, container string) (SpaceStat, error) {
	return m.backend.FreeSpace(ctx, container)
}

// Candidates 返回按移入时间从旧到新排序的回收站镜像名
func (m *Manager) Candidates(ctx context.Context, container string) ([]string, error) {
	entries, err := m.backend.List(ctx, container)
	if err != nil {
		return nil, err
	}
	SortOldestFirst(entries)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// MakeFreeSpace 按给定顺序逐个永久删除 candidates，直到剩余空间百分比不低于 target
// 不会对 candidates 重新排序；候选耗尽仍未达标时返回 InsufficientReclaimableSpace，
// 已删除的镜像在两种情况下都会返回
func (m *Manager) MakeFreeSpace(ctx context.Context, container string, candidates []string, target float64) ([]string, error) {
	logger := zerolog.Ctx(ctx)
	purged := make([]string, 0)
	next := 0
	for {
		st, err := m.backend.FreeSpace(ctx, container)
		if err != nil {
			return purged, err
		}
		if st.FreePercent >= target {
			logger.Info().
				Str("container", container).
				Float64("free_percent", st.FreePercent).
				Str("free", humanize.IBytes(st.FreeBytes)).
				Int("purged", len(purged)).
				Msg("Free space target reached")
			return purged, nil
		}
		if next >= len(candidates) {
			return purged, apierror.Errorf(apierror.ErrInsufficientReclaimableSpace,
				"free space %.2f%% is below %.2f%% after purging %d images", st.FreePercent, target, len(purged))
		}
		if err := ctx.Err(); err != nil {
			return purged, apierror.WrapError(apierror.ErrAborted, "reclaim aborted", err)
		}

		name := candidates[next]
		next++
		if err := m.backend.Purge(ctx, container, name); err != nil {
			return purged, err
		}
		purged = append(purged, name)
		logger.Info().Str("container", container).Str("name", name).Msg("Trashed image purged")
	}
}

// SortOldestFirst 按移入时间升序排序，时间相同按名字
func SortOldestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TrashedAt.Equal(entries[j].TrashedAt) {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].TrashedAt.Before(entries[j].TrashedAt)
	})
}
