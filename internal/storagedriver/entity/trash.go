package entity

import (
	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
)

// TrashRequest 移入或恢复单个镜像
type TrashRequest struct {
	Backend disk.BackendKind `json:"data_store_type"`
	Dir     string           `json:"dir"`
	Name    string           `json:"name"`
}

func (r *TrashRequest) IsValid() error {
	if err := validateContainer(r.Backend, r.Dir); err != nil {
		return err
	}
	return disk.ValidateName(r.Name)
}

// RecoverResponse 恢复结果，同名在用镜像存在时 Recovered 为 false
type RecoverResponse struct {
	Recovered bool `json:"recovered"`
}

// ContainerRequest 针对整个容器的请求（trash list / stat）
type ContainerRequest struct {
	Backend disk.BackendKind `json:"data_store_type"`
	Dir     string           `json:"dir"`
}

func (r *ContainerRequest) IsValid() error {
	return validateContainer(r.Backend, r.Dir)
}

// TrashEntry 回收站条目
type TrashEntry struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	TrashedAt string `json:"trashed_at,omitempty"`
}

// ListTrashResponse 回收站列表响应
type ListTrashResponse struct {
	Entries []TrashEntry `json:"entries"`
}

// ReclaimRequest 回收空间请求
// Candidates 为空时按移入时间从旧到新使用整个回收站；TargetFreePercent 为空时使用配置值
type ReclaimRequest struct {
	Backend           disk.BackendKind `json:"data_store_type"`
	Dir               string           `json:"dir"`
	Candidates        []string         `json:"candidates,omitempty"`
	TargetFreePercent *float64         `json:"target_free_percent,omitempty"`
}

func (r *ReclaimRequest) IsValid() error {
	if err := validateContainer(r.Backend, r.Dir); err != nil {
		return err
	}
	if p := r.TargetFreePercent; p != nil && (*p < 0 || *p > 100) {
		return apierror.Errorf(apierror.ErrInvalidParameter, "target_free_percent must be within [0, 100]")
	}
	return nil
}

// FreeSpaceResponse 空闲空间，集群后端为整个集群的统计
type FreeSpaceResponse struct {
	FreeBytes   uint64  `json:"free_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreePercent float64 `json:"free_percent"`
}
