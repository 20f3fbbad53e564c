package entity

import (
	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
)

// DiskRequest 针对单个磁盘的请求（create / describe / delete / snapshot / checksum）
type DiskRequest struct {
	Disk *disk.Disk `json:"disk"`
}

func (r *DiskRequest) IsValid() error {
	if r.Disk == nil {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "disk is required")
	}
	return nil
}

// DiskResponse 单个磁盘响应
type DiskResponse struct {
	Disk *disk.Disk `json:"disk"`
}

// ListDisksRequest 列出容器中的磁盘
type ListDisksRequest struct {
	Backend disk.BackendKind `json:"data_store_type"`
	Dir     string           `json:"dir"`
}

func (r *ListDisksRequest) IsValid() error {
	return validateContainer(r.Backend, r.Dir)
}

// ListDisksResponse 磁盘列表响应
type ListDisksResponse struct {
	Disks []*disk.Disk `json:"disks"`
}

// DownloadDiskRequest 下载请求，disk.format 由下载内容决定
type DownloadDiskRequest struct {
	Disk *disk.Disk `json:"disk"`
	URL  string     `json:"url"`
}

func (r *DownloadDiskRequest) IsValid() error {
	if r.Disk == nil {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "disk is required")
	}
	if r.URL == "" {
		return apierror.Errorf(apierror.ErrInvalidParameter, "url is required")
	}
	return nil
}

// MergeDiskRequest 合并请求，target.format 为空时沿用源格式
type MergeDiskRequest struct {
	Source *disk.Disk `json:"source"`
	Target *disk.Disk `json:"target"`
}

func (r *MergeDiskRequest) IsValid() error {
	if r.Source == nil || r.Target == nil {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "source and target are required")
	}
	if r.Source.Backend != r.Target.Backend || r.Source.Dir != r.Target.Dir {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "source and target must share backend and dir")
	}
	return nil
}

func validateContainer(backend disk.BackendKind, dir string) error {
	if !backend.Valid() {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "unknown data_store_type %q", backend)
	}
	if dir == "" {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "dir is required")
	}
	return nil
}
