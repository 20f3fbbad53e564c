package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/storagedriver/internal/storagedriver/entity"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/ginx"
	"github.com/rs/zerolog"
)

// DiskServiceInterface 定义磁盘服务的接口
type DiskServiceInterface interface {
	CreateDisk(ctx context.Context, d *disk.Disk) (*disk.Disk, error)
	GetDisk(ctx context.Context, d *disk.Disk) (*disk.Disk, error)
	ListDisks(ctx context.Context, kind disk.BackendKind, dir string) ([]*disk.Disk, error)
	DeleteDisk(ctx context.Context, d *disk.Disk) error
	SnapshotDisk(ctx context.Context, d *disk.Disk) (*disk.Disk, error)
	DownloadDisk(ctx context.Context, d *disk.Disk, url string) (*entity.Task, error)
	MergeDisk(ctx context.Context, src, dst *disk.Disk) (*entity.Task, error)
	ChecksumDisk(ctx context.Context, d *disk.Disk) (*entity.Task, error)
}

type Disk struct {
	diskService DiskServiceInterface
}

func NewDisk(diskService DiskServiceInterface) *Disk {
	return &Disk{
		diskService: diskService,
	}
}

func (d *Disk) RegisterRoutes(router *gin.RouterGroup) {
	diskRouter := router.Group("/disks")
	diskRouter.POST("/create", ginx.Adapt5(d.CreateDisk))
	diskRouter.POST("/describe", ginx.Adapt5(d.DescribeDisk))
	diskRouter.POST("/list", ginx.Adapt5(d.ListDisks))
	diskRouter.POST("/delete", ginx.Adapt4(d.DeleteDisk))
	diskRouter.POST("/snapshot", ginx.Adapt5(d.SnapshotDisk))
	diskRouter.POST("/download", ginx.Adapt5(d.DownloadDisk))
	diskRouter.POST("/merge", ginx.Adapt5(d.MergeDisk))
	diskRouter.POST("/checksum", ginx.Adapt5(d.ChecksumDisk))
}

func (d *Disk) CreateDisk(ctx *gin.Context, req *entity.DiskRequest) (*entity.DiskResponse, error) {
	logger := zerolog.Ctx(ctx.Request.Context())
	logger.Info().Str("disk", req.Disk.Key()).Msg("CreateDisk called")

	created, err := d.diskService.CreateDisk(ctx.Request.Context(), req.Disk)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create disk")
		return nil, err
	}
	return &entity.DiskResponse{Disk: created}, nil
}

func (d *Disk) DescribeDisk(ctx *gin.Context, req *entity.DiskRequest) (*entity.DiskResponse, error) {
	got, err := d.diskService.GetDisk(ctx.Request.Context(), req.Disk)
	if err != nil {
		return nil, err
	}
	return &entity.DiskResponse{Disk: got}, nil
}

func (d *Disk) ListDisks(ctx *gin.Context, req *entity.ListDisksRequest) (*entity.ListDisksResponse, error) {
	disks, err := d.diskService.ListDisks(ctx.Request.Context(), req.Backend, req.Dir)
	if err != nil {
		return nil, err
	}
	return &entity.ListDisksResponse{Disks: disks}, nil
}

func (d *Disk) DeleteDisk(ctx *gin.Context, req *entity.DiskRequest) error {
	logger := zerolog.Ctx(ctx.Request.Context())
	logger.Info().Str("disk", req.Disk.Key()).Msg("DeleteDisk called")

	if err := d.diskService.DeleteDisk(ctx.Request.Context(), req.Disk); err != nil {
		logger.Error().Err(err).Msg("Failed to delete disk")
		return err
	}
	return nil
}

func (d *Disk) SnapshotDisk(ctx *gin.Context, req *entity.DiskRequest) (*entity.DiskResponse, error) {
	logger := zerolog.Ctx(ctx.Request.Context())
	logger.Info().
		Str("disk", req.Disk.Key()).
		Str("base", req.Disk.BaseName).
		Msg("SnapshotDisk called")

	snap, err := d.diskService.SnapshotDisk(ctx.Request.Context(), req.Disk)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create snapshot")
		return nil, err
	}
	return &entity.DiskResponse{Disk: snap}, nil
}

func (d *Disk) DownloadDisk(ctx *gin.Context, req *entity.DownloadDiskRequest) (*entity.TaskResponse, error) {
	logger := zerolog.Ctx(ctx.Request.Context())
	logger.Info().
		Str("disk", req.Disk.Key()).
		Str("url", req.URL).
		Msg("DownloadDisk called")

	task, err := d.diskService.DownloadDisk(ctx.Request.Context(), req.Disk, req.URL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start download")
		return nil, err
	}
	logger.Info().Str("task_id", task.ID).Msg("Download task started")
	return &entity.TaskResponse{Task: task}, nil
}

func (d *Disk) MergeDisk(ctx *gin.Context, req *entity.MergeDiskRequest) (*entity.TaskResponse, error) {
	logger := zerolog.Ctx(ctx.Request.Context())
	logger.Info().
		Str("source", req.Source.Key()).
		Str("target", req.Target.Key()).
		Msg("MergeDisk called")

	task, err := d.diskService.MergeDisk(ctx.Request.Context(), req.Source, req.Target)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start merge")
		return nil, err
	}
	logger.Info().Str("task_id", task.ID).Msg("Merge task started")
	return &entity.TaskResponse{Task: task}, nil
}

func (d *Disk) ChecksumDisk(ctx *gin.Context, req *entity.DiskRequest) (*entity.TaskResponse, error) {
	task, err := d.diskService.ChecksumDisk(ctx.Request.Context(), req.Disk)
	if err != nil {
		return nil, err
	}
	return &entity.TaskResponse{Task: task}, nil
}
