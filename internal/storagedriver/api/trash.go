package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/storagedriver/internal/storagedriver/entity"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/ginx"
	"github.com/jimyag/storagedriver/pkg/trash"
	"github.com/rs/zerolog"
)

// TrashServiceInterface 定义回收站相关操作
type TrashServiceInterface interface {
	MoveToTrash(ctx context.Context, kind disk.BackendKind, dir, name string) error
	RecoverFromTrash(ctx context.Context, kind disk.BackendKind, dir, name string) (bool, error)
	ListTrash(ctx context.Context, kind disk.BackendKind, dir string) ([]trash.Entry, error)
	FreeSpace(ctx context.Context, kind disk.BackendKind, dir string) (trash.SpaceStat, error)
	ReclaimSpace(ctx context.Context, kind disk.BackendKind, dir string, candidates []string, target *float64) (*entity.Task, error)
}

type Trash struct {
	trashService TrashServiceInterface
}

func NewTrash(trashService TrashServiceInterface) *Trash {
	return &Trash{trashService: trashService}
}

func (t *Trash) RegisterRoutes(router *gin.RouterGroup) {
	trashRouter := router.Group("/trash")
	trashRouter.POST("/move", ginx.Adapt4(t.MoveToTrash))
	trashRouter.POST("/recover", ginx.Adapt5(t.RecoverFromTrash))
	trashRouter.POST("/list", ginx.Adapt5(t.ListTrash))
	trashRouter.POST("/reclaim", ginx.Adapt5(t.ReclaimSpace))
	trashRouter.POST("/stat", ginx.Adapt5(t.FreeSpace))
}

func (t *Trash) MoveToTrash(ctx *gin.Context, req *entity.TrashRequest) error {
	logger := zerolog.Ctx(ctx.Request.Context())
	logger.Info().Str("dir", req.Dir).Str("name", req.Name).Msg("MoveToTrash called")

	if err := t.trashService.MoveToTrash(ctx.Request.Context(), req.Backend, req.Dir, req.Name); err != nil {
		logger.Error().Err(err).Msg("Failed to move image to trash")
		return err
	}
	return nil
}

func (t *Trash) RecoverFromTrash(ctx *gin.Context, req *entity.TrashRequest) (*entity.RecoverResponse, error) {
	logger := zerolog.Ctx(ctx.Request.Context())
	logger.Info().Str("dir", req.Dir).Str("name", req.Name).Msg("RecoverFromTrash called")

	recovered, err := t.trashService.RecoverFromTrash(ctx.Request.Context(), req.Backend, req.Dir, req.Name)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to recover image")
		return nil, err
	}
	return &entity.RecoverResponse{Recovered: recovered}, nil
}

func (t *Trash) ListTrash(ctx *gin.Context, req *entity.ContainerRequest) (*entity.ListTrashResponse, error) {
	entries, err := t.trashService.ListTrash(ctx.Request.Context(), req.Backend, req.Dir)
	if err != nil {
		return nil, err
	}
	resp := &entity.ListTrashResponse{Entries: make([]entity.TrashEntry, 0, len(entries))}
	for _, e := range entries {
		item := entity.TrashEntry{Name: e.Name, Size: e.Size}
		if !e.TrashedAt.IsZero() {
			item.TrashedAt = e.TrashedAt.UTC().Format(time.RFC3339)
		}
		resp.Entries = append(resp.Entries, item)
	}
	return resp, nil
}

func (t *Trash) FreeSpace(ctx *gin.Context, req *entity.ContainerRequest) (*entity.FreeSpaceResponse, error) {
	st, err := t.trashService.FreeSpace(ctx.Request.Context(), req.Backend, req.Dir)
	if err != nil {
		return nil, err
	}
	return &entity.FreeSpaceResponse{
		FreeBytes:   st.FreeBytes,
		TotalBytes:  st.TotalBytes,
		FreePercent: st.FreePercent,
	}, nil
}

func (t *Trash) ReclaimSpace(ctx *gin.Context, req *entity.ReclaimRequest) (*entity.TaskResponse, error) {
	logger := zerolog.Ctx(ctx.Request.Context())
	logger.Info().
		Str("dir", req.Dir).
		Strs("candidates", req.Candidates).
		Msg("ReclaimSpace called")

	task, err := t.trashService.ReclaimSpace(ctx.Request.Context(), req.Backend, req.Dir, req.Candidates, req.TargetFreePercent)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start reclaim")
		return nil, err
	}
	return &entity.TaskResponse{Task: task}, nil
}
