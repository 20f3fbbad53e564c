package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/storagedriver/internal/storagedriver/entity"
	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/ginx"
	"github.com/rs/zerolog"
)

// TaskServiceInterface 定义任务查询和取消
type TaskServiceInterface interface {
	GetTask(ctx context.Context, id string) (*entity.Task, error)
	ListTasks(ctx context.Context, status entity.TaskStatus) ([]*entity.Task, error)
	AbortTask(ctx context.Context, id string) (*entity.Task, error)
}

type Task struct {
	taskService TaskServiceInterface
}

func NewTask(taskService TaskServiceInterface) *Task {
	return &Task{taskService: taskService}
}

func (t *Task) RegisterRoutes(router *gin.RouterGroup) {
	taskRouter := router.Group("/tasks")
	taskRouter.POST("/describe", ginx.Adapt5(t.DescribeTask))
	taskRouter.POST("/list", ginx.Adapt5(t.ListTasks))
	taskRouter.POST("/abort", ginx.Adapt5(t.AbortTask))
}

func (t *Task) DescribeTask(ctx *gin.Context, req *entity.DescribeTaskRequest) (*entity.TaskResponse, error) {
	if req.TaskID == "" {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "task_id is required")
	}
	task, err := t.taskService.GetTask(ctx.Request.Context(), req.TaskID)
	if err != nil {
		return nil, err
	}
	return &entity.TaskResponse{Task: task}, nil
}

func (t *Task) ListTasks(ctx *gin.Context, req *entity.ListTasksRequest) (*entity.ListTasksResponse, error) {
	tasks, err := t.taskService.ListTasks(ctx.Request.Context(), req.Status)
	if err != nil {
		return nil, err
	}
	return &entity.ListTasksResponse{Tasks: tasks}, nil
}

func (t *Task) AbortTask(ctx *gin.Context, req *entity.AbortTaskRequest) (*entity.TaskResponse, error) {
	if req.TaskID == "" {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "task_id is required")
	}
	logger := zerolog.Ctx(ctx.Request.Context())
	logger.Info().Str("task_id", req.TaskID).Msg("AbortTask called")

	task, err := t.taskService.AbortTask(ctx.Request.Context(), req.TaskID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to abort task")
		return nil, err
	}
	return &entity.TaskResponse{Task: task}, nil
}
