package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jimyag/storagedriver/internal/storagedriver/repository/model"
	"gorm.io/gorm"
)

// ErrRecordNotFound 记录不存在
var ErrRecordNotFound = gorm.ErrRecordNotFound

var finishedStatuses = []string{"completed", "failed", "aborted"}

// TaskRepository 任务仓库接口
type TaskRepository interface {
	Create(ctx context.Context, task *model.Task) error
	Update(ctx context.Context, task *model.Task) error
	GetByID(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, filters map[string]interface{}) ([]*model.Task, error)
	// DeleteFinishedBefore 硬删除在 before 之前结束的任务
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
	// MarkInterrupted 把上次进程遗留的未结束任务标记为失败
	MarkInterrupted(ctx context.Context, code, message string) (int64, error)
}

type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository 创建任务仓库
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Create(ctx context.Context, task *model.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepository) Update(ctx context.Context, task *model.Task) error {
	return r.db.WithContext(ctx).Save(task).Error
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// List 按创建时间倒序列出任务，支持 status / kind / backend / dir 过滤
func (r *taskRepository) List(ctx context.Context, filters map[string]interface{}) ([]*model.Task, error) {
	var tasks []*model.Task
	query := r.db.WithContext(ctx).Model(&model.Task{})
	for _, key := range []string{"status", "kind", "backend", "dir"} {
		if v, ok := filters[key]; ok {
			query = query.Where(key+" = ?", v)
		}
	}
	if err := query.Order("created_at DESC").Order("id DESC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Unscoped().
		Where("status IN ? AND updated_at < ?", finishedStatuses, before).
		Delete(&model.Task{})
	return res.RowsAffected, res.Error
}

func (r *taskRepository) MarkInterrupted(ctx context.Context, code, message string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("status IN ?", []string{"pending", "running"}).
		Updates(map[string]interface{}{
			"status":        "failed",
			"error_code":    code,
			"error_message": message,
			"updated_at":    time.Now(),
		})
	return res.RowsAffected, res.Error
}

// IsNotFound 判断是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
