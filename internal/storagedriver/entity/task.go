package entity

import "github.com/jimyag/storagedriver/pkg/disk"

// TaskKind 长任务类型
type TaskKind string

const (
	TaskKindDownload TaskKind = "download"
	TaskKindMerge    TaskKind = "merge"
	TaskKindChecksum TaskKind = "checksum"
	TaskKindReclaim  TaskKind = "reclaim"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusAborted   TaskStatus = "aborted"
)

// Finished 任务是否已结束
func (s TaskStatus) Finished() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusAborted
}

// Task 任务信息
type Task struct {
	ID      string     `json:"id"` // task-{递增 ID}
	Kind    TaskKind   `json:"kind"`
	Status  TaskStatus `json:"status"`
	Backend string     `json:"data_store_type"`
	Dir     string     `json:"dir"`
	Name    string     `json:"name"`
	// Target 合并目标名
	Target string `json:"target,omitempty"`
	URL    string `json:"url,omitempty"`

	Progress disk.Progress `json:"progress"`
	Result   *TaskResult   `json:"result,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// TaskResult 任务成功时的结果，按任务类型填充其中一项
type TaskResult struct {
	Disk   *disk.Disk `json:"disk,omitempty"`
	Digest string     `json:"digest,omitempty"`
	Purged []string   `json:"purged,omitempty"`
}

// DescribeTaskRequest 查询任务请求
type DescribeTaskRequest struct {
	TaskID string `json:"task_id"`
}

// ListTasksRequest 列出任务请求，Status 为空时返回全部
type ListTasksRequest struct {
	Status TaskStatus `json:"status,omitempty"`
}

// AbortTaskRequest 取消任务请求
type AbortTaskRequest struct {
	TaskID string `json:"task_id"`
}

// TaskResponse 单个任务响应
type TaskResponse struct {
	Task *Task `json:"task"`
}

// ListTasksResponse 任务列表响应
type ListTasksResponse struct {
	Tasks []*Task `json:"tasks"`
}
