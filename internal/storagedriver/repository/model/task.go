package model

import (
	"time"

	"gorm.io/gorm"
)

// Task 任务表
type Task struct {
	ID      string `gorm:"primaryKey;type:text;column:id" json:"id"` // task-{递增 ID}
	Kind    string `gorm:"type:text;not null;column:kind" json:"kind"`
	Status  string `gorm:"type:text;not null;index:idx_tasks_status;column:status" json:"status"`
	Backend string `gorm:"type:text;not null;column:backend" json:"backend"`
	Dir     string `gorm:"type:text;not null;column:dir" json:"dir"`
	Name    string `gorm:"type:text;not null;column:name" json:"name"`
	Target  string `gorm:"type:text;column:target" json:"target"`
	URL     string `gorm:"type:text;column:url" json:"url"`

	ProgressBytes   int64  `gorm:"type:integer;not null;default:0;column:progress_bytes" json:"progress_bytes"`
	ProgressPercent int    `gorm:"type:integer;not null;default:0;column:progress_percent" json:"progress_percent"`
	ProgressExtra   string `gorm:"type:text;column:progress_extra" json:"progress_extra"` // JSON
	ResultJSON      string `gorm:"type:text;column:result" json:"result"`                 // JSON

	ErrorCode    string `gorm:"type:text;column:error_code" json:"error_code"`
	ErrorMessage string `gorm:"type:text;column:error_message" json:"error_message"`

	CreatedAt time.Time      `gorm:"type:datetime;not null;index:idx_tasks_created_at;column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"type:datetime;not null;index:idx_tasks_updated_at;column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"type:datetime;index:idx_tasks_deleted_at;column:deleted_at" json:"deleted_at,omitempty"`
}

// TableName 指定表名
func (Task) TableName() string {
	return "tasks"
}
