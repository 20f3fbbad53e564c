package service

import (
	"encoding/json"
	"time"

	"github.com/jimyag/storagedriver/internal/storagedriver/entity"
	"github.com/jimyag/storagedriver/internal/storagedriver/repository/model"
	"github.com/jinzhu/copier"
)

// taskEntityToModel 将 entity.Task 转换为 model.Task
func taskEntityToModel(e *entity.Task) (*model.Task, error) {
	m := &model.Task{}
	if err := copier.Copy(m, e); err != nil {
		return nil, err
	}

	m.ProgressBytes = e.Progress.Bytes
	m.ProgressPercent = e.Progress.Percent
	m.ProgressExtra = ""
	if len(e.Progress.Extra) > 0 {
		extra, err := json.Marshal(e.Progress.Extra)
		if err != nil {
			return nil, err
		}
		m.ProgressExtra = string(extra)
	}
	m.ResultJSON = ""
	if e.Result != nil {
		result, err := json.Marshal(e.Result)
		if err != nil {
			return nil, err
		}
		m.ResultJSON = string(result)
	}

	// 处理时间字段
	m.CreatedAt = parseTime(e.CreatedAt)
	m.UpdatedAt = parseTime(e.UpdatedAt)
	return m, nil
}

// taskModelToEntity 将 model.Task 转换为 entity.Task
func taskModelToEntity(m *model.Task) (*entity.Task, error) {
	e := &entity.Task{}
	if err := copier.Copy(e, m); err != nil {
		return nil, err
	}

	e.Progress.Bytes = m.ProgressBytes
	e.Progress.Percent = m.ProgressPercent
	if m.ProgressExtra != "" {
		if err := json.Unmarshal([]byte(m.ProgressExtra), &e.Progress.Extra); err != nil {
			return nil, err
		}
	}
	e.Result = nil
	if m.ResultJSON != "" {
		e.Result = &entity.TaskResult{}
		if err := json.Unmarshal([]byte(m.ResultJSON), e.Result); err != nil {
			return nil, err
		}
	}

	e.CreatedAt = m.CreatedAt.Format(time.RFC3339Nano)
	e.UpdatedAt = m.UpdatedAt.Format(time.RFC3339Nano)
	return e, nil
}

func parseTime(s string) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Now()
}
