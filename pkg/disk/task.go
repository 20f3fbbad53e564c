package disk

import (
	"context"
	"math"
	"sync"
)

// Progress 进度记录
type Progress struct {
	Bytes   int64             `json:"size"`
	Percent int               `json:"percent"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Task 由执行器提供，携带取消检查和进度回调
type Task interface {
	// Aborted 返回 true 表示执行器要求取消
	Aborted() bool
	// Report 接收进度
	Report(p Progress)
}

// TaskFuncs 用函数实现 Task，未设置的函数视为不取消、丢弃进度
type TaskFuncs struct {
	AbortFunc  func() bool
	ReportFunc func(Progress)
}

func (t TaskFuncs) Aborted() bool {
	return t.AbortFunc != nil && t.AbortFunc()
}

func (t TaskFuncs) Report(p Progress) {
	if t.ReportFunc != nil {
		t.ReportFunc(p)
	}
}

// NopTask 不取消、不上报
var NopTask Task = TaskFuncs{}

// Tracker 在 Task 之上做单调合并上报：百分比只有增加时才上报
type Tracker struct {
	task Task

	mu      sync.Mutex
	total   int64
	percent int
	bytes   int64
	started bool
}

// NewTracker 创建 Tracker，task 为 nil 时使用 NopTask
func NewTracker(task Task) *Tracker {
	if task == nil {
		task = NopTask
	}
	return &Tracker{task: task}
}

// SetTotal 设置百分比的分母
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// Aborted 检查执行器取消标记和 ctx
func (t *Tracker) Aborted(ctx context.Context) bool {
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	return t.task.Aborted()
}

// Update 按 done/total 计算百分比，bytes 为已写入字节
func (t *Tracker) Update(done, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bytes > t.bytes {
		t.bytes = bytes
	}
	if t.total <= 0 {
		return
	}
	percent := int(math.Round(float64(done) * 100 / float64(t.total)))
	if percent > 100 {
		percent = 100
	}
	if percent > t.percent {
		t.percent = percent
		t.started = true
		t.task.Report(Progress{Bytes: t.bytes, Percent: t.percent})
	}
}

// Stage 上报带附加状态的进度，百分比不会低于已上报的值
func (t *Tracker) Stage(percent int, extra map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if percent < t.percent {
		percent = t.percent
	}
	t.percent = percent
	t.started = true
	t.task.Report(Progress{Bytes: t.bytes, Percent: t.percent, Extra: extra})
}

// Done 成功结束时上报 100
func (t *Tracker) Done(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bytes > t.bytes {
		t.bytes = bytes
	}
	if t.percent < 100 || !t.started {
		t.percent = 100
		t.started = true
		t.task.Report(Progress{Bytes: t.bytes, Percent: 100})
	}
}

// Percent 返回最近一次上报的百分比
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

// Bytes 返回已记录的字节数
func (t *Tracker) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}
