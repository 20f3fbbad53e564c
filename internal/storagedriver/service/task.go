// Package service 提供磁盘操作和长任务的业务逻辑
package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jimyag/storagedriver/internal/storagedriver/entity"
	"github.com/jimyag/storagedriver/internal/storagedriver/repository"
	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/idgen"
	"github.com/rs/zerolog"
)

const (
	DefaultTaskCacheSize = 256
	DefaultTaskRetention = 24 * time.Hour
)

// TaskFunc 任务体，task 提供取消检查和进度上报
type TaskFunc func(ctx context.Context, task disk.Task) (*entity.TaskResult, error)

// TaskSpec 新任务的描述
type TaskSpec struct {
	Kind    entity.TaskKind
	Backend disk.BackendKind
	Dir     string
	Name    string
	Target  string
	URL     string
	// Keys 任务占用的磁盘，同一磁盘同时只能有一个活跃任务
	Keys []string
}

// TaskManagerOptions TaskManager 参数
type TaskManagerOptions struct {
	// Repo 为 nil 时只在内存中保留任务
	Repo      repository.TaskRepository
	CacheSize int
	Retention time.Duration
	IDGen     *idgen.Generator
}

// TaskManager 为每个长任务启动一个 goroutine，取消即 abort
type TaskManager struct {
	mu       sync.Mutex
	active   map[string]*runningTask // key: taskID
	byDisk   map[string]string       // key: disk key -> taskID
	finished *lru.Cache[string, *entity.Task]

	repo      repository.TaskRepository
	retention time.Duration
	ids       *idgen.Generator
	wg        sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once
}

type runningTask struct {
	task    *entity.Task
	keys    []string
	cancel  context.CancelFunc
	aborted atomic.Bool
	done    chan struct{}
}

// NewTaskManager 创建任务管理器
func NewTaskManager(opts TaskManagerOptions) (*TaskManager, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultTaskCacheSize
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultTaskRetention
	}
	if opts.IDGen == nil {
		opts.IDGen = idgen.DefaultGenerator()
	}
	cache, err := lru.New[string, *entity.Task](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &TaskManager{
		active:    make(map[string]*runningTask),
		byDisk:    make(map[string]string),
		finished:  cache,
		repo:      opts.Repo,
		retention: opts.Retention,
		ids:       opts.IDGen,
		stop:      make(chan struct{}),
	}, nil
}

// Recover 把上次进程遗留的未结束任务标记为失败
func (m *TaskManager) Recover(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	n, err := m.repo.MarkInterrupted(ctx, apierror.ErrInternal.Code, "task interrupted by service restart")
	if err != nil {
		return err
	}
	if n > 0 {
		zerolog.Ctx(ctx).Warn().Int64("count", n).Msg("Marked interrupted tasks as failed")
	}
	return nil
}

// Start 创建任务并在后台执行 fn
// 任务占用的磁盘已有活跃任务时返回 TaskInProgress
func (m *TaskManager) Start(ctx context.Context, spec TaskSpec, fn TaskFunc) (*entity.Task, error) {
	id, err := m.ids.GenerateTaskID()
	if err != nil {
		return nil, err
	}
	now := time.Now().Format(time.RFC3339Nano)
	task := &entity.Task{
		ID:        id,
		Kind:      spec.Kind,
		Status:    entity.TaskStatusPending,
		Backend:   string(spec.Backend),
		Dir:       spec.Dir,
		Name:      spec.Name,
		Target:    spec.Target,
		URL:       spec.URL,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	for _, key := range spec.Keys {
		if existing, ok := m.byDisk[key]; ok {
			m.mu.Unlock()
			return nil, apierror.Errorf(apierror.ErrTaskInProgress, "task %s is already running on %s", existing, key)
		}
	}
	// 任务与发起请求的生命周期分离，只保留 context 中的 logger
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt := &runningTask{task: task, keys: spec.Keys, cancel: cancel, done: make(chan struct{})}
	m.active[id] = rt
	for _, key := range spec.Keys {
		m.byDisk[key] = id
	}
	snapshot := copyTask(task)
	m.mu.Unlock()

	m.persist(ctx, snapshot, true)

	m.wg.Add(1)
	go m.run(runCtx, rt, fn)
	return snapshot, nil
}

func (m *TaskManager) run(ctx context.Context, rt *runningTask, fn TaskFunc) {
	defer m.wg.Done()
	defer rt.cancel()

	logger := zerolog.Ctx(ctx).With().Str("task_id", rt.task.ID).Str("kind", string(rt.task.Kind)).Logger()
	ctx = logger.WithContext(ctx)

	m.update(ctx, rt, func(t *entity.Task) {
		t.Status = entity.TaskStatusRunning
	})
	logger.Info().Str("name", rt.task.Name).Msg("Task started")

	sink := disk.TaskFuncs{
		AbortFunc: func() bool {
			return rt.aborted.Load() || ctx.Err() != nil
		},
		ReportFunc: func(p disk.Progress) {
			m.report(ctx, rt, p)
		},
	}

	result, err := fn(ctx, sink)
	m.finish(ctx, rt, result, err)
}

// report 记录进度，百分比和字节数只增不减
func (m *TaskManager) report(ctx context.Context, rt *runningTask, p disk.Progress) {
	m.update(ctx, rt, func(t *entity.Task) {
		if p.Percent > t.Progress.Percent {
			t.Progress.Percent = p.Percent
		}
		if p.Bytes > t.Progress.Bytes {
			t.Progress.Bytes = p.Bytes
		}
		if p.Extra != nil {
			t.Progress.Extra = p.Extra
		}
	})
}

func (m *TaskManager) update(ctx context.Context, rt *runningTask, fn func(t *entity.Task)) {
	m.mu.Lock()
	fn(rt.task)
	rt.task.UpdatedAt = time.Now().Format(time.RFC3339Nano)
	snapshot := copyTask(rt.task)
	m.mu.Unlock()
	m.persist(ctx, snapshot, false)
}

func (m *TaskManager) finish(ctx context.Context, rt *runningTask, result *entity.TaskResult, err error) {
	logger := zerolog.Ctx(ctx)

	m.mu.Lock()
	t := rt.task
	switch {
	case err == nil:
		t.Status = entity.TaskStatusCompleted
		t.Result = result
		t.Progress.Percent = 100
	case errors.Is(err, apierror.ErrAborted):
		t.Status = entity.TaskStatusAborted
		t.Result = result
		t.ErrorCode = apierror.ErrAborted.Code
		t.ErrorMessage = "task aborted"
	default:
		// 失败时保留已完成部分的结果，例如已清除的回收站镜像
		t.Status = entity.TaskStatusFailed
		t.Result = result
		t.ErrorCode = apierror.CodeOf(err)
		t.ErrorMessage = err.Error()
	}
	t.UpdatedAt = time.Now().Format(time.RFC3339Nano)
	snapshot := copyTask(t)

	delete(m.active, t.ID)
	for _, key := range rt.keys {
		if m.byDisk[key] == t.ID {
			delete(m.byDisk, key)
		}
	}
	m.finished.Add(t.ID, snapshot)
	m.mu.Unlock()

	m.persist(ctx, snapshot, false)
	close(rt.done)

	switch snapshot.Status {
	case entity.TaskStatusCompleted:
		logger.Info().Msg("Task completed")
	case entity.TaskStatusAborted:
		logger.Info().Msg("Task aborted")
	default:
		logger.Error().Err(err).Msg("Task failed")
	}
}

func (m *TaskManager) persist(ctx context.Context, t *entity.Task, create bool) {
	if m.repo == nil {
		return
	}
	rec, err := taskEntityToModel(t)
	if err == nil {
		ctx = context.WithoutCancel(ctx)
		if create {
			err = m.repo.Create(ctx, rec)
		} else {
			err = m.repo.Update(ctx, rec)
		}
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("task_id", t.ID).Msg("Failed to persist task")
	}
}

// Busy 返回占用 key 的活跃任务
func (m *TaskManager) Busy(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byDisk[key]
	return id, ok
}

// GetTask 依次查找活跃任务、最近结束的任务和持久化记录
func (m *TaskManager) GetTask(ctx context.Context, id string) (*entity.Task, error) {
	m.mu.Lock()
	if rt, ok := m.active[id]; ok {
		t := copyTask(rt.task)
		m.mu.Unlock()
		return t, nil
	}
	if t, ok := m.finished.Get(id); ok {
		m.mu.Unlock()
		return copyTask(t), nil
	}
	m.mu.Unlock()

	if m.repo != nil {
		rec, err := m.repo.GetByID(ctx, id)
		if err == nil {
			return taskModelToEntity(rec)
		}
		if !repository.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, apierror.Errorf(apierror.ErrTaskNotFound, "task %s not found", id)
}

// ListTasks 按创建顺序倒序列出任务，status 为空时返回全部
func (m *TaskManager) ListTasks(ctx context.Context, status entity.TaskStatus) ([]*entity.Task, error) {
	byID := make(map[string]*entity.Task)
	if m.repo != nil {
		filters := map[string]interface{}{}
		if status != "" {
			filters["status"] = string(status)
		}
		recs, err := m.repo.List(ctx, filters)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			t, err := taskModelToEntity(rec)
			if err != nil {
				return nil, err
			}
			byID[t.ID] = t
		}
	}

	m.mu.Lock()
	for _, t := range m.finished.Values() {
		byID[t.ID] = copyTask(t)
	}
	for _, rt := range m.active {
		byID[rt.task.ID] = copyTask(rt.task)
	}
	m.mu.Unlock()

	tasks := make([]*entity.Task, 0, len(byID))
	for _, t := range byID {
		if status == "" || t.Status == status {
			tasks = append(tasks, t)
		}
	}
	slices.SortFunc(tasks, func(a, b *entity.Task) int {
		return compareTaskIDDesc(a.ID, b.ID)
	})
	return tasks, nil
}

// compareTaskIDDesc 按 ID 中的递增数字倒序
func compareTaskIDDesc(a, b string) int {
	na, okA := idgen.ParseTaskID(a)
	nb, okB := idgen.ParseTaskID(b)
	if okA && okB {
		switch {
		case na > nb:
			return -1
		case na < nb:
			return 1
		}
		return 0
	}
	return strings.Compare(b, a)
}

// AbortTask 请求取消任务，任务在下一个检查点清理并以 aborted 结束
// 已结束的任务原样返回
func (m *TaskManager) AbortTask(ctx context.Context, id string) (*entity.Task, error) {
	m.mu.Lock()
	rt, ok := m.active[id]
	if ok {
		rt.aborted.Store(true)
		rt.cancel()
		t := copyTask(rt.task)
		m.mu.Unlock()
		zerolog.Ctx(ctx).Info().Str("task_id", id).Msg("Task abort requested")
		return t, nil
	}
	m.mu.Unlock()
	return m.GetTask(ctx, id)
}

// Wait 等待任务结束并返回最终状态
func (m *TaskManager) Wait(ctx context.Context, id string) (*entity.Task, error) {
	m.mu.Lock()
	rt, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		select {
		case <-rt.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.GetTask(ctx, id)
}

// Cleanup 删除结束时间早于保留期的任务
func (m *TaskManager) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-m.retention)

	m.mu.Lock()
	for _, t := range m.finished.Values() {
		if updated, err := time.Parse(time.RFC3339Nano, t.UpdatedAt); err == nil && updated.Before(cutoff) {
			m.finished.Remove(t.ID)
		}
	}
	m.mu.Unlock()

	if m.repo == nil {
		return nil
	}
	n, err := m.repo.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		zerolog.Ctx(ctx).Info().Int64("count", n).Msg("Expired tasks removed")
	}
	return nil
}

// Run 周期性清理过期任务，直到 Shutdown
func (m *TaskManager) Run(ctx context.Context) error {
	interval := max(min(m.retention/4, 10*time.Minute), time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Cleanup(ctx); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("Task cleanup failed")
			}
		case <-m.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Shutdown 取消所有活跃任务并等待它们完成清理
func (m *TaskManager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	for _, rt := range m.active {
		rt.aborted.Store(true)
		rt.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name 实现 grace.Grace 接口
func (m *TaskManager) Name() string {
	return "Task Manager"
}

func copyTask(t *entity.Task) *entity.Task {
	c := *t
	if t.Progress.Extra != nil {
		c.Progress.Extra = make(map[string]string, len(t.Progress.Extra))
		for k, v := range t.Progress.Extra {
			c.Progress.Extra[k] = v
		}
	}
	if t.Result != nil {
		r := *t.Result
		r.Purged = slices.Clone(t.Result.Purged)
		c.Result = &r
	}
	return &c
}
