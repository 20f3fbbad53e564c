package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jimyag/storagedriver/internal/storagedriver/repository/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Repository {
	t.Helper()
	tmpDir := t.TempDir()
	repo, err := New(filepath.Join(tmpDir, "nested", "test.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = repo.Close()
		_ = os.RemoveAll(tmpDir)
	})
	return repo
}

func newTask(id, status string, updated time.Time) *model.Task {
	return &model.Task{
		ID:        id,
		Kind:      "download",
		Status:    status,
		Backend:   "file",
		Dir:       "/var/lib/images",
		Name:      id + ".img",
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestTaskRepository(t *testing.T) {
	t.Parallel()

	repo := setupTestDB(t)
	taskRepo := NewTaskRepository(repo.DB())
	ctx := context.Background()

	t.Run("Create and GetByID", func(t *testing.T) {
		task := newTask("task-1", "pending", time.Now())
		task.URL = "http://example.com/a.qcow2"
		require.NoError(t, taskRepo.Create(ctx, task))

		got, err := taskRepo.GetByID(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, task.URL, got.URL)
		assert.Equal(t, "pending", got.Status)
	})

	t.Run("Update progress", func(t *testing.T) {
		task := newTask("task-2", "running", time.Now())
		require.NoError(t, taskRepo.Create(ctx, task))

		task.ProgressBytes = 4096
		task.ProgressPercent = 42
		task.ProgressExtra = `{"extracting":"zip"}`
		require.NoError(t, taskRepo.Update(ctx, task))

		got, err := taskRepo.GetByID(ctx, "task-2")
		require.NoError(t, err)
		assert.Equal(t, int64(4096), got.ProgressBytes)
		assert.Equal(t, 42, got.ProgressPercent)
		assert.Equal(t, `{"extracting":"zip"}`, got.ProgressExtra)
	})

	t.Run("GetByID not found", func(t *testing.T) {
		_, err := taskRepo.GetByID(ctx, "task-missing")
		assert.True(t, IsNotFound(err))
	})
}

func TestTaskRepository_ListAndCleanup(t *testing.T) {
	t.Parallel()

	repo := setupTestDB(t)
	taskRepo := NewTaskRepository(repo.DB())
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-48 * time.Hour)
	require.NoError(t, taskRepo.Create(ctx, newTask("task-10", "completed", old)))
	require.NoError(t, taskRepo.Create(ctx, newTask("task-11", "aborted", old)))
	require.NoError(t, taskRepo.Create(ctx, newTask("task-12", "running", old)))
	require.NoError(t, taskRepo.Create(ctx, newTask("task-13", "failed", now)))
	require.NoError(t, taskRepo.Create(ctx, newTask("task-14", "pending", now)))

	all, err := taskRepo.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	running, err := taskRepo.List(ctx, map[string]interface{}{"status": "running"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "task-12", running[0].ID)

	deleted, err := taskRepo.DeleteFinishedBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	marked, err := taskRepo.MarkInterrupted(ctx, "InternalError", "interrupted by restart")
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	got, err := taskRepo.GetByID(ctx, "task-14")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "interrupted by restart", got.ErrorMessage)

	left, err := taskRepo.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, left, 3)
}
