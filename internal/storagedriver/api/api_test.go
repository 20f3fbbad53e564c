package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jimyag/storagedriver/internal/storagedriver/entity"
	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/ginx"
	"github.com/jimyag/storagedriver/pkg/trash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockService 同时实现磁盘、回收站和任务接口
type MockService struct {
	mock.Mock
}

func (m *MockService) CreateDisk(ctx context.Context, d *disk.Disk) (*disk.Disk, error) {
	args := m.Called(ctx, d)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*disk.Disk), args.Error(1)
}

func (m *MockService) GetDisk(ctx context.Context, d *disk.Disk) (*disk.Disk, error) {
	args := m.Called(ctx, d)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*disk.Disk), args.Error(1)
}

func (m *MockService) ListDisks(ctx context.Context, kind disk.BackendKind, dir string) ([]*disk.Disk, error) {
	args := m.Called(ctx, kind, dir)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*disk.Disk), args.Error(1)
}

func (m *MockService) DeleteDisk(ctx context.Context, d *disk.Disk) error {
	return m.Called(ctx, d).Error(0)
}

func (m *MockService) SnapshotDisk(ctx context.Context, d *disk.Disk) (*disk.Disk, error) {
	args := m.Called(ctx, d)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*disk.Disk), args.Error(1)
}

func (m *MockService) DownloadDisk(ctx context.Context, d *disk.Disk, url string) (*entity.Task, error) {
	return m.task(m.Called(ctx, d, url))
}

func (m *MockService) MergeDisk(ctx context.Context, src, dst *disk.Disk) (*entity.Task, error) {
	return m.task(m.Called(ctx, src, dst))
}

func (m *MockService) ChecksumDisk(ctx context.Context, d *disk.Disk) (*entity.Task, error) {
	return m.task(m.Called(ctx, d))
}

func (m *MockService) MoveToTrash(ctx context.Context, kind disk.BackendKind, dir, name string) error {
	return m.Called(ctx, kind, dir, name).Error(0)
}

func (m *MockService) RecoverFromTrash(ctx context.Context, kind disk.BackendKind, dir, name string) (bool, error) {
	args := m.Called(ctx, kind, dir, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockService) ListTrash(ctx context.Context, kind disk.BackendKind, dir string) ([]trash.Entry, error) {
	args := m.Called(ctx, kind, dir)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]trash.Entry), args.Error(1)
}

func (m *MockService) FreeSpace(ctx context.Context, kind disk.BackendKind, dir string) (trash.SpaceStat, error) {
	args := m.Called(ctx, kind, dir)
	return args.Get(0).(trash.SpaceStat), args.Error(1)
}

func (m *MockService) ReclaimSpace(ctx context.Context, kind disk.BackendKind, dir string, candidates []string, target *float64) (*entity.Task, error) {
	return m.task(m.Called(ctx, kind, dir, candidates, target))
}

func (m *MockService) GetTask(ctx context.Context, id string) (*entity.Task, error) {
	return m.task(m.Called(ctx, id))
}

func (m *MockService) ListTasks(ctx context.Context, status entity.TaskStatus) ([]*entity.Task, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entity.Task), args.Error(1)
}

func (m *MockService) AbortTask(ctx context.Context, id string) (*entity.Task, error) {
	return m.task(m.Called(ctx, id))
}

func (m *MockService) task(args mock.Arguments) (*entity.Task, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Task), args.Error(1)
}

func newTestAPI(t *testing.T, setup func(m *MockService)) (*API, *MockService) {
	t.Helper()
	m := &MockService{}
	if setup != nil {
		setup(m)
	}
	a, err := New(":0", m, m, m)
	require.NoError(t, err)
	return a, m
}

func post(a *API, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp apierror.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, w.Header().Get(ginx.HeaderRequestID), resp.RequestID)
	return resp.Errors[0].Code
}

const vmDisk = `{"name":"vm1","dir":"/var/lib/images","format":"qcow2","type":"normal","size":1073741824,"data_store_type":"file"}`

func fileDisk() *disk.Disk {
	return &disk.Disk{Name: "vm1", Dir: "/var/lib/images", Backend: disk.BackendFile, Format: disk.FormatQcow2, Type: disk.TypeNormal, Size: 1 << 30}
}

func TestDisk_Routes(t *testing.T) {
	t.Parallel()

	task := &entity.Task{ID: "task-1", Kind: entity.TaskKindDownload, Status: entity.TaskStatusPending}

	testcases := []struct {
		name       string
		path       string
		body       string
		setup      func(m *MockService)
		wantStatus int
		wantCode   string
		check      func(t *testing.T, body []byte)
	}{
		{
			name: "create",
			path: "/api/disks/create",
			body: `{"disk":` + vmDisk + `}`,
			setup: func(m *MockService) {
				m.On("CreateDisk", mock.Anything, fileDisk()).Return(fileDisk(), nil)
			},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp entity.DiskResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Equal(t, fileDisk(), resp.Disk)
			},
		},
		{
			name: "create conflict",
			path: "/api/disks/create",
			body: `{"disk":` + vmDisk + `}`,
			setup: func(m *MockService) {
				m.On("CreateDisk", mock.Anything, mock.Anything).
					Return(nil, apierror.Errorf(apierror.ErrAlreadyExists, "exists"))
			},
			wantStatus: http.StatusConflict,
			wantCode:   apierror.ErrAlreadyExists.Code,
		},
		{
			name:       "missing disk",
			path:       "/api/disks/describe",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidDescriptor.Code,
		},
		{
			name:       "unknown data_store_type",
			path:       "/api/disks/describe",
			body:       `{"disk":{"name":"vm1","dir":"/x","data_store_type":"nfs"}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidDescriptor.Code,
		},
		{
			name: "describe not found",
			path: "/api/disks/describe",
			body: `{"disk":` + vmDisk + `}`,
			setup: func(m *MockService) {
				m.On("GetDisk", mock.Anything, mock.Anything).
					Return(nil, apierror.Errorf(apierror.ErrNotFound, "missing"))
			},
			wantStatus: http.StatusNotFound,
			wantCode:   apierror.ErrNotFound.Code,
		},
		{
			name: "list",
			path: "/api/disks/list",
			body: `{"data_store_type":"file","dir":"/var/lib/images"}`,
			setup: func(m *MockService) {
				m.On("ListDisks", mock.Anything, disk.BackendFile, "/var/lib/images").
					Return([]*disk.Disk{fileDisk()}, nil)
			},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp entity.ListDisksResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Len(t, resp.Disks, 1)
			},
		},
		{
			name:       "list without dir",
			path:       "/api/disks/list",
			body:       `{"data_store_type":"file"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidDescriptor.Code,
		},
		{
			name: "delete",
			path: "/api/disks/delete",
			body: `{"disk":` + vmDisk + `}`,
			setup: func(m *MockService) {
				m.On("DeleteDisk", mock.Anything, fileDisk()).Return(nil)
			},
			wantStatus: http.StatusNoContent,
		},
		{
			name: "download",
			path: "/api/disks/download",
			body: `{"disk":` + vmDisk + `,"url":"http://mirror/cd.iso"}`,
			setup: func(m *MockService) {
				m.On("DownloadDisk", mock.Anything, fileDisk(), "http://mirror/cd.iso").Return(task, nil)
			},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp entity.TaskResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Equal(t, "task-1", resp.Task.ID)
			},
		},
		{
			name:       "download without url",
			path:       "/api/disks/download",
			body:       `{"disk":` + vmDisk + `}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidParameter.Code,
		},
		{
			name: "download busy",
			path: "/api/disks/download",
			body: `{"disk":` + vmDisk + `,"url":"http://mirror/cd.iso"}`,
			setup: func(m *MockService) {
				m.On("DownloadDisk", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, apierror.Errorf(apierror.ErrTaskInProgress, "busy"))
			},
			wantStatus: http.StatusConflict,
			wantCode:   apierror.ErrTaskInProgress.Code,
		},
		{
			name:       "merge across backends",
			path:       "/api/disks/merge",
			body:       `{"source":` + vmDisk + `,"target":{"name":"flat","dir":"rbd","data_store_type":"ceph_block"}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidDescriptor.Code,
		},
		{
			name: "merge",
			path: "/api/disks/merge",
			body: `{"source":` + vmDisk + `,"target":{"name":"flat","dir":"/var/lib/images","data_store_type":"file"}}`,
			setup: func(m *MockService) {
				m.On("MergeDisk", mock.Anything, fileDisk(), mock.MatchedBy(func(d *disk.Disk) bool {
					return d.Name == "flat" && d.Format == ""
				})).Return(task, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "checksum",
			path: "/api/disks/checksum",
			body: `{"disk":` + vmDisk + `}`,
			setup: func(m *MockService) {
				m.On("ChecksumDisk", mock.Anything, fileDisk()).Return(task, nil)
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a, m := newTestAPI(t, tc.setup)
			w := post(a, tc.path, tc.body)
			assert.Equal(t, tc.wantStatus, w.Code, w.Body.String())
			assert.NotEmpty(t, w.Header().Get(ginx.HeaderRequestID))
			if tc.wantCode != "" {
				assert.Equal(t, tc.wantCode, errorCode(t, w))
			}
			if tc.check != nil {
				tc.check(t, w.Body.Bytes())
			}
			m.AssertExpectations(t)
		})
	}
}

func TestTrash_Routes(t *testing.T) {
	t.Parallel()

	trashedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	target := 30.0

	testcases := []struct {
		name       string
		path       string
		body       string
		setup      func(m *MockService)
		wantStatus int
		wantCode   string
		wantBody   string
	}{
		{
			name: "move",
			path: "/api/trash/move",
			body: `{"data_store_type":"ceph_block","dir":"rbd","name":"vm1"}`,
			setup: func(m *MockService) {
				m.On("MoveToTrash", mock.Anything, disk.BackendCephBlock, "rbd", "vm1").Return(nil)
			},
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "move bad name",
			path:       "/api/trash/move",
			body:       `{"data_store_type":"ceph_block","dir":"rbd","name":"a/b"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidDescriptor.Code,
		},
		{
			name: "recover skipped",
			path: "/api/trash/recover",
			body: `{"data_store_type":"file","dir":"/images","name":"vm1"}`,
			setup: func(m *MockService) {
				m.On("RecoverFromTrash", mock.Anything, disk.BackendFile, "/images", "vm1").Return(false, nil)
			},
			wantStatus: http.StatusOK,
			wantBody:   `{"recovered":false}`,
		},
		{
			name: "list",
			path: "/api/trash/list",
			body: `{"data_store_type":"file","dir":"/images"}`,
			setup: func(m *MockService) {
				m.On("ListTrash", mock.Anything, disk.BackendFile, "/images").
					Return([]trash.Entry{{Name: "vm1", Size: 42, TrashedAt: trashedAt}}, nil)
			},
			wantStatus: http.StatusOK,
			wantBody:   `{"entries":[{"name":"vm1","size":42,"trashed_at":"2026-01-02T03:04:05Z"}]}`,
		},
		{
			name: "stat",
			path: "/api/trash/stat",
			body: `{"data_store_type":"ceph_block","dir":"rbd"}`,
			setup: func(m *MockService) {
				m.On("FreeSpace", mock.Anything, disk.BackendCephBlock, "rbd").Return(trash.NewSpaceStat(25, 100), nil)
			},
			wantStatus: http.StatusOK,
			wantBody:   `{"free_bytes":25,"total_bytes":100,"free_percent":25}`,
		},
		{
			name: "reclaim",
			path: "/api/trash/reclaim",
			body: `{"data_store_type":"ceph_block","dir":"rbd","candidates":["a","b"],"target_free_percent":30}`,
			setup: func(m *MockService) {
				m.On("ReclaimSpace", mock.Anything, disk.BackendCephBlock, "rbd", []string{"a", "b"}, &target).
					Return(&entity.Task{ID: "task-9", Kind: entity.TaskKindReclaim}, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "reclaim bad target",
			path:       "/api/trash/reclaim",
			body:       `{"data_store_type":"ceph_block","dir":"rbd","target_free_percent":101}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidParameter.Code,
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a, m := newTestAPI(t, tc.setup)
			w := post(a, tc.path, tc.body)
			assert.Equal(t, tc.wantStatus, w.Code, w.Body.String())
			if tc.wantCode != "" {
				assert.Equal(t, tc.wantCode, errorCode(t, w))
			}
			if tc.wantBody != "" {
				assert.JSONEq(t, tc.wantBody, w.Body.String())
			}
			m.AssertExpectations(t)
		})
	}
}

func TestTask_Routes(t *testing.T) {
	t.Parallel()

	running := &entity.Task{ID: "task-3", Kind: entity.TaskKindMerge, Status: entity.TaskStatusRunning}

	testcases := []struct {
		name       string
		path       string
		body       string
		setup      func(m *MockService)
		wantStatus int
		wantCode   string
	}{
		{
			name: "describe",
			path: "/api/tasks/describe",
			body: `{"task_id":"task-3"}`,
			setup: func(m *MockService) {
				m.On("GetTask", mock.Anything, "task-3").Return(running, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "describe without id",
			path:       "/api/tasks/describe",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierror.ErrInvalidParameter.Code,
		},
		{
			name: "describe unknown",
			path: "/api/tasks/describe",
			body: `{"task_id":"task-404"}`,
			setup: func(m *MockService) {
				m.On("GetTask", mock.Anything, "task-404").
					Return(nil, apierror.Errorf(apierror.ErrTaskNotFound, "task task-404 not found"))
			},
			wantStatus: http.StatusNotFound,
			wantCode:   apierror.ErrTaskNotFound.Code,
		},
		{
			name: "list with empty body",
			path: "/api/tasks/list",
			setup: func(m *MockService) {
				m.On("ListTasks", mock.Anything, entity.TaskStatus("")).Return([]*entity.Task{running}, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "list filtered",
			path: "/api/tasks/list",
			body: `{"status":"running"}`,
			setup: func(m *MockService) {
				m.On("ListTasks", mock.Anything, entity.TaskStatusRunning).Return([]*entity.Task{running}, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "abort",
			path: "/api/tasks/abort",
			body: `{"task_id":"task-3"}`,
			setup: func(m *MockService) {
				m.On("AbortTask", mock.Anything, "task-3").Return(running, nil)
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a, m := newTestAPI(t, tc.setup)
			w := post(a, tc.path, tc.body)
			assert.Equal(t, tc.wantStatus, w.Code, w.Body.String())
			if tc.wantCode != "" {
				assert.Equal(t, tc.wantCode, errorCode(t, w))
			}
			m.AssertExpectations(t)
		})
	}

	a, _ := newTestAPI(t, nil)
	assert.Equal(t, "HTTP API", a.Name())
}
