// Package storagedriver 组装存储后端、任务管理和 HTTP API
package storagedriver

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jimmicro/grace"
	"github.com/jimyag/storagedriver/internal/storagedriver/api"
	"github.com/jimyag/storagedriver/internal/storagedriver/config"
	"github.com/jimyag/storagedriver/internal/storagedriver/repository"
	"github.com/jimyag/storagedriver/internal/storagedriver/service"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/filestore"
	"github.com/jimyag/storagedriver/pkg/qemuimg"
	"github.com/jimyag/storagedriver/pkg/rbd"
	"github.com/jimyag/storagedriver/pkg/rbdstore"
	"github.com/jimyag/storagedriver/pkg/transfer"
	"github.com/rs/zerolog"
)

// Services 守护进程和命令行共用的服务集合
type Services struct {
	Disks *service.DiskService
	Tasks *service.TaskManager

	repo *repository.Repository
}

// NewServices 按配置创建后端、任务仓库和服务
func NewServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	// 1. 任务仓库
	repo, err := repository.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// 2. 任务管理器，上次进程遗留的任务标记为失败
	tasks, err := service.NewTaskManager(service.TaskManagerOptions{
		Repo:      repository.NewTaskRepository(repo.DB()),
		CacheSize: cfg.TaskCacheSize,
		Retention: time.Duration(cfg.TaskRetention),
	})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	if err := tasks.Recover(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("recover tasks: %w", err)
	}

	// 3. 存储后端
	backends := NewBackends(ctx, cfg)

	return &Services{
		Disks: service.NewDiskService(backends, tasks, cfg.Trash.TargetFreePercent),
		Tasks: tasks,
		repo:  repo,
	}, nil
}

// NewBackends 按配置创建文件后端和集群后端
// 集群不可用时只返回文件后端，ceph_block 请求返回 BackendUnavailable
func NewBackends(ctx context.Context, cfg *config.Config) map[disk.BackendKind]service.Backend {
	logger := zerolog.Ctx(ctx)
	transferOpts := transfer.Options{MaxSize: int64(cfg.DownloadMaxSize)}
	backends := map[disk.BackendKind]service.Backend{
		disk.BackendFile: {
			Disks: filestore.New(filestore.Options{
				QemuImg:      qemuimg.New(cfg.QemuImgPath),
				Transfer:     transferOpts,
				PollInterval: time.Duration(cfg.MergePollInterval),
				ListWorkers:  cfg.ListWorkers,
			}),
			Trash: filestore.NewTrash(),
		},
	}
	dialer, err := newDialer(cfg.Ceph)
	if err != nil {
		logger.Warn().Err(err).Str("driver", cfg.Ceph.Driver).Msg("Ceph backend disabled")
	} else {
		rc := cfg.Ceph.RBD()
		backends[disk.BackendCephBlock] = service.Backend{
			Disks: rbdstore.New(rbdstore.Options{Dialer: dialer, Config: rc, Transfer: transferOpts}),
			Trash: rbdstore.NewTrash(dialer, rc),
		}
	}
	logger.Info().Int("backends", len(backends)).Msg("Storage backends initialized")
	return backends
}

func newDialer(cfg config.CephConfig) (rbd.Dialer, error) {
	if cfg.Driver == config.CephDriverMemory {
		d := rbd.NewMemoryDialer()
		for _, pool := range cfg.MemoryPools {
			d.CreatePool(pool)
		}
		return d, nil
	}
	return rbd.NewCephDialer()
}

type Server struct {
	cfg      *config.Config
	api      *api.API
	services *Services
}

func New(cfg *config.Config) (*Server, error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	ctx := logger.WithContext(context.Background())

	services, err := NewServices(ctx, cfg)
	if err != nil {
		return nil, err
	}

	apiInstance, err := api.New(cfg.Address, services.Disks, services.Disks, services.Tasks)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("address", cfg.Address).
		Str("data_dir", cfg.DataDir).
		Str("ceph_driver", cfg.Ceph.Driver).
		Msg("Storage driver initialized")

	return &Server{
		cfg:      cfg,
		api:      apiInstance,
		services: services,
	}, nil
}

func (s *Server) Run(ctx context.Context) error {
	// 使用 grace.Shepherd 管理服务生命周期
	services := []grace.Grace{
		s.api,
		s.services.Tasks,
	}

	shepherd := grace.NewShepherd(
		services,
		grace.WithTimeout(30*time.Second),
		grace.WithLogger(&zerologLogger{}),
	)

	shepherd.Start(ctx)
	return s.services.repo.Close()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.api.Shutdown(ctx); err != nil {
		return err
	}
	return s.services.Tasks.Shutdown(ctx)
}

// Name 实现 grace.Grace 接口
func (s *Server) Name() string {
	return "Storage Driver"
}

// zerologLogger 实现 grace.Logger 接口
type zerologLogger struct{}

func (l *zerologLogger) Info(msg string, args ...interface{}) {
	event := zerolog.DefaultContextLogger.Info()
	if len(args) > 0 {
		event.Msgf(msg, args...)
	} else {
		event.Msg(msg)
	}
}

func (l *zerologLogger) Error(msg string, args ...interface{}) {
	event := zerolog.DefaultContextLogger.Error()
	if len(args) > 0 {
		event.Msgf(msg, args...)
	} else {
		event.Msg(msg)
	}
}
