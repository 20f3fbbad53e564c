package api

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/storagedriver/pkg/ginx"
	"github.com/rs/zerolog"
)

type API struct {
	engine *gin.Engine
	server *http.Server

	disk  *Disk
	trash *Trash
	task  *Task
}

// New 创建 HTTP API，路由都挂在 /api 下
func New(addr string, disks DiskServiceInterface, trash TrashServiceInterface, tasks TaskServiceInterface) (*API, error) {
	engine := gin.New()
	engine.Use(gin.Recovery(), ginx.RequestID())

	api := &API{
		engine: engine,
		disk:   NewDisk(disks),
		trash:  NewTrash(trash),
		task:   NewTask(tasks),
	}
	group := engine.Group("/api")
	api.disk.RegisterRoutes(group)
	api.trash.RegisterRoutes(group)
	api.task.RegisterRoutes(group)

	api.server = &http.Server{
		Addr:    addr,
		Handler: engine,
	}
	return api, nil
}

// Handler 返回路由，测试直接使用
func (a *API) Handler() http.Handler {
	return a.engine
}

func (a *API) Run(ctx context.Context) error {
	// 每个请求的 logger 派生自服务启动时的 logger
	a.server.BaseContext = func(_ net.Listener) context.Context {
		return zerolog.Ctx(ctx).WithContext(context.Background())
	}
	zerolog.Ctx(ctx).Info().Str("address", a.server.Addr).Msg("HTTP API listening")
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *API) Name() string {
	return "HTTP API"
}
