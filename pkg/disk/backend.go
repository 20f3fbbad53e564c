package disk

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
)

// Backend 两种存储后端共同实现的磁盘能力
//
// 长时间运行的操作（Checksum、Merge、Download）在每个分块或轮询间隔检查
// Task.Aborted，取消时清理部分产物并返回 apierror.ErrAborted。
type Backend interface {
	// Create 创建 Normal 镜像
	Create(ctx context.Context, d *Disk) error
	// Get 从后端读取权威的格式、大小和 base 信息
	Get(ctx context.Context, dir, name string) (*Disk, error)
	// List 枚举容器内的镜像，单个镜像检查失败会被跳过并记录日志
	List(ctx context.Context, dir string) ([]*Disk, error)
	// Checksum 计算镜像内容摘要
	Checksum(ctx context.Context, task Task, d *Disk) (digest.Digest, error)
	// Delete 删除镜像，镜像不存在时直接返回成功
	Delete(ctx context.Context, d *Disk) error
	// Snapshot 基于 d.BaseName 创建 Snapshot 镜像
	Snapshot(ctx context.Context, d *Disk) error
	// Merge 将 src 与其 base 合并为独立的 dst
	Merge(ctx context.Context, task Task, src, dst *Disk) error
	// Download 从 url 下载内容填充新镜像 d，成功后 d 的格式和大小被更新
	Download(ctx context.Context, task Task, d *Disk, url string) error
}

const cleanupTimeout = 30 * time.Second

// Cleanup 在独立于调用方取消状态的 ctx 中执行清理，失败只记录日志
func Cleanup(ctx context.Context, what string, fn func(ctx context.Context) error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := fn(cctx); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("target", what).Msg("Cleanup failed")
	}
}
