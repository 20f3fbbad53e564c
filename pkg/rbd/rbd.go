// Package rbd 抽象集群块存储客户端：连接、存储池和镜像原语
//
// 连接只在一次操作内有效，通过 WithPool / WithCluster 获取并保证在所有
// 退出路径上释放，不在操作之间缓存。
package rbd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound 镜像、快照或元数据不存在
	ErrNotFound = errors.New("rbd: not found")
	// ErrExist 镜像或快照已存在
	ErrExist = errors.New("rbd: already exists")
	// ErrBusy 镜像仍有受保护快照或子镜像
	ErrBusy = errors.New("rbd: image busy")
)

const (
	DefaultUser       = "admin"
	DefaultConfigPath = "/etc/ceph/ceph.conf"
	DefaultTimeout    = 2 * time.Second
)

// Config 集群连接参数
type Config struct {
	User        string        `yaml:"user"`
	ConfigPath  string        `yaml:"config_path"`
	KeyringPath string        `yaml:"keyring_path"`
	Timeout     time.Duration `yaml:"timeout"`
}

// WithDefaults 填充未设置的字段
func (c Config) WithDefaults() Config {
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath
	}
	if c.KeyringPath == "" {
		c.KeyringPath = fmt.Sprintf("/etc/ceph/ceph.client.%s.keyring", c.User)
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// ClusterStat 集群容量（字节），不区分存储池
type ClusterStat struct {
	Total uint64
	Used  uint64
	Avail uint64
}

// ImageStat 镜像统计
type ImageStat struct {
	Size       uint64
	ObjectSize uint64
	NumObjects uint64
}

// Dialer 建立集群连接
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Cluster, error)
}

// Cluster 集群连接
type Cluster interface {
	OpenPool(name string) (Pool, error)
	Stat() (ClusterStat, error)
	Shutdown()
}

// Pool 存储池句柄
type Pool interface {
	// CreateImage 创建启用分层特性的精简配置镜像
	CreateImage(name string, size uint64) error
	OpenImage(name string) (Image, error)
	RemoveImage(name string) error
	ImageNames() ([]string, error)
	// Clone 从 parent 的受保护快照 snap 克隆出 name
	Clone(parent, snap, name string) error
	Close()
}

// Image 打开的镜像
type Image interface {
	io.ReaderAt
	io.WriterAt
	Stat() (ImageStat, error)
	Resize(size uint64) error
	Flush() error
	// CopyTo 把内容复制到同一存储池的新镜像 name
	CopyTo(name string) error
	// Parent 返回父镜像名和快照名，没有父镜像时返回空字符串
	Parent() (image, snap string, err error)
	Snapshots() ([]string, error)
	CreateSnapshot(name string) error
	ProtectSnapshot(name string) error
	UnprotectSnapshot(name string) error
	SnapshotProtected(name string) (bool, error)
	RemoveSnapshot(name string) error
	Rename(name string) error
	SetMetadata(key, value string) error
	// Metadata 键不存在时返回 ErrNotFound
	Metadata(key string) (string, error)
	RemoveMetadata(key string) error
	Close() error
}

// WithCluster 连接集群，执行 fn 后关闭连接
func WithCluster(ctx context.Context, dialer Dialer, cfg Config, fn func(Cluster) error) error {
	cfg = cfg.WithDefaults()
	conn, err := dialer.Dial(ctx, cfg)
	if err != nil {
		return apierror.Wrapf(apierror.ErrBackendUnavailable, err, "connect to cluster as %s", cfg.User)
	}
	defer conn.Shutdown()
	return fn(conn)
}

// WithPool 连接集群并打开存储池，fn 返回后按相反顺序释放
func WithPool(ctx context.Context, dialer Dialer, cfg Config, pool string, fn func(Pool) error) error {
	return WithCluster(ctx, dialer, cfg, func(c Cluster) error {
		p, err := c.OpenPool(pool)
		if err != nil {
			return apierror.Wrapf(apierror.ErrBackendUnavailable, err, "open pool %s", pool)
		}
		defer p.Close()
		zerolog.Ctx(ctx).Debug().Str("pool", pool).Msg("Pool opened")
		return fn(p)
	})
}

// WithImage 打开镜像，fn 返回后关闭
func WithImage(p Pool, name string, fn func(Image) error) error {
	img, err := p.OpenImage(name)
	if err != nil {
		return err
	}
	defer img.Close()
	return fn(img)
}

// OffsetWriter 以递增偏移写入镜像
type OffsetWriter struct {
	W      io.WriterAt
	Offset int64
}

func (w *OffsetWriter) Write(p []byte) (int, error) {
	n, err := w.W.WriteAt(p, w.Offset)
	w.Offset += int64(n)
	return n, err
}
