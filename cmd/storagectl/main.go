package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/jimmicro/version"
	"github.com/jimyag/storagedriver/internal/storagedriver"
	"github.com/jimyag/storagedriver/internal/storagedriver/config"
	"github.com/jimyag/storagedriver/internal/storagedriver/service"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	root := NewRootCmd(os.Stdout, os.Stderr, nil)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app 命令执行期间共用的服务
type app struct {
	disks *service.DiskService
	tasks *service.TaskManager
}

// appFactory 根据配置创建服务，测试中替换为内存实现
type appFactory func(ctx context.Context, cfg *config.Config) (*app, error)

// newApp 在进程内创建后端，任务只保存在内存中，不与守护进程共享任务库
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tasks, err := service.NewTaskManager(service.TaskManagerOptions{CacheSize: cfg.TaskCacheSize})
	if err != nil {
		return nil, err
	}
	backends := storagedriver.NewBackends(ctx, cfg)
	return &app{
		disks: service.NewDiskService(backends, tasks, cfg.Trash.TargetFreePercent),
		tasks: tasks,
	}, nil
}

type globalOptions struct {
	configPath string
	backend    string
	dir        string
	output     string
	verbose    bool
}

// cli 单次命令执行的上下文
type cli struct {
	opts    globalOptions
	stdout  io.Writer
	stderr  io.Writer
	factory appFactory
	app     *app
}

// NewRootCmd 创建 storagectl 根命令
func NewRootCmd(stdout, stderr io.Writer, factory appFactory) *cobra.Command {
	if factory == nil {
		factory = newApp
	}
	c := &cli{stdout: stdout, stderr: stderr, factory: factory}

	cmd := &cobra.Command{
		Use:   "storagectl",
		Short: "Manage VM disk images on local directories and Ceph pools",
		Long: `storagectl runs disk operations in-process against the same backends the
storage driver daemon uses.

Long operations (download, merge, checksum, reclaim) print progress and can be
aborted with Ctrl-C; partial output is removed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.opts.configPath, "config", "", "config file (default $STORAGEDRIVER_CONFIG)")
	flags.StringVarP(&c.opts.backend, "backend", "b", string(disk.BackendFile), "data store type: file or ceph_block")
	flags.StringVarP(&c.opts.dir, "dir", "d", "", "image directory (file) or pool (ceph_block)")
	flags.StringVarP(&c.opts.output, "output", "o", "table", "output format: table or json")
	flags.BoolVarP(&c.opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newDiskCmd(c))
	cmd.AddCommand(newTrashCmd(c))
	cmd.AddCommand(newVersionCmd(stdout))
	return cmd
}

// setup 加载配置并创建服务，返回带 logger 的 ctx
func (c *cli) setup(cmd *cobra.Command) (context.Context, error) {
	level := zerolog.InfoLevel
	if c.opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: c.stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logger.WithContext(ctx)

	if c.app != nil {
		return ctx, nil
	}
	path := c.opts.configPath
	if path == "" {
		path = os.Getenv("STORAGEDRIVER_CONFIG")
	}
	cfg, err := config.Load(path, os.Getenv)
	if err != nil {
		return nil, err
	}
	if c.app, err = c.factory(ctx, cfg); err != nil {
		return nil, err
	}
	return ctx, nil
}

// backendKind 校验 --backend
func (c *cli) backendKind() (disk.BackendKind, error) {
	kind := disk.BackendKind(c.opts.backend)
	if !kind.Valid() {
		return "", fmt.Errorf("unsupported --backend %q, want file or ceph_block", c.opts.backend)
	}
	return kind, nil
}

// locate 根据全局参数构造只含位置信息的描述符
func (c *cli) locate(name string) (*disk.Disk, error) {
	kind, err := c.backendKind()
	if err != nil {
		return nil, err
	}
	if c.opts.dir == "" {
		return nil, fmt.Errorf("--dir is required")
	}
	return &disk.Disk{Name: name, Dir: c.opts.dir, Backend: kind}, nil
}
