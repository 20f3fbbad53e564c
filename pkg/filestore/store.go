// Package filestore 在本地文件系统上实现磁盘镜像后端
//
// 镜像是容器目录下的 qcow2/raw/iso 文件，格式和 backing 信息由 qemu-img
// 读取。Snapshot 为带 backing file 的 qcow2，iso 的快照和合并退化为符号链接。
package filestore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/qemuimg"
	"github.com/jimyag/storagedriver/pkg/transfer"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPollInterval 合并时轮询输出文件大小的间隔
	DefaultPollInterval = time.Second
	// DefaultListWorkers List 并发检查镜像的数量
	DefaultListWorkers = 4
	// CopyBlockSize 无 base 合并时的复制块大小
	CopyBlockSize = 1 << 20
	// tmpSuffix 解包时的临时文件后缀
	tmpSuffix = "~"
)

// Options Store 参数
type Options struct {
	QemuImg      qemuimg.QemuImgClient
	Transfer     transfer.Options
	PollInterval time.Duration
	ListWorkers  int
}

// Store 文件后端
type Store struct {
	qemu         qemuimg.QemuImgClient
	transfer     transfer.Options
	pollInterval time.Duration
	listWorkers  int
}

var _ disk.Backend = (*Store)(nil)

// New 创建文件后端
func New(opts Options) *Store {
	if opts.QemuImg == nil {
		opts.QemuImg = qemuimg.New("")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ListWorkers <= 0 {
		opts.ListWorkers = DefaultListWorkers
	}
	return &Store{
		qemu:         opts.QemuImg,
		transfer:     opts.Transfer,
		pollInterval: opts.PollInterval,
		listWorkers:  opts.ListWorkers,
	}
}

// Create 用 qemu-img create 创建 Normal 镜像
func (s *Store) Create(ctx context.Context, d *disk.Disk) error {
	if d.Type != disk.TypeNormal {
		return apierror.Errorf(apierror.ErrInvalidKind, "cannot create %s image %s", d.Type, d.Name)
	}
	if !disk.BackendFile.Creatable(d.Format) {
		return apierror.Errorf(apierror.ErrInvalidFormat, "cannot create %s image %s", d.Format, d.Name)
	}
	if d.Size <= 0 {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "size of %s must be positive", d.Name)
	}
	path := d.Path()
	if err := ensureAbsent(path); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("path", path).
		Str("format", string(d.Format)).
		Int64("size", d.Size).
		Msg("Creating image file")
	if err := s.qemu.Create(ctx, string(d.Format), path, d.Size); err != nil {
		return err
	}
	return s.refresh(ctx, d)
}

// Get 读取镜像的格式、大小和 backing file
func (s *Store) Get(ctx context.Context, dir, name string) (*disk.Disk, error) {
	if err := disk.ValidateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apierror.Errorf(apierror.ErrNotFound, "image %s not found", path)
		}
		return nil, err
	}
	if fi.IsDir() {
		return nil, apierror.Errorf(apierror.ErrInvalidFormat, "%s is a directory", path)
	}

	info, err := s.qemu.Info(ctx, path)
	if err != nil {
		return nil, err
	}
	d := &disk.Disk{
		Name:       name,
		Dir:        dir,
		Backend:    disk.BackendFile,
		Type:       disk.TypeNormal,
		Size:       info.VirtualSize,
		ActualSize: info.ActualSize,
	}
	switch disk.Format(info.Format) {
	case disk.FormatQcow2:
		d.Format = disk.FormatQcow2
	case disk.FormatRaw:
		d.Format = disk.FormatRaw
		if isISO(path) {
			d.Format = disk.FormatISO
		}
	default:
		return nil, apierror.Errorf(apierror.ErrInvalidFormat, "unsupported image format %q of %s", info.Format, path)
	}
	if info.BackingFilename != "" {
		d.Type = disk.TypeSnapshot
		d.BaseName = filepath.Base(info.BackingFilename)
	}
	return d, nil
}

// isISO 与下载校验使用同一识别规则
func isISO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	format, ok, err := disk.DetectImage(f)
	return err == nil && ok && format == disk.FormatISO
}

// List 并发检查目录下的文件，单个文件失败时跳过并记录日志
func (s *Store) List(ctx context.Context, dir string) ([]*disk.Disk, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apierror.Errorf(apierror.ErrNotFound, "directory %s not found", dir)
		}
		return nil, err
	}

	logger := zerolog.Ctx(ctx)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		names = append(names, e.Name())
	}

	results := make([]*disk.Disk, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.listWorkers)
	for i, name := range names {
		g.Go(func() error {
			d, err := s.Get(gctx, dir, name)
			if err != nil {
				logger.Warn().Err(err).Str("dir", dir).Str("name", name).Msg("Skip image that failed inspection")
				return nil
			}
			results[i] = d
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	disks := make([]*disk.Disk, 0, len(results))
	for _, d := range results {
		if d != nil {
			disks = append(disks, d)
		}
	}
	return disks, nil
}

// Checksum 计算文件内容摘要
func (s *Store) Checksum(ctx context.Context, task disk.Task, d *disk.Disk) (digest.Digest, error) {
	f, err := os.Open(d.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apierror.Errorf(apierror.ErrNotFound, "image %s not found", d.Path())
		}
		return "", err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	return disk.Checksum(ctx, task, f, fi.Size())
}

// Delete 删除文件，不存在时直接返回
func (s *Store) Delete(ctx context.Context, d *disk.Disk) error {
	path := d.Path()
	if err := removeIfExists(path); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("path", path).Msg("Image file deleted")
	return nil
}

// Snapshot 创建基于 d.BaseName 的快照
// iso 创建指向 base 的符号链接；raw 不支持；qcow2 创建带 backing file 的镜像
func (s *Store) Snapshot(ctx context.Context, d *disk.Disk) error {
	if d.Type != disk.TypeSnapshot {
		return apierror.Errorf(apierror.ErrInvalidKind, "invalid type %q for snapshot %s", d.Type, d.Name)
	}
	path, basePath := d.Path(), d.BasePath()
	if err := ensureAbsent(path); err != nil {
		return err
	}
	if _, err := os.Stat(basePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apierror.Errorf(apierror.ErrNotFound, "base image %s not found", basePath)
		}
		return err
	}

	logger := zerolog.Ctx(ctx).With().Str("path", path).Str("base", basePath).Logger()
	switch d.Format {
	case disk.FormatISO:
		if err := os.Symlink(basePath, path); err != nil {
			return err
		}
		logger.Info().Msg("ISO snapshot linked")
		return nil
	case disk.FormatQcow2:
	default:
		return apierror.Errorf(apierror.ErrInvalidFormat, "snapshot of %s image is not supported", d.Format)
	}

	base, err := s.qemu.Info(ctx, basePath)
	if err != nil {
		return err
	}
	if err := s.qemu.CreateWithBacking(ctx, string(disk.FormatQcow2), base.Format, basePath, path); err != nil {
		return err
	}
	logger.Info().Str("base_format", base.Format).Msg("Snapshot image created")
	return s.refresh(ctx, d)
}

// refresh 用后端信息更新 d 的大小
func (s *Store) refresh(ctx context.Context, d *disk.Disk) error {
	info, err := s.qemu.Info(ctx, d.Path())
	if err != nil {
		return err
	}
	d.Size = info.VirtualSize
	d.ActualSize = info.ActualSize
	return nil
}

func ensureAbsent(path string) error {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return apierror.Errorf(apierror.ErrAlreadyExists, "file already exists: %s", path)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return err
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// copyBlocks 按块复制并在每块之前检查取消
func copyBlocks(ctx context.Context, tr *disk.Tracker, dst io.Writer, src io.Reader, blockSize int) (int64, error) {
	buf := make([]byte, blockSize)
	var done int64
	for {
		if tr.Aborted(ctx) {
			return done, apierror.ErrAborted
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return done, werr
			}
			done += int64(n)
			tr.Update(done, done)
		}
		if errors.Is(err, io.EOF) {
			return done, nil
		}
		if err != nil {
			return done, err
		}
	}
}
