package filestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/rs/zerolog"
)

// Merge 把 src 与它的 base 合并为独立的 dst
//
//   - iso：dst 为指向 src 的符号链接
//   - 有 base：qemu-img convert，按 PollInterval 轮询输出文件大小
//   - 无 base：按 CopyBlockSize 逐块复制
//
// 完成后 dst 为没有 base 的 Normal 镜像。取消或失败时删除 dst。
func (s *Store) Merge(ctx context.Context, task disk.Task, src, dst *disk.Disk) (err error) {
	tr := disk.NewTracker(task)
	if tr.Aborted(ctx) {
		return apierror.ErrAborted
	}
	out := dst.Path()
	if err := ensureAbsent(out); err != nil {
		return err
	}

	cur, err := s.Get(ctx, src.Dir, src.Name)
	if err != nil {
		return err
	}
	logger := zerolog.Ctx(ctx).With().Str("src", src.Path()).Str("dst", out).Logger()

	if src.Format == disk.FormatISO || cur.Format == disk.FormatISO {
		if err := os.Symlink(src.Path(), out); err != nil {
			return err
		}
		dst.Format = disk.FormatISO
	} else {
		defer func() {
			if err == nil || errors.Is(err, apierror.ErrAlreadyExists) {
				return
			}
			disk.Cleanup(ctx, out, func(context.Context) error { return removeIfExists(out) })
			if errors.Is(err, apierror.ErrAborted) {
				logger.Warn().Msg("Merge aborted, partial output removed")
			} else {
				logger.Error().Err(err).Msg("Merge failed, partial output removed")
			}
		}()

		if dst.Format == "" {
			dst.Format = cur.Format
		}
		if cur.BaseName != "" {
			err = s.mergeWithBase(ctx, tr, cur, dst)
		} else {
			dst.Format = cur.Format
			err = s.mergeWithoutBase(ctx, tr, cur, dst)
		}
		if err != nil {
			return err
		}
	}

	got, err := s.Get(ctx, dst.Dir, dst.Name)
	if err != nil {
		return err
	}
	dst.Backend = disk.BackendFile
	dst.Type = disk.TypeNormal
	dst.BaseName = ""
	dst.Size = got.Size
	dst.ActualSize = got.ActualSize
	tr.Done(got.ActualSize)
	logger.Info().Str("format", string(dst.Format)).Int64("size", dst.Size).Msg("Merge finished")
	return nil
}

// mergeWithBase 运行 qemu-img convert，轮询输出文件大小计算进度
// 预期总量为 min(base.actual + diff.actual, diff.size)
func (s *Store) mergeWithBase(ctx context.Context, tr *disk.Tracker, diff, dst *disk.Disk) error {
	base, err := s.Get(ctx, diff.Dir, diff.BaseName)
	if err != nil {
		return err
	}
	tr.SetTotal(min(base.ActualSize+diff.ActualSize, diff.Size))

	out := dst.Path()
	zerolog.Ctx(ctx).Debug().
		Str("src", diff.Path()).
		Str("base", base.Path()).
		Str("dst", out).
		Msg("Merging image with base")

	proc, err := s.qemu.StartConvert(ctx, string(dst.Format), diff.Path(), out)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-proc.Done():
			if err := proc.Err(); err != nil && tr.Aborted(ctx) {
				return apierror.ErrAborted
			}
			return proc.Err()
		case <-ticker.C:
		case <-ctx.Done():
		}
		if tr.Aborted(ctx) {
			proc.Terminate()
			return apierror.ErrAborted
		}
		if fi, err := os.Stat(out); err == nil {
			tr.Update(fi.Size(), fi.Size())
		} else if !errors.Is(err, fs.ErrNotExist) {
			proc.Terminate()
			return err
		}
	}
}

// mergeWithoutBase 逐块复制文件
func (s *Store) mergeWithoutBase(ctx context.Context, tr *disk.Tracker, srcDisk, dst *disk.Disk) error {
	in, err := os.Open(srcDisk.Path())
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	tr.SetTotal(fi.Size())

	f, err := os.OpenFile(dst.Path(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return apierror.Errorf(apierror.ErrAlreadyExists, "file already exists: %s", dst.Path())
		}
		return err
	}
	if _, err := copyBlocks(ctx, tr, f, in, CopyBlockSize); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
