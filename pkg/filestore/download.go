package filestore

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/transfer"
	"github.com/rs/zerolog"
)

// Download 从 url 下载镜像到 d.Path()
// 任何失败或取消都会删除部分文件和解包临时文件
func (s *Store) Download(ctx context.Context, task disk.Task, d *disk.Disk, url string) (err error) {
	tr := disk.NewTracker(task)
	path := d.Path()
	logger := zerolog.Ctx(ctx).With().Str("url", url).Str("path", path).Logger()

	if tr.Aborted(ctx) {
		return apierror.ErrAborted
	}
	if err := ensureAbsent(path); err != nil {
		return err
	}

	stream, err := transfer.Open(ctx, url, s.transfer)
	if err != nil {
		if !errors.Is(err, apierror.ErrAborted) && tr.Aborted(ctx) {
			return apierror.Wrapf(apierror.ErrAborted, err, "download %s", url)
		}
		return err
	}
	defer stream.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return apierror.Errorf(apierror.ErrAlreadyExists, "file already exists: %s", path)
		}
		return err
	}
	logger.Info().Int64("content_length", stream.Length).Msg("Downloading image")

	defer func() {
		if err == nil {
			return
		}
		disk.Cleanup(ctx, path, func(context.Context) error {
			return errors.Join(removeIfExists(path), removeIfExists(path+tmpSuffix))
		})
		if errors.Is(err, apierror.ErrAborted) {
			logger.Info().Msg("Download aborted, partial file removed")
		} else {
			logger.Error().Err(err).Msg("Download failed, partial file removed")
		}
	}()

	written, err := stream.CopyTo(ctx, tr, f)
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if stream.Zip {
		tr.Stage(99, map[string]string{"extracting": "zip"})
		if err := s.extractZip(ctx, task, path); err != nil {
			return err
		}
	}

	format, err := sniff(path)
	if err != nil {
		return err
	}
	info, err := s.qemu.Info(ctx, path)
	if err != nil {
		return err
	}

	d.Format = format
	d.Type = disk.TypeNormal
	d.BaseName = ""
	d.Size = info.VirtualSize
	d.ActualSize = info.ActualSize
	tr.Done(written)
	logger.Info().Str("format", string(format)).Int64("size", d.Size).Msg("Download finished")
	return nil
}

// sniff 读取文件头识别格式，无法识别时返回 InvalidImageFormat
func sniff(path string) (disk.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	format, ok, err := disk.DetectImage(f)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apierror.Errorf(apierror.ErrInvalidImageFormat,
			"invalid file format of %s, only qcow and iso files are allowed", path)
	}
	return format, nil
}

// extractZip 用压缩包中唯一合格的条目替换 path
// 不是 zip 或没有唯一合格条目时保留原文件
func (s *Store) extractZip(ctx context.Context, task disk.Task, path string) error {
	logger := zerolog.Ctx(ctx).With().Str("path", path).Logger()
	zr, err := zip.OpenReader(path)
	if err != nil {
		logger.Info().Err(err).Msg("Not a zip archive, keeping original")
		return nil
	}
	defer zr.Close()

	entry := selectZipEntry(zr.File)
	if entry == nil {
		logger.Info().Int("entries", len(zr.File)).Msg("Extracting zip failed, keeping original")
		return nil
	}
	logger.Info().Str("entry", entry.Name).Msg("Unzipping started")

	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}
	defer rc.Close()

	tmp := path + tmpSuffix
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	maxSize := s.transfer.MaxSize
	if maxSize <= 0 {
		maxSize = transfer.DefaultMaxSize
	}
	// 解包阶段百分比停留在 99，只检查取消
	n, err := copyBlocks(ctx, disk.NewTracker(abortOnly(task)), out, io.LimitReader(rc, maxSize+1), CopyBlockSize)
	if err == nil && n > maxSize {
		err = apierror.Errorf(apierror.ErrPayloadTooLarge, "zip entry %s exceeds maximum size", entry.Name)
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// selectZipEntry 压缩包只有一个条目时直接使用；否则只考虑 .iso 后缀的文件，恰好一个时使用
// 目录条目同样计入条目数
func selectZipEntry(files []*zip.File) *zip.File {
	if len(files) == 1 {
		if files[0].FileInfo().IsDir() {
			return nil
		}
		return files[0]
	}
	var isos []*zip.File
	for _, f := range files {
		if !f.FileInfo().IsDir() && strings.HasSuffix(strings.ToLower(f.Name), ".iso") {
			isos = append(isos, f)
		}
	}
	if len(isos) == 1 {
		return isos[0]
	}
	return nil
}

// abortOnly 只保留取消检查，丢弃进度
func abortOnly(task disk.Task) disk.Task {
	if task == nil {
		return nil
	}
	return disk.TaskFuncs{AbortFunc: task.Aborted}
}
