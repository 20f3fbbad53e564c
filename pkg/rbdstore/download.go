package rbdstore

import (
	"context"
	"errors"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/rbd"
	"github.com/jimyag/storagedriver/pkg/transfer"
	"github.com/rs/zerolog"
)

// Download 把 url 的内容写入新镜像，只接受 iso
// 镜像先按最大下载大小精简配置，写完后收缩到实际写入的字节数
func (s *Store) Download(ctx context.Context, task disk.Task, d *disk.Disk, url string) error {
	tr := disk.NewTracker(task)
	logger := zerolog.Ctx(ctx).With().Str("url", url).Str("image", path(d.Dir, d.Name)).Logger()

	if tr.Aborted(ctx) {
		return apierror.ErrAborted
	}
	if err := validateName(d.Name); err != nil {
		return err
	}
	src, err := transfer.ParseSource(url)
	if err != nil {
		return err
	}
	if src.Zip {
		return apierror.Errorf(apierror.ErrInvalidFormat, "zip archives are not supported by %s", disk.BackendCephBlock)
	}

	maxSize := s.transfer.MaxSize
	if maxSize <= 0 {
		maxSize = transfer.DefaultMaxSize
	}

	return s.withPool(ctx, d.Dir, func(p rbd.Pool) (err error) {
		if err := ensureAbsent(p, d.Dir, d.Name); err != nil {
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

		if err := p.CreateImage(d.Name, uint64(maxSize)); err != nil {
			if errors.Is(err, rbd.ErrExist) {
				return apierror.Wrapf(apierror.ErrAlreadyExists, err, "ceph image already exists: %s", path(d.Dir, d.Name))
			}
			return err
		}
		logger.Info().Int64("content_length", stream.Length).Msg("Downloading image")

		defer func() {
			if err == nil {
				return
			}
			disk.Cleanup(ctx, path(d.Dir, d.Name), func(context.Context) error {
				return purge(p, d.Name)
			})
			if errors.Is(err, apierror.ErrAborted) {
				logger.Info().Msg("Download aborted, partial image removed")
			} else {
				logger.Error().Err(err).Msg("Download failed, partial image removed")
			}
		}()

		var written int64
		err = rbd.WithImage(p, d.Name, func(img rbd.Image) error {
			var err error
			written, err = stream.CopyTo(ctx, tr, &rbd.OffsetWriter{W: img})
			if err != nil {
				return err
			}
			if err := img.Flush(); err != nil {
				return err
			}
			if err := img.Resize(uint64(written)); err != nil {
				return err
			}

			format, ok, err := disk.DetectImage(img)
			if err != nil {
				return err
			}
			if !ok || format != disk.FormatISO {
				return apierror.Errorf(apierror.ErrInvalidImageFormat,
					"invalid file format of %s, only iso files are allowed", path(d.Dir, d.Name))
			}
			return img.SetMetadata(formatKey, string(disk.FormatISO))
		})
		if err != nil {
			return err
		}

		got, err := inspect(p, d.Dir, d.Name)
		if err != nil {
			return err
		}
		d.Format = got.Format
		d.Type = disk.TypeNormal
		d.BaseName = ""
		d.Size = got.Size
		d.ActualSize = got.ActualSize
		tr.Done(written)
		logger.Info().Int64("size", d.Size).Msg("Download finished")
		return nil
	})
}
