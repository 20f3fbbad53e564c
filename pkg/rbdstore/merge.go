package rbdstore

import (
	"context"
	"errors"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/rbd"
	"github.com/rs/zerolog"
)

// Merge 用集群原生复制把 src 展平为独立镜像 dst，并为 dst 建立受保护的参考快照
// 复制本身不可中断，完成后若已取消则删除 dst
func (s *Store) Merge(ctx context.Context, task disk.Task, src, dst *disk.Disk) error {
	tr := disk.NewTracker(task)
	logger := zerolog.Ctx(ctx).With().
		Str("src", path(src.Dir, src.Name)).
		Str("dst", path(dst.Dir, dst.Name)).
		Logger()

	if tr.Aborted(ctx) {
		return apierror.ErrAborted
	}
	if err := validateName(dst.Name); err != nil {
		return err
	}

	return s.withPool(ctx, dst.Dir, func(p rbd.Pool) (err error) {
		if err := ensureAbsent(p, dst.Dir, dst.Name); err != nil {
			return err
		}
		source, err := inspect(p, src.Dir, src.Name)
		if err != nil {
			return err
		}
		tr.SetTotal(source.Size)

		logger.Info().Msg("Copying ceph block")
		err = rbd.WithImage(p, src.Name, func(img rbd.Image) error {
			return img.CopyTo(dst.Name)
		})
		if err != nil {
			if errors.Is(err, rbd.ErrExist) {
				return apierror.Wrapf(apierror.ErrAlreadyExists, err, "ceph image already exists: %s", path(dst.Dir, dst.Name))
			}
			return notFound(err, src.Dir, src.Name)
		}

		defer func() {
			if err == nil {
				return
			}
			disk.Cleanup(ctx, path(dst.Dir, dst.Name), func(context.Context) error {
				return purge(p, dst.Name)
			})
			if errors.Is(err, apierror.ErrAborted) {
				logger.Info().Msg("Merge aborted, copied image removed")
			} else {
				logger.Error().Err(err).Msg("Merge failed, copied image removed")
			}
		}()

		if tr.Aborted(ctx) {
			return apierror.ErrAborted
		}
		err = rbd.WithImage(p, dst.Name, func(img rbd.Image) error {
			if err := img.SetMetadata(formatKey, string(source.Format)); err != nil {
				return err
			}
			return ensureReferenceSnapshot(img)
		})
		if err != nil {
			return err
		}

		got, err := inspect(p, dst.Dir, dst.Name)
		if err != nil {
			return err
		}
		dst.Format = got.Format
		dst.Type = disk.TypeNormal
		dst.BaseName = ""
		dst.Size = got.Size
		dst.ActualSize = got.ActualSize
		tr.Done(got.ActualSize)
		logger.Info().Int64("size", dst.Size).Msg("Merge finished")
		return nil
	})
}
