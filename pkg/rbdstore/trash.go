package rbdstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/rbd"
	"github.com/jimyag/storagedriver/pkg/trash"
	"github.com/rs/zerolog"
)

const (
	// trashPrefix 回收站镜像在存储池内的名字前缀
	trashPrefix = "_trash_."
	// trashedAtKey 记录移入回收站时间的元数据键
	trashedAtKey = "trashed_at"
)

// Trash 以改名方式实现存储池内的回收站，剩余空间按整个集群统计
type Trash struct {
	dialer rbd.Dialer
	cfg    rbd.Config
	now    func() time.Time
}

var _ trash.Backend = (*Trash)(nil)

// NewTrash 创建集群回收站
func NewTrash(dialer rbd.Dialer, cfg rbd.Config) *Trash {
	return &Trash{dialer: dialer, cfg: cfg.WithDefaults(), now: time.Now}
}

func (t *Trash) withPool(ctx context.Context, pool string, fn func(rbd.Pool) error) error {
	return rbd.WithPool(ctx, t.dialer, t.cfg, pool, fn)
}

func (t *Trash) Exists(ctx context.Context, pool, name string) (bool, error) {
	var exists bool
	err := t.withPool(ctx, pool, func(p rbd.Pool) error {
		var err error
		exists, err = imageExists(p, name)
		return err
	})
	return exists, err
}

func (t *Trash) MoveIn(ctx context.Context, pool, name string) error {
	trashed := trashPrefix + name
	return t.withPool(ctx, pool, func(p rbd.Pool) error {
		if err := ensureAbsent(p, pool, trashed); err != nil {
			return err
		}
		err := rbd.WithImage(p, name, func(img rbd.Image) error {
			if err := img.SetMetadata(trashedAtKey, t.now().UTC().Format(time.RFC3339Nano)); err != nil {
				return err
			}
			return img.Rename(trashed)
		})
		if err != nil {
			return notFound(err, pool, name)
		}
		zerolog.Ctx(ctx).Info().Str("image", path(pool, name)).Msg("Image moved to trash")
		return nil
	})
}

func (t *Trash) MoveOut(ctx context.Context, pool, name string) error {
	return t.withPool(ctx, pool, func(p rbd.Pool) error {
		err := rbd.WithImage(p, trashPrefix+name, func(img rbd.Image) error {
			if err := img.Rename(name); err != nil {
				return err
			}
			if err := img.RemoveMetadata(trashedAtKey); err != nil && !errors.Is(err, rbd.ErrNotFound) {
				return err
			}
			return nil
		})
		if errors.Is(err, rbd.ErrNotFound) {
			return apierror.Wrapf(apierror.ErrNotFound, err, "image %s not in trash", path(pool, name))
		}
		if errors.Is(err, rbd.ErrExist) {
			return apierror.Wrapf(apierror.ErrAlreadyExists, err, "live image %s exists", path(pool, name))
		}
		return err
	})
}

func (t *Trash) Purge(ctx context.Context, pool, name string) error {
	zerolog.Ctx(ctx).Info().Str("image", path(pool, name)).Msg("Purging trashed image")
	return t.withPool(ctx, pool, func(p rbd.Pool) error {
		return purge(p, trashPrefix+name)
	})
}

func (t *Trash) List(ctx context.Context, pool string) ([]trash.Entry, error) {
	logger := zerolog.Ctx(ctx)
	entries := make([]trash.Entry, 0)
	err := t.withPool(ctx, pool, func(p rbd.Pool) error {
		names, err := p.ImageNames()
		if err != nil {
			return err
		}
		for _, full := range names {
			name, ok := strings.CutPrefix(full, trashPrefix)
			if !ok {
				continue
			}
			entry := trash.Entry{Name: name}
			err := rbd.WithImage(p, full, func(img rbd.Image) error {
				st, err := img.Stat()
				if err != nil {
					return err
				}
				entry.Size = int64(st.NumObjects * st.ObjectSize)
				ts, err := img.Metadata(trashedAtKey)
				if err != nil {
					if errors.Is(err, rbd.ErrNotFound) {
						return nil
					}
					return err
				}
				entry.TrashedAt, err = time.Parse(time.RFC3339Nano, ts)
				return err
			})
			if err != nil {
				logger.Warn().Err(err).Str("pool", pool).Str("name", name).Msg("Skip unreadable trash entry")
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (t *Trash) FreeSpace(ctx context.Context, _ string) (trash.SpaceStat, error) {
	var st trash.SpaceStat
	err := rbd.WithCluster(ctx, t.dialer, t.cfg, func(c rbd.Cluster) error {
		cs, err := c.Stat()
		if err != nil {
			return err
		}
		st = trash.NewSpaceStat(cs.Avail, cs.Total)
		return nil
	})
	return st, err
}
