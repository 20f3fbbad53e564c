package filestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/trash"
	"golang.org/x/sys/unix"
)

// TrashDirName 容器目录下的回收站子目录
const TrashDirName = "trash"

// Trash 文件后端的回收站：<dir>/trash/<name>，移入时间取文件 ctime
type Trash struct{}

var _ trash.Backend = Trash{}

// NewTrash 创建文件回收站
func NewTrash() Trash {
	return Trash{}
}

func trashPath(dir, name string) string {
	return filepath.Join(dir, TrashDirName, name)
}

func (Trash) Exists(_ context.Context, dir, name string) (bool, error) {
	if err := disk.ValidateName(name); err != nil {
		return false, err
	}
	_, err := os.Lstat(filepath.Join(dir, name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// MoveIn 用 rename 移入回收站，回收站中已有同名文件时返回 AlreadyExists
func (Trash) MoveIn(_ context.Context, dir, name string) error {
	if err := os.MkdirAll(filepath.Join(dir, TrashDirName), 0o755); err != nil {
		return err
	}
	dst := trashPath(dir, name)
	if err := ensureAbsent(dst); err != nil {
		return err
	}
	return os.Rename(filepath.Join(dir, name), dst)
}

// MoveOut 移回时不覆盖在用文件，目标已存在时返回 AlreadyExists
func (Trash) MoveOut(_ context.Context, dir, name string) error {
	if err := disk.ValidateName(name); err != nil {
		return err
	}
	src := trashPath(dir, name)
	dst := filepath.Join(dir, name)
	err := unix.Renameat2(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, unix.RENAME_NOREPLACE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOENT):
		return apierror.Errorf(apierror.ErrNotFound, "%s not found in trash", name)
	case errors.Is(err, unix.EEXIST):
		return apierror.Wrapf(apierror.ErrAlreadyExists, err, "live image %s exists", dst)
	default:
		return &os.LinkError{Op: "renameat2", Old: src, New: dst, Err: err}
	}
}

func (Trash) Purge(_ context.Context, dir, name string) error {
	if err := disk.ValidateName(name); err != nil {
		return err
	}
	return removeIfExists(trashPath(dir, name))
}

func (Trash) List(_ context.Context, dir string) ([]trash.Entry, error) {
	entries, err := os.ReadDir(filepath.Join(dir, TrashDirName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []trash.Entry{}, nil
		}
		return nil, err
	}
	out := make([]trash.Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var st unix.Stat_t
		if err := unix.Lstat(trashPath(dir, e.Name()), &st); err != nil {
			if errors.Is(err, unix.ENOENT) {
				continue
			}
			return nil, err
		}
		out = append(out, trash.Entry{
			Name:      e.Name(),
			Size:      st.Size,
			TrashedAt: time.Unix(st.Ctim.Unix()),
		})
	}
	return out, nil
}

// FreeSpace 读取容器所在文件系统的统计
func (Trash) FreeSpace(_ context.Context, dir string) (trash.SpaceStat, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return trash.SpaceStat{}, err
	}
	bsize := uint64(st.Bsize)
	return trash.NewSpaceStat(st.Bavail*bsize, st.Blocks*bsize), nil
}
