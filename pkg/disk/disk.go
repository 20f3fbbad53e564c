// Package disk 定义磁盘镜像描述符以及两种存储后端共享的能力接口
package disk

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jimyag/storagedriver/pkg/apierror"
)

// BackendKind 后端类型，序列化为 data_store_type
type BackendKind string

const (
	// BackendFile 本地文件系统，镜像为 qcow2/raw/iso 文件
	BackendFile BackendKind = "file"
	// BackendCephBlock Ceph RBD 块设备
	BackendCephBlock BackendKind = "ceph_block"
)

// Format 镜像格式
type Format string

const (
	FormatQcow2 Format = "qcow2"
	FormatRaw   Format = "raw"
	FormatISO   Format = "iso"
	// FormatRBD 集群块设备镜像
	FormatRBD Format = "rbd"
)

// Type 镜像类型
type Type string

const (
	TypeNormal   Type = "normal"
	TypeSnapshot Type = "snapshot"
)

var (
	allowedFormats = map[BackendKind][]Format{
		BackendFile:      {FormatQcow2, FormatRaw, FormatISO},
		BackendCephBlock: {FormatRBD, FormatISO},
	}
	createFormats = map[BackendKind][]Format{
		BackendFile:      {FormatQcow2, FormatRaw},
		BackendCephBlock: {FormatRBD},
	}
)

// Valid 判断后端类型是否已知
func (k BackendKind) Valid() bool {
	_, ok := allowedFormats[k]
	return ok
}

// Allows 判断格式是否属于该后端允许的集合
func (k BackendKind) Allows(f Format) bool {
	return slices.Contains(allowedFormats[k], f)
}

// Creatable 判断格式是否可以直接创建
func (k BackendKind) Creatable(f Format) bool {
	return slices.Contains(createFormats[k], f)
}

// Disk 描述一个磁盘镜像
// 每次调用都重新反序列化，不跨调用缓存
type Disk struct {
	Name string
	// Dir 文件后端为绝对目录，集群后端为存储池名
	Dir     string
	Backend BackendKind
	Format  Format
	Type    Type
	// Size 逻辑大小（字节），0 表示未知
	Size int64
	// ActualSize 实际占用（字节），0 表示未知
	ActualSize int64
	BaseName   string
}

// Path 返回文件后端下的镜像路径
func (d *Disk) Path() string {
	return filepath.Join(d.Dir, d.Name)
}

// BasePath 返回 base 镜像路径
func (d *Disk) BasePath() string {
	return filepath.Join(d.Dir, d.BaseName)
}

// Key 返回 backend/container/name 形式的唯一标识
func (d *Disk) Key() string {
	return fmt.Sprintf("%s:%s/%s", d.Backend, d.Dir, d.Name)
}

func (d *Disk) String() string {
	if d.BaseName != "" {
		return fmt.Sprintf("%s %s %s %d (base %s)", d.Key(), d.Format, d.Type, d.Size, d.BaseName)
	}
	return fmt.Sprintf("%s %s %s %d", d.Key(), d.Format, d.Type, d.Size)
}

// Validate 校验描述符字段
func (d *Disk) Validate() error {
	if !d.Backend.Valid() {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "unknown data_store_type %q", d.Backend)
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if d.Dir == "" {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "dir is required")
	}
	if d.Backend == BackendFile && !filepath.IsAbs(d.Dir) {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "dir %q must be an absolute path", d.Dir)
	}
	if !d.Backend.Allows(d.Format) {
		return apierror.Errorf(apierror.ErrInvalidFormat, "format %q is not supported by %s", d.Format, d.Backend)
	}
	switch d.Type {
	case TypeNormal:
	case TypeSnapshot:
		if d.BaseName == "" {
			return apierror.Errorf(apierror.ErrInvalidDescriptor, "snapshot %s requires base_name", d.Name)
		}
		if err := ValidateName(d.BaseName); err != nil {
			return err
		}
	default:
		return apierror.Errorf(apierror.ErrInvalidKind, "unknown type %q", d.Type)
	}
	if d.Size < 0 || d.ActualSize < 0 {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "negative size")
	}
	return nil
}

// ValidateName 校验镜像名，不允许路径分隔符和 . / ..
func ValidateName(name string) error {
	if name == "" {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "name is required")
	}
	if strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return apierror.Errorf(apierror.ErrInvalidDescriptor, "invalid name %q", name)
	}
	return nil
}

// Flattened 返回以 name 命名、与 d 同容器的 Normal 描述符，作为合并目标
func (d *Disk) Flattened(name string, format Format) *Disk {
	if format == "" {
		format = d.Format
	}
	return &Disk{
		Name:    name,
		Dir:     d.Dir,
		Backend: d.Backend,
		Format:  format,
		Type:    TypeNormal,
	}
}
