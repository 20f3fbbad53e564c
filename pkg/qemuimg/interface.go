package qemuimg

import "context"

// QemuImgClient 定义了 qemu-img 客户端的接口
// 用于抽象 qemu-img 操作，便于测试和 mock
type QemuImgClient interface {
	// Create 创建空镜像
	Create(ctx context.Context, format, outputFile string, sizeBytes int64) error
	// CreateWithBacking 从 backing file 创建增量镜像
	CreateWithBacking(ctx context.Context, format, backingFormat, backingFile, outputFile string) error
	// StartConvert 异步转换镜像
	StartConvert(ctx context.Context, outputFormat, inputFile, outputFile string) (*Process, error)
	// Info 获取镜像信息
	Info(ctx context.Context, imagePath string) (*ImageInfo, error)
}

var _ QemuImgClient = (*Client)(nil)
