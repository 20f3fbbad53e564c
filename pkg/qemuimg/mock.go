package qemuimg

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient 是 QemuImgClient 的 mock 实现
// 用于测试，不需要真实的 qemu-img 命令
type MockClient struct {
	mock.Mock
}

// NewMockClient 创建新的 MockClient
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Create 实现 QemuImgClient 接口
func (m *MockClient) Create(ctx context.Context, format, outputFile string, sizeBytes int64) error {
	args := m.Called(ctx, format, outputFile, sizeBytes)
	return args.Error(0)
}

// CreateWithBacking 实现 QemuImgClient 接口
func (m *MockClient) CreateWithBacking(ctx context.Context, format, backingFormat, backingFile, outputFile string) error {
	args := m.Called(ctx, format, backingFormat, backingFile, outputFile)
	return args.Error(0)
}

// StartConvert 实现 QemuImgClient 接口
func (m *MockClient) StartConvert(ctx context.Context, outputFormat, inputFile, outputFile string) (*Process, error) {
	args := m.Called(ctx, outputFormat, inputFile, outputFile)
	if fn, ok := args.Get(0).(func(context.Context, string, string, string) (*Process, error)); ok {
		return fn(ctx, outputFormat, inputFile, outputFile)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Process), args.Error(1)
}

// Info 实现 QemuImgClient 接口
func (m *MockClient) Info(ctx context.Context, imagePath string) (*ImageInfo, error) {
	args := m.Called(ctx, imagePath)
	if fn, ok := args.Get(0).(func(context.Context, string) (*ImageInfo, error)); ok {
		return fn(ctx, imagePath)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ImageInfo), args.Error(1)
}

var _ QemuImgClient = (*MockClient)(nil)
