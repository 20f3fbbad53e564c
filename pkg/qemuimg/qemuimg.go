package qemuimg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/jimyag/storagedriver/pkg/apierror"
)

// Client 封装 qemu-img 命令行工具的操作
type Client struct {
	qemuImgPath string
	timeout     time.Duration
}

// New 创建新的 qemuimg client
// qemuImgPath 是 qemu-img 的路径，如果为空则使用默认的 "qemu-img"
func New(qemuImgPath string) *Client {
	if qemuImgPath == "" {
		qemuImgPath = "qemu-img"
	}
	return &Client{
		qemuImgPath: qemuImgPath,
		timeout:     30 * time.Minute, // 默认超时 30 分钟（大文件操作可能需要较长时间）
	}
}

// WithTimeout 设置同步操作的超时时间
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// ImageInfo qemu-img info --output=json 的输出
type ImageInfo struct {
	Filename              string `json:"filename"`
	Format                string `json:"format"`
	VirtualSize           int64  `json:"virtual-size"`
	ActualSize            int64  `json:"actual-size"`
	BackingFilename       string `json:"backing-filename,omitempty"`
	FullBackingFilename   string `json:"full-backing-filename,omitempty"`
	BackingFilenameFormat string `json:"backing-filename-format,omitempty"`
	DirtyFlag             bool   `json:"dirty-flag,omitempty"`
}

// Create 创建空镜像
//
// 示例：
//
//	err := client.Create(ctx, "qcow2", "/path/to/new.qcow2", 10<<30)
func (c *Client) Create(ctx context.Context, format, outputFile string, sizeBytes int64) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.run(ctx, "create", "-f", format, outputFile, strconv.FormatInt(sizeBytes, 10))
}

// CreateWithBacking 以 backingFile 为 base 创建增量镜像
//
// 参数：
//   - format: 输出镜像格式（如 "qcow2"）
//   - backingFormat: backing file 的格式（如 "qcow2"）
//   - backingFile: backing file 的路径
//   - outputFile: 输出文件路径
func (c *Client) CreateWithBacking(ctx context.Context, format, backingFormat, backingFile, outputFile string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.run(ctx, "create",
		"-f", format,
		"-F", backingFormat,
		"-b", backingFile,
		outputFile,
	)
}

// StartConvert 以独立进程组启动转换，调用方轮询输出文件大小并在取消时 Terminate
func (c *Client) StartConvert(ctx context.Context, outputFormat, inputFile, outputFile string) (*Process, error) {
	return StartProcess(ctx, c.qemuImgPath, "convert", "-O", outputFormat, inputFile, outputFile)
}

// Info 获取镜像信息
//
// 示例：
//
//	info, err := client.Info(ctx, "/path/to/image.qcow2")
//	fmt.Println(info.Format, info.VirtualSize, info.BackingFilename)
func (c *Client) Info(ctx context.Context, imagePath string) (*ImageInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second) // info 操作通常很快
	defer cancel()

	cmd := exec.CommandContext(ctx, c.qemuImgPath, "info", "--output=json", imagePath)
	output, err := cmd.Output()
	if err != nil {
		return nil, toolError(err, "info", imagePath, stderrOf(err))
	}

	var info ImageInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, fmt.Errorf("parse qemu-img info output for %s: %w", imagePath, err)
	}
	return &info, nil
}

func (c *Client) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.qemuImgPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return toolError(err, args[0], args[len(args)-1], string(output))
	}
	return nil
}

func toolError(err error, op, target, output string) error {
	return apierror.Wrapf(apierror.ErrExternalToolFailure, err,
		"qemu-img %s %s failed, output: %s", op, target, output)
}

func stderrOf(err error) string {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return string(exitErr.Stderr)
	}
	return ""
}
