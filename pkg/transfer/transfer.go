// Package transfer 实现镜像的流式下载：请求、解压、大小限制、进度上报和取消
package transfer

import (
	"compress/bzip2"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/rs/zerolog"
)

const (
	// DefaultChunkSize 每次读取的分块大小
	DefaultChunkSize = 256 << 10
	// DefaultMaxSize 默认最大下载大小
	DefaultMaxSize int64 = 10 << 30
)

// Compression 由 URL 扩展名推断的压缩方式
type Compression string

const (
	CompressionNone  Compression = ""
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
)

// Options 下载参数
type Options struct {
	// MaxSize 允许写入的最大字节数，也是缺少 Content-Length 时的进度分母
	MaxSize   int64
	ChunkSize int
	Client    *http.Client
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	return o
}

// Source URL 的类型信息
type Source struct {
	URL         string
	Compression Compression
	// Zip 为 true 时下载完成后需要由后端解包
	Zip bool
}

// ParseSource 根据 URL 路径的扩展名判断压缩和归档方式
func ParseSource(rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Source{}, apierror.Wrapf(apierror.ErrSourceUnavailable, err, "invalid url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Source{}, apierror.Errorf(apierror.ErrSourceUnavailable, "unsupported url scheme %q", u.Scheme)
	}
	src := Source{URL: rawURL}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".gz":
		src.Compression = CompressionGzip
	case ".bz2":
		src.Compression = CompressionBzip2
	case ".zip":
		src.Zip = true
	}
	return src, nil
}

// Stream 已通过状态码和声明大小检查的下载流
type Stream struct {
	Source
	// Length 声明的 Content-Length，未声明时为 -1
	Length int64

	total int64
	body  io.ReadCloser
	opts  Options
}

// Open 发起请求并检查响应
// 非 200 返回 SourceUnavailable；声明长度超过 MaxSize 返回 PayloadTooLarge；ctx 取消返回 Aborted
func Open(ctx context.Context, rawURL string, opts Options) (*Stream, error) {
	opts = opts.withDefaults()
	src, err := ParseSource(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apierror.Wrapf(apierror.ErrSourceUnavailable, err, "build request for %s", rawURL)
	}
	resp, err := opts.Client.Do(req)
	if err != nil {
		// 等待响应头期间被取消
		if ctx.Err() != nil {
			return nil, apierror.Wrapf(apierror.ErrAborted, err, "request %s", rawURL)
		}
		return nil, apierror.Wrapf(apierror.ErrSourceUnavailable, err, "request %s", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, apierror.Errorf(apierror.ErrSourceUnavailable, "invalid response status code %d at %s", resp.StatusCode, rawURL)
	}
	if resp.ContentLength > opts.MaxSize {
		_ = resp.Body.Close()
		return nil, apierror.Errorf(apierror.ErrPayloadTooLarge, "%s is %s, maximum is %s",
			rawURL, humanize.IBytes(uint64(resp.ContentLength)), humanize.IBytes(uint64(opts.MaxSize)))
	}

	total := resp.ContentLength
	if total <= 0 {
		total = opts.MaxSize
	}
	zerolog.Ctx(ctx).Debug().
		Str("url", rawURL).
		Int64("content_length", resp.ContentLength).
		Str("compression", string(src.Compression)).
		Msg("Download source opened")

	return &Stream{
		Source: src,
		Length: resp.ContentLength,
		total:  total,
		body:   resp.Body,
		opts:   opts,
	}, nil
}

// Close 关闭网络流
func (s *Stream) Close() error {
	return s.body.Close()
}

// CopyTo 分块读取、按需解压并写入 w，返回写入的字节数
//
// 每个分块之前检查取消；百分比按已消费的源字节计算，写入字节超过 MaxSize 时
// 返回 PayloadTooLarge。调用方负责清理 w 背后的产物。
func (s *Stream) CopyTo(ctx context.Context, tr *disk.Tracker, w io.Writer) (int64, error) {
	tr.SetTotal(s.total)
	if tr.Aborted(ctx) {
		return 0, apierror.ErrAborted
	}

	counter := &countingReader{r: s.body}
	var src io.Reader = counter
	switch s.Compression {
	case CompressionGzip:
		gz, err := gzip.NewReader(counter)
		if err != nil {
			if tr.Aborted(ctx) {
				return 0, apierror.ErrAborted
			}
			return 0, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	case CompressionBzip2:
		src = bzip2.NewReader(counter)
	}

	buf := make([]byte, s.opts.ChunkSize)
	var written int64
	for {
		if tr.Aborted(ctx) {
			return written, apierror.ErrAborted
		}
		n, rerr := readChunk(src, buf)
		if n > 0 {
			if written+int64(n) > s.opts.MaxSize {
				return written, apierror.Errorf(apierror.ErrPayloadTooLarge, "%s exceeds maximum size %s",
					s.URL, humanize.IBytes(uint64(s.opts.MaxSize)))
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write chunk at %d: %w", written, err)
			}
			written += int64(n)
			tr.Update(counter.n, written)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if tr.Aborted(ctx) {
				return written, apierror.ErrAborted
			}
			return written, fmt.Errorf("read %s: %w", s.URL, rerr)
		}
	}
	tr.Update(counter.n, written)
	return written, nil
}

// readChunk 尽量填满 buf，只在源结束时返回 io.EOF
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
