package disk

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/opencontainers/go-digest"
)

// ChecksumBlockSize 摘要计算的读取块大小
const ChecksumBlockSize = 64 << 10

// Checksum 以 ChecksumBlockSize 分块读取 r 计算摘要
// 结果只取决于字节流内容，与读取来源无关；size 仅用于计算进度
func Checksum(ctx context.Context, task Task, r io.Reader, size int64) (digest.Digest, error) {
	tr := NewTracker(task)
	tr.SetTotal(size)

	digester := digest.Canonical.Digester()
	h := digester.Hash()
	buf := make([]byte, ChecksumBlockSize)
	var done int64
	for {
		if tr.Aborted(ctx) {
			return "", apierror.ErrAborted
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
			done += int64(n)
			tr.Update(done, done)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read block at %d: %w", done, err)
		}
	}
	tr.Done(done)
	return digester.Digest(), nil
}
