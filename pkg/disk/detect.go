package disk

import (
	"bytes"
	"errors"
	"io"

	"github.com/kdomanski/iso9660"
)

// SniffSize 识别格式需要读取的头部长度，覆盖 ISO9660 第三个卷描述符
const SniffSize = 40 << 10

var (
	// qcow2Magic "QFI\xfb"
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}
	// mbrSignature 引导扇区末尾的 0x55aa
	mbrSignature = []byte{0x55, 0xaa}
	// iso9660Magic 卷描述符标识 "CD001"
	iso9660Magic = []byte("CD001")
	// 卷描述符从第 16 个 2048 字节扇区开始，标识位于偏移 1
	iso9660Offsets = []int{0x8001, 0x8801, 0x9001}
)

// DetectFormat 根据头部魔数识别镜像格式
// qcow2 头 -> qcow2；ISO9660 卷描述符或 x86 引导扇区 -> iso
func DetectFormat(head []byte) (Format, bool) {
	if bytes.HasPrefix(head, qcow2Magic) {
		return FormatQcow2, true
	}
	if HasISO9660(head) {
		return FormatISO, true
	}
	if HasBootSector(head) {
		return FormatISO, true
	}
	return "", false
}

// HasBootSector 判断头部是否以 x86 引导扇区结尾标志 0x55aa 结束第一个扇区
func HasBootSector(head []byte) bool {
	return len(head) >= 512 && bytes.Equal(head[510:512], mbrSignature)
}

// DetectImage 读取 r 的头部识别格式，下载校验和查询镜像共用这一规则
// 只有 ISO9660 卷描述符而没有引导扇区时，还要求能被解析为 ISO9660 文件系统
func DetectImage(r io.ReaderAt) (Format, bool, error) {
	head, err := ReadHead(r)
	if err != nil {
		return "", false, err
	}
	format, ok := DetectFormat(head)
	if ok && format == FormatISO && !HasBootSector(head) {
		if _, err := iso9660.OpenImage(r); err != nil {
			return "", false, nil
		}
	}
	return format, ok, nil
}

// HasISO9660 判断头部是否包含 ISO9660 卷描述符
func HasISO9660(head []byte) bool {
	for _, off := range iso9660Offsets {
		if len(head) >= off+len(iso9660Magic) && bytes.Equal(head[off:off+len(iso9660Magic)], iso9660Magic) {
			return true
		}
	}
	return false
}

// ReadHead 读取最多 SniffSize 字节，内容较短时返回实际读取的部分
func ReadHead(r io.ReaderAt) ([]byte, error) {
	buf := make([]byte, SniffSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}
