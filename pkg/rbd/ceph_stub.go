//go:build !ceph

package rbd

import "errors"

// NewCephDialer 未启用 ceph 构建标签时不可用
func NewCephDialer() (Dialer, error) {
	return nil, errors.New("librados support not compiled in, rebuild with -tags ceph")
}
