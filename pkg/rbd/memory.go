package rbd

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
)

const memoryObjectSize = 4 << 20

// MemoryDialer 进程内的集群实现，镜像按对象稀疏存储
// 所有连接共享同一份数据，用于测试和没有集群的开发环境
type MemoryDialer struct {
	mu       sync.Mutex
	capacity uint64
	pools    map[string]*memPool
	// DialErr 不为 nil 时 Dial 返回该错误
	DialErr error
}

// NewMemoryDialer 创建容量为 1TiB 的内存集群
func NewMemoryDialer() *MemoryDialer {
	return &MemoryDialer{
		capacity: 1 << 40,
		pools:    make(map[string]*memPool),
	}
}

// SetCapacity 设置集群总容量，用于模拟空间不足
func (d *MemoryDialer) SetCapacity(capacity uint64) {
	d.mu.Lock()
	d.capacity = capacity
	d.mu.Unlock()
}

// CreatePool 创建存储池，已存在时不做任何事
func (d *MemoryDialer) CreatePool(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pools[name]; !ok {
		d.pools[name] = &memPool{d: d, images: make(map[string]*memImage)}
	}
}

func (d *MemoryDialer) Dial(ctx context.Context, cfg Config) (Cluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	return &memCluster{d: d}, nil
}

type memCluster struct {
	d *MemoryDialer
}

func (c *memCluster) OpenPool(name string) (Pool, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	p, ok := c.d.pools[name]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", name, ErrNotFound)
	}
	return p, nil
}

func (c *memCluster) Stat() (ClusterStat, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	var used uint64
	for _, p := range c.d.pools {
		for _, img := range p.images {
			used += img.allocated()
		}
	}
	avail := uint64(0)
	if used < c.d.capacity {
		avail = c.d.capacity - used
	}
	return ClusterStat{Total: c.d.capacity, Used: used, Avail: avail}, nil
}

func (c *memCluster) Shutdown() {}

type memPool struct {
	d      *MemoryDialer
	images map[string]*memImage
}

type memSnap struct {
	name      string
	protected bool
	objects   map[uint64][]byte
	size      uint64
	children  int
}

type memImage struct {
	size        uint64
	objects     map[uint64][]byte
	snaps       []*memSnap
	meta        map[string]string
	parent      *memImage
	parentName  string
	parentSnap  string
	parentState *memSnap
}

func newMemImage(size uint64) *memImage {
	return &memImage{size: size, objects: make(map[uint64][]byte), meta: make(map[string]string)}
}

func (m *memImage) allocated() uint64 {
	return uint64(len(m.objects)) * memoryObjectSize
}

func (m *memImage) snap(name string) *memSnap {
	for _, s := range m.snaps {
		if s.name == name {
			return s
		}
	}
	return nil
}

// readObject 返回对象内容，克隆镜像未写过的对象回落到父快照
func (m *memImage) readObject(idx uint64) []byte {
	if obj, ok := m.objects[idx]; ok {
		return obj
	}
	if m.parentState != nil && idx*memoryObjectSize < m.parentState.size {
		return m.parentState.objects[idx]
	}
	return nil
}

func (p *memPool) CreateImage(name string, size uint64) error {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	if _, ok := p.images[name]; ok {
		return fmt.Errorf("image %s: %w", name, ErrExist)
	}
	p.images[name] = newMemImage(size)
	return nil
}

func (p *memPool) OpenImage(name string) (Image, error) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	if _, ok := p.images[name]; !ok {
		return nil, fmt.Errorf("image %s: %w", name, ErrNotFound)
	}
	return &memHandle{p: p, name: name}, nil
}

func (p *memPool) RemoveImage(name string) error {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	img, ok := p.images[name]
	if !ok {
		return fmt.Errorf("image %s: %w", name, ErrNotFound)
	}
	if len(img.snaps) > 0 {
		return fmt.Errorf("image %s has snapshots: %w", name, ErrBusy)
	}
	if img.parentState != nil {
		img.parentState.children--
	}
	delete(p.images, name)
	return nil
}

func (p *memPool) ImageNames() ([]string, error) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	names := make([]string, 0, len(p.images))
	for name := range p.images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *memPool) Clone(parent, snap, name string) error {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	src, ok := p.images[parent]
	if !ok {
		return fmt.Errorf("image %s: %w", parent, ErrNotFound)
	}
	s := src.snap(snap)
	if s == nil {
		return fmt.Errorf("snapshot %s@%s: %w", parent, snap, ErrNotFound)
	}
	if !s.protected {
		return fmt.Errorf("snapshot %s@%s is not protected", parent, snap)
	}
	if _, ok := p.images[name]; ok {
		return fmt.Errorf("image %s: %w", name, ErrExist)
	}
	img := newMemImage(s.size)
	img.parent = src
	img.parentName = parent
	img.parentSnap = snap
	img.parentState = s
	s.children++
	p.images[name] = img
	return nil
}

func (p *memPool) Close() {}

// memHandle 按名字引用镜像，Rename 之后继续有效
type memHandle struct {
	p      *memPool
	name   string
	closed bool
}

func (h *memHandle) image() (*memImage, error) {
	if h.closed {
		return nil, fmt.Errorf("image %s is closed", h.name)
	}
	img, ok := h.p.images[h.name]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", h.name, ErrNotFound)
	}
	return img, nil
}

func (h *memHandle) ReadAt(b []byte, off int64) (int, error) {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if uint64(off) >= img.size {
		return 0, io.EOF
	}
	n := len(b)
	if rest := img.size - uint64(off); uint64(n) > rest {
		n = int(rest)
	}
	for done := 0; done < n; {
		pos := uint64(off) + uint64(done)
		idx, inner := pos/memoryObjectSize, pos%memoryObjectSize
		step := min(uint64(n-done), memoryObjectSize-inner)
		dst := b[done : done+int(step)]
		if obj := img.readObject(idx); obj != nil {
			copy(dst, obj[inner:inner+step])
		} else {
			clear(dst)
		}
		done += int(step)
	}
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memHandle) WriteAt(b []byte, off int64) (int, error) {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return 0, err
	}
	if off < 0 || uint64(off)+uint64(len(b)) > img.size {
		return 0, fmt.Errorf("write %d bytes at %d beyond image size %d", len(b), off, img.size)
	}
	for done := 0; done < len(b); {
		pos := uint64(off) + uint64(done)
		idx, inner := pos/memoryObjectSize, pos%memoryObjectSize
		step := min(uint64(len(b)-done), memoryObjectSize-inner)
		obj, ok := img.objects[idx]
		if !ok {
			obj = make([]byte, memoryObjectSize)
			if parent := img.readObject(idx); parent != nil {
				copy(obj, parent)
			}
			img.objects[idx] = obj
		}
		copy(obj[inner:inner+step], b[done:done+int(step)])
		done += int(step)
	}
	return len(b), nil
}

func (h *memHandle) Stat() (ImageStat, error) {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return ImageStat{}, err
	}
	return ImageStat{
		Size:       img.size,
		ObjectSize: memoryObjectSize,
		NumObjects: uint64(len(img.objects)),
	}, nil
}

func (h *memHandle) Resize(size uint64) error {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return err
	}
	if size < img.size {
		last := (size + memoryObjectSize - 1) / memoryObjectSize
		for idx := range img.objects {
			if idx >= last {
				delete(img.objects, idx)
			}
		}
		if tail := size % memoryObjectSize; tail != 0 {
			if obj, ok := img.objects[size/memoryObjectSize]; ok {
				clear(obj[tail:])
			}
		}
	}
	img.size = size
	return nil
}

func (h *memHandle) Flush() error {
	return nil
}

func (h *memHandle) CopyTo(name string) error {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return err
	}
	if _, ok := h.p.images[name]; ok {
		return fmt.Errorf("image %s: %w", name, ErrExist)
	}
	dst := newMemImage(img.size)
	objects := (img.size + memoryObjectSize - 1) / memoryObjectSize
	for idx := uint64(0); idx < objects; idx++ {
		if obj := img.readObject(idx); obj != nil {
			dst.objects[idx] = slices.Clone(obj)
		}
	}
	h.p.images[name] = dst
	return nil
}

func (h *memHandle) Parent() (string, string, error) {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return "", "", err
	}
	if img.parentState == nil {
		return "", "", nil
	}
	// 父镜像可能已被重命名
	for name, cand := range h.p.images {
		if cand == img.parent {
			return name, img.parentSnap, nil
		}
	}
	return img.parentName, img.parentSnap, nil
}

func (h *memHandle) Snapshots() ([]string, error) {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(img.snaps))
	for _, s := range img.snaps {
		names = append(names, s.name)
	}
	return names, nil
}

func (h *memHandle) CreateSnapshot(name string) error {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return err
	}
	if img.snap(name) != nil {
		return fmt.Errorf("snapshot %s@%s: %w", h.name, name, ErrExist)
	}
	objects := make(map[uint64][]byte, len(img.objects))
	count := (img.size + memoryObjectSize - 1) / memoryObjectSize
	for idx := uint64(0); idx < count; idx++ {
		if obj := img.readObject(idx); obj != nil {
			objects[idx] = slices.Clone(obj)
		}
	}
	img.snaps = append(img.snaps, &memSnap{name: name, objects: objects, size: img.size})
	return nil
}

func (h *memHandle) withSnap(name string, fn func(img *memImage, s *memSnap) error) error {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return err
	}
	s := img.snap(name)
	if s == nil {
		return fmt.Errorf("snapshot %s@%s: %w", h.name, name, ErrNotFound)
	}
	return fn(img, s)
}

func (h *memHandle) ProtectSnapshot(name string) error {
	return h.withSnap(name, func(_ *memImage, s *memSnap) error {
		s.protected = true
		return nil
	})
}

func (h *memHandle) UnprotectSnapshot(name string) error {
	return h.withSnap(name, func(_ *memImage, s *memSnap) error {
		if s.children > 0 {
			return fmt.Errorf("snapshot %s@%s has %d children: %w", h.name, name, s.children, ErrBusy)
		}
		s.protected = false
		return nil
	})
}

func (h *memHandle) SnapshotProtected(name string) (bool, error) {
	var protected bool
	err := h.withSnap(name, func(_ *memImage, s *memSnap) error {
		protected = s.protected
		return nil
	})
	return protected, err
}

func (h *memHandle) RemoveSnapshot(name string) error {
	return h.withSnap(name, func(img *memImage, s *memSnap) error {
		if s.protected {
			return fmt.Errorf("snapshot %s@%s is protected: %w", h.name, name, ErrBusy)
		}
		img.snaps = slices.DeleteFunc(img.snaps, func(c *memSnap) bool { return c == s })
		return nil
	})
}

func (h *memHandle) Rename(name string) error {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return err
	}
	if _, ok := h.p.images[name]; ok {
		return fmt.Errorf("image %s: %w", name, ErrExist)
	}
	delete(h.p.images, h.name)
	h.p.images[name] = img
	h.name = name
	return nil
}

func (h *memHandle) SetMetadata(key, value string) error {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return err
	}
	img.meta[key] = value
	return nil
}

func (h *memHandle) Metadata(key string) (string, error) {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return "", err
	}
	v, ok := img.meta[key]
	if !ok {
		return "", fmt.Errorf("metadata %s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (h *memHandle) RemoveMetadata(key string) error {
	h.p.d.mu.Lock()
	defer h.p.d.mu.Unlock()
	img, err := h.image()
	if err != nil {
		return err
	}
	if _, ok := img.meta[key]; !ok {
		return fmt.Errorf("metadata %s: %w", key, ErrNotFound)
	}
	delete(img.meta, key)
	return nil
}

func (h *memHandle) Close() error {
	h.closed = true
	return nil
}
