// Package config 加载存储驱动的配置
//
// 优先级：环境变量 > STORAGEDRIVER_CONFIG 指向的 YAML 文件 > 默认值。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jimyag/storagedriver/pkg/rbd"
	"gopkg.in/yaml.v3"
)

const (
	CephDriverLibrados = "librados"
	CephDriverMemory   = "memory"
)

type Config struct {
	// Address HTTP 监听地址，环境变量 STORAGEDRIVER_ADDRESS
	Address string `yaml:"address"`

	// DataDir 数据目录，环境变量 STORAGEDRIVER_DATA_DIR
	// 默认：~/.local/share/storagedriver
	DataDir string `yaml:"data_dir"`

	// DBPath 任务记录数据库，默认 <data_dir>/storagedriver.db
	DBPath string `yaml:"db_path"`

	QemuImgPath string `yaml:"qemu_img_path"`

	// DownloadMaxSize 单次下载允许写入的最大字节数，环境变量 DOWNLOAD_MAX_SIZE
	DownloadMaxSize ByteSize `yaml:"download_max_size"`

	MergePollInterval Duration `yaml:"merge_poll_interval"`
	ListWorkers       int      `yaml:"list_workers"`

	// TaskCacheSize 内存中保留的已结束任务数
	TaskCacheSize int `yaml:"task_cache_size"`
	// TaskRetention 已结束任务记录的保留时间
	TaskRetention Duration `yaml:"task_retention"`

	Trash TrashConfig `yaml:"trash"`
	Ceph  CephConfig  `yaml:"ceph"`
}

type TrashConfig struct {
	// TargetFreePercent 回收时的目标空闲比例
	TargetFreePercent float64 `yaml:"target_free_percent"`
}

type CephConfig struct {
	// Driver librados（需要 ceph 构建标签）或 memory
	Driver      string   `yaml:"driver"`
	User        string   `yaml:"user"`
	ConfigPath  string   `yaml:"config_path"`
	KeyringPath string   `yaml:"keyring_path"`
	Timeout     Duration `yaml:"timeout"`
	// MemoryPools memory 驱动启动时创建的存储池
	MemoryPools []string `yaml:"memory_pools"`
}

// RBD 转换为集群连接参数
func (c CephConfig) RBD() rbd.Config {
	return rbd.Config{
		User:        c.User,
		ConfigPath:  c.ConfigPath,
		KeyringPath: c.KeyringPath,
		Timeout:     time.Duration(c.Timeout),
	}.WithDefaults()
}

// New 从进程环境加载配置
func New() (*Config, error) {
	return Load(os.Getenv("STORAGEDRIVER_CONFIG"), os.Getenv)
}

// Load 读取 path（为空时跳过）并用 getenv 覆盖，最后补全默认值
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("STORAGEDRIVER_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := getenv("STORAGEDRIVER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := getenv("DOWNLOAD_MAX_SIZE"); v != "" {
		size, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("DOWNLOAD_MAX_SIZE: %w", err)
		}
		c.DownloadMaxSize = size
	}
	if v := getenv("CEPH_USER"); v != "" {
		c.Ceph.User = v
	}
	if v := getenv("CEPH_CONFIG"); v != "" {
		c.Ceph.ConfigPath = v
	}
	if v := getenv("CEPH_KEYRING"); v != "" {
		c.Ceph.KeyringPath = v
	}
	if v := getenv("CEPH_TIMEOUT"); v != "" {
		// 纯数字按秒处理
		if secs, err := strconv.Atoi(v); err == nil {
			c.Ceph.Timeout = Duration(time.Duration(secs) * time.Second)
		} else {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("CEPH_TIMEOUT: %w", err)
			}
			c.Ceph.Timeout = Duration(d)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = "0.0.0.0:7780"
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "storagedriver.db")
	}
	if c.QemuImgPath == "" {
		c.QemuImgPath = "qemu-img"
	}
	if c.DownloadMaxSize <= 0 {
		c.DownloadMaxSize = 10 * ByteSize(humanize.GiByte)
	}
	if c.MergePollInterval <= 0 {
		c.MergePollInterval = Duration(time.Second)
	}
	if c.ListWorkers <= 0 {
		c.ListWorkers = 4
	}
	if c.TaskCacheSize <= 0 {
		c.TaskCacheSize = 256
	}
	if c.TaskRetention <= 0 {
		c.TaskRetention = Duration(24 * time.Hour)
	}
	if c.Trash.TargetFreePercent == 0 {
		c.Trash.TargetFreePercent = 10
	}
	if c.Ceph.Driver == "" {
		c.Ceph.Driver = CephDriverLibrados
	}
	if c.Ceph.Driver == CephDriverMemory && len(c.Ceph.MemoryPools) == 0 {
		c.Ceph.MemoryPools = []string{"rbd"}
	}
	rc := c.Ceph.RBD()
	c.Ceph.User, c.Ceph.ConfigPath, c.Ceph.KeyringPath = rc.User, rc.ConfigPath, rc.KeyringPath
	c.Ceph.Timeout = Duration(rc.Timeout)
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	if c.Trash.TargetFreePercent < 0 || c.Trash.TargetFreePercent > 100 {
		return fmt.Errorf("trash.target_free_percent must be within [0, 100], got %v", c.Trash.TargetFreePercent)
	}
	switch c.Ceph.Driver {
	case CephDriverLibrados, CephDriverMemory:
	default:
		return fmt.Errorf("unknown ceph driver %q", c.Ceph.Driver)
	}
	return nil
}

// defaultDataDir 使用用户主目录下的 .local/share/storagedriver，取不到主目录时使用 ./data
func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "storagedriver")
	}
	return filepath.Join(".", "data")
}

// Duration 以 Go duration 字符串（如 "1s"、"24h"）表示的时长
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ByteSize 支持 "10GiB"、"512 MB" 这类写法的字节数
type ByteSize int64

// ParseByteSize 解析带单位的字节数
func ParseByteSize(s string) (ByteSize, error) {
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(v), nil
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}
