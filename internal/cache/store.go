package cache

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DirName 是头像目录相对于全局存储目录的固定子目录名，属于磁盘布局契约。
const DirName = "avatars"

// Availability 描述头像目录的供应状态，只会从 Uninitialized 迁移一次到终态。
type Availability int32

const (
	Uninitialized Availability = iota
	Available
	Unavailable
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "uninitialized"
	}
}

// ClearPolicy 控制清理缓存时单个文件删除失败的处理方式。
type ClearPolicy string

const (
	ClearIgnore ClearPolicy = "ignore"
	ClearLog    ClearPolicy = "log"
	ClearRetry  ClearPolicy = "retry"
)

// Entry 表示一个已缓存的头像文件。
type Entry struct {
	Name      string    `json:"name"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责关闭 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

var (
	// ErrNotFound 表示头像文件不存在。
	ErrNotFound = errors.New("avatar blob not found")
	// ErrStoreUnavailable 表示头像目录尚未（或无法）就绪，调用方应跳过磁盘写入。
	ErrStoreUnavailable = errors.New("avatar storage unavailable")
	// ErrInvalidName 表示文件名包含路径成分。
	ErrInvalidName = errors.New("invalid avatar blob name")
)

// BlobName 根据身份标识（通常是邮箱）派生稳定的文件名：MD5 十六进制 + 扩展名。
// 该规则是磁盘契约，修改会导致已有缓存全部失效。
func BlobName(identity, format string) string {
	sum := md5.Sum([]byte(identity))
	name := hex.EncodeToString(sum[:])
	format = strings.TrimPrefix(strings.TrimSpace(format), ".")
	if format == "" {
		return name
	}
	return name + "." + format
}

// Sweep 跟踪一次清理中已发出的删除请求。Clear 返回时删除仍可能在进行中。
type Sweep struct {
	requested int
	removed   atomic.Int64
	failed    atomic.Int64
	wg        sync.WaitGroup
}

// SweepResult 汇总清理结果。
type SweepResult struct {
	Requested int `json:"requested"`
	Removed   int `json:"removed"`
	Failed    int `json:"failed"`
}

// Requested 返回发出删除请求的文件数，无需等待删除完成。
func (s *Sweep) Requested() int {
	return s.requested
}

// Wait 阻塞直到全部删除请求结束。
func (s *Sweep) Wait() SweepResult {
	s.wg.Wait()
	return SweepResult{
		Requested: s.requested,
		Removed:   int(s.removed.Load()),
		Failed:    int(s.failed.Load()),
	}
}
