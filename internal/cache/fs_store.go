package cache

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"

	"github.com/git-graph/graphstate/internal/logging"
)

const tempPrefix = ".avatar-"

// Options 控制 BlobStore 的日志与清理策略。
type Options struct {
	Logger       *logrus.Logger
	ClearPolicy  ClearPolicy
	ClearRetries int
}

// BlobStore 管理 <basePath>/avatars 目录。构造时立即返回，目录供应在后台 goroutine 完成。
type BlobStore struct {
	fs       billy.Filesystem
	basePath string
	dir      string
	log      *logrus.Entry
	policy   ClearPolicy
	retries  int

	state atomic.Int32
	ready chan struct{}

	// fsMu 串行化对 fs 的调用；billy.Filesystem 不保证并发安全。
	fsMu sync.Mutex
	// sweeps 跟踪 Clear 发出、尚未结束的删除。
	sweeps sync.WaitGroup

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewBlobStore 以 basePath 为全局存储目录构建头像 blob 存储，并异步执行目录供应。
func NewBlobStore(fsys billy.Filesystem, basePath string, opts Options) *BlobStore {
	base := filepath.Clean(basePath)
	policy := opts.ClearPolicy
	if policy == "" {
		policy = ClearIgnore
	}

	s := &BlobStore{
		fs:       fsys,
		basePath: base,
		dir:      filepath.Join(base, DirName),
		log:      logging.Component(opts.Logger, "avatar_store"),
		policy:   policy,
		retries:  opts.ClearRetries,
		ready:    make(chan struct{}),
		locks:    make(map[string]*entryLock),
	}
	go s.provision()
	return s
}

// provision 只运行一次：目录已存在即可用；否则先尝试创建基础目录（忽略错误），
// 再创建头像目录，成功则可用，失败则不可用。错误不会传播给调用方。
func (s *BlobStore) provision() {
	defer close(s.ready)

	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	if info, err := s.fs.Stat(s.dir); err == nil && info.IsDir() {
		s.state.Store(int32(Available))
		s.log.WithFields(logging.AvatarFields("provision", s.dir, true)).Debug("avatar dir exists")
		return
	}

	if err := s.fs.MkdirAll(s.basePath, 0o755); err != nil {
		s.log.WithError(err).WithField("path", s.basePath).Debug("create base storage dir failed")
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		s.state.Store(int32(Unavailable))
		s.log.WithFields(logging.AvatarFields("provision", s.dir, false)).WithError(err).Warn("avatar storage unavailable")
		return
	}

	s.state.Store(int32(Available))
	s.log.WithFields(logging.AvatarFields("provision", s.dir, true)).Debug("avatar dir created")
}

// Path 返回头像目录的绝对路径。
func (s *BlobStore) Path() string {
	return s.dir
}

// State 返回当前供应状态。
func (s *BlobStore) State() Availability {
	return Availability(s.state.Load())
}

// Available 仅在供应成功后返回 true；供应完成前一律为 false。
func (s *BlobStore) Available() bool {
	return s.State() == Available
}

// Ready 在供应结束（无论成功与否）时关闭。
func (s *BlobStore) Ready() <-chan struct{} {
	return s.ready
}

// Wait 等待供应结束并返回是否可用；ctx 先结束时返回 ctx.Err()。
func (s *BlobStore) Wait(ctx context.Context) (bool, error) {
	select {
	case <-s.ready:
		return s.Available(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close 等待目录供应与已发出的删除全部结束。返回后 BlobStore 不再有后台文件系统操作。
func (s *BlobStore) Close() {
	<-s.ready
	s.sweeps.Wait()
}

// Get 打开名为 name 的头像文件。
func (s *BlobStore) Get(ctx context.Context, name string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.path(name)
	if err != nil {
		return nil, err
	}

	s.fsMu.Lock()
	info, err := s.fs.Stat(filePath)
	var f billy.File
	if err == nil && !info.IsDir() {
		f, err = s.fs.Open(filePath)
	}
	s.fsMu.Unlock()

	if err == nil && info.IsDir() {
		return nil, ErrNotFound
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			Name:      name,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

// Put 以临时文件 + rename 写入头像；目录不可用时返回 ErrStoreUnavailable。
func (s *BlobStore) Put(ctx context.Context, name string, body io.Reader) (*Entry, error) {
	if !s.Available() {
		return nil, ErrStoreUnavailable
	}

	filePath, err := s.path(name)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(name)
	defer unlock()

	// 写入期间持有 fsMu：memfs 的目录列举会读取文件内容长度。
	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	tempFile, err := s.fs.TempFile(s.dir, tempPrefix)
	if err != nil {
		return nil, err
	}
	tempName := filepath.Join(s.dir, filepath.Base(tempFile.Name()))

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tempName)
		return nil, err
	}

	if err := s.fs.Rename(tempName, filePath); err != nil {
		_ = s.fs.Remove(tempName)
		return nil, err
	}

	entry := Entry{
		Name:      name,
		FilePath:  filePath,
		SizeBytes: written,
	}
	if info, err := s.fs.Stat(filePath); err == nil {
		entry.ModTime = info.ModTime()
	}
	return &entry, nil
}

// Remove 删除单个头像文件，文件不存在不视为错误。
func (s *BlobStore) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath, err := s.path(name)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(name)
	defer unlock()

	s.fsMu.Lock()
	err = s.fs.Remove(filePath)
	s.fsMu.Unlock()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Clear 列出目录并为每个文件独立发起删除，不等待删除完成即返回。删除彼此独立，
// 只有文件系统调用本身被串行化。
// 列目录失败时返回空的 Sweep；单个文件失败按 ClearPolicy 处理，不影响其余文件。
func (s *BlobStore) Clear() *Sweep {
	sweep := &Sweep{}

	s.fsMu.Lock()
	infos, err := s.fs.ReadDir(s.dir)
	s.fsMu.Unlock()
	if err != nil {
		s.log.WithError(err).WithField("path", s.dir).Debug("list avatar dir failed")
		return sweep
	}

	for _, info := range infos {
		target := filepath.Join(s.dir, info.Name())
		sweep.requested++
		sweep.wg.Add(1)
		s.sweeps.Add(1)
		go func() {
			defer s.sweeps.Done()
			defer sweep.wg.Done()
			if s.removeWithPolicy(target) {
				sweep.removed.Add(1)
			} else {
				sweep.failed.Add(1)
			}
		}()
	}

	s.log.WithFields(logrus.Fields{
		"action":    "clear",
		"path":      s.dir,
		"requested": sweep.requested,
	}).Debug("avatar deletions issued")
	return sweep
}

func (s *BlobStore) removeWithPolicy(target string) bool {
	attempts := 1
	if s.policy == ClearRetry && s.retries > 0 {
		attempts += s.retries
	}

	var err error
	for i := 0; i < attempts; i++ {
		s.fsMu.Lock()
		err = s.fs.Remove(target)
		s.fsMu.Unlock()
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return true
		}
	}

	if s.policy != ClearIgnore {
		s.log.WithError(err).WithFields(logrus.Fields{
			"path":     target,
			"attempts": attempts,
		}).Warn("avatar deletion failed")
	}
	return false
}

func (s *BlobStore) lockEntry(name string) func() {
	s.mu.Lock()
	lock := s.locks[name]
	if lock == nil {
		lock = &entryLock{}
		s.locks[name] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}

func (s *BlobStore) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
