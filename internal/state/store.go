package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/git-graph/graphstate/internal/cache"
	"github.com/git-graph/graphstate/internal/kv"
	"github.com/git-graph/graphstate/internal/logging"
)

// 持久化键名。重命名任何一个都属于破坏性迁移。
const (
	KeyRepoStates       = "repoStates"
	KeyIgnoredRepos     = "ignoredRepos"
	KeyLastActiveRepo   = "lastActiveRepo"
	KeyLastKnownGitPath = "lastKnownGitPath"
	KeyAvatarCache      = "avatarCache"
)

const (
	scopeWorkspace = "workspace"
	scopeGlobal    = "global"
)

// Options 注入两个命名空间与头像 blob 存储。
type Options struct {
	Workspace kv.Store
	Global    kv.Store
	Avatars   *cache.BlobStore
	Freshness cache.FreshnessPolicy
	Logger    *logrus.Logger
}

// Store 隐藏工作区/全局两个命名空间以及头像目录供应的细节。所有方法可并发调用。
type Store struct {
	workspace kv.Store
	global    kv.Store
	avatars   *cache.BlobStore
	freshness cache.FreshnessPolicy
	log       *logrus.Entry

	// avatarMu 串行化头像索引的读-改-写，避免并发调用互相覆盖。
	avatarMu sync.Mutex
}

// New 构建 Store。头像目录的供应由 BlobStore 在后台进行，New 不会阻塞。
func New(opts Options) (*Store, error) {
	if opts.Workspace == nil {
		return nil, errors.New("workspace namespace is required")
	}
	if opts.Global == nil {
		return nil, errors.New("global namespace is required")
	}
	if opts.Avatars == nil {
		return nil, errors.New("avatar blob store is required")
	}
	return &Store{
		workspace: opts.Workspace,
		global:    opts.Global,
		avatars:   opts.Avatars,
		freshness: opts.Freshness,
		log:       logging.Component(opts.Logger, "state"),
	}, nil
}

// Close 等待头像目录供应与后台删除结束，再关闭两个命名空间。
func (s *Store) Close() error {
	s.avatars.Close()
	return errors.Join(s.workspace.Close(), s.global.Close())
}

/* Discovered repos */

// GetRepos 返回已发现仓库集合，每条记录都按当前默认 schema 补齐字段。
func (s *Store) GetRepos() (RepoSet, error) {
	stored, err := kv.Get(s.workspace, KeyRepoStates, map[string]json.RawMessage{})
	if err != nil {
		return nil, err
	}
	return normalizeRepoSet(stored)
}

// SaveRepos 整体覆盖仓库集合，不做合并。
func (s *Store) SaveRepos(repos RepoSet) error {
	if repos == nil {
		repos = RepoSet{}
	}
	return s.update(s.workspace, scopeWorkspace, KeyRepoStates, repos)
}

/* Ignored repos */

// GetIgnoredRepos 返回被排除的仓库路径，未设置时返回空切片。
func (s *Store) GetIgnoredRepos() ([]string, error) {
	ignored, err := kv.Get(s.workspace, KeyIgnoredRepos, []string{})
	if err != nil {
		return nil, err
	}
	if ignored == nil {
		ignored = []string{}
	}
	return ignored, nil
}

// SetIgnoredRepos 整体覆盖被排除的仓库列表，保持调用方给定的顺序。
func (s *Store) SetIgnoredRepos(ignored []string) error {
	if ignored == nil {
		ignored = []string{}
	}
	return s.update(s.workspace, scopeWorkspace, KeyIgnoredRepos, ignored)
}

/* Last active repo */

// GetLastActiveRepo 返回上次激活的仓库路径，空字符串表示无。
func (s *Store) GetLastActiveRepo() (string, error) {
	repo, err := kv.Get[*string](s.workspace, KeyLastActiveRepo, nil)
	if err != nil || repo == nil {
		return "", err
	}
	return *repo, nil
}

// SetLastActiveRepo 记录当前激活的仓库；传入空字符串写入 null 哨兵以清除。
func (s *Store) SetLastActiveRepo(repo string) error {
	var value *string
	if repo != "" {
		value = &repo
	}
	return s.update(s.workspace, scopeWorkspace, KeyLastActiveRepo, value)
}

/* Last known git path */

// GetLastKnownGitPath 返回上次成功解析的 git 可执行文件路径（跨工作区共享）。
func (s *Store) GetLastKnownGitPath() (string, error) {
	path, err := kv.Get[*string](s.global, KeyLastKnownGitPath, nil)
	if err != nil || path == nil {
		return "", err
	}
	return *path, nil
}

// SetLastKnownGitPath 记录解析到的 git 可执行文件路径，写入全局命名空间。
func (s *Store) SetLastKnownGitPath(path string) error {
	return s.update(s.global, scopeGlobal, KeyLastKnownGitPath, path)
}

/* Avatars */

// IsAvatarStorageAvailable 反映头像目录的供应状态，供应完成前恒为 false。
func (s *Store) IsAvatarStorageAvailable() bool {
	return s.avatars.Available()
}

// AvatarStoragePath 返回头像目录的绝对路径。
func (s *Store) AvatarStoragePath() string {
	return s.avatars.Path()
}

// WaitAvatarStorage 等待供应结束，返回目录是否可用。ctx 结束时返回 false。
func (s *Store) WaitAvatarStorage(ctx context.Context) bool {
	ok, err := s.avatars.Wait(ctx)
	return err == nil && ok
}

// GetAvatarCache 返回头像索引，未设置时返回空 map。
func (s *Store) GetAvatarCache() (AvatarCache, error) {
	avatars, err := kv.Get(s.global, KeyAvatarCache, AvatarCache{})
	if err != nil {
		return nil, err
	}
	if avatars == nil {
		avatars = AvatarCache{}
	}
	return avatars, nil
}

// GetAvatar 返回单个头像条目。
func (s *Store) GetAvatar(email string) (Avatar, bool, error) {
	avatars, err := s.GetAvatarCache()
	if err != nil {
		return Avatar{}, false, err
	}
	avatar, ok := avatars[email]
	return avatar, ok, nil
}

// SaveAvatar 插入或覆盖一个头像条目。
func (s *Store) SaveAvatar(email string, avatar Avatar) error {
	return s.mutateAvatars(func(avatars AvatarCache) bool {
		avatars[email] = avatar
		return true
	})
}

// RemoveAvatarFromCache 从索引中移除一个条目，条目不存在时不写入。
func (s *Store) RemoveAvatarFromCache(email string) error {
	return s.mutateAvatars(func(avatars AvatarCache) bool {
		if _, ok := avatars[email]; !ok {
			return false
		}
		delete(avatars, email)
		return true
	})
}

// ClearAvatarCache 将索引覆盖为空，并为头像目录中的每个文件发起删除。
// 删除在后台进行；返回的 Sweep 可用于等待结果。
func (s *Store) ClearAvatarCache() (*cache.Sweep, error) {
	s.avatarMu.Lock()
	err := s.update(s.global, scopeGlobal, KeyAvatarCache, AvatarCache{})
	s.avatarMu.Unlock()

	sweep := s.avatars.Clear()
	s.log.WithFields(logrus.Fields{
		"action":    "clear_avatar_cache",
		"requested": sweep.Requested(),
	}).Info("avatar cache cleared")
	return sweep, err
}

// CacheAvatar 记录一次成功获取的头像。目录可用时写入图片文件；不可用时跳过磁盘，
// 仍然写入索引条目。
func (s *Store) CacheAvatar(ctx context.Context, email, format string, image io.Reader, identicon bool) (Avatar, error) {
	avatar := Avatar{
		Image:     cache.BlobName(email, format),
		Timestamp: time.Now().UnixMilli(),
		Identicon: identicon,
	}

	if s.avatars.Available() {
		if _, err := s.avatars.Put(ctx, avatar.Image, image); err != nil {
			return Avatar{}, fmt.Errorf("write avatar blob: %w", err)
		}
	} else {
		s.log.WithFields(logging.AvatarFields("cache_avatar", s.avatars.Path(), false)).
			Debug("avatar storage unavailable, skipping blob write")
	}

	if err := s.SaveAvatar(email, avatar); err != nil {
		return Avatar{}, err
	}
	return avatar, nil
}

// AvatarImage 打开 email 对应的头像文件。索引中没有条目或文件缺失时返回 cache.ErrNotFound，
// 调用方负责关闭 Reader。
func (s *Store) AvatarImage(ctx context.Context, email string) (*cache.ReadResult, error) {
	avatar, ok, err := s.GetAvatar(email)
	if err != nil {
		return nil, err
	}
	if !ok || !s.avatars.Available() {
		return nil, cache.ErrNotFound
	}
	return s.avatars.Get(ctx, avatar.Image)
}

// StaleAvatars 返回按刷新策略已过期的身份标识，按字典序排列。
func (s *Store) StaleAvatars() ([]string, error) {
	avatars, err := s.GetAvatarCache()
	if err != nil {
		return nil, err
	}

	stale := make([]string, 0)
	for email, avatar := range avatars {
		if s.freshness.Expired(avatar.Timestamp, avatar.Identicon) {
			stale = append(stale, email)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

func (s *Store) mutateAvatars(mutate func(AvatarCache) bool) error {
	s.avatarMu.Lock()
	defer s.avatarMu.Unlock()

	avatars, err := s.GetAvatarCache()
	if err != nil {
		return err
	}
	if !mutate(avatars) {
		return nil
	}
	return s.update(s.global, scopeGlobal, KeyAvatarCache, avatars)
}

func (s *Store) update(ns kv.Store, scope, key string, value any) error {
	if err := kv.Update(ns, key, value); err != nil {
		s.log.WithFields(logging.StateFields(scope, key)).WithError(err).Warn("state update failed")
		return err
	}
	return nil
}
