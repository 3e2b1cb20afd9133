package main

import (
	"errors"
	"fmt"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/sirupsen/logrus"

	"github.com/git-graph/graphstate/internal/cache"
	"github.com/git-graph/graphstate/internal/config"
	"github.com/git-graph/graphstate/internal/kv"
	"github.com/git-graph/graphstate/internal/logging"
	"github.com/git-graph/graphstate/internal/state"
)

// runtimeEnv 是一次命令执行所需的全部组件。
type runtimeEnv struct {
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
	store      *state.Store
}

// loadRuntime 只加载配置与日志，check-config 等无需打开存储的命令使用。
func loadRuntime(opts *cliOptions) (*runtimeEnv, error) {
	path := resolveConfigPath(opts.configFlag)

	if err := config.LoadEnvFile(config.EnvFileFor(path)); err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	return &runtimeEnv{configPath: path, cfg: cfg, logger: logger}, nil
}

// openRuntime 按“配置 → 日志 → KV 命名空间 → 头像目录 → State Store”顺序装配。
// 头像目录在后台供应，openRuntime 不等待其完成。
func openRuntime(opts *cliOptions) (*runtimeEnv, error) {
	env, err := loadRuntime(opts)
	if err != nil {
		return nil, err
	}

	store, err := openState(env.cfg, env.logger)
	if err != nil {
		return nil, err
	}
	env.store = store
	return env, nil
}

func openState(cfg *config.Config, logger *logrus.Logger) (*state.Store, error) {
	backend := cfg.Global.Backend

	workspace, err := kv.Open(backend, config.StateFile(cfg.Workspace.StoragePath, backend))
	if err != nil {
		return nil, fmt.Errorf("打开工作区存储失败: %w", err)
	}
	global, err := kv.Open(backend, config.StateFile(cfg.Global.StoragePath, backend))
	if err != nil {
		_ = workspace.Close()
		return nil, fmt.Errorf("打开全局存储失败: %w", err)
	}

	avatars := cache.NewBlobStore(osfs.New("/"), cfg.Global.StoragePath, cache.Options{
		Logger:       logger,
		ClearPolicy:  cache.ClearPolicy(cfg.Global.ClearFailurePolicy),
		ClearRetries: cfg.Global.ClearRetries,
	})

	store, err := state.New(state.Options{
		Workspace: workspace,
		Global:    global,
		Avatars:   avatars,
		Freshness: cache.NewFreshnessPolicy(cfg.EffectiveAvatarTTL(false), cfg.EffectiveAvatarTTL(true)),
		Logger:    logger,
	})
	if err != nil {
		return nil, errors.Join(err, workspace.Close(), global.Close())
	}

	fields := logging.BaseFields("open_state", "")
	fields["backend"] = backend
	fields["workspace"] = cfg.Workspace.StoragePath
	fields["global"] = cfg.Global.StoragePath
	logger.WithFields(fields).Debug("state store opened")
	return store, nil
}

func (e *runtimeEnv) Close() error {
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}
