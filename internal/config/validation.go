package config

import (
	"errors"
	"time"
)

var supportedBackends = map[string]struct{}{
	BackendFile:   {},
	BackendSQLite: {},
	BackendMemory: {},
}

var supportedClearPolicies = map[string]struct{}{
	ClearPolicyIgnore: {},
	ClearPolicyLog:    {},
	ClearPolicyRetry:  {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.GlobalStoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.Backend]; !ok {
		return newFieldError("Global.Backend", "仅支持 file|sqlite|memory")
	}
	if _, ok := supportedClearPolicies[g.ClearFailurePolicy]; !ok {
		return newFieldError("Global.ClearFailurePolicy", "仅支持 ignore|log|retry")
	}
	if g.ClearRetries < 0 {
		return newFieldError("Global.ClearRetries", "不能为负数")
	}
	if g.AvatarTTL.DurationValue() <= 0 {
		return newFieldError("Global.AvatarTTL", "必须大于 0")
	}
	if g.IdenticonTTL.DurationValue() <= 0 {
		return newFieldError("Global.IdenticonTTL", "必须大于 0")
	}

	if c.Workspace.StoragePath == "" {
		return newFieldError("Workspace.WorkspaceStoragePath", "不能为空")
	}
	if c.Workspace.StoragePath == g.StoragePath {
		return newFieldError("Workspace.WorkspaceStoragePath", "不能与 GlobalStoragePath 相同")
	}

	return nil
}

// EffectiveAvatarTTL 返回头像条目生效的有效期，identicon 使用更短的 TTL。
func (c *Config) EffectiveAvatarTTL(identicon bool) time.Duration {
	if identicon {
		return c.Global.IdenticonTTL.DurationValue()
	}
	return c.Global.AvatarTTL.DurationValue()
}
