package cache

import "time"

// 默认刷新周期：真实头像 14 天，identicon 4 天。
const (
	DefaultAvatarTTL    = 14 * 24 * time.Hour
	DefaultIdenticonTTL = 4 * 24 * time.Hour
)

// FreshnessPolicy 根据头像来源（真实头像 / identicon）决定索引条目何时需要刷新。
type FreshnessPolicy struct {
	AvatarTTL    time.Duration
	IdenticonTTL time.Duration
	now          func() time.Time
}

// NewFreshnessPolicy 构造刷新策略，默认使用 time.Now 作为时钟。
func NewFreshnessPolicy(avatarTTL, identiconTTL time.Duration) FreshnessPolicy {
	return FreshnessPolicy{
		AvatarTTL:    avatarTTL,
		IdenticonTTL: identiconTTL,
		now:          time.Now,
	}
}

// Expired 判断 fetchedAt（Unix 毫秒）获取的条目是否已过期。TTL <= 0 表示永不过期。
func (p FreshnessPolicy) Expired(fetchedAt int64, identicon bool) bool {
	ttl := p.AvatarTTL
	if identicon {
		ttl = p.IdenticonTTL
	}
	if ttl <= 0 {
		return false
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	return !now().Before(time.UnixMilli(fetchedAt).Add(ttl))
}
