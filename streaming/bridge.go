package streaming

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/ragflow/internal/cache"
)

// EventBus 集群广播通道
type EventBus interface {
	Publish(ctx context.Context, topic string, payload string) error
	Subscribe(ctx context.Context, topic string, handler func(payload string)) error
}

// FlagStore 带 TTL 的持久化布尔标记
type FlagStore interface {
	SetFlag(ctx context.Context, key string, ttl time.Duration) error
	HasFlag(ctx context.Context, key string) (bool, error)
	DelFlag(ctx context.Context, key string) error
}

// RedisBridge 用缓存管理器同时充当 EventBus 与 FlagStore。
type RedisBridge struct {
	cache *cache.Manager
}

// NewRedisBridge 创建桥接
func NewRedisBridge(m *cache.Manager) *RedisBridge {
	return &RedisBridge{cache: m}
}

// Publish 广播消息
func (b *RedisBridge) Publish(ctx context.Context, topic string, payload string) error {
	return b.cache.Publish(ctx, topic, payload)
}

// Subscribe 订阅主题
func (b *RedisBridge) Subscribe(ctx context.Context, topic string, handler func(payload string)) error {
	return b.cache.Subscribe(ctx, topic, handler)
}

// SetFlag 置位标记
func (b *RedisBridge) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	return b.cache.Set(ctx, key, "1", ttl)
}

// HasFlag 查询标记
func (b *RedisBridge) HasFlag(ctx context.Context, key string) (bool, error) {
	_, err := b.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DelFlag 删除标记
func (b *RedisBridge) DelFlag(ctx context.Context, key string) error {
	return b.cache.Delete(ctx, key)
}
