package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/config"
)

// RedisCache 多个网关副本共享的缓存
// 键过期由redis负责，读取时再按ResolvedAt校验一次
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger config.Logger
	now    func() time.Time
}

// NewRedisClient 根据配置创建redis客户端
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisCache 创建redis缓存
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration, logger config.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Get 获取未过期的条目，redis不可用时按未命中处理
func (c *RedisCache) Get(ctx context.Context, serviceName string) (CacheEntry, bool) {
	data, err := c.client.Get(ctx, c.key(serviceName)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("读取redis缓存失败", zap.String("service", serviceName), zap.Error(err))
		}
		return CacheEntry{}, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("解析缓存条目失败", zap.String("service", serviceName), zap.Error(err))
		return CacheEntry{}, false
	}

	if c.now().Sub(entry.ResolvedAt) > c.ttl {
		return CacheEntry{}, false
	}

	return entry, true
}

// Set 写入条目，过期时间为TTL
func (c *RedisCache) Set(ctx context.Context, entry CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化缓存条目失败: %w", err)
	}

	if err := c.client.Set(ctx, c.key(entry.ServiceName), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("写入redis缓存失败 [%s]: %w", entry.ServiceName, err)
	}
	return nil
}

// Delete 删除条目
func (c *RedisCache) Delete(ctx context.Context, serviceName string) error {
	if err := c.client.Del(ctx, c.key(serviceName)).Err(); err != nil {
		return fmt.Errorf("删除redis缓存失败 [%s]: %w", serviceName, err)
	}
	return nil
}

func (c *RedisCache) key(serviceName string) string {
	return c.prefix + ":" + serviceName
}
