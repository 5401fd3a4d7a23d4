package discovery

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/consul-gateway/internal/config"
)

func TestMemoryCache_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache := NewMemoryCache(30 * time.Second)
	cache.now = clock.Now
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, CacheEntry{
		ServiceName: "user-service",
		ResolvedURL: "http://10.0.0.1:3002",
		ResolvedAt:  clock.Now(),
	}))

	entry, ok := cache.Get(ctx, "user-service")
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.1:3002", entry.ResolvedURL)

	clock.Advance(30 * time.Second)
	_, ok = cache.Get(ctx, "user-service")
	assert.True(t, ok, "恰好等于TTL时仍然有效")

	clock.Advance(time.Millisecond)
	_, ok = cache.Get(ctx, "user-service")
	assert.False(t, ok, "超过TTL的条目视为不存在")
}

func TestMemoryCache_DeleteAndClear(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, CacheEntry{ServiceName: "a", ResolvedURL: "http://a", ResolvedAt: time.Now()}))
	require.NoError(t, cache.Set(ctx, CacheEntry{ServiceName: "b", ResolvedURL: "http://b", ResolvedAt: time.Now()}))

	require.NoError(t, cache.Delete(ctx, "a"))
	_, ok := cache.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "b")
	assert.True(t, ok)

	cache.Clear()
	_, ok = cache.Get(ctx, "b")
	assert.False(t, ok)

	// 删除不存在的键不报错
	assert.NoError(t, cache.Delete(ctx, "missing"))
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("CONSUL_GATEWAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置CONSUL_GATEWAY_TEST_REDIS_ADDR，跳过redis集成测试")
	}

	client := NewRedisClient(config.RedisConfig{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	cache := NewRedisCache(client, "consul-gateway-test:"+uuid.NewString(), 30*time.Second, config.NewNopLogger())

	_, ok := cache.Get(ctx, "user-service")
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, CacheEntry{
		ServiceName: "user-service",
		ResolvedURL: "http://10.0.0.1:3002",
		ResolvedAt:  time.Now(),
	}))

	entry, ok := cache.Get(ctx, "user-service")
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.1:3002", entry.ResolvedURL)

	// 按ResolvedAt判断过期
	cache.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, ok = cache.Get(ctx, "user-service")
	assert.False(t, ok)
	cache.now = time.Now

	require.NoError(t, cache.Delete(ctx, "user-service"))
	_, ok = cache.Get(ctx, "user-service")
	assert.False(t, ok)
}

func TestRedisCache_Unavailable(t *testing.T) {
	// 不可达的redis按未命中处理
	client := NewRedisClient(config.RedisConfig{Addr: "127.0.0.1:1"})
	defer client.Close()

	cache := NewRedisCache(client, "consul-gateway", time.Second, config.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, ok := cache.Get(ctx, "user-service")
	assert.False(t, ok)
	assert.Error(t, cache.Set(ctx, CacheEntry{ServiceName: "user-service", ResolvedAt: time.Now()}))
}
