package discovery

import (
	"context"
	"sync"
	"time"
)

// CacheEntry 服务名到已解析地址的缓存条目
type CacheEntry struct {
	ServiceName string    `json:"service_name"`
	ResolvedURL string    `json:"resolved_url"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Cache 服务地址缓存，超过TTL的条目视为不存在
type Cache interface {
	Get(ctx context.Context, serviceName string) (CacheEntry, bool)
	Set(ctx context.Context, entry CacheEntry) error
	Delete(ctx context.Context, serviceName string) error
}

// MemoryCache 进程内缓存
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache 创建进程内缓存
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]CacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get 获取未过期的条目
func (c *MemoryCache) Get(_ context.Context, serviceName string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[serviceName]
	if !exists {
		return CacheEntry{}, false
	}

	if c.now().Sub(entry.ResolvedAt) > c.ttl {
		return CacheEntry{}, false
	}

	return entry, true
}

// Set 写入条目
func (c *MemoryCache) Set(_ context.Context, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entry.ServiceName] = entry
	return nil
}

// Delete 删除条目
func (c *MemoryCache) Delete(_ context.Context, serviceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, serviceName)
	return nil
}

// Clear 清空缓存
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]CacheEntry)
}
