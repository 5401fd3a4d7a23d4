package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/registry"
)

// InstanceSource 提供健康实例列表，registry.Transport和DNSSource都满足该接口
type InstanceSource interface {
	HealthyService(ctx context.Context, name string) ([]registry.ServiceInstance, error)
}

// Resolver 将逻辑服务名解析为可访问的基础URL
type Resolver struct {
	source   InstanceSource
	cache    Cache
	selector Selector
	scheme   string
	logger   config.Logger
	now      func() time.Time
}

// ResolverOption Resolver的可选配置
type ResolverOption func(*Resolver)

// WithSelector 替换默认的随机选择器
func WithSelector(s Selector) ResolverOption {
	return func(r *Resolver) {
		r.selector = s
	}
}

// WithScheme 设置生成URL使用的协议，默认http
func WithScheme(scheme string) ResolverOption {
	return func(r *Resolver) {
		if scheme != "" {
			r.scheme = scheme
		}
	}
}

// NewResolver 创建服务解析器
func NewResolver(source InstanceSource, cache Cache, logger config.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source:   source,
		cache:    cache,
		selector: NewRandomSelector(),
		scheme:   "http",
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 返回服务的基础URL，如 http://10.0.0.5:3002
func (r *Resolver) Resolve(ctx context.Context, serviceName string) (string, error) {
	if entry, ok := r.cache.Get(ctx, serviceName); ok {
		return entry.ResolvedURL, nil
	}

	instances, err := r.source.HealthyService(ctx, serviceName)
	if err != nil {
		r.Evict(ctx, serviceName)
		r.logger.Error("查询服务实例失败", zap.String("service", serviceName), zap.Error(err))
		return "", NewResolutionError(ErrNotFound, serviceName, "注册中心查询失败", err)
	}

	if len(instances) == 0 {
		return "", NewResolutionError(ErrNotFound, serviceName, "未找到服务实例", nil)
	}

	valid := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Address != "" && inst.Port > 0 && inst.Healthy {
			valid = append(valid, inst)
		}
	}
	if len(valid) == 0 {
		return "", NewResolutionError(ErrNoValidInstance, serviceName, "没有地址和端口有效的实例", nil)
	}

	picked := r.selector.Pick(valid)
	url := r.scheme + "://" + net.JoinHostPort(picked.Address, strconv.Itoa(picked.Port))

	if err := r.cache.Set(ctx, CacheEntry{
		ServiceName: serviceName,
		ResolvedURL: url,
		ResolvedAt:  r.now(),
	}); err != nil {
		r.logger.Warn("写入服务缓存失败", zap.String("service", serviceName), zap.Error(err))
	}

	r.logger.Info("服务解析成功",
		zap.String("service", serviceName),
		zap.String("url", url),
		zap.String("available", strconv.Itoa(indexOf(valid, picked)+1)+"/"+strconv.Itoa(len(valid))))

	return url, nil
}

// Evict 删除服务的缓存条目，下次解析会重新查询注册中心
func (r *Resolver) Evict(ctx context.Context, serviceName string) {
	if err := r.cache.Delete(ctx, serviceName); err != nil {
		r.logger.Warn("删除服务缓存失败", zap.String("service", serviceName), zap.Error(err))
	}
}

func indexOf(instances []registry.ServiceInstance, target registry.ServiceInstance) int {
	for i, inst := range instances {
		if inst == target {
			return i
		}
	}
	return -1
}
