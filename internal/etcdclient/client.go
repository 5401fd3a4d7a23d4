package etcdclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/registry"
)

// etcd操作的超时时间
const etcdTimeout = 5 * time.Second

// 默认租约TTL（秒）
const defaultLeaseTTL = 15

// Transport 基于etcd租约实现registry.Transport
// 实例键绑定租约，租约存活即视为健康
type Transport struct {
	client *clientv3.Client
	cfg    config.EtcdConfig
	logger config.Logger

	mu     sync.Mutex
	leases map[string]*instanceLease
}

// instanceLease 本进程注册的实例及其续约协程
type instanceLease struct {
	key    string
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

var _ registry.Transport = (*Transport)(nil)

// NewTransport 连接etcd集群并创建Transport
func NewTransport(cfg config.EtcdConfig, logger config.Logger) (*Transport, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd地址不能为空")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/consul-gateway/services/"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = etcdTimeout
	}

	logger.Info("连接到etcd集群", zap.Strings("endpoints", cfg.Endpoints))

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		logger.Error("连接etcd失败", zap.Error(err))
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}

	return &Transport{
		client: client,
		cfg:    cfg,
		logger: logger,
		leases: make(map[string]*instanceLease),
	}, nil
}

// Close 停止所有续约并关闭连接，已注册实例在租约到期后自动消失
func (t *Transport) Close() error {
	t.mu.Lock()
	for id, l := range t.leases {
		l.cancel()
		delete(t.leases, id)
	}
	t.mu.Unlock()

	t.logger.Info("关闭etcd连接")
	return t.client.Close()
}

// Client 获取内部的etcd客户端，仅用于测试
func (t *Transport) Client() *clientv3.Client {
	return t.client
}

// AgentSelf 检查etcd集群状态
func (t *Transport) AgentSelf(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	if _, err := t.client.Status(ctx, t.cfg.Endpoints[0]); err != nil {
		t.logger.Warn("etcd健康检查失败", zap.Error(err))
		return fmt.Errorf("etcd健康检查失败: %w", err)
	}

	return nil
}

// serviceKey 生成实例在etcd中的键
func serviceKey(prefix, serviceName, serviceID string) string {
	return fmt.Sprintf("%s%s/%s", prefix, serviceName, serviceID)
}

// servicePrefix 生成服务在etcd中的键前缀
func servicePrefix(prefix, serviceName string) string {
	return fmt.Sprintf("%s%s/", prefix, serviceName)
}
