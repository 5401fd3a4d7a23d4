package bootstrap

import (
	"fmt"
	"net"
	"strings"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/etcdclient"
	"github.com/hewenyu/consul-gateway/internal/registry"
)

// NewTransport 按配置创建注册中心客户端，返回的close用于释放连接
func NewTransport(cfg config.RegistryConfig, logger config.Logger) (registry.Transport, func() error, error) {
	switch cfg.Backend {
	case config.BackendEtcd:
		t, err := etcdclient.NewTransport(cfg.Etcd, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	case config.BackendConsul, "":
		t, err := registry.NewConsulTransport(cfg.Consul, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("不支持的注册中心类型: %s", cfg.Backend)
}

// RegistryHost 返回注册中心的主机名，用于判断是否强制使用本地地址
func RegistryHost(cfg config.RegistryConfig) string {
	if cfg.Backend == config.BackendEtcd {
		if len(cfg.Etcd.Endpoints) == 0 {
			return ""
		}
		endpoint := cfg.Etcd.Endpoints[0]
		if i := strings.Index(endpoint, "://"); i >= 0 {
			endpoint = endpoint[i+3:]
		}
		if host, _, err := net.SplitHostPort(endpoint); err == nil {
			return host
		}
		return endpoint
	}
	return cfg.Consul.Host
}
