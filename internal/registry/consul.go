package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/config"
)

// consul操作的默认超时时间
const consulTimeout = 5 * time.Second

// ConsulTransport 基于consul/api客户端实现Transport
// 进程内共享同一个客户端及其连接池
type ConsulTransport struct {
	client  *consulapi.Client
	timeout time.Duration
	logger  config.Logger
}

// NewConsulTransport 创建Consul注册中心客户端
func NewConsulTransport(cfg config.ConsulConfig, logger config.Logger) (*ConsulTransport, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = consulTimeout
	}

	apiConfig := consulapi.DefaultConfig()
	apiConfig.Address = cfg.Address()
	if cfg.Scheme != "" {
		apiConfig.Scheme = cfg.Scheme
	}
	apiConfig.Token = cfg.Token
	apiConfig.Datacenter = cfg.Datacenter
	apiConfig.HttpClient = &http.Client{Timeout: timeout}

	client, err := consulapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("创建Consul客户端失败: %w", err)
	}

	logger.Info("Consul客户端已创建", zap.String("address", apiConfig.Address))

	return &ConsulTransport{
		client:  client,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Client 返回内部的consul客户端
func (t *ConsulTransport) Client() *consulapi.Client {
	return t.client
}

// CatalogService 查询目录中指定服务的全部实例
func (t *ConsulTransport) CatalogService(ctx context.Context, name string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	services, _, err := t.client.Catalog().Service(name, "", (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("查询服务目录失败 [%s]: %w", name, err)
	}

	instances := make([]ServiceInstance, 0, len(services))
	for _, s := range services {
		address := s.ServiceAddress
		if address == "" {
			address = s.Address
		}
		instances = append(instances, ServiceInstance{
			ServiceName: s.ServiceName,
			Address:     address,
			Port:        s.ServicePort,
		})
	}

	return instances, nil
}

// HealthyService 查询健康检查通过的服务实例
func (t *ConsulTransport) HealthyService(ctx context.Context, name string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	entries, _, err := t.client.Health().Service(name, "", true, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("查询健康服务实例失败 [%s]: %w", name, err)
	}

	instances := make([]ServiceInstance, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		address := entry.Service.Address
		if address == "" && entry.Node != nil {
			address = entry.Node.Address
		}
		instances = append(instances, ServiceInstance{
			ServiceName: entry.Service.Service,
			Address:     address,
			Port:        entry.Service.Port,
			Healthy:     true,
		})
	}

	return instances, nil
}

// Register 向agent注册服务实例
func (t *ConsulTransport) Register(ctx context.Context, reg *Registration) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	service := &consulapi.AgentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Meta:    reg.Meta,
	}
	if reg.Check != nil {
		service.Check = &consulapi.AgentServiceCheck{
			Name:                           reg.Check.Name,
			HTTP:                           reg.Check.HTTP,
			Interval:                       formatDuration(reg.Check.Interval),
			Timeout:                        formatDuration(reg.Check.Timeout),
			DeregisterCriticalServiceAfter: formatDuration(reg.Check.DeregisterCriticalServiceAfter),
		}
	}

	opts := consulapi.ServiceRegisterOpts{}.WithContext(ctx)
	if err := t.client.Agent().ServiceRegisterOpts(service, opts); err != nil {
		return fmt.Errorf("注册服务失败 [%s]: %w", reg.ID, err)
	}

	t.logger.Debug("服务注册请求已提交", zap.String("id", reg.ID), zap.String("name", reg.Name))
	return nil
}

// Deregister 从agent注销服务实例
func (t *ConsulTransport) Deregister(ctx context.Context, serviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := t.client.Agent().ServiceDeregisterOpts(serviceID, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("注销服务失败 [%s]: %w", serviceID, ErrServiceNotFound)
		}
		return fmt.Errorf("注销服务失败 [%s]: %w", serviceID, err)
	}

	return nil
}

// AgentServices 列出agent本地已知的服务注册
func (t *ConsulTransport) AgentServices(ctx context.Context) (map[string]AgentService, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	services, err := t.client.Agent().ServicesWithFilterOpts("", (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("获取agent服务列表失败: %w", err)
	}

	result := make(map[string]AgentService, len(services))
	for id, s := range services {
		result[id] = AgentService{
			ID:      s.ID,
			Service: s.Service,
			Address: s.Address,
			Port:    s.Port,
		}
	}

	return result, nil
}

// AgentSelf 探测agent是否存活
func (t *ConsulTransport) AgentSelf(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := t.client.Agent().Self(); err != nil {
		return fmt.Errorf("Consul agent不可达: %w", err)
	}

	return nil
}

// isNotFound 判断consul返回的错误是否为404
func isNotFound(err error) bool {
	var se consulapi.StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
