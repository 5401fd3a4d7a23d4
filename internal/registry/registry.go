package registry

import (
	"context"
	"errors"
	"time"
)

// ErrServiceNotFound 注册中心中不存在指定的服务实例
var ErrServiceNotFound = errors.New("服务实例不存在")

// ServiceInstance 表示从注册中心查询到的一个服务实例，每次解析时重新生成
type ServiceInstance struct {
	ServiceName string `json:"service_name"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	Healthy     bool   `json:"healthy"`
}

// HealthCheck 注册中心对实例执行的HTTP健康检查
type HealthCheck struct {
	Name                           string
	HTTP                           string
	Interval                       time.Duration
	Timeout                        time.Duration
	DeregisterCriticalServiceAfter time.Duration
}

// Registration 服务注册请求
type Registration struct {
	ID      string
	Name    string
	Address string
	Port    int
	Tags    []string
	Meta    map[string]string
	Check   *HealthCheck
}

// AgentService 表示agent本地已知的一个服务注册
type AgentService struct {
	ID      string `json:"ID"`
	Service string `json:"Service"`
	Address string `json:"Address"`
	Port    int    `json:"Port"`
}

// Transport 注册中心HTTP API的薄封装，只做请求/响应映射
type Transport interface {
	// CatalogService 查询目录中指定服务的全部实例（不区分健康状态）
	CatalogService(ctx context.Context, name string) ([]ServiceInstance, error)

	// HealthyService 查询指定服务中健康检查通过的实例
	HealthyService(ctx context.Context, name string) ([]ServiceInstance, error)

	// Register 向agent注册服务实例
	Register(ctx context.Context, reg *Registration) error

	// Deregister 从agent注销服务实例，实例不存在时返回ErrServiceNotFound
	Deregister(ctx context.Context, serviceID string) error

	// AgentServices 列出agent本地已知的服务注册，key为服务ID
	AgentServices(ctx context.Context) (map[string]AgentService, error)

	// AgentSelf 探测agent是否存活
	AgentSelf(ctx context.Context) error
}

// formatDuration 按注册中心接受的格式输出时长，如 10s、1m0s
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}
