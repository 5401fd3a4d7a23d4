package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/config"
)

// AgentClient 直接调用agent HTTP接口的轻量客户端
// 兜底注册使用它，不依赖consul/api客户端的内部状态
type AgentClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     config.Logger
}

// agentServiceCheck agent注册接口的健康检查字段
type agentServiceCheck struct {
	Name                           string `json:"Name,omitempty"`
	HTTP                           string `json:"HTTP,omitempty"`
	Interval                       string `json:"Interval,omitempty"`
	Timeout                        string `json:"Timeout,omitempty"`
	DeregisterCriticalServiceAfter string `json:"DeregisterCriticalServiceAfter,omitempty"`
}

// agentServiceRegistration agent注册接口的请求体
type agentServiceRegistration struct {
	ID      string             `json:"ID"`
	Name    string             `json:"Name"`
	Address string             `json:"Address"`
	Port    int                `json:"Port"`
	Tags    []string           `json:"Tags,omitempty"`
	Meta    map[string]string  `json:"Meta,omitempty"`
	Check   *agentServiceCheck `json:"Check,omitempty"`
}

// healthServiceEntry 健康查询接口返回的条目
type healthServiceEntry struct {
	Node struct {
		Address string `json:"Address"`
	} `json:"Node"`
	Service AgentService `json:"Service"`
}

// catalogServiceEntry 目录查询接口返回的条目
type catalogServiceEntry struct {
	Address        string `json:"Address"`
	ServiceName    string `json:"ServiceName"`
	ServiceAddress string `json:"ServiceAddress"`
	ServicePort    int    `json:"ServicePort"`
}

// NewAgentClient 创建agent HTTP客户端
func NewAgentClient(cfg config.ConsulConfig, logger config.Logger) *AgentClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = consulTimeout
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}

	return &AgentClient{
		baseURL:    fmt.Sprintf("%s://%s", scheme, cfg.Address()),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// statusError agent返回的非2xx响应
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("agent响应异常 (状态码: %d): %s", e.code, e.body)
}

// 发送HTTP请求，out不为nil时解析JSON响应
func (c *AgentClient) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Consul-Token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
		}
	}

	return nil
}

// AgentSelf 探测agent是否存活
func (c *AgentClient) AgentSelf(ctx context.Context) error {
	if err := c.doRequest(ctx, http.MethodGet, "/v1/agent/self", nil, nil); err != nil {
		return fmt.Errorf("Consul agent不可达: %w", err)
	}
	return nil
}

// AgentServices 列出agent本地已知的服务注册
func (c *AgentClient) AgentServices(ctx context.Context) (map[string]AgentService, error) {
	services := make(map[string]AgentService)
	if err := c.doRequest(ctx, http.MethodGet, "/v1/agent/services", nil, &services); err != nil {
		return nil, fmt.Errorf("获取agent服务列表失败: %w", err)
	}
	return services, nil
}

// Deregister 注销服务实例，agent返回404时包装为ErrServiceNotFound
func (c *AgentClient) Deregister(ctx context.Context, serviceID string) error {
	path := "/v1/agent/service/deregister/" + url.PathEscape(serviceID)
	err := c.doRequest(ctx, http.MethodPut, path, nil, nil)
	if err == nil {
		return nil
	}

	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return fmt.Errorf("注销服务失败 [%s]: %w", serviceID, ErrServiceNotFound)
	}
	return fmt.Errorf("注销服务失败 [%s]: %w", serviceID, err)
}

// Register 直接调用agent注册接口
func (c *AgentClient) Register(ctx context.Context, reg *Registration) error {
	body := agentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Meta:    reg.Meta,
	}
	if reg.Check != nil {
		body.Check = &agentServiceCheck{
			Name:                           reg.Check.Name,
			HTTP:                           reg.Check.HTTP,
			Interval:                       formatDuration(reg.Check.Interval),
			Timeout:                        formatDuration(reg.Check.Timeout),
			DeregisterCriticalServiceAfter: formatDuration(reg.Check.DeregisterCriticalServiceAfter),
		}
	}

	if err := c.doRequest(ctx, http.MethodPut, "/v1/agent/service/register", body, nil); err != nil {
		return fmt.Errorf("注册服务失败 [%s]: %w", reg.ID, err)
	}

	c.logger.Debug("直接注册请求已提交", zap.String("id", reg.ID))
	return nil
}

// HealthyService 查询健康检查通过的服务实例
func (c *AgentClient) HealthyService(ctx context.Context, name string) ([]ServiceInstance, error) {
	var entries []healthServiceEntry
	path := "/v1/health/service/" + url.PathEscape(name) + "?passing=true"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, fmt.Errorf("查询健康服务实例失败 [%s]: %w", name, err)
	}

	instances := make([]ServiceInstance, 0, len(entries))
	for _, entry := range entries {
		address := entry.Service.Address
		if address == "" {
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

// CatalogService 查询目录中指定服务的全部实例
func (c *AgentClient) CatalogService(ctx context.Context, name string) ([]ServiceInstance, error) {
	var entries []catalogServiceEntry
	if err := c.doRequest(ctx, http.MethodGet, "/v1/catalog/service/"+url.PathEscape(name), nil, &entries); err != nil {
		return nil, fmt.Errorf("查询服务目录失败 [%s]: %w", name, err)
	}

	instances := make([]ServiceInstance, 0, len(entries))
	for _, entry := range entries {
		address := entry.ServiceAddress
		if address == "" {
			address = entry.Address
		}
		instances = append(instances, ServiceInstance{
			ServiceName: entry.ServiceName,
			Address:     address,
			Port:        entry.ServicePort,
		})
	}
	return instances, nil
}

// 确认实现了Transport接口
var (
	_ Transport = (*AgentClient)(nil)
	_ Transport = (*ConsulTransport)(nil)
)
