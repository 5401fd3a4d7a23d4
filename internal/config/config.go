package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 注册中心后端类型
const (
	BackendConsul = "consul"
	BackendEtcd   = "etcd"
)

// 网关服务发现方式
const (
	DiscoveryRegistry = "registry"
	DiscoveryDNS      = "dns"
)

// 缓存后端类型
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config 应用程序配置结构，网关与后端服务共用
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Service      ServiceConfig      `mapstructure:"service"`
	Registration RegistrationConfig `mapstructure:"registration"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RegistryConfig 注册中心配置
type RegistryConfig struct {
	// "consul" 或 "etcd"
	Backend string       `mapstructure:"backend"`
	Consul  ConsulConfig `mapstructure:"consul"`
	Etcd    EtcdConfig   `mapstructure:"etcd"`
	DNS     DNSConfig    `mapstructure:"dns"`
}

// ConsulConfig Consul agent配置
type ConsulConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Scheme     string        `mapstructure:"scheme"`
	Token      string        `mapstructure:"token"`
	Datacenter string        `mapstructure:"datacenter"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Address 返回host:port形式的agent地址
func (c ConsulConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EtcdConfig etcd配置
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Prefix      string        `mapstructure:"prefix"`
	LeaseTTL    int           `mapstructure:"lease_ttl"`
}

// DNSConfig Consul DNS接口配置（SRV查询）
type DNSConfig struct {
	Server  string        `mapstructure:"server"`
	Domain  string        `mapstructure:"domain"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
	// "registry" 或 "dns"
	Discovery      string            `mapstructure:"discovery"`
	ReservedPrefix string            `mapstructure:"reserved_prefix"`
	ServicePrefix  string            `mapstructure:"service_prefix"`
	Routes         []RouteRule       `mapstructure:"routes"`
	Cache          CacheConfig       `mapstructure:"cache"`
	Forward        ForwardConfig     `mapstructure:"forward"`
	RateLimit      RateLimitConfig   `mapstructure:"rate_limit"`
	CORS           CORSConfig        `mapstructure:"cors"`
}

// RouteRule 路径前缀到服务名的映射
// 以列表形式加载，viper不会改写值的大小写，前缀按原样区分大小写匹配
type RouteRule struct {
	Prefix  string `mapstructure:"prefix"`
	Service string `mapstructure:"service"`
}

// RouteTable 返回供路由器使用的前缀映射，重复前缀以后出现的为准
func (g GatewayConfig) RouteTable() map[string]string {
	table := make(map[string]string, len(g.Routes))
	for _, r := range g.Routes {
		table[r.Prefix] = r.Service
	}
	return table
}

// CacheConfig 服务地址缓存配置
type CacheConfig struct {
	// "memory" 或 "redis"
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig redis缓存配置
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ForwardConfig 下游转发配置
type ForwardConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Scheme  string        `mapstructure:"scheme"`
}

// RateLimitConfig 网关限流配置，RPS为0表示关闭
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// ServiceConfig 后端服务自身信息
type ServiceConfig struct {
	Name          string            `mapstructure:"name"`
	ListenAddress string            `mapstructure:"listen_address"`
	Address       string            `mapstructure:"address"`
	Port          int               `mapstructure:"port"`
	ForceLocal    bool              `mapstructure:"force_local"`
	Environment   string            `mapstructure:"environment"`
	Version       string            `mapstructure:"version"`
	Tags          []string          `mapstructure:"tags"`
	Meta          map[string]string `mapstructure:"meta"`
	HealthCheck   HealthCheckConfig `mapstructure:"health_check"`
}

// HealthCheckConfig 注册中心对本服务的健康检查配置
type HealthCheckConfig struct {
	Path                           string        `mapstructure:"path"`
	Interval                       time.Duration `mapstructure:"interval"`
	Timeout                        time.Duration `mapstructure:"timeout"`
	DeregisterCriticalServiceAfter time.Duration `mapstructure:"deregister_critical_after"`
}

// RegistrationConfig 自注册配置
type RegistrationConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	RetryInterval time.Duration  `mapstructure:"retry_interval"`
	Fallback      FallbackConfig `mapstructure:"fallback"`
}

// FallbackConfig 兜底注册配置
type FallbackConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Delay   time.Duration `mapstructure:"delay"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/consul-gateway")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到默认配置文件时使用默认值，其他错误直接返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	v.SetEnvPrefix("CONSUL_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}
	if len(config.Gateway.Routes) == 0 {
		config.Gateway.Routes = DefaultRoutes()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置有效性
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case BackendConsul, BackendEtcd:
	default:
		return fmt.Errorf("不支持的注册中心类型: %s", c.Registry.Backend)
	}

	switch c.Gateway.Discovery {
	case DiscoveryRegistry, DiscoveryDNS:
	default:
		return fmt.Errorf("不支持的服务发现方式: %s", c.Gateway.Discovery)
	}

	switch c.Gateway.Cache.Backend {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("不支持的缓存类型: %s", c.Gateway.Cache.Backend)
	}

	if c.Registry.Consul.Port <= 0 || c.Registry.Consul.Port > 65535 {
		return fmt.Errorf("Consul端口配置无效: %d", c.Registry.Consul.Port)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("网关端口配置无效: %d", c.Gateway.Port)
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("服务端口配置无效: %d", c.Service.Port)
	}
	if c.Gateway.Cache.TTL <= 0 {
		return fmt.Errorf("缓存TTL必须大于0")
	}
	if c.Registration.RetryInterval <= 0 {
		return fmt.Errorf("注册重试间隔必须大于0")
	}
	if c.Registry.Backend == BackendEtcd && len(c.Registry.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd端点不能为空")
	}
	for i, r := range c.Gateway.Routes {
		if r.Prefix == "" || r.Service == "" {
			return fmt.Errorf("第%d条路由配置不完整: prefix=%q service=%q", i+1, r.Prefix, r.Service)
		}
	}

	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 日志
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)

	// 注册中心
	v.SetDefault("registry.backend", BackendConsul)
	v.SetDefault("registry.consul.host", "127.0.0.1")
	v.SetDefault("registry.consul.port", 8500)
	v.SetDefault("registry.consul.scheme", "http")
	v.SetDefault("registry.consul.timeout", "5s")
	v.SetDefault("registry.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("registry.etcd.dial_timeout", "5s")
	v.SetDefault("registry.etcd.prefix", "/consul-gateway/services/")
	v.SetDefault("registry.etcd.lease_ttl", 15)
	v.SetDefault("registry.dns.server", "127.0.0.1:8600")
	v.SetDefault("registry.dns.domain", "service.consul")
	v.SetDefault("registry.dns.timeout", "5s")

	// 网关
	v.SetDefault("gateway.listen_address", "0.0.0.0")
	v.SetDefault("gateway.port", 4000)
	v.SetDefault("gateway.discovery", DiscoveryRegistry)
	v.SetDefault("gateway.reserved_prefix", "api")
	v.SetDefault("gateway.service_prefix", "/api")
	v.SetDefault("gateway.cache.backend", CacheMemory)
	v.SetDefault("gateway.cache.ttl", "30s")
	v.SetDefault("gateway.cache.redis.addr", "localhost:6379")
	v.SetDefault("gateway.cache.redis.key_prefix", "consul-gateway:service")
	v.SetDefault("gateway.forward.timeout", "30s")
	v.SetDefault("gateway.forward.scheme", "http")
	v.SetDefault("gateway.rate_limit.rps", 0)
	v.SetDefault("gateway.rate_limit.burst", 50)
	v.SetDefault("gateway.cors.allow_origins", []string{"http://localhost:3000"})

	// 后端服务
	v.SetDefault("service.name", "user-service")
	v.SetDefault("service.listen_address", "0.0.0.0")
	v.SetDefault("service.port", 3002)
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.version", "1.0.0")
	v.SetDefault("service.health_check.path", "/health")
	v.SetDefault("service.health_check.interval", "10s")
	v.SetDefault("service.health_check.timeout", "5s")
	v.SetDefault("service.health_check.deregister_critical_after", "1m")

	// 自注册
	v.SetDefault("registration.enabled", true)
	v.SetDefault("registration.retry_interval", "5s")
	v.SetDefault("registration.fallback.enabled", true)
	v.SetDefault("registration.fallback.delay", "3s")
	v.SetDefault("registration.fallback.timeout", "5s")
}

// bindEnvVariables 绑定部署环境中沿用的环境变量名
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("registry.consul.host", "CONSUL_GATEWAY_CONSUL_HOST", "CONSUL_HOST")
	v.BindEnv("registry.consul.port", "CONSUL_GATEWAY_CONSUL_PORT", "CONSUL_PORT")
	v.BindEnv("gateway.port", "CONSUL_GATEWAY_GATEWAY_PORT")
	v.BindEnv("service.name", "CONSUL_GATEWAY_SERVICE_NAME", "SERVICE_NAME")
	v.BindEnv("service.port", "CONSUL_GATEWAY_SERVICE_PORT", "PORT")
	v.BindEnv("service.address", "CONSUL_GATEWAY_SERVICE_ADDRESS", "SERVICE_HOST")
	v.BindEnv("service.force_local", "CONSUL_GATEWAY_SERVICE_FORCE_LOCAL", "CONSUL_FORCE_LOCAL")
	v.BindEnv("service.environment", "CONSUL_GATEWAY_SERVICE_ENVIRONMENT", "NODE_ENV")
	v.BindEnv("registration.enabled", "CONSUL_GATEWAY_REGISTRATION_ENABLED", "CONSUL_ENABLED")
}

// DefaultRoutes 返回默认路由，配置文件未提供routes时使用
func DefaultRoutes() []RouteRule {
	return []RouteRule{
		{Prefix: "auth", Service: "auth-service"},
		{Prefix: "user", Service: "user-service"},
		{Prefix: "users", Service: "user-service"},
		{Prefix: "task", Service: "task-service"},
		{Prefix: "tasks", Service: "task-service"},
	}
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		"/etc/consul-gateway/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
