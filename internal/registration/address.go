package registration

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/registry"
)

// 本地回环地址
const loopbackAddress = "127.0.0.1"

// ServiceID 生成实例ID: <服务名>-<主机名>-<端口>
func ServiceID(serviceName, hostname string, port int) string {
	return fmt.Sprintf("%s-%s-%d", serviceName, hostname, port)
}

// Hostname 返回主机名，获取失败时返回localhost
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

// isLocalHost 判断注册中心地址是否为本机
func isLocalHost(host string) bool {
	switch strings.ToLower(host) {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

// firstNonLoopbackIPv4 返回第一个非回环的IPv4地址
func firstNonLoopbackIPv4() (string, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", false
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), true
		}
	}
	return "", false
}

// ResolveAddress 决定向注册中心公布的地址
// 强制本地或注册中心在本机时使用127.0.0.1，其次是显式配置的地址，最后是第一个非回环IPv4
func ResolveAddress(cfg config.ServiceConfig, registryHost string) string {
	if cfg.ForceLocal || isLocalHost(registryHost) {
		return loopbackAddress
	}
	if cfg.Address != "" {
		return cfg.Address
	}
	if ip, ok := firstNonLoopbackIPv4(); ok {
		return ip
	}
	return loopbackAddress
}

// NewRegistration 根据服务配置构造注册请求
func NewRegistration(cfg config.ServiceConfig, registryHost string) registry.Registration {
	address := ResolveAddress(cfg, registryHost)

	tags := cfg.Tags
	if len(tags) == 0 {
		tags = []string{cfg.Name}
	}

	meta := make(map[string]string, len(cfg.Meta)+3)
	for k, v := range cfg.Meta {
		meta[k] = v
	}
	meta["version"] = cfg.Version
	meta["environment"] = cfg.Environment
	meta["boot_id"] = uuid.NewString()

	path := cfg.HealthCheck.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return registry.Registration{
		ID:      ServiceID(cfg.Name, Hostname(), cfg.Port),
		Name:    cfg.Name,
		Address: address,
		Port:    cfg.Port,
		Tags:    tags,
		Meta:    meta,
		Check: &registry.HealthCheck{
			Name:                           cfg.Name + " health",
			HTTP:                           "http://" + net.JoinHostPort(address, fmt.Sprint(cfg.Port)) + path,
			Interval:                       cfg.HealthCheck.Interval,
			Timeout:                        cfg.HealthCheck.Timeout,
			DeregisterCriticalServiceAfter: cfg.HealthCheck.DeregisterCriticalServiceAfter,
		},
	}
}
