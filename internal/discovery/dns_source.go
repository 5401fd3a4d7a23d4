package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/registry"
)

// DNSSource 通过Consul DNS接口的SRV记录获取实例
// Consul只为健康检查通过的实例返回SRV记录
type DNSSource struct {
	server string
	domain string
	client *dns.Client
	logger config.Logger
}

// NewDNSSource 创建DNS实例来源
func NewDNSSource(cfg config.DNSConfig, logger config.Logger) *DNSSource {
	server := cfg.Server
	if server == "" {
		server = "127.0.0.1:8600"
	}
	domain := strings.Trim(cfg.Domain, ".")
	if domain == "" {
		domain = "service.consul"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &DNSSource{
		server: server,
		domain: domain,
		client: &dns.Client{Timeout: timeout},
		logger: logger,
	}
}

// HealthyService 查询 <name>.<domain> 的SRV记录
func (s *DNSSource) HealthyService(ctx context.Context, name string) ([]registry.ServiceInstance, error) {
	queryName := dns.Fqdn(name + "." + s.domain)

	m := new(dns.Msg)
	m.SetQuestion(queryName, dns.TypeSRV)
	m.RecursionDesired = true

	r, _, err := s.client.ExchangeContext(ctx, m, s.server)
	if err != nil {
		return nil, fmt.Errorf("DNS查询失败 [%s]: %w", queryName, err)
	}

	if r.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("DNS查询失败 [%s]: %s", queryName, dns.RcodeToString[r.Rcode])
	}

	// 附加段中的A记录，target -> ip
	addrs := make(map[string]string)
	for _, rr := range r.Extra {
		if a, ok := rr.(*dns.A); ok {
			addrs[strings.ToLower(a.Hdr.Name)] = a.A.String()
		}
	}

	instances := make([]registry.ServiceInstance, 0, len(r.Answer))
	for _, rr := range r.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}

		address, ok := addrs[strings.ToLower(srv.Target)]
		if !ok {
			address, err = s.lookupA(ctx, srv.Target)
			if err != nil {
				s.logger.Warn("解析SRV目标地址失败", zap.String("target", srv.Target), zap.Error(err))
				continue
			}
		}

		instances = append(instances, registry.ServiceInstance{
			ServiceName: name,
			Address:     address,
			Port:        int(srv.Port),
			Healthy:     true,
		})
	}

	s.logger.Debug("DNS查询完成", zap.String("query", queryName), zap.Int("instances", len(instances)))
	return instances, nil
}

// lookupA 附加段缺少地址时单独查询A记录
func (s *DNSSource) lookupA(ctx context.Context, target string) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(target), dns.TypeA)

	r, _, err := s.client.ExchangeContext(ctx, m, s.server)
	if err != nil {
		return "", err
	}

	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("未找到[%s]的A记录", target)
}
