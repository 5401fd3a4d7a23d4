package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/bootstrap"
	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/discovery"
	"github.com/hewenyu/consul-gateway/internal/etcdclient"
	"github.com/hewenyu/consul-gateway/internal/gateway"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("API Gateway Starting...",
		zap.String("registry", cfg.Registry.Backend),
		zap.String("discovery", cfg.Gateway.Discovery),
		zap.String("cache", cfg.Gateway.Cache.Backend),
		zap.Int("port", cfg.Gateway.Port))

	transport, closeTransport, err := bootstrap.NewTransport(cfg.Registry, logger)
	if err != nil {
		logger.Fatal("创建注册中心客户端失败", zap.Error(err))
	}
	defer closeTransport()

	var source discovery.InstanceSource = transport
	if cfg.Gateway.Discovery == config.DiscoveryDNS {
		source = discovery.NewDNSSource(cfg.Registry.DNS, logger)
	}

	var cache discovery.Cache
	switch cfg.Gateway.Cache.Backend {
	case config.CacheRedis:
		client := discovery.NewRedisClient(cfg.Gateway.Cache.Redis)
		defer client.Close()
		cache = discovery.NewRedisCache(client, cfg.Gateway.Cache.Redis.KeyPrefix, cfg.Gateway.Cache.TTL, logger)
	default:
		cache = discovery.NewMemoryCache(cfg.Gateway.Cache.TTL)
	}

	resolver := discovery.NewResolver(source, cache, logger, discovery.WithScheme(cfg.Gateway.Forward.Scheme))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// etcd后端下实例变化时提前失效缓存
	if watcher, ok := transport.(*etcdclient.Transport); ok {
		err := watcher.Watch(ctx, func(e etcdclient.WatchEvent) {
			resolver.Evict(ctx, e.ServiceName)
		})
		if err != nil {
			logger.Warn("启动实例监听失败，仅依赖缓存TTL", zap.Error(err))
		}
	}

	router := gateway.NewRouter(cfg.Gateway.ReservedPrefix, cfg.Gateway.ServicePrefix, cfg.Gateway.RouteTable())
	forwarder := gateway.NewForwarder(resolver, cfg.Gateway.Forward.Timeout, logger)
	server := gateway.NewServer(cfg.Gateway, router, forwarder, logger)

	if err := server.Start(); err != nil {
		logger.Fatal("启动网关失败", zap.Error(err))
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭网关失败", zap.Error(err))
	}
}
