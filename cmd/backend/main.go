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

	"github.com/hewenyu/consul-gateway/internal/apihandler"
	"github.com/hewenyu/consul-gateway/internal/bootstrap"
	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/registration"
	"github.com/hewenyu/consul-gateway/internal/registry"
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

	logger.Info("Backend Service Starting...",
		zap.String("service", cfg.Service.Name),
		zap.Int("port", cfg.Service.Port),
		zap.Bool("registration", cfg.Registration.Enabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var manager *registration.Manager
	var status apihandler.RegistrationStatus

	if cfg.Registration.Enabled {
		transport, closeTransport, err := bootstrap.NewTransport(cfg.Registry, logger)
		if err != nil {
			logger.Fatal("创建注册中心客户端失败", zap.Error(err))
		}
		defer closeTransport()

		opts := registration.Options{RetryInterval: cfg.Registration.RetryInterval}
		if cfg.Registration.Fallback.Enabled {
			if cfg.Registry.Backend == config.BackendConsul {
				agent := registry.NewAgentClient(cfg.Registry.Consul, logger)
				opts.Fallback = registration.NewFallback(agent, cfg.Registration.Fallback.Timeout, logger)
				opts.FallbackDelay = cfg.Registration.Fallback.Delay
			} else {
				logger.Info("当前注册中心不支持直连兜底注册", zap.String("backend", cfg.Registry.Backend))
			}
		}

		reg := registration.NewRegistration(cfg.Service, bootstrap.RegistryHost(cfg.Registry))
		manager = registration.NewManager(transport, reg, opts, logger)
		status = manager
	} else {
		logger.Info("服务注册已禁用")
	}

	handler := apihandler.NewAPIHandler(cfg.Service, logger, status)
	if err := handler.Start(); err != nil {
		logger.Fatal("启动后端服务API失败", zap.Error(err))
	}

	// 注册与对外服务互不阻塞
	if manager != nil {
		manager.Start(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if manager != nil {
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("注销服务失败", zap.Error(err))
		}
	}
	if err := handler.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭后端服务API失败", zap.Error(err))
	}
}
