package apihandler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/registration"
)

// Handler 定义后端服务API接口
type Handler interface {
	// Start 启动HTTP服务（非阻塞）
	Start() error

	// Shutdown 优雅关闭HTTP服务
	Shutdown(ctx context.Context) error
}

// RegistrationStatus 提供注册状态，registration.Manager满足该接口
type RegistrationStatus interface {
	State() registration.State
	Record() registration.Record
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// InstanceResponse 实例信息响应
type InstanceResponse struct {
	ServiceID      string `json:"service_id"`
	ServiceName    string `json:"service_name"`
	Address        string `json:"address"`
	Port           int    `json:"port"`
	HealthCheckURL string `json:"health_check_url"`
	State          string `json:"state"`
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	server    *echo.Echo
	cfg       config.ServiceConfig
	logger    config.Logger
	status    RegistrationStatus
	startTime time.Time
}

// NewAPIHandler 创建后端服务API，status为nil时不输出注册信息
func NewAPIHandler(cfg config.ServiceConfig, logger config.Logger, status RegistrationStatus) *EchoHandler {
	h := &EchoHandler{
		server:    echo.New(),
		cfg:       cfg,
		logger:    logger,
		status:    status,
		startTime: time.Now(),
	}
	h.server.HideBanner = true
	h.server.HidePort = true

	h.server.Use(middleware.Recover())
	h.server.Use(middleware.RequestID())

	h.registerRoutes()
	return h
}

// ServeHTTP 实现http.Handler，便于测试
func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

// Start 启动HTTP服务（非阻塞）
func (h *EchoHandler) Start() error {
	addr := fmt.Sprintf("%s:%d", h.cfg.ListenAddress, h.cfg.Port)
	h.logger.Info("启动后端服务API", zap.String("service", h.cfg.Name), zap.String("address", addr))

	go func() {
		if err := h.server.Start(addr); err != nil && err != http.ErrServerClosed {
			h.logger.Error("后端服务API启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭HTTP服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭后端服务API...")
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Error("关闭后端服务API出错", zap.Error(err))
		return err
	}
	return nil
}

// registerRoutes 注册路由
func (h *EchoHandler) registerRoutes() {
	healthPath := h.cfg.HealthCheck.Path
	if healthPath == "" {
		healthPath = "/health"
	}
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}

	h.server.GET(healthPath, h.healthCheck)
	if healthPath != "/api/health" {
		// 经网关访问时带有服务前缀
		h.server.GET("/api/health", h.healthCheck)
	}
	h.server.GET("/instance", h.instanceInfo)
	h.server.Any("/api/*", h.echoRequest)
}

// healthCheck 注册中心健康检查端点，注册状态不影响健康结果
func (h *EchoHandler) healthCheck(c echo.Context) error {
	details := map[string]interface{}{
		"version":    h.cfg.Version,
		"uptime":     time.Since(h.startTime).String(),
		"resources":  getResourceUsage(),
		"goroutines": runtime.NumGoroutine(),
	}
	if h.status != nil {
		details["registration"] = h.status.State().String()
		details["service_id"] = h.status.Record().ServiceID
	}

	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Service:   h.cfg.Name,
		Timestamp: time.Now(),
		Details:   details,
	})
}

// instanceInfo 返回本实例的注册记录
func (h *EchoHandler) instanceInfo(c echo.Context) error {
	if h.status == nil {
		return c.JSON(http.StatusOK, InstanceResponse{
			ServiceName: h.cfg.Name,
			Port:        h.cfg.Port,
			State:       registration.StateUnregistered.String(),
		})
	}

	rec := h.status.Record()
	return c.JSON(http.StatusOK, InstanceResponse{
		ServiceID:      rec.ServiceID,
		ServiceName:    rec.ServiceName,
		Address:        rec.Address,
		Port:           rec.Port,
		HealthCheckURL: rec.HealthCheckURL,
		State:          h.status.State().String(),
	})
}

// echoRequest 回显经网关转发的请求，用于验证路由和请求头
func (h *EchoHandler) echoRequest(c echo.Context) error {
	req := c.Request()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"service":       h.cfg.Name,
		"method":        req.Method,
		"path":          req.URL.Path,
		"query":         req.URL.RawQuery,
		"authorization": req.Header.Get(echo.HeaderAuthorization) != "",
		"request_id":    req.Header.Get(echo.HeaderXRequestID),
	})
}

// getResourceUsage 获取资源使用情况
func getResourceUsage() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"memory_alloc": formatBytes(memStats.Alloc),
		"memory_sys":   formatBytes(memStats.Sys),
		"memory_heap":  formatBytes(memStats.HeapAlloc),
		"num_gc":       memStats.NumGC,
	}
}

// formatBytes 将字节数格式化为可读形式
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
