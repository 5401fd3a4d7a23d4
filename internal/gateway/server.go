package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/discovery"
)

// 网关自身的服务名
const gatewayServiceName = "api-gateway"

// ApiResponse 网关生成的响应体
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Server 网关HTTP服务
type Server struct {
	echo      *echo.Echo
	cfg       config.GatewayConfig
	router    *Router
	forwarder *Forwarder
	logger    config.Logger
}

// NewServer 创建网关服务并注册中间件和路由
func NewServer(cfg config.GatewayConfig, router *Router, forwarder *Forwarder, logger config.Logger) *Server {
	s := &Server{
		echo:      echo.New(),
		cfg:       cfg,
		router:    router,
		forwarder: forwarder,
		logger:    logger,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("请求完成",
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	allowOrigins := cfg.CORS.AllowOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
	}))

	if cfg.RateLimit.RPS > 0 {
		store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(cfg.RateLimit.RPS),
			Burst:     cfg.RateLimit.Burst,
			ExpiresIn: 3 * time.Minute,
		})
		s.echo.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: store,
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return c.JSON(http.StatusTooManyRequests, ApiResponse{
					Code:    http.StatusTooManyRequests,
					Message: "请求过于频繁",
				})
			},
		}))
	}

	s.echo.GET("/health", s.handleHealth)
	s.echo.Any("/*", s.handleProxy)

	return s
}

// Handler 返回底层http.Handler，测试中配合httptest使用
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start 启动网关服务（非阻塞）
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.Port)
	s.logger.Info("启动网关服务", zap.String("address", addr))

	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error("网关服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭网关服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭网关服务...")
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Error("关闭网关服务出错", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   gatewayServiceName,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleProxy(c echo.Context) error {
	req := c.Request()

	route, err := s.router.Route(req.URL.Path)
	if err != nil {
		return s.writeError(c, err)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ApiResponse{Code: http.StatusBadRequest, Message: "读取请求体失败"})
	}

	header := req.Header.Clone()
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		header.Set(echo.HeaderXRequestID, id)
	}

	resp, err := s.forwarder.Forward(req.Context(), route.ServiceName, &ForwardRequest{
		Method: req.Method,
		Path:   route.Path,
		Header: header,
		Query:  req.URL.Query(),
		Body:   body,
	})
	if err != nil {
		return s.writeError(c, err)
	}

	CopyResponseHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)
	_, err = c.Response().Write(resp.Body)
	return err
}

// 调用方在响应前断开连接
const statusClientClosedRequest = 499

// writeError 将内部错误映射为调用方可见的状态码，不暴露底层细节
func (s *Server) writeError(c echo.Context, err error) error {
	status, message := http.StatusInternalServerError, "网关内部错误"

	switch {
	case IsRoutingError(err, 0):
		status, message = http.StatusBadRequest, "无效的请求路径"
	case IsForwardError(err, ErrCanceled):
		// 连接已断开，响应只用于访问日志
		status, message = statusClientClosedRequest, "请求已取消"
	case IsForwardError(err, ErrTimeout):
		status, message = http.StatusGatewayTimeout, "服务响应超时"
	case IsForwardError(err, ErrUnavailable), discovery.IsResolutionError(err, 0):
		status, message = http.StatusServiceUnavailable, "服务暂时不可用"
	}

	s.logger.Warn("请求处理失败",
		zap.String("path", c.Request().URL.Path),
		zap.Int("status", status),
		zap.Error(err))

	return c.JSON(status, ApiResponse{Code: status, Message: message})
}
