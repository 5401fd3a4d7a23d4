package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/discovery"
	"github.com/hewenyu/consul-gateway/internal/registry"
)

// staticSource 可替换实例列表的实例来源
type staticSource struct {
	mu        sync.Mutex
	instances map[string][]registry.ServiceInstance
	queries   int
}

func (s *staticSource) HealthyService(_ context.Context, name string) ([]registry.ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	return s.instances[name], nil
}

func (s *staticSource) set(name string, instances ...registry.ServiceInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[name] = instances
}

func (s *staticSource) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// instanceFor 将httptest地址转换为服务实例
func instanceFor(t *testing.T, name, rawURL string) registry.ServiceInstance {
	t.Helper()

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return registry.ServiceInstance{ServiceName: name, Address: host, Port: port, Healthy: true}
}

func newTestServer(t *testing.T, source discovery.InstanceSource, cfg config.GatewayConfig) *Server {
	t.Helper()

	logger := config.WrapZap(zaptest.NewLogger(t))
	resolver := discovery.NewResolver(source, discovery.NewMemoryCache(30*time.Second), logger)
	forwarder := NewForwarder(resolver, time.Second, logger)
	router := NewRouter("api", "/api", defaultRoutes())
	return NewServer(cfg, router, forwarder, logger)
}

func decodeApiResponse(t *testing.T, rec *httptest.ResponseRecorder) ApiResponse {
	t.Helper()
	var resp ApiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestServer_Health(t *testing.T) {
	server := newTestServer(t, &staticSource{instances: map[string][]registry.ServiceInstance{}}, config.GatewayConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, gatewayServiceName, body["service"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestServer_ProxySuccess(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/42", r.URL.Path)
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get(echo.HeaderXRequestID), "请求ID应传递到下游")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Downstream", "user")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer downstream.Close()

	source := &staticSource{instances: map[string][]registry.ServiceInstance{}}
	source.set("user-service", instanceFor(t, "user-service", downstream.URL))
	server := newTestServer(t, source, config.GatewayConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/users/42", nil)
	req.Header.Set("Authorization", "Bearer t")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":42}`, rec.Body.String())
	assert.Equal(t, "user", rec.Header().Get("X-Downstream"))
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestServer_DownstreamErrorStatusPassthrough(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Unauthorized"}`))
	}))
	defer downstream.Close()

	source := &staticSource{instances: map[string][]registry.ServiceInstance{}}
	source.set("task-service", instanceFor(t, "task-service", downstream.URL))
	server := newTestServer(t, source, config.GatewayConfig{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/7/subtask", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"Unauthorized"}`, rec.Body.String())
}

func TestServer_ErrorMapping(t *testing.T) {
	source := &staticSource{instances: map[string][]registry.ServiceInstance{}}
	server := newTestServer(t, source, config.GatewayConfig{})

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"缺少服务前缀", "/api", http.StatusBadRequest},
		{"服务不存在", "/api/ghost/1", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.status, rec.Code)
			resp := decodeApiResponse(t, rec)
			assert.Equal(t, tt.status, resp.Code)
			assert.NotContains(t, resp.Message, "ghost-service", "不暴露内部错误细节")
		})
	}
}

func TestServer_EvictionAfterUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer alive.Close()

	source := &staticSource{instances: map[string][]registry.ServiceInstance{}}
	source.set("user-service", instanceFor(t, "user-service", deadURL))
	server := newTestServer(t, source, config.GatewayConfig{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1, source.queryCount())

	// 实例恢复后，下一次请求绕过缓存重新查询
	source.set("user-service", instanceFor(t, "user-service", alive.URL))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, source.queryCount())
}

func TestServer_GatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	source := &staticSource{instances: map[string][]registry.ServiceInstance{}}
	source.set("user-service", instanceFor(t, "user-service", slow.URL))

	logger := config.WrapZap(zaptest.NewLogger(t))
	resolver := discovery.NewResolver(source, discovery.NewMemoryCache(30*time.Second), logger)
	server := NewServer(config.GatewayConfig{}, NewRouter("api", "/api", defaultRoutes()),
		NewForwarder(resolver, 100*time.Millisecond, logger), logger)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	source := &staticSource{instances: map[string][]registry.ServiceInstance{}}
	server := newTestServer(t, source, config.GatewayConfig{
		RateLimit: config.RateLimitConfig{RPS: 1, Burst: 1},
	})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
