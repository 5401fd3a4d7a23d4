package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hewenyu/consul-gateway/internal/config"
)

// fakeAgent 模拟Consul agent的HTTP接口
type fakeAgent struct {
	mu         sync.Mutex
	services   map[string]map[string]interface{}
	health     []map[string]interface{}
	registered []map[string]interface{}
	selfDown   bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{services: make(map[string]map[string]interface{})}
}

func (f *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("GET /v1/agent/self", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		down := f.selfDown
		f.mu.Unlock()
		if down {
			http.Error(w, "agent down", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{"Config": map[string]interface{}{"NodeName": "test"}})
	})

	mux.HandleFunc("GET /v1/agent/services", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, f.services)
	})

	mux.HandleFunc("PUT /v1/agent/service/register", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reg map[string]interface{}
		if err := json.Unmarshal(body, &reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.registered = append(f.registered, reg)
		id, _ := reg["ID"].(string)
		f.services[id] = map[string]interface{}{
			"ID":      id,
			"Service": reg["Name"],
			"Address": reg["Address"],
			"Port":    reg["Port"],
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("PUT /v1/agent/service/deregister/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.services[id]; !ok {
			http.Error(w, "Unknown service ID "+id, http.StatusNotFound)
			return
		}
		delete(f.services, id)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /v1/health/service/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var result []map[string]interface{}
		for _, entry := range f.health {
			svc := entry["Service"].(map[string]interface{})
			if svc["Service"] == r.PathValue("name") {
				result = append(result, entry)
			}
		}
		if result == nil {
			result = []map[string]interface{}{}
		}
		writeJSON(w, result)
	})

	mux.HandleFunc("GET /v1/catalog/service/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		result := []map[string]interface{}{}
		for _, entry := range f.health {
			svc := entry["Service"].(map[string]interface{})
			node := entry["Node"].(map[string]interface{})
			if svc["Service"] == r.PathValue("name") {
				result = append(result, map[string]interface{}{
					"Address":        node["Address"],
					"ServiceName":    svc["Service"],
					"ServiceAddress": svc["Address"],
					"ServicePort":    svc["Port"],
				})
			}
		}
		writeJSON(w, result)
	})

	return mux
}

func (f *fakeAgent) addHealthy(name, nodeAddr, svcAddr string, port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = append(f.health, map[string]interface{}{
		"Node":    map[string]interface{}{"Node": "node-1", "Address": nodeAddr},
		"Service": map[string]interface{}{"ID": name + "-" + strconv.Itoa(port), "Service": name, "Address": svcAddr, "Port": port},
	})
}

// consulConfigFor 根据httptest服务地址构造Consul配置
func consulConfigFor(t *testing.T, rawURL string) config.ConsulConfig {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return config.ConsulConfig{
		Host:    host,
		Port:    port,
		Scheme:  "http",
		Timeout: 2 * time.Second,
	}
}

func setupConsulTransport(t *testing.T) (*ConsulTransport, *fakeAgent) {
	t.Helper()

	agent := newFakeAgent()
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	transport, err := NewConsulTransport(consulConfigFor(t, server.URL), config.WrapZap(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return transport, agent
}

func TestConsulTransport_HealthyService(t *testing.T) {
	transport, agent := setupConsulTransport(t)
	agent.addHealthy("user-service", "10.0.0.1", "10.0.0.5", 3002)
	agent.addHealthy("user-service", "10.0.0.2", "", 3012)
	agent.addHealthy("task-service", "10.0.0.3", "10.0.0.3", 3003)

	instances, err := transport.HealthyService(context.Background(), "user-service")
	require.NoError(t, err)
	require.Len(t, instances, 2)

	assert.Equal(t, "10.0.0.5", instances[0].Address)
	assert.Equal(t, 3002, instances[0].Port)
	assert.True(t, instances[0].Healthy)

	// 服务地址为空时回退到节点地址
	assert.Equal(t, "10.0.0.2", instances[1].Address)
	assert.Equal(t, 3012, instances[1].Port)

	instances, err = transport.HealthyService(context.Background(), "missing-service")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestConsulTransport_CatalogService(t *testing.T) {
	transport, agent := setupConsulTransport(t)
	agent.addHealthy("task-service", "10.0.0.3", "", 3003)

	instances, err := transport.CatalogService(context.Background(), "task-service")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.3", instances[0].Address)
	assert.Equal(t, "task-service", instances[0].ServiceName)
}

func TestConsulTransport_RegisterAndDeregister(t *testing.T) {
	transport, agent := setupConsulTransport(t)
	ctx := context.Background()

	reg := &Registration{
		ID:      "user-service-host-3002",
		Name:    "user-service",
		Address: "192.168.1.10",
		Port:    3002,
		Tags:    []string{"user-service", "api"},
		Meta:    map[string]string{"version": "1.0.0"},
		Check: &HealthCheck{
			HTTP:                           "http://192.168.1.10:3002/health",
			Interval:                       10 * time.Second,
			Timeout:                        5 * time.Second,
			DeregisterCriticalServiceAfter: time.Minute,
		},
	}
	require.NoError(t, transport.Register(ctx, reg))

	agent.mu.Lock()
	require.Len(t, agent.registered, 1)
	body := agent.registered[0]
	agent.mu.Unlock()

	assert.Equal(t, "user-service-host-3002", body["ID"])
	check := body["Check"].(map[string]interface{})
	assert.Equal(t, "10s", check["Interval"])
	assert.Equal(t, "5s", check["Timeout"])
	assert.Equal(t, "1m0s", check["DeregisterCriticalServiceAfter"])

	services, err := transport.AgentServices(ctx)
	require.NoError(t, err)
	require.Contains(t, services, "user-service-host-3002")
	assert.Equal(t, "user-service", services["user-service-host-3002"].Service)

	require.NoError(t, transport.Deregister(ctx, "user-service-host-3002"))

	// 再次注销返回ErrServiceNotFound
	err = transport.Deregister(ctx, "user-service-host-3002")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServiceNotFound))
}

func TestConsulTransport_AgentSelf(t *testing.T) {
	transport, agent := setupConsulTransport(t)

	assert.NoError(t, transport.AgentSelf(context.Background()))

	agent.mu.Lock()
	agent.selfDown = true
	agent.mu.Unlock()
	assert.Error(t, transport.AgentSelf(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, transport.AgentSelf(ctx))
}

func TestConsulTransport_Unreachable(t *testing.T) {
	transport, err := NewConsulTransport(config.ConsulConfig{
		Host:    "127.0.0.1",
		Port:    1,
		Timeout: 500 * time.Millisecond,
	}, config.NewNopLogger())
	require.NoError(t, err)

	_, err = transport.HealthyService(context.Background(), "user-service")
	assert.Error(t, err)
	assert.Error(t, transport.AgentSelf(context.Background()))
}

func TestIsNotFound(t *testing.T) {
	wrapped := fmt.Errorf("注销服务失败: %w", consulapi.StatusError{Code: http.StatusNotFound, Body: "Unknown service ID"})
	assert.True(t, isNotFound(wrapped))

	assert.False(t, isNotFound(consulapi.StatusError{Code: http.StatusInternalServerError}))
	assert.False(t, isNotFound(errors.New("Unexpected response code: 404")), "只识别类型化的状态错误")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "", formatDuration(0))
	assert.Equal(t, "15s", formatDuration(15*time.Second))
	assert.Equal(t, "1m0s", formatDuration(time.Minute))
}
