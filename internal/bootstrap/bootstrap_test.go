package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/registry"
)

func TestNewTransport(t *testing.T) {
	transport, closeFn, err := NewTransport(config.RegistryConfig{
		Backend: config.BackendConsul,
		Consul:  config.ConsulConfig{Host: "127.0.0.1", Port: 8500},
	}, config.NewNopLogger())
	require.NoError(t, err)
	assert.IsType(t, &registry.ConsulTransport{}, transport)
	assert.NoError(t, closeFn())

	_, _, err = NewTransport(config.RegistryConfig{Backend: "zookeeper"}, config.NewNopLogger())
	assert.Error(t, err)

	_, _, err = NewTransport(config.RegistryConfig{Backend: config.BackendEtcd}, config.NewNopLogger())
	assert.Error(t, err, "etcd地址为空时应失败")
}

func TestRegistryHost(t *testing.T) {
	assert.Equal(t, "consul.internal", RegistryHost(config.RegistryConfig{
		Backend: config.BackendConsul,
		Consul:  config.ConsulConfig{Host: "consul.internal"},
	}))

	assert.Equal(t, "127.0.0.1", RegistryHost(config.RegistryConfig{
		Backend: config.BackendEtcd,
		Etcd:    config.EtcdConfig{Endpoints: []string{"http://127.0.0.1:2379"}},
	}))

	assert.Equal(t, "etcd-0", RegistryHost(config.RegistryConfig{
		Backend: config.BackendEtcd,
		Etcd:    config.EtcdConfig{Endpoints: []string{"etcd-0"}},
	}))
}
