package etcdclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/registry"
)

// instanceRecord 存储在etcd中的实例数据
type instanceRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Address      string            `json:"address"`
	Port         int               `json:"port"`
	Tags         []string          `json:"tags,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	HealthURL    string            `json:"health_url,omitempty"`
	RegisteredAt string            `json:"registered_at"`
}

// Register 写入带租约的实例键并启动续约
func (t *Transport) Register(ctx context.Context, reg *registry.Registration) error {
	record := instanceRecord{
		ID:           reg.ID,
		Name:         reg.Name,
		Address:      reg.Address,
		Port:         reg.Port,
		Tags:         reg.Tags,
		Meta:         reg.Meta,
		RegisteredAt: time.Now().Format(time.RFC3339),
	}
	if reg.Check != nil {
		record.HealthURL = reg.Check.HTTP
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化服务实例失败: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	// 先写入新租约，成功后再撤销同一ID的旧租约，失败时原注册保持不变
	lease, err := t.client.Grant(opCtx, int64(t.cfg.LeaseTTL))
	if err != nil {
		t.logger.Error("创建etcd租约失败", zap.Error(err))
		return fmt.Errorf("创建etcd租约失败: %w", err)
	}

	key := serviceKey(t.cfg.Prefix, reg.Name, reg.ID)
	if _, err := t.client.Put(opCtx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		t.logger.Error("注册服务实例失败", zap.String("key", key), zap.Error(err))
		t.revoke(ctx, reg.ID, lease.ID)
		return fmt.Errorf("注册服务实例失败: %w", err)
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())
	ch, err := t.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		keepCancel()
		return fmt.Errorf("启动租约续约失败: %w", err)
	}
	go t.drainKeepAlive(reg.ID, ch)

	t.mu.Lock()
	old, replaced := t.leases[reg.ID]
	t.leases[reg.ID] = &instanceLease{key: key, id: lease.ID, cancel: keepCancel}
	t.mu.Unlock()

	// 键已绑定新租约，撤销旧租约只会删除改名前的旧键
	if replaced {
		old.cancel()
		t.revoke(ctx, reg.ID, old.id)
	}

	t.logger.Info("服务实例注册成功",
		zap.String("service", reg.Name),
		zap.String("id", reg.ID),
		zap.String("address", reg.Address),
		zap.Int("port", reg.Port))
	return nil
}

// drainKeepAlive 消费续约响应，通道关闭表示续约终止
func (t *Transport) drainKeepAlive(serviceID string, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	t.logger.Debug("租约续约结束", zap.String("id", serviceID))
}

// releaseLease 停止续约并撤销本进程持有的租约
func (t *Transport) releaseLease(ctx context.Context, serviceID string) bool {
	t.mu.Lock()
	l, ok := t.leases[serviceID]
	if ok {
		delete(t.leases, serviceID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	l.cancel()
	t.revoke(ctx, serviceID, l.id)
	return true
}

// revoke 撤销租约，失败只记录日志，租约到期后自然失效
func (t *Transport) revoke(ctx context.Context, serviceID string, id clientv3.LeaseID) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), etcdTimeout)
	defer cancel()
	if _, err := t.client.Revoke(opCtx, id); err != nil {
		t.logger.Warn("撤销租约失败", zap.String("id", serviceID), zap.Error(err))
	}
}

// Deregister 删除实例键，键不存在时返回registry.ErrServiceNotFound
func (t *Transport) Deregister(ctx context.Context, serviceID string) error {
	key, err := t.findKey(ctx, serviceID)
	if err != nil {
		return err
	}

	t.releaseLease(ctx, serviceID)

	opCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()
	if _, err := t.client.Delete(opCtx, key); err != nil {
		t.logger.Error("注销服务实例失败", zap.String("id", serviceID), zap.Error(err))
		return fmt.Errorf("注销服务实例失败: %w", err)
	}

	t.logger.Info("服务实例注销成功", zap.String("id", serviceID))
	return nil
}

// findKey 按服务ID查找实例键
func (t *Transport) findKey(ctx context.Context, serviceID string) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := t.client.Get(opCtx, t.cfg.Prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return "", fmt.Errorf("查询服务实例失败: %w", err)
	}

	for _, kv := range resp.Kvs {
		if _, id, ok := splitKey(t.cfg.Prefix, string(kv.Key)); ok && id == serviceID {
			return string(kv.Key), nil
		}
	}

	return "", fmt.Errorf("注销服务失败 [%s]: %w", serviceID, registry.ErrServiceNotFound)
}

// HealthyService 租约存活的实例即为健康实例
func (t *Transport) HealthyService(ctx context.Context, name string) ([]registry.ServiceInstance, error) {
	records, err := t.list(ctx, servicePrefix(t.cfg.Prefix, name))
	if err != nil {
		return nil, fmt.Errorf("查询健康服务实例失败 [%s]: %w", name, err)
	}

	instances := make([]registry.ServiceInstance, 0, len(records))
	for _, r := range records {
		instances = append(instances, registry.ServiceInstance{
			ServiceName: r.Name,
			Address:     r.Address,
			Port:        r.Port,
			Healthy:     true,
		})
	}
	return instances, nil
}

// CatalogService 与HealthyService相同，etcd中只保留存活实例
func (t *Transport) CatalogService(ctx context.Context, name string) ([]registry.ServiceInstance, error) {
	return t.HealthyService(ctx, name)
}

// AgentServices 列出前缀下的全部实例，key为服务ID
func (t *Transport) AgentServices(ctx context.Context) (map[string]registry.AgentService, error) {
	records, err := t.list(ctx, t.cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("获取服务列表失败: %w", err)
	}

	result := make(map[string]registry.AgentService, len(records))
	for _, r := range records {
		result[r.ID] = registry.AgentService{
			ID:      r.ID,
			Service: r.Name,
			Address: r.Address,
			Port:    r.Port,
		}
	}
	return result, nil
}

// list 读取前缀下的实例数据，无法解析的条目跳过
func (t *Transport) list(ctx context.Context, prefix string) ([]instanceRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := t.client.Get(opCtx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	records := make([]instanceRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var r instanceRecord
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			t.logger.Warn("解析服务实例数据失败", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// splitKey 从实例键中解析服务名和服务ID
// 键格式: <prefix><serviceName>/<serviceID>
func splitKey(prefix, key string) (serviceName, serviceID string, ok bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(key, prefix), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
