package etcdclient

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// WatchEvent 实例变化事件
type WatchEvent struct {
	EventType   string // "put" 或 "delete"
	ServiceName string
	ServiceID   string
}

// WatchCallback 定义监听回调函数类型
type WatchCallback func(event WatchEvent)

// Watch 监听实例键的变化，网关据此提前失效缓存
// ctx取消后监听协程退出
func (t *Transport) Watch(ctx context.Context, callback WatchCallback) error {
	getResp, err := t.client.Get(ctx, t.cfg.Prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return fmt.Errorf("获取初始键值失败: %w", err)
	}

	// 从最新的revision开始监听
	watchChan := t.client.Watch(ctx, t.cfg.Prefix, clientv3.WithPrefix(), clientv3.WithRev(getResp.Header.Revision+1))

	t.logger.Info("开始监听etcd变化", zap.String("prefix", t.cfg.Prefix))

	go func() {
		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				t.logger.Warn("etcd监听异常", zap.Error(err))
				continue
			}

			for _, event := range watchResp.Events {
				name, id, ok := splitKey(t.cfg.Prefix, string(event.Kv.Key))
				if !ok {
					continue
				}

				eventType := "put"
				if event.Type == clientv3.EventTypeDelete {
					eventType = "delete"
				}

				t.logger.Debug("检测到实例变化",
					zap.String("type", eventType),
					zap.String("service", name),
					zap.String("id", id))

				callback(WatchEvent{EventType: eventType, ServiceName: name, ServiceID: id})
			}
		}
	}()

	return nil
}
