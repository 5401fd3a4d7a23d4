package discovery

import (
	"math/rand"
	"sync"
	"time"

	"github.com/hewenyu/consul-gateway/internal/registry"
)

// Selector 从N个可用实例中选出一个，调用方保证instances非空
type Selector interface {
	Pick(instances []registry.ServiceInstance) registry.ServiceInstance
}

// RandomSelector 均匀随机选择
type RandomSelector struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomSelector 创建随机选择器
func NewRandomSelector() *RandomSelector {
	return &RandomSelector{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Pick 实现Selector接口
func (s *RandomSelector) Pick(instances []registry.ServiceInstance) registry.ServiceInstance {
	s.mu.Lock()
	i := s.rnd.Intn(len(instances))
	s.mu.Unlock()
	return instances[i]
}

// SelectorFunc 将普通函数适配为Selector，测试中用于固定选择结果
type SelectorFunc func(instances []registry.ServiceInstance) registry.ServiceInstance

// Pick 实现Selector接口
func (f SelectorFunc) Pick(instances []registry.ServiceInstance) registry.ServiceInstance {
	return f(instances)
}
