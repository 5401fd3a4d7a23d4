package registration

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/registry"
)

// State 注册状态
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
	StateDeregistering
	StateDeregistered
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateDeregistering:
		return "deregistering"
	case StateDeregistered:
		return "deregistered"
	}
	return "unknown"
}

// Record 本实例的注册记录
type Record struct {
	ServiceID      string
	ServiceName    string
	Address        string
	Port           int
	HealthCheckURL string
	Registered     bool
}

// RetryState 重试状态，注册确认后清空
type RetryState struct {
	Interval time.Duration
	Pending  bool
}

// Options Manager的配置
type Options struct {
	RetryInterval time.Duration
	// Fallback为nil时不执行兜底注册
	Fallback      *Fallback
	FallbackDelay time.Duration
}

// Manager 负责本实例在注册中心的完整生命周期
// 主注册、兜底注册和关闭时的注销都经过opMu串行执行，Manager是注册记录的唯一所有者
type Manager struct {
	transport registry.Transport
	reg       registry.Registration
	opts      Options
	logger    config.Logger

	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	attempts     int
	retry        RetryState
	started      bool
	stopping     bool
	interrupted  bool
	cancelLoop   context.CancelFunc
	loopDone     chan struct{}
	fallbackTask *Task
}

// NewManager 创建注册管理器
func NewManager(transport registry.Transport, reg registry.Registration, opts Options, logger config.Logger) *Manager {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	return &Manager{
		transport: transport,
		reg:       reg,
		opts:      opts,
		logger:    logger,
		state:     StateUnregistered,
		retry:     RetryState{Interval: opts.RetryInterval},
	}
}

// Start 启动注册循环（非阻塞），重复调用无效
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancelLoop = cancel
	m.loopDone = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("开始服务注册",
		zap.String("id", m.reg.ID),
		zap.String("address", m.reg.Address),
		zap.Int("port", m.reg.Port))

	go m.run(ctx, loopCtx)
}

// run 注册循环，成功或取消后退出
func (m *Manager) run(parent, ctx context.Context) {
	defer close(m.loopDone)

	first := true
	for {
		err := m.attempt(ctx)

		if first {
			first = false
			m.scheduleFallback(parent)
		}

		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		m.logger.Warn("服务注册失败，稍后重试",
			zap.String("id", m.reg.ID),
			zap.Duration("retry_interval", m.opts.RetryInterval),
			zap.Error(err))

		timer := time.NewTimer(m.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// attempt 执行一次注册尝试：探测agent后注册
func (m *Manager) attempt(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state == StateRegistered {
		m.mu.Unlock()
		return nil
	}
	m.state = StateRegistering
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Debug("注册尝试", zap.String("id", m.reg.ID), zap.Int("attempt", attempt))

	// 等待opMu期间可能已开始关闭
	if err := ctx.Err(); err != nil {
		m.failAttempt()
		return err
	}

	if err := m.transport.AgentSelf(ctx); err != nil {
		m.failAttempt()
		return &RegistrationError{Op: "agent-self", ServiceID: m.reg.ID, Err: err}
	}

	reg := m.reg
	if err := m.transport.Register(ctx, &reg); err != nil {
		if ctx.Err() != nil {
			m.markInterrupted()
		}
		m.failAttempt()
		return &RegistrationError{Op: "register", ServiceID: m.reg.ID, Err: err}
	}

	m.setRegistered()
	m.logger.Info("服务注册成功", zap.String("id", m.reg.ID), zap.Int("attempts", attempt))
	m.confirm(ctx)
	return nil
}

// confirm 列出agent服务确认注册已生效，仅记录日志
func (m *Manager) confirm(ctx context.Context) {
	services, err := m.transport.AgentServices(ctx)
	if err != nil {
		m.logger.Warn("无法确认注册结果", zap.String("id", m.reg.ID), zap.Error(err))
		return
	}

	ids := make([]string, 0, len(services))
	for id := range services {
		ids = append(ids, id)
	}

	if _, ok := services[m.reg.ID]; ok {
		m.logger.Info("注册已确认", zap.String("id", m.reg.ID), zap.Strings("services", ids))
	} else {
		m.logger.Warn("注册后agent中未找到本服务", zap.String("id", m.reg.ID), zap.Strings("services", ids))
	}
}

func (m *Manager) failAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateUnregistered
	m.retry.Pending = true
}

// markInterrupted 注册请求被取消，agent端结果未知
func (m *Manager) markInterrupted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted = true
}

func (m *Manager) setRegistered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateRegistered
	m.retry = RetryState{Interval: m.opts.RetryInterval}
}

// scheduleFallback 首次尝试结束后安排兜底注册
func (m *Manager) scheduleFallback(ctx context.Context) {
	if m.opts.Fallback == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return
	}
	m.fallbackTask = Schedule(ctx, m.opts.FallbackDelay, m.runFallback)
}

// runFallback 在opMu保护下执行兜底注册
func (m *Manager) runFallback(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state == StateDeregistering || state == StateDeregistered {
		return
	}

	reg := m.reg
	outcome := m.opts.Fallback.Run(ctx, &reg)
	m.logger.Info("兜底注册完成", zap.String("id", m.reg.ID), zap.Stringer("outcome", outcome))

	switch {
	case outcome == OutcomeRegistered:
		m.setRegistered()
		m.stopLoop()
	case outcome == OutcomeFailed && ctx.Err() != nil:
		m.markInterrupted()
	}
}

// stopLoop 取消注册循环
func (m *Manager) stopLoop() {
	m.mu.Lock()
	cancel := m.cancelLoop
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown 停止注册循环和兜底任务，已注册时注销一次
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	cancel, loopDone, task := m.cancelLoop, m.loopDone, m.fallbackTask
	m.mu.Unlock()

	// 兜底任务执行中持有opMu，必须先取消它，注册循环才能退出
	if task != nil {
		task.Cancel()
	}

	if cancel != nil {
		cancel()
		select {
		case <-loopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// 循环退出后再读取，stopping置位前可能刚安排了任务
	if task := m.FallbackTask(); task != nil {
		task.Cancel()
		if err := task.Wait(ctx); err != nil {
			return err
		}
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state != StateRegistered && !m.interrupted {
		if m.state == StateRegistering {
			m.state = StateUnregistered
		}
		m.retry.Pending = false
		m.mu.Unlock()
		return nil
	}
	m.state = StateDeregistering
	m.mu.Unlock()

	err := m.transport.Deregister(ctx, m.reg.ID)
	switch {
	case err == nil:
		m.logger.Info("服务已注销", zap.String("id", m.reg.ID))
	case errors.Is(err, registry.ErrServiceNotFound):
		m.logger.Info("注销时服务已不存在", zap.String("id", m.reg.ID))
	default:
		m.logger.Warn("服务注销失败，由注册中心健康检查清理", zap.String("id", m.reg.ID), zap.Error(err))
	}

	m.mu.Lock()
	m.state = StateDeregistered
	m.mu.Unlock()
	return nil
}

// State 返回当前注册状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts 返回已执行的主注册尝试次数
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Retry 返回当前重试状态
func (m *Manager) Retry() RetryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry
}

// Record 返回注册记录快照
func (m *Manager) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := Record{
		ServiceID:   m.reg.ID,
		ServiceName: m.reg.Name,
		Address:     m.reg.Address,
		Port:        m.reg.Port,
		Registered:  m.state == StateRegistered,
	}
	if m.reg.Check != nil {
		rec.HealthCheckURL = m.reg.Check.HTTP
	}
	return rec
}

// FallbackTask 返回已安排的兜底任务，尚未安排时为nil
func (m *Manager) FallbackTask() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackTask
}

// Done 注册循环退出时关闭，Start之前返回nil
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loopDone
}
