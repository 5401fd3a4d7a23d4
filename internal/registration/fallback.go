package registration

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/config"
	"github.com/hewenyu/consul-gateway/internal/registry"
)

// Outcome 兜底注册的执行结果
type Outcome int

const (
	// OutcomeAgentUnavailable agent不可达，未做任何修改
	OutcomeAgentUnavailable Outcome = iota + 1
	// OutcomeAlreadyPresent 实例已存在，未做任何修改
	OutcomeAlreadyPresent
	// OutcomeRegistered 直接注册成功
	OutcomeRegistered
	// OutcomeFailed 兜底流程中某一步失败
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAgentUnavailable:
		return "agent_unavailable"
	case OutcomeAlreadyPresent:
		return "already_present"
	case OutcomeRegistered:
		return "registered"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// 单步操作的默认超时时间
const fallbackStepTimeout = 5 * time.Second

// Fallback 绕过上层客户端，直接调用agent接口确保实例可见
// 只记录日志，不向调用方返回错误
type Fallback struct {
	agent   registry.Transport
	timeout time.Duration
	logger  config.Logger
}

// NewFallback 创建兜底注册器，agent通常是registry.AgentClient
func NewFallback(agent registry.Transport, timeout time.Duration, logger config.Logger) *Fallback {
	if timeout <= 0 {
		timeout = fallbackStepTimeout
	}
	return &Fallback{
		agent:   agent,
		timeout: timeout,
		logger:  logger,
	}
}

// Run 执行一次兜底注册
// 先确认实例是否已存在，已存在则不做任何修改；否则先注销再直接注册
func (f *Fallback) Run(ctx context.Context, reg *registry.Registration) Outcome {
	logger := f.logger

	if err := f.step(ctx, func(ctx context.Context) error { return f.agent.AgentSelf(ctx) }); err != nil {
		logger.Warn("兜底注册跳过，agent不可达", zap.String("id", reg.ID), zap.Error(err))
		return OutcomeAgentUnavailable
	}

	var services map[string]registry.AgentService
	err := f.step(ctx, func(ctx context.Context) error {
		var err error
		services, err = f.agent.AgentServices(ctx)
		return err
	})
	if err != nil {
		logger.Error("兜底注册失败，无法获取agent服务列表", zap.String("id", reg.ID), zap.Error(err))
		return OutcomeFailed
	}

	if _, ok := services[reg.ID]; ok {
		logger.Info("服务已在agent中注册，无需兜底", zap.String("id", reg.ID))
		return OutcomeAlreadyPresent
	}

	err = f.step(ctx, func(ctx context.Context) error { return f.agent.Deregister(ctx, reg.ID) })
	switch {
	case err == nil:
		logger.Info("已清理残留的服务注册", zap.String("id", reg.ID))
	case errors.Is(err, registry.ErrServiceNotFound):
		logger.Debug("注销时服务不存在，属于正常情况", zap.String("id", reg.ID))
	default:
		logger.Warn("注销残留服务失败，继续直接注册", zap.String("id", reg.ID), zap.Error(err))
	}

	if err := f.step(ctx, func(ctx context.Context) error { return f.agent.Register(ctx, reg) }); err != nil {
		logger.Error("直接注册失败", zap.String("id", reg.ID), zap.Error(err))
		return OutcomeFailed
	}

	logger.Info("直接注册成功",
		zap.String("id", reg.ID),
		zap.String("address", reg.Address),
		zap.Int("port", reg.Port))
	return OutcomeRegistered
}

// step 以单步超时执行一次agent调用
func (f *Fallback) step(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return fn(ctx)
}
