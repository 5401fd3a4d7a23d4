package registration

import (
	"context"
	"sync/atomic"
	"time"
)

// Task 延迟执行一次的可取消任务
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	ran    atomic.Bool
}

// Schedule 在delay之后执行fn，ctx取消或Cancel后不再执行
func Schedule(ctx context.Context, delay time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		t.ran.Store(true)
		fn(ctx)
	}()

	return t
}

// Cancel 取消任务，已开始执行的fn通过ctx感知取消
func (t *Task) Cancel() {
	t.cancel()
}

// Done 任务结束（执行完成或被取消）时关闭
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait 等待任务结束
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ran 任务函数是否被执行过
func (t *Task) Ran() bool {
	return t.ran.Load()
}
