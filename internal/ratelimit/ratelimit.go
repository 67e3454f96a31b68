package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "MultiLLM-Agent/internal/errors"
)

// window 是限流窗口的长度，按提供商的分钟级配额计算。
const window = time.Minute

// Limit 描述单个模型的准入限制。
type Limit struct {
	RequestsPerMinute  int
	ConcurrentRequests int
}

// modelState 保存单个模型的限流状态，模型之间互不竞争。
type modelState struct {
	mu      sync.Mutex
	rpm     int
	started []time.Time
	permits chan struct{}
}

// Limiter 按模型执行准入控制。未配置限制的模型直接放行。
type Limiter struct {
	states map[string]*modelState

	// 测试钩子，默认使用真实时钟。
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New 根据限制表构造 Limiter。任何小于 1 的限制都会导致构造失败，
// 避免误配置后放行无界负载。
func New(limits map[string]Limit) (*Limiter, error) {
	states := make(map[string]*modelState, len(limits))
	for model, limit := range limits {
		if limit.RequestsPerMinute < 1 {
			return nil, xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("模型 %s 的每分钟请求数必须不小于 1", model))
		}
		if limit.ConcurrentRequests < 1 {
			return nil, xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("模型 %s 的并发请求数必须不小于 1", model))
		}
		states[model] = &modelState{
			rpm:     limit.RequestsPerMinute,
			permits: make(chan struct{}, limit.ConcurrentRequests),
		}
	}
	return &Limiter{
		states: states,
		now:    time.Now,
		sleep:  sleepContext,
	}, nil
}

// Acquire 阻塞直到指定模型同时满足速率与并发条件，随后记录本次请求
// 并持有一个并发许可。窗口占满时按 60-(now-oldest) 精确挂起后重查，
// 不做固定间隔轮询。除上下文取消外不会失败。
func (l *Limiter) Acquire(ctx context.Context, model string) error {
	st := l.states[model]
	if st == nil {
		return nil
	}

	select {
	case st.permits <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		st.mu.Lock()
		now := l.now()
		st.prune(now)
		if len(st.started) < st.rpm {
			st.started = append(st.started, now)
			st.mu.Unlock()
			return nil
		}
		wait := window - now.Sub(st.started[0])
		st.mu.Unlock()

		if wait > 0 {
			if err := l.sleep(ctx, wait); err != nil {
				<-st.permits
				return err
			}
		}
	}
}

// Release 归还并发许可。对未配置限制的模型是空操作。
func (l *Limiter) Release(model string) {
	st := l.states[model]
	if st == nil {
		return
	}
	select {
	case <-st.permits:
	default:
	}
}

// Limited 报告指定模型是否配置了准入限制。
func (l *Limiter) Limited(model string) bool {
	return l.states[model] != nil
}

// prune 丢弃滚动窗口之外的请求时间戳。调用方必须持有锁。
func (st *modelState) prune(now time.Time) {
	idx := 0
	for idx < len(st.started) && now.Sub(st.started[idx]) >= window {
		idx++
	}
	if idx > 0 {
		st.started = append(st.started[:0], st.started[idx:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
