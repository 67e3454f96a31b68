package llm

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/ratelimit"
	"MultiLLM-Agent/pkg/logger"
)

// CallOptions 控制一次受保护调用的重试与超时行为。
type CallOptions struct {
	// ErrorPrefix 用于给错误信息加上阶段名前缀。
	ErrorPrefix string
	// MaxRetries 是失败后的额外重试次数，总尝试数为 MaxRetries+1。
	MaxRetries int
	// Timeout 是单次尝试的截止时间，零值表示不限制。
	Timeout time.Duration
	// RetryDelay 是线性退避的基数，第 n 次重试前等待 RetryDelay*n。
	RetryDelay time.Duration
}

// Caller 把一次出站调用包装上请求校验、限流、单次超时、线性退避重试
// 与错误分类。上层模块会在它之外再叠加指数退避，两层重试相乘，
// 配置重试预算时要把这一点考虑进去。
type Caller struct {
	client  Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	// 测试钩子，默认真实睡眠。
	sleep func(ctx context.Context, d time.Duration) error
}

// CallerOption 定义可选配置。
type CallerOption func(*Caller)

// WithCallerLogger 指定日志输出。
func WithCallerLogger(l *slog.Logger) CallerOption {
	return func(c *Caller) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCaller 构造 Caller。limiter 为 nil 时不做准入控制。
func NewCaller(client Client, limiter *ratelimit.Limiter, opts ...CallerOption) *Caller {
	c := &Caller{
		client:  client,
		limiter: limiter,
		logger:  logger.Named("llm-caller"),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Call 执行一次非流式调用：结构校验失败立即终止且不重试；
// 瞬时失败按线性退避重试；重试耗尽后返回携带尝试次数的终态错误。
func (c *Caller) Call(ctx context.Context, req Request, opts CallOptions) (*Response, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, prefixed(opts.ErrorPrefix, err)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		attempts++
		resp, err := c.attempt(ctx, req, opts.Timeout)
		if err == nil {
			if verr := ValidateResponse(resp); verr != nil {
				// 结构不合法的 200 响应按校验错误处理，不得静默放行。
				return nil, prefixed(opts.ErrorPrefix, verr)
			}
			return resp, nil
		}

		classified := classify(err)
		if !xerrors.RetryableError(classified) {
			return nil, prefixed(opts.ErrorPrefix, classified)
		}
		lastErr = classified

		if attempt < opts.MaxRetries {
			delay := opts.RetryDelay * time.Duration(attempt+1)
			c.logger.Warn("调用失败，准备重试",
				slog.String("model", req.Model),
				slog.Int("attempt", attempts),
				slog.Duration("delay", delay),
				slog.Any("error", classified),
			)
			if delay > 0 {
				if serr := c.sleep(ctx, delay); serr != nil {
					return nil, prefixed(opts.ErrorPrefix, classify(serr))
				}
			}
		}
	}

	return nil, prefixed(opts.ErrorPrefix, xerrors.Wrap(
		xerrors.CodeRetriesExhausted, lastErr, "重试次数已用尽",
		xerrors.WithMetadata(xerrors.MetaAttempts, strconv.Itoa(attempts)),
		xerrors.WithMetadata(xerrors.MetaModel, req.Model),
	))
}

// Stream 发起流式调用。返回的句柄在关闭前一直占用该模型的并发许可，
// 调用方必须关闭它。流式路径不做内容缓存，也不重试已开始的流。
func (c *Caller) Stream(ctx context.Context, req Request, opts CallOptions) (io.ReadCloser, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, prefixed(opts.ErrorPrefix, err)
	}

	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, req.Model); err != nil {
			return nil, prefixed(opts.ErrorPrefix, classify(err))
		}
	}

	stream, err := c.client.Stream(ctx, req)
	if err != nil {
		if c.limiter != nil {
			c.limiter.Release(req.Model)
		}
		classified := classify(err)
		return nil, prefixed(opts.ErrorPrefix, classified)
	}

	release := func() {}
	if c.limiter != nil {
		model := req.Model
		release = func() { c.limiter.Release(model) }
	}
	return &streamHandle{rc: stream, release: release}, nil
}

// attempt 执行单次尝试：限流准入、单次截止时间、网络调用。
func (c *Caller) attempt(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, req.Model); err != nil {
			return nil, err
		}
		defer c.limiter.Release(req.Model)
	}

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.client.Complete(attemptCtx, req)
}

// ValidateRequest 做出站前的结构校验：消息列表非空且每条消息有角色
// 和内容。校验失败是终态错误，不触发重试。
func ValidateRequest(req Request) error {
	if req.Model == "" {
		return xerrors.New(xerrors.CodeValidation, "请求缺少模型标识")
	}
	if len(req.Messages) == 0 {
		return xerrors.New(xerrors.CodeValidation, "消息列表不能为空")
	}
	for idx, msg := range req.Messages {
		if msg.Role == "" {
			return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("第 %d 条消息缺少角色", idx+1))
		}
		if msg.Empty() {
			return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("第 %d 条消息缺少内容", idx+1))
		}
	}
	return nil
}

// ValidateResponse 校验响应结构：至少一个候选且首个候选内容非空。
func ValidateResponse(resp *Response) error {
	if resp == nil {
		return xerrors.New(xerrors.CodeValidation, "响应为空")
	}
	if len(resp.Choices) == 0 {
		return xerrors.New(xerrors.CodeValidation, "响应中没有有效的 choices")
	}
	if resp.Choices[0].Message.Content == "" {
		return xerrors.New(xerrors.CodeValidation, "响应消息内容为空")
	}
	return nil
}

// classify 把任意失败翻译进统一错误分类。截止时间触发按瞬时超时处理，
// 与其他瞬时失败同样可重试。
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "请求超时")
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "请求被取消", xerrors.WithRetryable(false))
	}
	return xerrors.Wrap(xerrors.CodeAPIFailure, err, "请求上游失败")
}

// prefixed 给错误加上阶段前缀，保持统一错误类型不变。
func prefixed(prefix string, err error) error {
	if err == nil {
		return nil
	}
	if prefix == "" {
		return err
	}
	if e, ok := xerrors.From(err); ok {
		return xerrors.Wrap(e.Code(), err, prefix)
	}
	return fmt.Errorf("%s: %w", prefix, err)
}

// streamHandle 在关闭底层流时归还并发许可，重复关闭是安全的。
type streamHandle struct {
	rc      io.ReadCloser
	release func()
	once    sync.Once
}

func (h *streamHandle) Read(p []byte) (int, error) {
	return h.rc.Read(p)
}

func (h *streamHandle) Close() error {
	err := h.rc.Close()
	h.once.Do(h.release)
	return err
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
