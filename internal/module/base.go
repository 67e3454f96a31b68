package module

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"MultiLLM-Agent/internal/cache"
	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/llm"
	"MultiLLM-Agent/pkg/logger"
)

const (
	defaultMaxRetries      = 2
	defaultRetryDelay      = time.Second
	defaultInnerRetries    = 1
	defaultInnerRetryDelay = 500 * time.Millisecond
	defaultAttemptTimeout  = 30 * time.Second
	defaultMinCacheSize    = 100
)

// Config 描述一个认知模块的模型与调用参数。
type Config struct {
	Model        string
	SystemPrompt string

	Temperature      float64
	TopP             float64
	MaxTokens        int
	TopK             int
	PresencePenalty  float64
	FrequencyPenalty float64

	// MaxRetries 是模块外层指数退避的重试次数，与调用执行器的
	// 内层线性重试相乘，配置预算时要把两层都算进去。
	MaxRetries      int
	RetryDelay      time.Duration
	InnerRetries    int
	InnerRetryDelay time.Duration
	AttemptTimeout  time.Duration

	CacheEnabled        bool
	CacheSystemMessages bool
	CacheUserMessages   bool
	MinCacheSize        int

	// SiteURL 与 AppName 是 OpenRouter 的站点归因头。
	SiteURL string
	AppName string
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.InnerRetries <= 0 {
		c.InnerRetries = defaultInnerRetries
	}
	if c.InnerRetryDelay <= 0 {
		c.InnerRetryDelay = defaultInnerRetryDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.MinCacheSize <= 0 {
		c.MinCacheSize = defaultMinCacheSize
	}
}

// Option 定义模块的可选配置。
type Option func(*base)

// WithLogger 指定模块日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

// base 承载三个认知模块共享的状态与行为。
type base struct {
	name   string
	cfg    Config
	client llm.Client
	caller *llm.Caller
	policy *cache.Policy
	logger *slog.Logger

	// 测试钩子，默认真实睡眠。
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	context *Context
	closed  bool
}

func newBase(name string, client llm.Client, caller *llm.Caller, policy *cache.Policy, cfg Config) (base, error) {
	if cfg.Model == "" {
		return base{}, xerrors.New(xerrors.CodeValidation, "模块缺少模型标识")
	}
	if client == nil || caller == nil {
		return base{}, xerrors.New(xerrors.CodeInitializationFailure, "模块缺少调用客户端")
	}
	cfg.applyDefaults()
	return base{
		name:    name,
		cfg:     cfg,
		client:  client,
		caller:  caller,
		policy:  policy,
		logger:  logger.Named(name),
		sleep:   sleepContext,
		context: NewContext(),
	}, nil
}

// AddContext 用给定键值整体替换模块上下文。模块关闭后拒绝更新。
func (b *base) AddContext(entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return xerrors.New(xerrors.CodeValidation, "模块已关闭，无法更新上下文")
	}
	next := NewContext()
	for _, entry := range entries {
		next.Set(entry.Key, entry.Value)
	}
	b.context = next
	return nil
}

// Cleanup 释放模块持有的网络资源，重复调用是安全的。
func (b *base) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

// snapshotContext 返回当前上下文的不可变副本，调用路径不持锁使用。
func (b *base) snapshotContext() *Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.context.Clone()
}

func (b *base) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// cacheEnabled 同时要求模块开关打开且模型按策略值得缓存。
func (b *base) cacheEnabled() bool {
	return b.cfg.CacheEnabled && b.policy != nil && b.policy.ShouldCache(b.cfg.Model)
}

// cacheableMessage 按模块缓存配置构造一条可能走缓存的消息。
func (b *base) cacheableMessage(ctx context.Context, role, content string, enabled bool) llm.Message {
	if b.policy == nil {
		return llm.Message{Role: role, Content: content}
	}
	return b.policy.CacheableMessage(ctx, role, content, b.cfg.Model, enabled, b.cfg.MinCacheSize)
}

// buildRequest 把消息组装成完整的出站请求。
func (b *base) buildRequest(messages []llm.Message, stream bool) llm.Request {
	req := llm.Request{
		Model:            b.cfg.Model,
		Messages:         messages,
		Stream:           stream,
		Temperature:      b.cfg.Temperature,
		TopP:             b.cfg.TopP,
		MaxTokens:        b.cfg.MaxTokens,
		TopK:             b.cfg.TopK,
		PresencePenalty:  b.cfg.PresencePenalty,
		FrequencyPenalty: b.cfg.FrequencyPenalty,
	}
	if b.cfg.SiteURL != "" || b.cfg.AppName != "" {
		req.ExtraHeaders = map[string]string{}
		if b.cfg.SiteURL != "" {
			req.ExtraHeaders["HTTP-Referer"] = b.cfg.SiteURL
		}
		if b.cfg.AppName != "" {
			req.ExtraHeaders["X-Title"] = b.cfg.AppName
		}
	}
	return req
}

func (b *base) callOptions(errorPrefix string) llm.CallOptions {
	return llm.CallOptions{
		ErrorPrefix: errorPrefix,
		MaxRetries:  b.cfg.InnerRetries,
		Timeout:     b.cfg.AttemptTimeout,
		RetryDelay:  b.cfg.InnerRetryDelay,
	}
}

// callWithBackoff 在调用执行器外再包一层指数退避：第 n 次重试前等待
// RetryDelay*2^(n-1)。不可重试的失败立即返回。
func (b *base) callWithBackoff(ctx context.Context, req llm.Request, errorPrefix string) (*llm.Response, error) {
	opts := b.callOptions(errorPrefix)
	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		resp, err := b.caller.Call(ctx, req, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryAgain(err) {
			return nil, err
		}
		if attempt < b.cfg.MaxRetries {
			delay := b.cfg.RetryDelay << attempt
			b.logger.Warn("模块调用失败，指数退避后重试",
				slog.String("model", b.cfg.Model),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
			if serr := b.sleep(ctx, delay); serr != nil {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, serr, errorPrefix)
			}
		}
	}
	return nil, lastErr
}

// retryAgain 判断外层是否值得再试一轮：错误本身可重试，或内层重试
// 耗尽但根因是瞬时失败。阶段前缀会在耗尽错误外再包一层同码错误，
// 因此要沿错误链剥掉所有耗尽层才能看到真正的根因。
func retryAgain(err error) bool {
	if xerrors.RetryableError(err) {
		return true
	}
	if xerrors.CodeOf(err) != xerrors.CodeRetriesExhausted {
		return false
	}
	cause := err
	for {
		e, ok := xerrors.From(cause)
		if !ok || e.Code() != xerrors.CodeRetriesExhausted {
			break
		}
		cause = e.Unwrap()
		if cause == nil {
			return false
		}
	}
	return xerrors.RetryableError(cause)
}

// wrapStage 给错误打上所在阶段的错误码。已经带有该码的错误原样返回,
// 避免覆盖解析失败等已定性的终态错误。
func wrapStage(code xerrors.Code, err error, message string) error {
	if err == nil {
		return nil
	}
	if xerrors.CodeOf(err) == code {
		return err
	}
	return xerrors.Wrap(code, err, message)
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
