package module

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"MultiLLM-Agent/internal/cache"
	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/llm"
)

// Reasoning 负责对输入做深度分析，是流水线的第一个阶段。
// 支持图片附件、工具定义与流式输出。
type Reasoning struct {
	base
	encoder ImageEncoder
}

// ReasoningOption 定义推理模块的可选配置。
type ReasoningOption func(*Reasoning)

// WithImageEncoder 替换默认的 data URI 图片编码器。
func WithImageEncoder(encoder ImageEncoder) ReasoningOption {
	return func(r *Reasoning) {
		if encoder != nil {
			r.encoder = encoder
		}
	}
}

// WithReasoningOptions 把通用模块配置应用到推理模块。
func WithReasoningOptions(opts ...Option) ReasoningOption {
	return func(r *Reasoning) {
		for _, opt := range opts {
			if opt != nil {
				opt(&r.base)
			}
		}
	}
}

// NewReasoning 构造推理模块。
func NewReasoning(client llm.Client, caller *llm.Caller, policy *cache.Policy, cfg Config, opts ...ReasoningOption) (*Reasoning, error) {
	b, err := newBase("reasoning", client, caller, policy, cfg)
	if err != nil {
		return nil, err
	}
	r := &Reasoning{base: b, encoder: DataURIEncoder{}}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Result 是一次分析的产出。流式调用时 Stream 非空，由调用方关闭；
// 否则 Content 携带完整文本，ToolCalls 携带模型发起的工具调用。
type Result struct {
	Content   string
	ToolCalls []llm.ToolCall
	Stream    io.ReadCloser
}

type analyzeOptions struct {
	images []string
	tools  []llm.Tool
	stream bool
}

// AnalyzeOption 定义单次分析的可选参数。
type AnalyzeOption func(*analyzeOptions)

// WithImages 附加若干本地图片。
func WithImages(paths ...string) AnalyzeOption {
	return func(o *analyzeOptions) {
		o.images = append(o.images, paths...)
	}
}

// WithTools 附加工具定义，模型可以自主选择调用。
func WithTools(tools []llm.Tool) AnalyzeOption {
	return func(o *analyzeOptions) {
		o.tools = tools
	}
}

// WithStream 请求流式输出。流式路径不读写缓存。
func WithStream() AnalyzeOption {
	return func(o *analyzeOptions) {
		o.stream = true
	}
}

// Analyze 对输入做深度分析。
func (r *Reasoning) Analyze(ctx context.Context, input string, opts ...AnalyzeOption) (*Result, error) {
	if r.isClosed() {
		return nil, xerrors.New(xerrors.CodeValidation, "推理模块已关闭")
	}
	var options analyzeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cacheEnabled := r.cacheEnabled()
	prompt := r.reasoningPrompt(input)

	messages, err := r.buildMessages(ctx, prompt, options, cacheEnabled)
	if err != nil {
		return nil, wrapStage(xerrors.CodeReasoningFailure, err, "分析失败")
	}

	// 流式与工具调用的结果不可复用，只有普通文本路径查缓存。
	if !options.stream && len(options.tools) == 0 && cacheEnabled {
		if cached, ok := r.policy.CachedResponse(ctx, r.cfg.Model, messages); ok {
			return &Result{Content: cached}, nil
		}
	}

	req := r.buildRequest(messages, options.stream)
	if len(options.tools) > 0 {
		req.Tools = options.tools
		req.ToolChoice = "auto"
	}

	if options.stream {
		stream, err := r.caller.Stream(ctx, req, r.callOptions("分析失败"))
		if err != nil {
			return nil, wrapStage(xerrors.CodeReasoningFailure, err, "分析失败")
		}
		return &Result{Stream: stream}, nil
	}

	resp, err := r.callWithBackoff(ctx, req, "分析失败")
	if err != nil {
		return nil, wrapStage(xerrors.CodeReasoningFailure, err, "分析失败")
	}

	message := resp.Choices[0].Message
	if cacheEnabled && len(options.tools) == 0 {
		if cerr := r.policy.CacheResponse(ctx, r.cfg.Model, messages, message.Content); cerr != nil {
			r.logger.Warn("缓存分析结果失败", slog.Any("error", cerr))
		}
	}
	return &Result{Content: message.Content, ToolCalls: message.ToolCalls}, nil
}

// buildMessages 组装系统与用户消息，图片作为多模态分片附加。
func (r *Reasoning) buildMessages(ctx context.Context, prompt string, options analyzeOptions, cacheEnabled bool) ([]llm.Message, error) {
	var messages []llm.Message
	if r.cfg.SystemPrompt != "" {
		messages = append(messages, r.cacheableMessage(
			ctx, "system", r.cfg.SystemPrompt, cacheEnabled && r.cfg.CacheSystemMessages))
	}

	if len(options.images) == 0 {
		messages = append(messages, r.cacheableMessage(
			ctx, "user", prompt, cacheEnabled && r.cfg.CacheUserMessages))
		return messages, nil
	}

	text := prompt
	if cacheEnabled && r.cfg.CacheUserMessages {
		text = r.cacheableMessage(ctx, "user", prompt, true).Content
	}
	parts := []llm.ContentPart{{Type: "text", Text: text}}
	for _, path := range options.images {
		encoded, err := r.encoder.Encode(path)
		if err != nil {
			return nil, err
		}
		parts = append(parts, llm.ContentPart{
			Type:     "image_url",
			ImageURL: &llm.ImageURL{URL: encoded},
		})
	}
	messages = append(messages, llm.Message{Role: "user", Parts: parts})
	return messages, nil
}

// reasoningPrompt 把上下文快照与输入拼成分析提示词。
func (r *Reasoning) reasoningPrompt(input string) string {
	return fmt.Sprintf("Context:\n%s\n\nAnalyze this: %s", r.snapshotContext().Render(), input)
}
