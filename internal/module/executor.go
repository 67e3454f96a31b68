package module

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"MultiLLM-Agent/internal/cache"
	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/llm"
)

const executorSystemPrompt = "You are an execution engine focused on taking concrete actions based on plans."

// minActionLength 是执行结果在清洗后必须达到的最小长度。
const minActionLength = 10

// Executor 把计划转化成具体行动，是流水线的最后一个阶段。
type Executor struct {
	base
}

// NewExecutor 构造执行模块。
func NewExecutor(client llm.Client, caller *llm.Caller, policy *cache.Policy, cfg Config, opts ...Option) (*Executor, error) {
	b, err := newBase("executor", client, caller, policy, cfg)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	return &Executor{base: b}, nil
}

// Execute 按计划生成具体行动文本。计划必须非空，产出在去除空字符并
// 裁剪空白后不得短于最小长度，否则是终态失败。
func (e *Executor) Execute(ctx context.Context, plan []string, analysis string) (string, error) {
	if e.isClosed() {
		return "", xerrors.New(xerrors.CodeValidation, "执行模块已关闭")
	}
	if len(plan) == 0 {
		return "", xerrors.New(xerrors.CodeExecutorFailure,
			"计划不能为空", xerrors.WithRetryable(false))
	}

	cacheEnabled := e.cacheEnabled()
	systemPrompt := e.cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = executorSystemPrompt
	}
	messages := []llm.Message{
		e.cacheableMessage(ctx, "system", systemPrompt, cacheEnabled && e.cfg.CacheSystemMessages),
		e.cacheableMessage(ctx, "user", e.executionPrompt(plan, analysis), cacheEnabled && e.cfg.CacheUserMessages),
	}

	if cacheEnabled {
		if cached, ok := e.policy.CachedResponse(ctx, e.cfg.Model, messages); ok {
			return sanitizeAction(cached)
		}
	}

	resp, err := e.callWithBackoff(ctx, e.buildRequest(messages, false), "执行失败")
	if err != nil {
		return "", wrapStage(xerrors.CodeExecutorFailure, err, "执行失败")
	}
	content := resp.Choices[0].Message.Content

	action, err := sanitizeAction(content)
	if err != nil {
		return "", err
	}

	if cacheEnabled {
		if cerr := e.policy.CacheResponse(ctx, e.cfg.Model, messages, content); cerr != nil {
			e.logger.Warn("缓存执行结果失败", slog.Any("error", cerr))
		}
	}
	return action, nil
}

// executionPrompt 把计划编号后与分析结果、上下文快照拼成执行提示词。
func (e *Executor) executionPrompt(plan []string, analysis string) string {
	contextStr := analysis
	if rendered := e.snapshotContext().Render(); rendered != "" {
		contextStr += "\n" + rendered
	}

	var steps strings.Builder
	for idx, step := range plan {
		if idx > 0 {
			steps.WriteByte('\n')
		}
		fmt.Fprintf(&steps, "%d. %s", idx+1, step)
	}

	return fmt.Sprintf(`Generate specific actions or responses based on this plan and context.
Consider:
1. Required resources and dependencies
2. Error handling and edge cases
3. Success criteria and validation
4. User experience and clarity

Context:
%s

Plan:
%s

Generate detailed execution steps or response:`, contextStr, steps.String())
}

// sanitizeAction 清洗执行结果：去掉空字符、裁剪首尾空白，过短即失败。
// 长度按字符数而不是字节数计，多字节文本不能虚增长度。
func sanitizeAction(content string) (string, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(content, "\x00", ""))
	if utf8.RuneCountInString(cleaned) < minActionLength {
		return "", xerrors.New(xerrors.CodeExecutorFailure,
			"执行结果过短，不足以构成有效行动", xerrors.WithRetryable(false))
	}
	return cleaned, nil
}
