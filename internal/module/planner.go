package module

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"MultiLLM-Agent/internal/cache"
	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/llm"
)

const plannerSystemPrompt = "You are a strategic planner focused on breaking down tasks into actionable steps."

// Planner 把任务拆解成有序的执行步骤，是流水线的第二个阶段。
type Planner struct {
	base
}

// NewPlanner 构造规划模块。
func NewPlanner(client llm.Client, caller *llm.Caller, policy *cache.Policy, cfg Config, opts ...Option) (*Planner, error) {
	b, err := newBase("planner", client, caller, policy, cfg)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	return &Planner{base: b}, nil
}

// CreatePlan 基于任务与分析结果生成计划，返回有序的非空步骤列表。
func (p *Planner) CreatePlan(ctx context.Context, input, analysis string) ([]string, error) {
	if p.isClosed() {
		return nil, xerrors.New(xerrors.CodeValidation, "规划模块已关闭")
	}

	cacheEnabled := p.cacheEnabled()
	systemPrompt := p.cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = plannerSystemPrompt
	}
	messages := []llm.Message{
		p.cacheableMessage(ctx, "system", systemPrompt, cacheEnabled && p.cfg.CacheSystemMessages),
		p.cacheableMessage(ctx, "user", p.planningPrompt(input, analysis), cacheEnabled && p.cfg.CacheUserMessages),
	}

	if cacheEnabled {
		if cached, ok := p.policy.CachedResponse(ctx, p.cfg.Model, messages); ok {
			return parsePlan(cached)
		}
	}

	resp, err := p.callWithBackoff(ctx, p.buildRequest(messages, false), "计划生成失败")
	if err != nil {
		return nil, wrapStage(xerrors.CodePlannerFailure, err, "计划生成失败")
	}
	content := resp.Choices[0].Message.Content

	if cacheEnabled {
		if cerr := p.policy.CacheResponse(ctx, p.cfg.Model, messages, content); cerr != nil {
			p.logger.Warn("缓存计划失败", slog.Any("error", cerr))
		}
	}
	return parsePlan(content)
}

// planningPrompt 把分析结果与上下文快照拼进规划提示词。
func (p *Planner) planningPrompt(input, analysis string) string {
	contextStr := analysis
	if rendered := p.snapshotContext().Render(); rendered != "" {
		contextStr += "\n" + rendered
	}
	return fmt.Sprintf(`Create a detailed, step-by-step plan for the following task.
Consider:
1. Dependencies and prerequisites
2. Resource requirements
3. Potential challenges
4. Success criteria

Context:
%s

Task:
%s

Provide a numbered list of concrete steps:`, contextStr, input)
}

// parsePlan 把模型输出解析成步骤列表：以数字或短横线开头的行开启新
// 步骤并吃掉行首的 "N." 或 "N)" 标号，其余行作为续行并入当前步骤。
// 解析不出任何步骤是终态失败，不触发重试。
func parsePlan(content string) ([]string, error) {
	var steps []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			steps = append(steps, strings.Join(current, " "))
			current = nil
		}
	}

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		first := line[0]
		if (first >= '0' && first <= '9') || first == '-' {
			flush()
			step := line
			if idx := strings.IndexByte(step, '.'); idx >= 0 {
				step = step[idx+1:]
			}
			if idx := strings.IndexByte(step, ')'); idx >= 0 {
				step = step[idx+1:]
			}
			current = append(current, strings.TrimSpace(step))
		} else {
			current = append(current, line)
		}
	}
	flush()

	if len(steps) == 0 {
		return nil, xerrors.New(xerrors.CodePlannerFailure,
			"未能从响应中解析出计划步骤", xerrors.WithRetryable(false))
	}
	return steps, nil
}
