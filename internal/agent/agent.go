package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/module"
	"MultiLLM-Agent/internal/storage/mysql"
	"MultiLLM-Agent/pkg/logger"
)

// requiredContextKeys 是上下文的固定字段，按此顺序下发给各模块。
var requiredContextKeys = []string{"domain", "expertise_level", "preferred_language"}

// Response 汇总一次流水线处理的完整结果。
type Response struct {
	ThoughtProcess string   `json:"thought_process"`
	Plan           []string `json:"plan"`
	Action         string   `json:"action"`
	CreatedAt      int64    `json:"created_at"`
}

// Reasoner 是推理阶段的抽象。
type Reasoner interface {
	Analyze(ctx context.Context, input string, opts ...module.AnalyzeOption) (*module.Result, error)
	AddContext(entries []module.Entry) error
	Cleanup() error
}

// Planner 是规划阶段的抽象。
type Planner interface {
	CreatePlan(ctx context.Context, input, analysis string) ([]string, error)
	AddContext(entries []module.Entry) error
	Cleanup() error
}

// Executor 是执行阶段的抽象。
type Executor interface {
	Execute(ctx context.Context, plan []string, analysis string) (string, error)
	AddContext(entries []module.Entry) error
	Cleanup() error
}

// contextualModule 是三个模块共有的上下文与生命周期面。
type contextualModule interface {
	AddContext(entries []module.Entry) error
	Cleanup() error
}

// Agent 按推理、规划、执行的固定顺序协调三个认知模块，是系统的业务核心。
type Agent struct {
	reasoning Reasoner
	planner   Planner
	executor  Executor
	history   mysql.RunRepository
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithProcessTimeout 设置单次流水线处理的整体超时时间。
func WithProcessTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.timeout = 0
			return
		}
		a.timeout = timeout
	}
}

// WithHistory 配置运行历史仓库，每次成功处理都会落一条记录。
func WithHistory(repo mysql.RunRepository) Option {
	return func(a *Agent) {
		a.history = repo
	}
}

// WithAgentLogger 指定日志输出。
func WithAgentLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。三个模块缺一不可。
func New(reasoning Reasoner, planner Planner, executor Executor, opts ...Option) (*Agent, error) {
	if reasoning == nil || planner == nil || executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "三个认知模块必须全部配置")
	}
	ag := &Agent{
		reasoning: reasoning,
		planner:   planner,
		executor:  executor,
		logger:    logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag, nil
}

// Process 把输入依次送入推理、规划、执行三个阶段，任一阶段失败整体失败。
// 配置了整体超时时，超时以独立的错误码上报，与各阶段自身的失败区分开。
func (a *Agent) Process(ctx context.Context, input string) (*Response, error) {
	if a.isClosed() {
		return nil, xerrors.New(xerrors.CodeValidation, "智能体已关闭")
	}
	if strings.TrimSpace(input) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "处理输入不能为空")
	}

	procCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	a.logger.Info("开始处理输入", slog.Int("input_length", len(input)))

	analysis, err := a.reasoning.Analyze(procCtx, input)
	if err != nil {
		return nil, a.stageError(err, "推理阶段失败")
	}
	a.logger.Debug("推理完成", slog.Int("content_length", len(analysis.Content)))

	plan, err := a.planner.CreatePlan(procCtx, input, analysis.Content)
	if err != nil {
		return nil, a.stageError(err, "规划阶段失败")
	}
	if len(plan) == 0 {
		return nil, xerrors.New(xerrors.CodePlannerFailure,
			"计划不能为空", xerrors.WithRetryable(false))
	}
	a.logger.Debug("计划生成完成", slog.Int("steps", len(plan)))

	action, err := a.executor.Execute(procCtx, plan, analysis.Content)
	if err != nil {
		return nil, a.stageError(err, "执行阶段失败")
	}

	response := &Response{
		ThoughtProcess: analysis.Content,
		Plan:           plan,
		Action:         action,
		CreatedAt:      time.Now().Unix(),
	}

	if a.history != nil {
		record := mysql.RunRecord{
			Input:          input,
			ThoughtProcess: response.ThoughtProcess,
			Plan:           response.Plan,
			Action:         response.Action,
			CreatedAt:      response.CreatedAt,
		}
		if err := a.history.Save(ctx, record); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存运行记录失败")
		}
	}

	a.logger.Info("处理完成", slog.Int("steps", len(plan)))
	return response, nil
}

// AddContext 校验上下文并原子地下发到全部模块。必填字段缺失或任一模块
// 拒绝时，所有模块的上下文被重置为空，调用方拿到原始错误。
func (a *Agent) AddContext(context map[string]string) error {
	if a.isClosed() {
		return xerrors.New(xerrors.CodeValidation, "智能体已关闭")
	}

	entries, err := buildContextEntries(context)
	if err != nil {
		return err
	}

	for _, m := range a.modules() {
		if aerr := m.AddContext(entries); aerr != nil {
			a.logger.Error("下发上下文失败，重置全部模块", slog.Any("error", aerr))
			a.resetContext()
			return aerr
		}
	}
	return nil
}

// resetContext 把所有模块的上下文清空。
func (a *Agent) resetContext() {
	for _, m := range a.modules() {
		if err := m.AddContext(nil); err != nil {
			a.logger.Error("重置上下文失败", slog.Any("error", err))
		}
	}
}

// buildContextEntries 校验必填字段并产出确定顺序的键值列表：
// 固定字段在前，其余字段按键名排序跟在后面。
func buildContextEntries(context map[string]string) ([]module.Entry, error) {
	entries := make([]module.Entry, 0, len(context))
	for _, key := range requiredContextKeys {
		value, ok := context[key]
		if !ok || strings.TrimSpace(value) == "" {
			return nil, xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("上下文缺少必填字段 %s", key))
		}
		entries = append(entries, module.Entry{Key: key, Value: value})
	}

	extras := make([]string, 0, len(context))
	for key := range context {
		if !isRequiredKey(key) {
			extras = append(extras, key)
		}
	}
	sort.Strings(extras)
	for _, key := range extras {
		entries = append(entries, module.Entry{Key: key, Value: context[key]})
	}
	return entries, nil
}

func isRequiredKey(key string) bool {
	for _, required := range requiredContextKeys {
		if key == required {
			return true
		}
	}
	return false
}

// ListHistory 获取最近的流水线运行记录。
func (a *Agent) ListHistory(ctx context.Context, limit int) ([]mysql.RunRecord, error) {
	if a.history == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置运行历史仓库")
	}
	records, err := a.history.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	return records, nil
}

// Close 关闭全部模块并释放资源。即使某个模块清理失败，其余模块仍会被
// 清理，失败会聚合后一次性返回。重复关闭是安全的。
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	for _, m := range a.modules() {
		if err := m.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeInitializationFailure,
			stdErrors.Join(errs...), "清理模块失败")
	}
	return nil
}

func (a *Agent) modules() []contextualModule {
	return []contextualModule{a.reasoning, a.planner, a.executor}
}

func (a *Agent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// stageError 把整体截止时间触发的失败翻译成独立的超时错误，
// 其余错误保持阶段自身的分类。
func (a *Agent) stageError(err error, message string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "流水线处理超时")
	}
	a.logger.Error(message, slog.Any("error", err))
	return err
}
