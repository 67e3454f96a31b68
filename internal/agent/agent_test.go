package agent

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/module"
	"MultiLLM-Agent/internal/storage/mysql"
)

// stubModule 记录上下文与清理调用，按预设行为响应。
type stubModule struct {
	entries    []module.Entry
	addErr     error
	cleanups   int
	cleanupErr error
}

func (m *stubModule) AddContext(entries []module.Entry) error {
	if m.addErr != nil && len(entries) > 0 {
		return m.addErr
	}
	m.entries = entries
	return nil
}

func (m *stubModule) Cleanup() error {
	m.cleanups++
	return m.cleanupErr
}

type stubReasoner struct {
	stubModule
	result *module.Result
	err    error
}

func (r *stubReasoner) Analyze(_ context.Context, _ string, _ ...module.AnalyzeOption) (*module.Result, error) {
	return r.result, r.err
}

type stubPlanner struct {
	stubModule
	plan []string
	err  error
}

func (p *stubPlanner) CreatePlan(_ context.Context, _, _ string) ([]string, error) {
	return p.plan, p.err
}

type stubExecutor struct {
	stubModule
	action string
	err    error
}

func (e *stubExecutor) Execute(_ context.Context, _ []string, _ string) (string, error) {
	return e.action, e.err
}

func newTestAgent(t *testing.T, opts ...Option) (*Agent, *stubReasoner, *stubPlanner, *stubExecutor) {
	t.Helper()

	reasoner := &stubReasoner{result: &module.Result{Content: "用户想了解今天的天气"}}
	planner := &stubPlanner{plan: []string{"Check forecast", "Report result"}}
	executor := &stubExecutor{action: "Clear skies."}

	ag, err := New(reasoner, planner, executor, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ag, reasoner, planner, executor
}

func TestProcessRunsStagesInOrder(t *testing.T) {
	ag, _, _, _ := newTestAgent(t)

	resp, err := ag.Process(context.Background(), "What is the weather like today?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ThoughtProcess != "用户想了解今天的天气" {
		t.Fatalf("unexpected thought process: %q", resp.ThoughtProcess)
	}
	if len(resp.Plan) != 2 || resp.Plan[0] != "Check forecast" || resp.Plan[1] != "Report result" {
		t.Fatalf("unexpected plan: %v", resp.Plan)
	}
	if resp.Action != "Clear skies." {
		t.Fatalf("unexpected action: %q", resp.Action)
	}
	if resp.CreatedAt == 0 {
		t.Fatalf("created_at not set")
	}
}

func TestProcessRejectsEmptyInput(t *testing.T) {
	ag, _, _, _ := newTestAgent(t)

	if _, err := ag.Process(context.Background(), "   "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestProcessStageFailureKeepsCode(t *testing.T) {
	ag, reasoner, _, _ := newTestAgent(t)
	reasoner.err = xerrors.New(xerrors.CodeReasoningFailure, "分析失败")
	reasoner.result = nil

	_, err := ag.Process(context.Background(), "任务")
	if xerrors.CodeOf(err) != xerrors.CodeReasoningFailure {
		t.Fatalf("expected reasoning failure, got %v", err)
	}
}

func TestProcessRejectsEmptyPlan(t *testing.T) {
	ag, _, planner, _ := newTestAgent(t)
	planner.plan = nil

	_, err := ag.Process(context.Background(), "任务")
	if xerrors.CodeOf(err) != xerrors.CodePlannerFailure {
		t.Fatalf("expected planner failure for empty plan, got %v", err)
	}
}

func TestProcessTimeoutClassifiedSeparately(t *testing.T) {
	ag, reasoner, _, _ := newTestAgent(t)
	reasoner.err = context.DeadlineExceeded
	reasoner.result = nil

	_, err := ag.Process(context.Background(), "任务")
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout classification, got %v", err)
	}
}

func TestProcessSavesHistory(t *testing.T) {
	repo, err := mysql.NewMemoryRunRepository(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ag, _, _, _ := newTestAgent(t, WithHistory(repo))

	if _, err := ag.Process(context.Background(), "What is the weather like today?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := ag.ListHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].Action != "Clear skies." {
		t.Fatalf("unexpected history: %+v", records)
	}
	if len(records[0].Plan) != 2 {
		t.Fatalf("plan not persisted: %+v", records[0].Plan)
	}
}

func TestAddContextAppliesInFixedOrder(t *testing.T) {
	ag, reasoner, planner, executor := newTestAgent(t)

	err := ag.AddContext(map[string]string{
		"preferred_language": "zh",
		"domain":             "weather",
		"expertise_level":    "beginner",
		"zebra":              "extra-2",
		"alpha":              "extra-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantKeys := []string{"domain", "expertise_level", "preferred_language", "alpha", "zebra"}
	for _, m := range []*stubModule{&reasoner.stubModule, &planner.stubModule, &executor.stubModule} {
		if len(m.entries) != len(wantKeys) {
			t.Fatalf("unexpected entries: %+v", m.entries)
		}
		for i, key := range wantKeys {
			if m.entries[i].Key != key {
				t.Fatalf("key order mismatch at %d: %+v", i, m.entries)
			}
		}
	}
}

func TestAddContextRequiresSchemaFields(t *testing.T) {
	ag, reasoner, _, _ := newTestAgent(t)

	err := ag.AddContext(map[string]string{
		"domain":          "weather",
		"expertise_level": "beginner",
	})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(reasoner.entries) != 0 {
		t.Fatalf("invalid context must not reach modules: %+v", reasoner.entries)
	}
}

func TestAddContextRejectionResetsAllModules(t *testing.T) {
	ag, reasoner, planner, executor := newTestAgent(t)

	// 先成功下发一次，再让中间的模块拒绝更新。
	valid := map[string]string{
		"domain": "weather", "expertise_level": "beginner", "preferred_language": "zh",
	}
	if err := ag.AddContext(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rejection := xerrors.New(xerrors.CodeValidation, "模块拒绝上下文")
	planner.addErr = rejection

	err := ag.AddContext(map[string]string{
		"domain": "finance", "expertise_level": "expert", "preferred_language": "en",
	})
	if !stdErrors.Is(err, rejection) {
		t.Fatalf("expected original rejection, got %v", err)
	}

	// 所有模块的上下文都被重置为空，而不是回到失败前的取值。
	for _, m := range []*stubModule{&reasoner.stubModule, &planner.stubModule, &executor.stubModule} {
		if len(m.entries) != 0 {
			t.Fatalf("context not reset to empty: %+v", m.entries)
		}
	}
}

func TestCloseAggregatesCleanupErrors(t *testing.T) {
	ag, reasoner, planner, executor := newTestAgent(t)
	reasonerErr := stdErrors.New("推理清理失败")
	executorErr := stdErrors.New("执行清理失败")
	reasoner.cleanupErr = reasonerErr
	executor.cleanupErr = executorErr

	err := ag.Close()
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if !stdErrors.Is(err, reasonerErr) || !stdErrors.Is(err, executorErr) {
		t.Fatalf("errors not aggregated: %v", err)
	}
	// 即使有失败，所有模块都被清理过。
	if planner.cleanups != 1 {
		t.Fatalf("planner not cleaned up: %d", planner.cleanups)
	}

	// 重复关闭安全且不再触发清理。
	if err := ag.Close(); err != nil {
		t.Fatalf("second close should be nil: %v", err)
	}
	if reasoner.cleanups != 1 {
		t.Fatalf("cleanup ran twice: %d", reasoner.cleanups)
	}
}

func TestClosedAgentRejectsWork(t *testing.T) {
	ag, _, _, _ := newTestAgent(t)
	if err := ag.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := ag.Process(context.Background(), "任务"); err == nil {
		t.Fatalf("closed agent must reject processing")
	}
	if err := ag.AddContext(map[string]string{
		"domain": "d", "expertise_level": "e", "preferred_language": "p",
	}); err == nil {
		t.Fatalf("closed agent must reject context updates")
	}
}

func TestProcessTimeoutDeadlinePropagates(t *testing.T) {
	reasoner := &slowReasoner{}
	planner := &stubPlanner{plan: []string{"s"}}
	executor := &stubExecutor{action: "long enough action"}
	ag, err := New(reasoner, planner, executor, WithProcessTimeout(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = ag.Process(context.Background(), "任务")
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

// slowReasoner 阻塞到上下文取消为止。
type slowReasoner struct {
	stubModule
}

func (r *slowReasoner) Analyze(ctx context.Context, _ string, _ ...module.AnalyzeOption) (*module.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
