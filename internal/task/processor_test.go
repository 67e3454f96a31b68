package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"MultiLLM-Agent/internal/agent"
	xerrors "MultiLLM-Agent/internal/errors"
)

type fakePipeline struct {
	processed atomic.Int32
	latency   time.Duration
	err       error
}

func (f *fakePipeline) Process(ctx context.Context, input string) (*agent.Response, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.processed.Add(1)
	return &agent.Response{
		ThoughtProcess: "analyzed: " + input,
		Plan:           []string{"step"},
		Action:         "done",
		CreatedAt:      time.Now().Unix(),
	}, nil
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	pipeline := &fakePipeline{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(pipeline, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		input := fmt.Sprintf("input-%d", i)
		if _, err := service.Submit(ctx, SubmitRequest{Input: input}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(pipeline.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", pipeline.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorMarksSuccess(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	pipeline := &fakePipeline{}
	processor := NewProcessor(pipeline, store, queue, queue)

	ctx := context.Background()
	created := &Task{ID: "t1", Input: "今天的天气", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	stored, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != StatusSucceeded || stored.Result == nil {
		t.Fatalf("unexpected task state: %+v", stored)
	}
	if stored.Result.Action != "done" || len(stored.Result.Plan) != 1 {
		t.Fatalf("unexpected result: %+v", stored.Result)
	}
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	pipeline := &fakePipeline{err: xerrors.New(xerrors.CodeServiceUnavailable, "上游不可用")}
	processor := NewProcessor(pipeline, store, queue, queue)

	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "t1", Input: "i", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	stored, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != StatusFailed || stored.ErrorCode != string(xerrors.CodeServiceUnavailable) {
		t.Fatalf("unexpected task state: %+v", stored)
	}

	// 可重试的失败会被重新投递。
	select {
	case id := <-queue.ch:
		if id != "t1" {
			t.Fatalf("unexpected requeued id: %s", id)
		}
	default:
		t.Fatalf("task not requeued")
	}
}

func TestProcessorStopsOnTerminalFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	pipeline := &fakePipeline{err: xerrors.New(xerrors.CodeValidation, "输入非法", xerrors.WithRetryable(false))}
	processor := NewProcessor(pipeline, store, queue, queue)

	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "t1", Input: "i", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	select {
	case id := <-queue.ch:
		t.Fatalf("terminal failure must not requeue, got %s", id)
	default:
	}
}

type fallbackRecovery struct {
	result *ExecutionResult
}

func (r *fallbackRecovery) Recover(_ context.Context, _ *Task, _ error) (*ExecutionResult, error) {
	return r.result, nil
}

func TestProcessorAppliesRecoveryFallback(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	pipeline := &fakePipeline{err: xerrors.New(xerrors.CodeExecutorFailure, "执行失败", xerrors.WithRetryable(false))}
	recovery := &fallbackRecovery{result: &ExecutionResult{ThoughtProcess: "降级", Action: "fallback action"}}
	processor := NewProcessor(pipeline, store, queue, queue, WithRecoveryHandler(recovery))

	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "t1", Input: "i", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	stored, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != StatusSucceeded || stored.Result == nil || stored.Result.Action != "fallback action" {
		t.Fatalf("fallback not applied: %+v", stored)
	}
}
