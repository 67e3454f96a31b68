package module

import (
	"context"
	"strings"
	"testing"

	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/llm"
)

func TestExecuteRequiresNonEmptyPlan(t *testing.T) {
	client := &stubClient{results: []func() (*llm.Response, error){textResponse("x")}}
	caller := llm.NewCaller(client, nil)
	executor, err := NewExecutor(client, caller, nil, fastConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = executor.Execute(context.Background(), nil, "分析")
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("expected executor failure, got %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("empty plans must not reach the network, calls=%d", client.calls)
	}
}

func TestExecuteSanitizesOutput(t *testing.T) {
	client := &stubClient{results: []func() (*llm.Response, error){
		textResponse("  Clear skies.\x00 Bring an umbrella anyway.  "),
	}}
	caller := llm.NewCaller(client, nil)
	executor, err := NewExecutor(client, caller, nil, fastConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	action, err := executor.Execute(context.Background(), []string{"Check forecast", "Report result"}, "分析")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.ContainsRune(action, '\x00') {
		t.Fatalf("null bytes must be stripped: %q", action)
	}
	if action != "Clear skies. Bring an umbrella anyway." {
		t.Fatalf("unexpected action: %q", action)
	}
}

func TestExecuteRejectsShortOutput(t *testing.T) {
	client := &stubClient{results: []func() (*llm.Response, error){
		textResponse("ok\x00\x00   "),
	}}
	caller := llm.NewCaller(client, nil)
	executor, err := NewExecutor(client, caller, nil, fastConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = executor.Execute(context.Background(), []string{"step"}, "分析")
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("expected executor failure, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("short output is a terminal validation failure")
	}
}

func TestExecuteCountsLengthInRunes(t *testing.T) {
	// 四个汉字只有 4 个字符，哪怕字节数超过最小长度也必须判短。
	client := &stubClient{results: []func() (*llm.Response, error){
		textResponse("晴天带伞"),
	}}
	caller := llm.NewCaller(client, nil)
	executor, err := NewExecutor(client, caller, nil, fastConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = executor.Execute(context.Background(), []string{"step"}, "分析")
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("expected executor failure for short multibyte output, got %v", err)
	}

	// 十个汉字满足最小长度。
	client.results = []func() (*llm.Response, error){textResponse("今天晴朗，出门不用带伞")}
	client.calls = 0
	action, err := executor.Execute(context.Background(), []string{"step"}, "分析")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != "今天晴朗，出门不用带伞" {
		t.Fatalf("unexpected action: %q", action)
	}
}

func TestExecutionPromptNumbersSteps(t *testing.T) {
	client := &stubClient{results: []func() (*llm.Response, error){textResponse("x")}}
	caller := llm.NewCaller(client, nil)
	executor, err := NewExecutor(client, caller, nil, fastConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt := executor.executionPrompt([]string{"Check forecast", "Report result"}, "analysis text")
	if !strings.Contains(prompt, "1. Check forecast\n2. Report result") {
		t.Fatalf("plan steps not numbered:\n%s", prompt)
	}
	if !strings.Contains(prompt, "analysis text") {
		t.Fatalf("analysis context missing:\n%s", prompt)
	}
}
