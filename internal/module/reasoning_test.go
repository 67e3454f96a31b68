package module

import (
	"context"
	"io"
	"strings"
	"testing"

	"MultiLLM-Agent/internal/cache"
	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/llm"
)

// stubEncoder 返回固定的 data URI，记录编码过的路径。
type stubEncoder struct {
	paths []string
	err   error
}

func (e *stubEncoder) Encode(path string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	e.paths = append(e.paths, path)
	return "data:image/png;base64,AAAA", nil
}

func TestAnalyzeReturnsContent(t *testing.T) {
	client := &stubClient{results: []func() (*llm.Response, error){
		textResponse("用户想了解今天的天气"),
	}}
	caller := llm.NewCaller(client, nil)
	cfg := fastConfig()
	cfg.SystemPrompt = "You are a reasoning engine."
	reasoning, err := NewReasoning(client, caller, nil, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := reasoning.Analyze(context.Background(), "What is the weather like today?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "用户想了解今天的天气" {
		t.Fatalf("unexpected content: %q", result.Content)
	}
	if result.Stream != nil || len(result.ToolCalls) != 0 {
		t.Fatalf("plain analysis should not carry stream or tool calls")
	}
}

func TestAnalyzePromptCarriesContext(t *testing.T) {
	client := &stubClient{results: []func() (*llm.Response, error){textResponse("x")}}
	caller := llm.NewCaller(client, nil)
	reasoning, err := NewReasoning(client, caller, nil, fastConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reasoning.AddContext([]Entry{{Key: "domain", Value: "weather"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt := reasoning.reasoningPrompt("今天天气如何")
	if !strings.Contains(prompt, "domain: weather") {
		t.Fatalf("context missing from prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Analyze this: 今天天气如何") {
		t.Fatalf("input missing from prompt:\n%s", prompt)
	}
}

func TestAnalyzeWithImagesBuildsParts(t *testing.T) {
	var captured llm.Request
	client := &stubClient{results: []func() (*llm.Response, error){textResponse("图里是一只猫")}}
	recorder := &recordingClient{inner: client, captured: &captured}
	caller := llm.NewCaller(recorder, nil)
	encoder := &stubEncoder{}
	reasoning, err := NewReasoning(recorder, caller, nil, fastConfig(), WithImageEncoder(encoder))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := reasoning.Analyze(context.Background(), "图里有什么", WithImages("/tmp/cat.png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "图里是一只猫" {
		t.Fatalf("unexpected content: %q", result.Content)
	}
	if len(encoder.paths) != 1 || encoder.paths[0] != "/tmp/cat.png" {
		t.Fatalf("encoder not invoked: %v", encoder.paths)
	}

	user := captured.Messages[len(captured.Messages)-1]
	if len(user.Parts) != 2 || user.Parts[0].Type != "text" || user.Parts[1].Type != "image_url" {
		t.Fatalf("unexpected message parts: %+v", user.Parts)
	}
	if user.Parts[1].ImageURL.URL != "data:image/png;base64,AAAA" {
		t.Fatalf("unexpected image url: %q", user.Parts[1].ImageURL.URL)
	}
}

func TestAnalyzeImageFailureIsTerminal(t *testing.T) {
	client := &stubClient{results: []func() (*llm.Response, error){textResponse("x")}}
	caller := llm.NewCaller(client, nil)
	encoder := &stubEncoder{err: xerrors.New(xerrors.CodeValidation, "不支持的图片格式")}
	reasoning, err := NewReasoning(client, caller, nil, fastConfig(), WithImageEncoder(encoder))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = reasoning.Analyze(context.Background(), "图里有什么", WithImages("/tmp/bad.bmp"))
	if xerrors.CodeOf(err) != xerrors.CodeReasoningFailure {
		t.Fatalf("expected reasoning failure wrapper, got %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("image errors must not reach the network, calls=%d", client.calls)
	}
}

func TestAnalyzeToolCallsPassedThrough(t *testing.T) {
	var captured llm.Request
	client := &stubClient{results: []func() (*llm.Response, error){
		func() (*llm.Response, error) {
			return &llm.Response{
				Model: "gpt-4",
				Choices: []llm.Choice{{Message: llm.ResponseMessage{
					Role:    "assistant",
					Content: "需要查询天气接口",
					ToolCalls: []llm.ToolCall{{
						ID:   "call-1",
						Type: "function",
						Function: llm.FunctionCall{
							Name:      "get_weather",
							Arguments: `{"city":"Beijing"}`,
						},
					}},
				}}},
			}, nil
		},
	}}
	recorder := &recordingClient{inner: client, captured: &captured}
	caller := llm.NewCaller(recorder, nil)
	reasoning, err := NewReasoning(recorder, caller, nil, fastConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tools := []llm.Tool{{Type: "function", Function: map[string]any{"name": "get_weather"}}}
	result, err := reasoning.Analyze(context.Background(), "北京天气", WithTools(tools))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Function.Name != "get_weather" {
		t.Fatalf("tool calls missing: %+v", result.ToolCalls)
	}
	if len(captured.Tools) != 1 || captured.ToolChoice != "auto" {
		t.Fatalf("tools not forwarded: %+v %q", captured.Tools, captured.ToolChoice)
	}
}

func TestAnalyzeStreamBypassesCache(t *testing.T) {
	store := cache.NewStore(nil)
	policy := cache.NewPolicy(store, cache.DefaultTables())
	client := &stubClient{results: []func() (*llm.Response, error){textResponse("x")}}
	caller := llm.NewCaller(client, nil)
	cfg := fastConfig()
	cfg.CacheEnabled = true
	reasoning, err := NewReasoning(client, caller, policy, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := reasoning.Analyze(context.Background(), "实时播报", WithStream())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stream == nil {
		t.Fatalf("expected stream handle")
	}
	defer result.Stream.Close()
	if result.Content != "" {
		t.Fatalf("stream results carry no buffered content")
	}
}

func TestAnalyzeResponseCacheHitSkipsNetwork(t *testing.T) {
	store := cache.NewStore(nil)
	policy := cache.NewPolicy(store, cache.DefaultTables())
	client := &stubClient{results: []func() (*llm.Response, error){textResponse("分析结果")}}
	caller := llm.NewCaller(client, nil)
	cfg := fastConfig()
	cfg.CacheEnabled = true
	reasoning, err := NewReasoning(client, caller, policy, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	first, err := reasoning.Analyze(ctx, "同一个问题")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	callsAfterFirst := client.calls

	second, err := reasoning.Analyze(ctx, "同一个问题")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Content != first.Content {
		t.Fatalf("expected identical cached content")
	}
	if client.calls != callsAfterFirst {
		t.Fatalf("cache hit must not call upstream, calls %d -> %d", callsAfterFirst, client.calls)
	}
}

// recordingClient 记录最后一次出站请求。
type recordingClient struct {
	inner    llm.Client
	captured *llm.Request
}

func (c *recordingClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	*c.captured = req
	return c.inner.Complete(ctx, req)
}

func (c *recordingClient) Stream(ctx context.Context, req llm.Request) (io.ReadCloser, error) {
	*c.captured = req
	return c.inner.Stream(ctx, req)
}

func (c *recordingClient) Close() error { return c.inner.Close() }
