package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/llm"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 60 * time.Second

	// errorBodyLimit 限制错误响应体的读取长度，避免异常响应撑爆内存。
	errorBodyLimit = 2048
)

// Config 描述了调用 OpenRouter Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	// Referer 与 Title 是 OpenRouter 的站点归因请求头。
	Referer string
	Title   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenRouter 网关后面的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	referer    string
	title      string
	httpClient *http.Client

	closeOnce sync.Once
}

// NewClient 根据配置创建 OpenRouter 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeAuthentication, "未提供 OpenRouter API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		referer: strings.TrimSpace(cfg.Referer),
		title:   strings.TrimSpace(cfg.Title),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Complete 执行一次非流式调用并解码响应。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	req.Stream = false
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded llm.Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAPIFailure, err, "解析 OpenRouter 响应失败")
	}
	if decoded.Model == "" {
		return nil, xerrors.New(xerrors.CodeAPIFailure, "OpenRouter 响应缺少模型标识")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeAPIFailure, "OpenRouter 响应中没有有效的 choices")
	}
	return &decoded, nil
}

// Stream 发起流式调用并返回原始响应体，调用方负责关闭。
func (c *Client) Stream(ctx context.Context, req llm.Request) (io.ReadCloser, error) {
	req.Stream = true
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Close 释放空闲连接，重复调用是安全的。
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.httpClient.CloseIdleConnections()
	})
	return nil
}

// do 发送请求并处理非 2xx 状态，把 HTTP 错误翻译进统一错误分类。
func (c *Client) do(ctx context.Context, req llm.Request) (*http.Response, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAPIFailure, err, "构建 OpenRouter 请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		httpReq.Header.Set("X-Title", c.title)
	}
	for key, value := range req.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		return nil, xerrors.FromStatusCode(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// buildPayload 序列化出站请求。零值的可选采样参数不会出现在载荷里。
func buildPayload(req llm.Request) ([]byte, error) {
	body := map[string]any{
		"model":       req.Model,
		"messages":    req.Messages,
		"stream":      req.Stream,
		"temperature": req.Temperature,
		"top_p":       req.TopP,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.TopK > 0 {
		body["top_k"] = req.TopK
	}
	if req.PresencePenalty != 0 {
		body["presence_penalty"] = req.PresencePenalty
	}
	if req.FrequencyPenalty != 0 {
		body["frequency_penalty"] = req.FrequencyPenalty
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		if req.ToolChoice != "" {
			body["tool_choice"] = req.ToolChoice
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAPIFailure, err, "序列化 OpenRouter 请求失败")
	}
	return encoded, nil
}
