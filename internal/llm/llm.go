package llm

import (
	"context"
	"encoding/json"
	"io"
)

// ImageURL 指向一张随消息发送的图片，通常是 data URI。
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart 是多模态消息中的一个内容分片。
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Message 是发送给模型的单条对话消息。纯文本消息使用 Content，
// 携带图片等多模态内容时使用 Parts。
type Message struct {
	Role    string
	Content string
	Parts   []ContentPart
}

// MarshalJSON 在存在分片时把 content 编码为分片数组，否则编码为字符串。
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		}{Role: m.Role, Content: m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: m.Role, Content: m.Content})
}

// Empty 判断消息是否没有任何内容。
func (m Message) Empty() bool {
	return m.Content == "" && len(m.Parts) == 0
}

// FunctionCall 描述一次函数调用。
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall 描述模型发起的一次工具调用。
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Tool 是随请求下发的工具定义。
type Tool struct {
	Type     string         `json:"type"`
	Function map[string]any `json:"function"`
}

// Request 描述一次对模型的完整出站调用。构建完成后视为不可变，
// 每次尝试消费同一个 Request。
type Request struct {
	Model            string
	Messages         []Message
	Stream           bool
	Temperature      float64
	TopP             float64
	MaxTokens        int
	TopK             int
	PresencePenalty  float64
	FrequencyPenalty float64
	Tools            []Tool
	ToolChoice       string
	// ExtraHeaders 携带站点归因等附加请求头。
	ExtraHeaders map[string]string
}

// Usage 记录一次调用的 token 消耗。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseMessage 是响应中的消息体。
type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Choice 是响应中的一个候选。
type Choice struct {
	FinishReason string          `json:"finish_reason"`
	Message      ResponseMessage `json:"message"`
}

// Response 是模型返回的结构化结果。
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Client 定义了调用模型提供商的统一接口。
type Client interface {
	// Complete 执行一次非流式调用并返回解码后的响应。
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream 发起流式调用并返回原始字节流句柄，由调用方负责关闭。
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
	// Close 释放底层网络资源，可以安全地重复调用。
	Close() error
}
