package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"MultiLLM-Agent/internal/llm"
	"MultiLLM-Agent/pkg/logger"
)

// defaultWorthThreshold 是判定模型"足够昂贵、值得缓存"的定价倍率门槛。
// 低价模型重复调用的成本低于缓存引入的重复风险。
const defaultWorthThreshold = 0.5

// Policy 决定一条消息或一次响应是否进入缓存、使用什么键、存活多久。
// 所有提供商相关的规则都走 Tables 查表。
type Policy struct {
	store     *Store
	tables    Tables
	threshold float64
	logger    *slog.Logger
}

// PolicyOption 定义可选配置。
type PolicyOption func(*Policy)

// WithWorthThreshold 覆盖缓存价值门槛。
func WithWorthThreshold(threshold float64) PolicyOption {
	return func(p *Policy) {
		if threshold > 0 {
			p.threshold = threshold
		}
	}
}

// WithPolicyLogger 指定日志输出。
func WithPolicyLogger(l *slog.Logger) PolicyOption {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPolicy 构造缓存策略。
func NewPolicy(store *Store, tables Tables, opts ...PolicyOption) *Policy {
	p := &Policy{
		store:     store,
		tables:    tables,
		threshold: defaultWorthThreshold,
		logger:    logger.Named("cache-policy"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// ShouldCache 判断模型是否值得缓存：能识别提供商且定价倍率达到门槛。
func (p *Policy) ShouldCache(model string) bool {
	provider := ProviderOf(model)
	if provider == "" {
		return false
	}
	models, ok := p.tables.Pricing[provider]
	if !ok {
		return false
	}
	return models[normalizeModel(model)] >= p.threshold
}

// PricingMultiplier 返回模型的缓存定价倍率。
func (p *Policy) PricingMultiplier(model string) float64 {
	return p.tables.PricingMultiplier(normalizeModel(model))
}

// Expiration 返回提供商对应的缓存有效期。
func (p *Policy) Expiration(provider string) time.Duration {
	return p.tables.Expiration(provider)
}

// CostMultipliers 返回模型的缓存读写成本倍率。
func (p *Policy) CostMultipliers(model string) CostMultipliers {
	return p.tables.Multipliers(model)
}

// ProviderOf 从模型标识推断提供商。
func ProviderOf(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gpt"):
		return "openai"
	case strings.Contains(lower, "claude"):
		return "anthropic"
	default:
		return ""
	}
}

// normalizeModel 去掉 openrouter 风格的提供商前缀，保留裸模型名查表。
func normalizeModel(model string) string {
	if idx := strings.IndexByte(model, '/'); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

// MessageKey 为单条消息生成缓存键。内容先折叠空白再参与哈希，
// 避免排版差异造成缓存击穿。
func MessageKey(content, role, model string, extra map[string]string) string {
	keyData := map[string]string{
		"content": strings.Join(strings.Fields(content), " "),
		"role":    strings.ToLower(role),
		"model":   strings.ToLower(model),
	}
	for k, v := range extra {
		keyData[k] = v
	}
	// encoding/json 对 map 键排序，序列化结果是确定的。
	encoded, _ := json.Marshal(keyData)
	digest := sha256.Sum256(encoded)
	return role + "_" + hex.EncodeToString(digest[:])
}

// ResponseKey 为一次完整调用的有序消息列表生成缓存键。
func ResponseKey(messages []llm.Message) string {
	encoded, _ := json.Marshal(messages)
	digest := sha256.Sum256(encoded)
	return "response_" + hex.EncodeToString(digest[:])[:16]
}

// CacheableMessage 构造一条可能走缓存的消息。内容长度低于门槛或缓存
// 未启用时原样返回；命中时直接使用缓存内容，未命中则写入缓存。
func (p *Policy) CacheableMessage(ctx context.Context, role, content, model string, cacheLargeContent bool, minCacheSize int) llm.Message {
	if !cacheLargeContent || len(content) < minCacheSize {
		return llm.Message{Role: role, Content: content}
	}

	key := MessageKey(content, role, model, nil)
	if cached, ok := p.store.Get(ctx, key); ok {
		p.logger.Debug("消息缓存命中", slog.String("role", role))
		return llm.Message{Role: role, Content: cached}
	}

	provider := ProviderOf(model)
	if err := p.store.Set(ctx, key, content, p.tables.Expiration(provider), provider); err != nil {
		p.logger.Warn("缓存消息失败", slog.String("role", role), slog.Any("error", err))
	}
	return llm.Message{Role: role, Content: content}
}

// CachedResponse 尝试读取与消息列表匹配的缓存响应。
// 模型不值得缓存时直接返回未命中。
func (p *Policy) CachedResponse(ctx context.Context, model string, messages []llm.Message) (string, bool) {
	if !p.ShouldCache(model) {
		return "", false
	}
	payload, ok := p.store.Get(ctx, ResponseKey(messages))
	if ok {
		p.logger.Debug("响应缓存命中", slog.String("model", model))
	}
	return payload, ok
}

// CacheResponse 在模型值得缓存时写入响应缓存，有效期按提供商查表。
func (p *Policy) CacheResponse(ctx context.Context, model string, messages []llm.Message, response string) error {
	if !p.ShouldCache(model) {
		return nil
	}
	provider := ProviderOf(model)
	return p.store.Set(ctx, ResponseKey(messages), response, p.tables.Expiration(provider), provider)
}
