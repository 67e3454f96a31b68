package cache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CostMultipliers 描述某一提供商缓存写入与读取的成本倍率。
type CostMultipliers struct {
	Write float64 `yaml:"write"`
	Read  float64 `yaml:"read"`
}

// Tables 汇总提供商相关的缓存定价与过期规则，供策略层查表使用，
// 禁止在调用点硬编码。
type Tables struct {
	// Pricing 按 provider -> model 给出定价倍率，决定模型是否值得缓存。
	Pricing map[string]map[string]float64 `yaml:"pricing"`
	// ExpirationMinutes 按 provider 给出缓存有效期，default 键兜底。
	ExpirationMinutes map[string]int `yaml:"expiration_minutes"`
	// CostMultipliers 按模型前缀（如 openai/）给出读写倍率。
	CostMultipliers map[string]CostMultipliers `yaml:"cost_multipliers"`
}

// DefaultTables 返回内置的定价与过期规则。
func DefaultTables() Tables {
	return Tables{
		Pricing: map[string]map[string]float64{
			"openai": {
				"gpt-4":                1.0,
				"gpt-4-vision-preview": 1.2,
				"gpt-3.5-turbo":        0.2,
			},
			"anthropic": {
				"claude-3-opus":   1.5,
				"claude-3-sonnet": 1.0,
				"claude-3-haiku":  0.5,
			},
		},
		ExpirationMinutes: map[string]int{
			"openai":    60,
			"anthropic": 5,
			"default":   30,
		},
		CostMultipliers: map[string]CostMultipliers{
			"openai/":    {Write: 1.0, Read: 0.5},
			"anthropic/": {Write: 1.25, Read: 0.1},
			"deepseek/":  {Write: 1.0, Read: 0.1},
		},
	}
}

// LoadTables 从 YAML 文件加载规则表，未提供的部分沿用内置默认值。
func LoadTables(path string) (Tables, error) {
	tables := DefaultTables()
	if path == "" {
		return tables, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("读取缓存规则表失败: %w", err)
	}

	var loaded Tables
	if err := yaml.Unmarshal(content, &loaded); err != nil {
		return Tables{}, fmt.Errorf("解析缓存规则表失败: %w", err)
	}

	if len(loaded.Pricing) > 0 {
		tables.Pricing = loaded.Pricing
	}
	if len(loaded.ExpirationMinutes) > 0 {
		tables.ExpirationMinutes = loaded.ExpirationMinutes
	}
	if len(loaded.CostMultipliers) > 0 {
		tables.CostMultipliers = loaded.CostMultipliers
	}
	return tables, nil
}

// PricingMultiplier 返回模型的定价倍率，未登记的模型按 1.0 处理。
func (t Tables) PricingMultiplier(model string) float64 {
	for _, models := range t.Pricing {
		if multiplier, ok := models[model]; ok {
			return multiplier
		}
	}
	return 1.0
}

// Expiration 返回提供商的缓存有效期。
func (t Tables) Expiration(provider string) time.Duration {
	if minutes, ok := t.ExpirationMinutes[provider]; ok {
		return time.Duration(minutes) * time.Minute
	}
	if minutes, ok := t.ExpirationMinutes["default"]; ok {
		return time.Duration(minutes) * time.Minute
	}
	return 30 * time.Minute
}

// Multipliers 按模型标识前缀返回读写成本倍率。
func (t Tables) Multipliers(model string) CostMultipliers {
	for prefix, multipliers := range t.CostMultipliers {
		if strings.HasPrefix(model, prefix) {
			return multipliers
		}
	}
	return CostMultipliers{Write: 1.0, Read: 1.0}
}
