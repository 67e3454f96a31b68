package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// 各认知模块的默认模型与采样参数。
const (
	defaultReasoningModel = "openai/o1-preview"
	defaultPlannerModel   = "anthropic/claude-3.5-sonnet:beta"
	defaultExecutorModel  = "anthropic/claude-3-5-haiku:beta"

	defaultAppName = "Multi-LLM Agent"
)

// Config 描述了守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	Cache     CacheConfig     `json:"cache"`
	LLM       LLMConfig       `json:"llm"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述 MySQL 等后端的连接信息。
type StorageConfig struct {
	HistoryStore HistoryStoreConfig `json:"history_store"`
	TaskStore    TaskStoreConfig    `json:"task_store"`
}

// HistoryStoreConfig 配置流水线运行历史的存储后端。
type HistoryStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// TaskStoreConfig 配置异步任务状态的存储后端。
type TaskStoreConfig struct {
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
	Retries int    `json:"retries"`
}

// TaskQueueConfig 配置任务队列驱动及其消费参数。
type TaskQueueConfig struct {
	Driver     string              `json:"driver"`
	Workers    int                 `json:"workers"`
	BufferSize int                 `json:"buffer_size"`
	Redis      RedisQueueConfig    `json:"redis"`
	RabbitMQ   RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// CacheConfig 配置响应缓存的持久化后端与定价表。
type CacheConfig struct {
	Backend    string           `json:"backend"`
	Dir        string           `json:"dir"`
	TablesPath string           `json:"tables_path"`
	Redis      RedisCacheConfig `json:"redis"`
}

// RedisCacheConfig 描述缓存使用的 Redis 连接参数。
type RedisCacheConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LLMConfig 配置三个认知模块与全局调用参数。
type LLMConfig struct {
	ProcessTimeoutSeconds int                        `json:"process_timeout_seconds"`
	RateLimits            map[string]RateLimitConfig `json:"rate_limits"`
	Reasoning             ModuleConfig               `json:"reasoning"`
	Planner               ModuleConfig               `json:"planner"`
	Executor              ModuleConfig               `json:"executor"`
}

// RateLimitConfig 描述单个模型的限流参数。
type RateLimitConfig struct {
	RequestsPerMinute  int `json:"requests_per_minute"`
	ConcurrentRequests int `json:"concurrent_requests"`
}

// ModuleConfig 描述单个认知模块的模型与调用参数。
// Temperature 与 TopP 使用指针以区分显式的零值与缺省。
type ModuleConfig struct {
	Model                 string            `json:"model"`
	APIKey                string            `json:"api_key"`
	APIKeyEnv             string            `json:"api_key_env"`
	BaseURL               string            `json:"base_url"`
	SiteURL               string            `json:"site_url"`
	AppName               string            `json:"app_name"`
	SystemPrompt          string            `json:"system_prompt"`
	Temperature           *float64          `json:"temperature"`
	TopP                  *float64          `json:"top_p"`
	MaxTokens             int               `json:"max_tokens"`
	TopK                  int               `json:"top_k"`
	PresencePenalty       float64           `json:"presence_penalty"`
	FrequencyPenalty      float64           `json:"frequency_penalty"`
	MaxRetries            int               `json:"max_retries"`
	RetryDelaySeconds     float64           `json:"retry_delay_seconds"`
	InnerRetries          int               `json:"inner_retries"`
	AttemptTimeoutSeconds int               `json:"attempt_timeout_seconds"`
	Cache                 ModuleCacheConfig `json:"cache"`
}

// ModuleCacheConfig 控制单个模块的缓存行为。
type ModuleCacheConfig struct {
	Enabled             bool `json:"enabled"`
	CacheSystemMessages bool `json:"cache_system_messages"`
	CacheUserMessages   bool `json:"cache_user_messages"`
	MinCacheSize        int  `json:"min_cache_size"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoggingConfig 配置结构化日志与审计日志输出。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志的滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.HistoryStore.Driver == "" {
		c.Storage.HistoryStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.BufferSize <= 0 {
		c.TaskQueue.BufferSize = 1024
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "file"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(baseDir, "cache")
	} else if !filepath.IsAbs(c.Cache.Dir) {
		c.Cache.Dir = filepath.Join(baseDir, c.Cache.Dir)
	}
	if c.Cache.TablesPath != "" && !filepath.IsAbs(c.Cache.TablesPath) {
		c.Cache.TablesPath = filepath.Join(baseDir, c.Cache.TablesPath)
	}

	if c.LLM.ProcessTimeoutSeconds <= 0 {
		c.LLM.ProcessTimeoutSeconds = 300
	}

	c.LLM.Reasoning.applyDefaults(defaultReasoningModel, 0.7)
	c.LLM.Planner.applyDefaults(defaultPlannerModel, 0.7)
	c.LLM.Executor.applyDefaults(defaultExecutorModel, 0.5)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

func (m *ModuleConfig) applyDefaults(model string, temperature float64) {
	if m.Model == "" {
		m.Model = model
	}
	if m.AppName == "" {
		m.AppName = defaultAppName
	}
	if m.Temperature == nil {
		value := temperature
		m.Temperature = &value
	}
	if m.TopP == nil {
		value := 1.0
		m.TopP = &value
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = 2
	}
	if m.RetryDelaySeconds <= 0 {
		m.RetryDelaySeconds = 1
	}
	if m.InnerRetries <= 0 {
		m.InnerRetries = 1
	}
	if m.AttemptTimeoutSeconds <= 0 {
		m.AttemptTimeoutSeconds = 30
	}
	if m.Cache.MinCacheSize <= 0 {
		m.Cache.MinCacheSize = 100
	}
}

// Validate 在启动阶段快速失败，避免带着非法参数运行。
func (c *Config) Validate() error {
	if err := c.LLM.Reasoning.validate("llm.reasoning"); err != nil {
		return err
	}
	if err := c.LLM.Planner.validate("llm.planner"); err != nil {
		return err
	}
	if err := c.LLM.Executor.validate("llm.executor"); err != nil {
		return err
	}

	for model, limit := range c.LLM.RateLimits {
		if limit.RequestsPerMinute < 1 {
			return fmt.Errorf("llm.rate_limits[%s].requests_per_minute 必须不小于 1", model)
		}
		if limit.ConcurrentRequests < 1 {
			return fmt.Errorf("llm.rate_limits[%s].concurrent_requests 必须不小于 1", model)
		}
	}

	switch c.Storage.HistoryStore.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的历史存储驱动: %s", c.Storage.HistoryStore.Driver)
	}
	switch c.Storage.TaskStore.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}
	switch c.TaskQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver)
	}
	switch c.Cache.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("未知的缓存后端: %s", c.Cache.Backend)
	}
	return nil
}

func (m *ModuleConfig) validate(prefix string) error {
	if strings.TrimSpace(m.Model) == "" {
		return fmt.Errorf("%s.model 不能为空", prefix)
	}
	if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2) {
		return fmt.Errorf("%s.temperature 必须位于 [0, 2] 区间", prefix)
	}
	if m.TopP != nil && (*m.TopP < 0 || *m.TopP > 1) {
		return fmt.Errorf("%s.top_p 必须位于 [0, 1] 区间", prefix)
	}
	if m.PresencePenalty < -2 || m.PresencePenalty > 2 {
		return fmt.Errorf("%s.presence_penalty 必须位于 [-2, 2] 区间", prefix)
	}
	if m.FrequencyPenalty < -2 || m.FrequencyPenalty > 2 {
		return fmt.Errorf("%s.frequency_penalty 必须位于 [-2, 2] 区间", prefix)
	}
	return nil
}

// ResolveAPIKey 返回配置中的密钥，缺省时回退到环境变量。
func (m *ModuleConfig) ResolveAPIKey() string {
	key := strings.TrimSpace(m.APIKey)
	if key == "" && m.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(m.APIKeyEnv))
	}
	return key
}

// RetryDelay 返回模块级重试的基础间隔。
func (m *ModuleConfig) RetryDelay() time.Duration {
	return time.Duration(m.RetryDelaySeconds * float64(time.Second))
}

// AttemptTimeout 返回单次调用的超时时间。
func (m *ModuleConfig) AttemptTimeout() time.Duration {
	return time.Duration(m.AttemptTimeoutSeconds) * time.Second
}

// ProcessTimeout 返回整条流水线的处理超时。
func (c *LLMConfig) ProcessTimeout() time.Duration {
	return time.Duration(c.ProcessTimeoutSeconds) * time.Second
}

// BlockWait 返回 Redis 阻塞取任务的等待时长。
func (c *RedisQueueConfig) BlockWait() time.Duration {
	return time.Duration(c.BlockWaitSeconds) * time.Second
}
