package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"MultiLLM-Agent/internal/agent"
	"MultiLLM-Agent/internal/api"
	"MultiLLM-Agent/internal/cache"
	"MultiLLM-Agent/internal/config"
	"MultiLLM-Agent/internal/llm"
	"MultiLLM-Agent/internal/llm/openrouter"
	"MultiLLM-Agent/internal/module"
	"MultiLLM-Agent/internal/observability/alerting"
	"MultiLLM-Agent/internal/ratelimit"
	"MultiLLM-Agent/internal/storage/mysql"
	"MultiLLM-Agent/internal/task"
	"MultiLLM-Agent/pkg/logger"
)

// main 是智能体守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agent.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 响应缓存：内存层加持久化后端。
	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "", "file":
		fileBackend, err := cache.NewFileBackend(cfg.Cache.Dir)
		if err != nil {
			return err
		}
		backend = fileBackend
	case "redis":
		redisBackend, err := cache.NewRedisBackend(cache.RedisBackendConfig{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisBackend.Close()
		backend = redisBackend
	default:
		return fmt.Errorf("未知的缓存后端: %s", cfg.Cache.Backend)
	}

	tables := cache.DefaultTables()
	if cfg.Cache.TablesPath != "" {
		loaded, err := cache.LoadTables(cfg.Cache.TablesPath)
		if err != nil {
			return err
		}
		tables = loaded
	}
	policy := cache.NewPolicy(cache.NewStore(backend), tables)

	limits := make(map[string]ratelimit.Limit, len(cfg.LLM.RateLimits))
	for model, limit := range cfg.LLM.RateLimits {
		limits[model] = ratelimit.Limit{
			RequestsPerMinute:  limit.RequestsPerMinute,
			ConcurrentRequests: limit.ConcurrentRequests,
		}
	}
	limiter, err := ratelimit.New(limits)
	if err != nil {
		return err
	}

	reasoning, err := buildReasoning(cfg.LLM.Reasoning, limiter, policy)
	if err != nil {
		return err
	}
	planner, err := buildPlanner(cfg.LLM.Planner, limiter, policy)
	if err != nil {
		return err
	}
	executor, err := buildExecutor(cfg.LLM.Executor, limiter, policy)
	if err != nil {
		return err
	}

	var historyRepo mysql.RunRepository
	switch cfg.Storage.HistoryStore.Driver {
	case "", "memory":
		repo, err := mysql.NewMemoryRunRepository(dataDir)
		if err != nil {
			return err
		}
		historyRepo = repo
	case "mysql":
		repo, err := mysql.NewSQLRunRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.HistoryStore.DSN,
			MaxOpenConns:    cfg.Storage.HistoryStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.HistoryStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.HistoryStore.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.HistoryStore.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		historyRepo = repo
	default:
		return fmt.Errorf("未知的历史存储驱动: %s", cfg.Storage.HistoryStore.Driver)
	}
	if closer, ok := historyRepo.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	ag, err := agent.New(reasoning, planner, executor,
		agent.WithHistory(historyRepo),
		agent.WithProcessTimeout(cfg.LLM.ProcessTimeout()),
	)
	if err != nil {
		return err
	}
	defer ag.Close()

	var taskStore task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
		if err != nil {
			return err
		}
		taskStore = store
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
	defer func() {
		_ = taskStore.Close()
	}()

	var taskQueue task.Queue
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		taskQueue = task.NewMemoryQueue(cfg.TaskQueue.BufferSize)
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: cfg.TaskQueue.Redis.BlockWait(),
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.TaskStore.Retries)
	dispatcher := alerting.NewFanout(&alerting.LogNotifier{})
	processor := task.NewProcessor(ag, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithAlertDispatcher(dispatcher),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, taskService, api.WithPipeline(ag))

	logger.L().Info("agentd 启动完成",
		slog.String("address", cfg.Server.Address),
		slog.String("queue_driver", cfg.TaskQueue.Driver),
		slog.Int("workers", cfg.TaskQueue.Workers),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newModuleParts 按模块配置构造 OpenRouter 客户端、调用执行器和模块参数。
func newModuleParts(name string, mc config.ModuleConfig, limiter *ratelimit.Limiter) (llm.Client, *llm.Caller, module.Config, error) {
	apiKey := mc.ResolveAPIKey()
	if apiKey == "" {
		return nil, nil, module.Config{}, fmt.Errorf("%s 模块需要配置 api_key 或 api_key_env", name)
	}

	client, err := openrouter.NewClient(openrouter.Config{
		APIKey:  apiKey,
		BaseURL: mc.BaseURL,
		Referer: mc.SiteURL,
		Title:   mc.AppName,
	})
	if err != nil {
		return nil, nil, module.Config{}, err
	}
	caller := llm.NewCaller(client, limiter)

	cfg := module.Config{
		Model:               mc.Model,
		SystemPrompt:        mc.SystemPrompt,
		Temperature:         *mc.Temperature,
		TopP:                *mc.TopP,
		MaxTokens:           mc.MaxTokens,
		TopK:                mc.TopK,
		PresencePenalty:     mc.PresencePenalty,
		FrequencyPenalty:    mc.FrequencyPenalty,
		MaxRetries:          mc.MaxRetries,
		RetryDelay:          mc.RetryDelay(),
		InnerRetries:        mc.InnerRetries,
		AttemptTimeout:      mc.AttemptTimeout(),
		CacheEnabled:        mc.Cache.Enabled,
		CacheSystemMessages: mc.Cache.CacheSystemMessages,
		CacheUserMessages:   mc.Cache.CacheUserMessages,
		MinCacheSize:        mc.Cache.MinCacheSize,
		SiteURL:             mc.SiteURL,
		AppName:             mc.AppName,
	}
	return client, caller, cfg, nil
}

func buildReasoning(mc config.ModuleConfig, limiter *ratelimit.Limiter, policy *cache.Policy) (*module.Reasoning, error) {
	client, caller, cfg, err := newModuleParts("reasoning", mc, limiter)
	if err != nil {
		return nil, err
	}
	return module.NewReasoning(client, caller, policy, cfg)
}

func buildPlanner(mc config.ModuleConfig, limiter *ratelimit.Limiter, policy *cache.Policy) (*module.Planner, error) {
	client, caller, cfg, err := newModuleParts("planner", mc, limiter)
	if err != nil {
		return nil, err
	}
	return module.NewPlanner(client, caller, policy, cfg)
}

func buildExecutor(mc config.ModuleConfig, limiter *ratelimit.Limiter, policy *cache.Policy) (*module.Executor, error) {
	client, caller, cfg, err := newModuleParts("executor", mc, limiter)
	if err != nil {
		return nil, err
	}
	return module.NewExecutor(client, caller, policy, cfg)
}
