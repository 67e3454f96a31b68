package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"MultiLLM-Agent/pkg/logger"
)

// Entry 描述一条缓存记录。内存副本是过期判断的权威来源，
// 持久化副本用于进程重启后的恢复。
type Entry struct {
	Payload   string        `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
	Provider  string        `json:"provider,omitempty"`
}

// Expired 判断条目在给定时间点是否已过期。TTL 为零表示永不过期。
func (e Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// Backend 抽象持久化存储。Load 在键不存在时返回 (nil, nil)。
type Backend interface {
	Load(ctx context.Context, key string) (*Entry, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Store 是带持久化镜像的内存缓存。同一个键上的操作串行执行，
// 不同键互不阻塞。过期条目在下一次读取时惰性删除，没有后台清理。
type Store struct {
	backend Backend
	logger  *slog.Logger

	globalMu sync.Mutex
	locks    map[string]*sync.Mutex
	entries  map[string]Entry

	// 测试钩子，默认使用真实时钟。
	now func() time.Time
}

// StoreOption 定义可选配置。
type StoreOption func(*Store)

// WithStoreLogger 指定日志输出。
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore 构造缓存存储。backend 为 nil 时退化为纯内存缓存。
func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		logger:  logger.Named("cache"),
		locks:   make(map[string]*sync.Mutex),
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get 返回键对应的负载。先查内存，未命中时尝试从持久化存储恢复，
// 两处都没有才算真正未命中。
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()

	s.globalMu.Lock()
	entry, ok := s.entries[key]
	s.globalMu.Unlock()
	if ok {
		if !entry.Expired(now) {
			return entry.Payload, true
		}
		// 惰性删除过期条目。
		s.evict(ctx, key)
		return "", false
	}

	if s.backend == nil {
		return "", false
	}

	restored, err := s.backend.Load(ctx, key)
	if err != nil {
		s.logger.Warn("读取持久化缓存失败", slog.String("key", key), slog.Any("error", err))
		return "", false
	}
	if restored == nil {
		return "", false
	}
	if restored.Expired(now) {
		s.evict(ctx, key)
		return "", false
	}

	s.globalMu.Lock()
	s.entries[key] = *restored
	s.globalMu.Unlock()
	return restored.Payload, true
}

// Set 写入缓存并同步镜像到持久化存储。内存副本先行生效，
// 持久化失败会返回错误但不回滚内存副本。
func (s *Store) Set(ctx context.Context, key, payload string, ttl time.Duration, provider string) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	entry := Entry{
		Payload:   payload,
		CreatedAt: s.now(),
		TTL:       ttl,
		Provider:  provider,
	}

	s.globalMu.Lock()
	s.entries[key] = entry
	s.globalMu.Unlock()

	if s.backend == nil {
		return nil
	}
	if err := s.backend.Store(ctx, key, entry); err != nil {
		s.logger.Error("写入持久化缓存失败", slog.String("key", key), slog.Any("error", err))
		return err
	}
	return nil
}

// Delete 删除键对应的缓存条目。
func (s *Store) Delete(ctx context.Context, key string) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.globalMu.Lock()
	delete(s.entries, key)
	s.globalMu.Unlock()

	if s.backend == nil {
		return nil
	}
	return s.backend.Delete(ctx, key)
}

// Clear 清空全部缓存条目。键级锁保持不动：正在持有旧锁的操作
// 必须继续与清空后的同键操作串行。
func (s *Store) Clear(ctx context.Context) error {
	s.globalMu.Lock()
	s.entries = make(map[string]Entry)
	s.globalMu.Unlock()

	if s.backend == nil {
		return nil
	}
	return s.backend.Clear(ctx)
}

// evict 在持锁状态下清理一条过期记录。持久化侧的失败只记日志，
// 因为条目已经过期，下次读取仍会判为未命中。
func (s *Store) evict(ctx context.Context, key string) {
	s.globalMu.Lock()
	delete(s.entries, key)
	s.globalMu.Unlock()

	if s.backend == nil {
		return
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		s.logger.Warn("清理过期缓存失败", slog.String("key", key), slog.Any("error", err))
	}
}

// keyLock 返回键级互斥锁，保证同键操作串行。
func (s *Store) keyLock(key string) *sync.Mutex {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}
