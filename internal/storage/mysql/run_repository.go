package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// maxMemoryRecords 是内存仓库保留的最近记录数量。
const maxMemoryRecords = 512

// RunRecord 表示一次流水线执行的落库结构。
type RunRecord struct {
	ID             int64    `json:"id"`
	Input          string   `json:"input"`
	ThoughtProcess string   `json:"thought_process"`
	Plan           []string `json:"plan"`
	Action         string   `json:"action"`
	CreatedAt      int64    `json:"created_at"`
}

// RunRepository 抽象流水线运行历史的持久化接口。
type RunRepository interface {
	Save(ctx context.Context, record RunRecord) error
	ListLatest(ctx context.Context, limit int) ([]RunRecord, error)
}

// MemoryRunRepository 使用本地 JSON 日志模拟 MySQL 的效果，方便迭代开发。
// 重启后从日志恢复最近的记录。
type MemoryRunRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []RunRecord
}

// NewMemoryRunRepository 创建一个内存运行历史仓库。
func NewMemoryRunRepository(dataDir string) (*MemoryRunRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryRunRepository{dataFile: filepath.Join(dataDir, "runs.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录运行结果。
func (m *MemoryRunRepository) Save(_ context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开运行日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化运行记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入运行日志失败: %w", err)
	}

	m.records = append([]RunRecord{record}, m.records...)
	if len(m.records) > maxMemoryRecords {
		m.records = m.records[:maxMemoryRecords]
	}
	return nil
}

// ListLatest 返回最近的运行记录，按时间倒序排列。
func (m *MemoryRunRepository) ListLatest(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]RunRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemoryRunRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取运行日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []RunRecord
	for scanner.Scan() {
		var record RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]RunRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析运行日志失败: %w", err)
	}

	if len(restored) > maxMemoryRecords {
		restored = restored[:maxMemoryRecords]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLRunRepository 使用真实的 MySQL 数据库存储运行历史。
type SQLRunRepository struct {
	db *sql.DB
}

// NewSQLRunRepository 创建连接池并执行内置迁移。
func NewSQLRunRepository(ctx context.Context, cfg Config) (*SQLRunRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLRunRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 将运行记录写入 MySQL。计划步骤序列化为 JSON 存储。
func (s *SQLRunRepository) Save(ctx context.Context, record RunRecord) error {
	plan, err := json.Marshal(record.Plan)
	if err != nil {
		return fmt.Errorf("序列化计划步骤失败: %w", err)
	}

	const stmt = `INSERT INTO runs
    (input, thought_process, plan, action, created_at)
    VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.Input,
		record.ThoughtProcess,
		string(plan),
		record.Action,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条运行记录。
func (s *SQLRunRepository) ListLatest(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, input, thought_process, plan, action, created_at
    FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var record RunRecord
		var plan string
		if err := rows.Scan(&record.ID, &record.Input, &record.ThoughtProcess, &plan, &record.Action, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析运行记录失败: %w", err)
		}
		if err := json.Unmarshal([]byte(plan), &record.Plan); err != nil {
			return nil, fmt.Errorf("解析计划步骤失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历运行记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRunRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
