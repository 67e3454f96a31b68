package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileBackend 把每个缓存键落成目录下的一个 JSON 文件。
// 文件不存在视为未命中而不是错误。
type FileBackend struct {
	dir string
}

// NewFileBackend 创建文件持久化后端，目录不存在时自动创建。
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		dir = ".cache"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Load 读取键对应的缓存文件。
func (b *FileBackend) Load(_ context.Context, key string) (*Entry, error) {
	content, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取缓存文件失败: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(content, &entry); err != nil {
		return nil, fmt.Errorf("解析缓存文件失败: %w", err)
	}
	return &entry, nil
}

// Store 将条目序列化后同步写入文件。
func (b *FileBackend) Store(_ context.Context, key string, entry Entry) error {
	encoded, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化缓存条目失败: %w", err)
	}
	if err := os.WriteFile(b.path(key), encoded, 0o644); err != nil {
		return fmt.Errorf("写入缓存文件失败: %w", err)
	}
	return nil
}

// Delete 删除键对应的缓存文件，文件不存在不算错误。
func (b *FileBackend) Delete(_ context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除缓存文件失败: %w", err)
	}
	return nil
}

// Clear 删除目录下所有缓存文件。
func (b *FileBackend) Clear(_ context.Context) error {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("枚举缓存文件失败: %w", err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("清空缓存文件失败: %w", err)
		}
	}
	return nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, key+".json")
}
