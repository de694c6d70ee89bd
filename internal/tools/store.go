package tools

import (
	"context"
	"sort"
	"sync"
)

// Store 持久化已注册的工具。
type Store interface {
	Save(ctx context.Context, tool Tool) error
	Delete(ctx context.Context, name string) error
	LoadAll(ctx context.Context) ([]Tool, error)
}

// MemoryStore 是基于内存的工具存储。
type MemoryStore struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewMemoryStore 创建内存工具存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tools: make(map[string]Tool)}
}

// Save 写入或覆盖工具。
func (s *MemoryStore) Save(_ context.Context, tool Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	return nil
}

// Delete 删除工具，不存在时忽略。
func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tools, name)
	return nil
}

// LoadAll 按名称顺序返回全部工具。
func (s *MemoryStore) LoadAll(_ context.Context) ([]Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
