package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HistoryFilter 描述付款历史查询条件，零值字段不参与过滤。
type HistoryFilter struct {
	AgentID  string
	ToolName string
	Status   Status
	Since    time.Time
	// Days 仅由 Processor 使用，换算为 Since。
	Days  int
	Limit int
}

// AuditStore 持久化付款审计记录。
type AuditStore interface {
	Append(ctx context.Context, records ...Payment) error
	// List 按时间倒序返回符合条件的记录。
	List(ctx context.Context, filter HistoryFilter) ([]Payment, error)
}

// MemoryStore 是基于内存的审计存储，适合测试和单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	records []Payment
}

// NewMemoryStore 创建内存审计存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append 追加记录。
func (s *MemoryStore) Append(_ context.Context, records ...Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// List 返回过滤后的记录。
func (s *MemoryStore) List(_ context.Context, filter HistoryFilter) ([]Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Payment, 0, len(s.records))
	for _, rec := range s.records {
		if filter.AgentID != "" && rec.AgentID != filter.AgentID {
			continue
		}
		if filter.ToolName != "" && rec.ToolName != filter.ToolName {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
