package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "X402-Agent/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，用于单机部署与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = CloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return CloneTask(task), nil
}

// Claim 将待执行或可重试的任务更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded:
		return CloneTask(task), ErrTaskCompleted
	case StatusRunning:
		return CloneTask(task), ErrTaskConflict
	}
	if task.Attempts >= task.MaxRetries {
		return CloneTask(task), ErrTaskExhausted
	}
	task.Status = StatusRunning
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = m.now().Unix()
	return CloneTask(task), nil
}

// MarkSucceeded 记录协作结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusSucceeded
	task.Result = &result
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 标记任务失败。terminal 为真时耗尽剩余次数，之后的 Claim 返回 ErrTaskExhausted。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusFailed
	task.LastError = lastError
	task.ErrorCode = string(code)
	if terminal && task.Attempts < task.MaxRetries {
		task.MaxRetries = task.Attempts
	}
	task.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.Normalize()
	m.mu.RLock()
	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if matchesListFilters(task, opts) {
			results = append(results, CloneTask(task))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.OldestFirst {
			a, b = b, a
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
			if task.Attempts >= task.MaxRetries {
				stats.Exhausted++
			}
		}
		if task.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = task.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || task.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Strategy != "" && task.Strategy != opts.Strategy {
		return false
	}
	if opts.UpdatedSince > 0 && task.UpdatedAt < opts.UpdatedSince {
		return false
	}
	if opts.HasReport != nil && (task.Result != nil && task.Result.Report != "") != *opts.HasReport {
		return false
	}
	if opts.Query != "" {
		query := strings.ToLower(opts.Query)
		fields := []string{task.ID, task.Prompt, task.LastError}
		if task.Result != nil {
			fields = append(fields, task.Result.Report)
		}
		found := false
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), query) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
