package invocation

import (
	"context"
	"sort"
	"sync"

	xerrors "monokkai/internal/errors"
)

// MemoryStore 以内存方式保存调用状态，适用于单进程部署与测试。
type MemoryStore struct {
	mu          sync.RWMutex
	invocations map[string]*Invocation
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{invocations: make(map[string]*Invocation)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, inv *Invocation) error {
	if inv == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "invocation 不能为空")
	}
	if inv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调用 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invocations[inv.ID]; ok {
		return ErrInvocationConflict
	}
	now := nowMillis()
	if inv.CreatedAt == 0 {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	m.invocations[inv.ID] = cloneInvocation(inv)
	return nil
}

// Get 返回调用。
func (m *MemoryStore) Get(_ context.Context, id string) (*Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invocations[id]
	if !ok {
		return nil, ErrInvocationNotFound
	}
	return cloneInvocation(inv), nil
}

// Claim 将调用状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok {
		return nil, ErrInvocationNotFound
	}
	switch inv.Status {
	case StatusSucceeded, StatusFailed:
		return cloneInvocation(inv), ErrInvocationCompleted
	case StatusRunning:
		return cloneInvocation(inv), ErrInvocationConflict
	}
	now := nowMillis()
	inv.Status = StatusRunning
	inv.Attempts++
	inv.StartedAt = now
	inv.UpdatedAt = now
	return cloneInvocation(inv), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok {
		return ErrInvocationNotFound
	}
	now := nowMillis()
	inv.Status = StatusSucceeded
	inv.LastError = ""
	inv.ErrorCode = ""
	inv.FinishedAt = now
	inv.UpdatedAt = now
	return nil
}

// MarkFailed 标记调用失败。失败是终态。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok {
		return ErrInvocationNotFound
	}
	now := nowMillis()
	inv.Status = StatusFailed
	inv.LastError = lastError
	inv.ErrorCode = string(code)
	inv.FinishedAt = now
	inv.UpdatedAt = now
	return nil
}

// List 返回符合条件的调用。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Invocation, 0, len(m.invocations))
	for _, inv := range m.invocations {
		if !matchesListFilters(inv, opts) {
			continue
		}
		results = append(results, cloneInvocation(inv))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			if a.UpdatedAt == b.UpdatedAt {
				if a.CreatedAt == b.CreatedAt {
					return a.ID < b.ID
				}
				return a.CreatedAt < b.CreatedAt
			}
			return a.UpdatedAt < b.UpdatedAt
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Invocation{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的调用数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, inv := range m.invocations {
		if !matchesListFilters(inv, opts) {
			continue
		}
		stats.Total++
		switch inv.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if inv.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = inv.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (inv.UpdatedAt != 0 && inv.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = inv.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
