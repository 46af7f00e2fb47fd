package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存交易记录，适用于单进程部署与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*TransactionRecord
	order   []string
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*TransactionRecord), now: time.Now}
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, record *TransactionRecord) error {
	if err := validateNew(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return ErrRecordConflict
	}
	now := m.now().UnixMilli()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.ID] = record.Clone()
	m.order = append(m.order, record.ID)
	return nil
}

// SetHash 记录交易哈希，仅允许在 pending 状态下设置一次。
func (m *MemoryStore) SetHash(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Status.IsTerminal() || (record.TxHash != "" && record.TxHash != txHash) {
		return ErrRecordFinalized
	}
	record.TxHash = txHash
	record.UpdatedAt = m.now().UnixMilli()
	return nil
}

// Finalize 将记录迁移到终态。
func (m *MemoryStore) Finalize(_ context.Context, id string, status Status, code, message string) error {
	if err := validateFinal(status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Status.IsTerminal() {
		return ErrRecordFinalized
	}
	record.Status = status
	record.ErrorCode = code
	record.Error = message
	record.UpdatedAt = m.now().UnixMilli()
	return nil
}

// Get 返回记录副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

// List 返回符合条件的记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*TransactionRecord, error) {
	opts.applyDefaults()

	m.mu.RLock()
	matched := make([]*TransactionRecord, 0, len(m.order))
	for _, id := range m.order {
		record := m.records[id]
		if opts.matches(record) {
			matched = append(matched, record.Clone())
		}
	}
	m.mu.RUnlock()

	// 相同时间戳按追加顺序稳定排序。
	sort.SliceStable(matched, func(i, j int) bool {
		if opts.Order == SortByCreatedAsc {
			return matched[i].CreatedAt < matched[j].CreatedAt
		}
		return matched[i].CreatedAt > matched[j].CreatedAt
	})
	if opts.Order == SortByCreatedDesc {
		reverseEqualRuns(matched)
	}

	if opts.Offset >= len(matched) {
		return []*TransactionRecord{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[opts.Offset:end], nil
}

// Stats 返回符合过滤条件的记录统计。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, id := range m.order {
		record := m.records[id]
		if opts.matches(record) {
			stats.add(record)
		}
	}
	return stats, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// reverseEqualRuns 让创建时间相同的记录按追加顺序倒序排列，
// 与按 (created_at, 追加顺序) 倒序排序的结果一致。
func reverseEqualRuns(records []*TransactionRecord) {
	for start := 0; start < len(records); {
		end := start + 1
		for end < len(records) && records[end].CreatedAt == records[start].CreatedAt {
			end++
		}
		for i, j := start, end-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
		start = end
	}
}
