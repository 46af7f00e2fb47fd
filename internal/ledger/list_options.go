package ledger

import (
	"strings"
	"time"
)

// SortOrder 定义列出记录时的排序方式。
type SortOrder int

const (
	// SortByCreatedDesc 按创建时间倒序。
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc 按创建时间正序。
	SortByCreatedAsc
)

// ListOptions 控制查询存储时的筛选条件。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Kinds      []Kind
	SequenceID string
	Asset      string
	CreatedGTE int64
	CreatedLTE int64
	Order      SortOrder
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
	opts.SequenceID = strings.TrimSpace(opts.SequenceID)
	opts.Asset = strings.TrimSpace(opts.Asset)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回的记录数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条匹配记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 按状态筛选记录。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithKinds 按类型筛选记录。
func WithKinds(kinds ...Kind) ListOption {
	return func(opts *ListOptions) {
		opts.Kinds = append(opts.Kinds[:0], kinds...)
	}
}

// WithSequence 只返回某一次编排的记录。
func WithSequence(sequenceID string) ListOption {
	return func(opts *ListOptions) { opts.SequenceID = sequenceID }
}

// WithAsset 按逻辑资产筛选记录。
func WithAsset(asset string) ListOption {
	return func(opts *ListOptions) { opts.Asset = asset }
}

// WithCreatedSince 筛选创建时间不早于 ts 的记录。
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedGTE = 0
			return
		}
		opts.CreatedGTE = ts.UnixMilli()
	}
}

// WithCreatedUntil 筛选创建时间不晚于 ts 的记录。
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedLTE = 0
			return
		}
		opts.CreatedLTE = ts.UnixMilli()
	}
}

// WithSortOrder 修改返回顺序。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// BuildListOptions 在默认值上依次应用选项函数。
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// Normalize 为手工构造的选项补齐默认值。
func (opts ListOptions) Normalize() ListOptions {
	opts.applyDefaults()
	return opts
}

func (opts ListOptions) matches(record *TransactionRecord) bool {
	if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, record.Status) {
		return false
	}
	if len(opts.Kinds) > 0 && !containsKind(opts.Kinds, record.Kind) {
		return false
	}
	if opts.SequenceID != "" && record.SequenceID != opts.SequenceID {
		return false
	}
	if opts.Asset != "" && !strings.EqualFold(record.Asset, opts.Asset) {
		return false
	}
	if opts.CreatedGTE > 0 && record.CreatedAt < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && record.CreatedAt > opts.CreatedLTE {
		return false
	}
	return true
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func containsStatus(list []Status, status Status) bool {
	for _, candidate := range list {
		if candidate == status {
			return true
		}
	}
	return false
}

func containsKind(list []Kind, kind Kind) bool {
	for _, candidate := range list {
		if candidate == kind {
			return true
		}
	}
	return false
}
