package ledger

// Stats 聚合了交易记录的状态统计，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Confirmed       int   `json:"confirmed"`
	Failed          int   `json:"failed"`
	OldestCreatedAt int64 `json:"oldest_created_at,omitempty"`
	NewestCreatedAt int64 `json:"newest_created_at,omitempty"`
}

func (s *Stats) add(record *TransactionRecord) {
	s.Total++
	switch record.Status {
	case StatusPending:
		s.Pending++
	case StatusConfirmed:
		s.Confirmed++
	case StatusFailed:
		s.Failed++
	}
	if s.OldestCreatedAt == 0 || record.CreatedAt < s.OldestCreatedAt {
		s.OldestCreatedAt = record.CreatedAt
	}
	if record.CreatedAt > s.NewestCreatedAt {
		s.NewestCreatedAt = record.CreatedAt
	}
}
