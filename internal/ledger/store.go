package ledger

import "context"

// Store 抽象了交易记录的追加式持久化。记录不可删除，状态只能从
// pending 迁移到终态一次。
type Store interface {
	Append(ctx context.Context, record *TransactionRecord) error
	SetHash(ctx context.Context, id, txHash string) error
	Finalize(ctx context.Context, id string, status Status, code, message string) error
	Get(ctx context.Context, id string) (*TransactionRecord, error)
	List(ctx context.Context, opts ListOptions) ([]*TransactionRecord, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
