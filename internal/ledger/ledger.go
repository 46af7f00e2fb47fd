package ledger

import (
	"context"
	"log/slog"
	"time"

	"bbdfi/pkg/logger"
)

// EventType 描述记录发生的变化。
type EventType string

const (
	EventAppended  EventType = "appended"
	EventSubmitted EventType = "submitted"
	EventConfirmed EventType = "confirmed"
	EventFailed    EventType = "failed"
)

// Event 是一次记录变更的通知。
type Event struct {
	Type       EventType          `json:"type"`
	Record     *TransactionRecord `json:"record"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Notifier 将记录变更投递到外部系统。
type Notifier interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Ledger 在 Store 之上发布变更事件。它是交易记录的唯一写入方。
type Ledger struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// Option 定义 Ledger 的可选配置。
type Option func(*Ledger)

// WithNotifier 配置事件发布器。
func WithNotifier(notifier Notifier) Option {
	return func(l *Ledger) { l.notifier = notifier }
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.logger = log
		}
	}
}

// New 创建 Ledger。
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, logger: logger.Named("ledger")}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Append 写入一条 pending 记录。
func (l *Ledger) Append(ctx context.Context, record *TransactionRecord) error {
	if err := l.store.Append(ctx, record); err != nil {
		return err
	}
	logger.Audit().Info("交易记录已创建",
		slog.String("record_id", record.ID),
		slog.String("sequence_id", record.SequenceID),
		slog.String("kind", string(record.Kind)),
		slog.String("asset", record.Asset),
		slog.String("amount", amountString(record)),
	)
	l.publish(ctx, EventAppended, record.ID)
	return nil
}

// SetHash 记录交易哈希。
func (l *Ledger) SetHash(ctx context.Context, id, txHash string) error {
	if err := l.store.SetHash(ctx, id, txHash); err != nil {
		return err
	}
	logger.Audit().Info("交易已提交", slog.String("record_id", id), slog.String("tx_hash", txHash))
	l.publish(ctx, EventSubmitted, id)
	return nil
}

// Confirm 将记录标记为已确认。
func (l *Ledger) Confirm(ctx context.Context, id string) error {
	if err := l.store.Finalize(ctx, id, StatusConfirmed, "", ""); err != nil {
		return err
	}
	logger.Audit().Info("交易已确认", slog.String("record_id", id))
	l.publish(ctx, EventConfirmed, id)
	return nil
}

// Fail 将记录标记为失败，并保存错误码与原因。
func (l *Ledger) Fail(ctx context.Context, id, code, message string) error {
	if err := l.store.Finalize(ctx, id, StatusFailed, code, message); err != nil {
		return err
	}
	logger.Audit().Warn("交易失败",
		slog.String("record_id", id),
		slog.String("error_code", code),
		slog.String("error", message),
	)
	l.publish(ctx, EventFailed, id)
	return nil
}

// Get 返回单条记录。
func (l *Ledger) Get(ctx context.Context, id string) (*TransactionRecord, error) {
	return l.store.Get(ctx, id)
}

// List 返回记录列表。
func (l *Ledger) List(ctx context.Context, opts ...ListOption) ([]*TransactionRecord, error) {
	return l.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回记录统计。
func (l *Ledger) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	return l.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 关闭存储与事件发布器。
func (l *Ledger) Close() error {
	var err error
	if l.notifier != nil {
		err = l.notifier.Close()
	}
	if cerr := l.store.Close(); cerr != nil {
		err = cerr
	}
	return err
}

func (l *Ledger) publish(ctx context.Context, typ EventType, id string) {
	if l.notifier == nil {
		return
	}
	record, err := l.store.Get(ctx, id)
	if err != nil {
		l.logger.Warn("读取记录以发布事件失败", slog.String("record_id", id), slog.Any("error", err))
		return
	}
	event := Event{Type: typ, Record: record, OccurredAt: time.Now().UTC()}
	// 事件发布失败不影响记录本身。
	if err := l.notifier.Publish(ctx, event); err != nil {
		l.logger.Warn("发布交易记录事件失败",
			slog.String("record_id", id),
			slog.String("event", string(typ)),
			slog.Any("error", err),
		)
	}
}

func amountString(record *TransactionRecord) string {
	if record == nil || record.Amount == nil {
		return "0"
	}
	return record.Amount.String()
}
