package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/ledger"
	"github.com/go-sql-driver/mysql"
)

const recordColumns = `id, sequence_id, kind, asset, token, amount, tx_hash, status, error_code, error, created_at, updated_at`

// LedgerStore 使用 MySQL 持久化交易记录。
type LedgerStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Store = (*LedgerStore)(nil)

// NewLedgerStore 建立连接并执行迁移。
func NewLedgerStore(ctx context.Context, cfg Config) (*LedgerStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化交易记录库失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行交易记录库迁移失败")
	}
	return &LedgerStore{db: db, now: time.Now}, nil
}

// Append 实现 ledger.Store 接口。
func (s *LedgerStore) Append(ctx context.Context, record *ledger.TransactionRecord) error {
	if record == nil || strings.TrimSpace(record.ID) == "" || record.Kind == "" {
		return xerrors.New(ledger.CodeRecordInvalid, "记录缺少 ID 或类型")
	}
	if record.Status == "" {
		record.Status = ledger.StatusPending
	}
	if record.Status != ledger.StatusPending {
		return xerrors.New(ledger.CodeRecordInvalid, "新记录必须处于 pending 状态")
	}

	now := s.clock().UnixMilli()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	const stmt = `INSERT INTO transaction_records
        (id, sequence_id, kind, asset, token, amount, tx_hash, status, error_code, error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.SequenceID,
		string(record.Kind),
		record.Asset,
		record.Token,
		amountToString(record.Amount),
		record.TxHash,
		string(record.Status),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ledger.ErrRecordConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易记录失败")
	}
	return nil
}

// SetHash 实现 ledger.Store 接口。
func (s *LedgerStore) SetHash(ctx context.Context, id, txHash string) error {
	const stmt = `UPDATE transaction_records SET tx_hash = ?, updated_at = ?
        WHERE id = ? AND status = 'pending' AND (tx_hash = '' OR tx_hash = ?)`

	res, err := s.db.ExecContext(ctx, stmt, txHash, s.clock().UnixMilli(), id, txHash)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易哈希失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected > 0 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == ledger.StatusPending && current.TxHash == txHash {
		return nil
	}
	return ledger.ErrRecordFinalized
}

// Finalize 实现 ledger.Store 接口。
func (s *LedgerStore) Finalize(ctx context.Context, id string, status ledger.Status, code, message string) error {
	if !status.IsTerminal() {
		return xerrors.Newf(ledger.CodeRecordInvalid, "无效的终态: %s", status)
	}

	const stmt = `UPDATE transaction_records SET status = ?, error_code = ?, error = ?, updated_at = ?
        WHERE id = ? AND status = 'pending'`

	res, err := s.db.ExecContext(ctx, stmt, string(status), code, message, s.clock().UnixMilli(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易记录状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ledger.ErrRecordFinalized
}

// Get 实现 ledger.Store 接口。
func (s *LedgerStore) Get(ctx context.Context, id string) (*ledger.TransactionRecord, error) {
	const stmt = `SELECT ` + recordColumns + ` FROM transaction_records WHERE id = ?`

	record, err := scanRecord(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	return record, nil
}

// List 实现 ledger.Store 接口。
func (s *LedgerStore) List(ctx context.Context, opts ledger.ListOptions) ([]*ledger.TransactionRecord, error) {
	opts = opts.Normalize()
	where, args := buildFilter(opts)

	order := "DESC"
	if opts.Order == ledger.SortByCreatedAsc {
		order = "ASC"
	}
	query := `SELECT ` + recordColumns + ` FROM transaction_records` + where +
		` ORDER BY created_at ` + order + `, id ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录列表失败")
	}
	defer rows.Close()

	records := make([]*ledger.TransactionRecord, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return records, nil
}

// Stats 实现 ledger.Store 接口。
func (s *LedgerStore) Stats(ctx context.Context, opts ledger.ListOptions) (ledger.Stats, error) {
	opts = opts.Normalize()
	where, args := buildFilter(opts)

	query := `SELECT COUNT(*),
        COALESCE(SUM(status = 'pending'), 0),
        COALESCE(SUM(status = 'confirmed'), 0),
        COALESCE(SUM(status = 'failed'), 0),
        COALESCE(MIN(created_at), 0),
        COALESCE(MAX(created_at), 0)
        FROM transaction_records` + where

	var total, pending, confirmed, failed, oldest, newest int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total, &pending, &confirmed, &failed, &oldest, &newest); err != nil {
		return ledger.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计交易记录失败")
	}
	return ledger.Stats{
		Total:           int(total),
		Pending:         int(pending),
		Confirmed:       int(confirmed),
		Failed:          int(failed),
		OldestCreatedAt: oldest,
		NewestCreatedAt: newest,
	}, nil
}

// Close 释放连接池。
func (s *LedgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LedgerStore) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ledger.TransactionRecord, error) {
	var (
		record    ledger.TransactionRecord
		kind      string
		status    string
		amount    string
		errorText sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&record.SequenceID,
		&kind,
		&record.Asset,
		&record.Token,
		&amount,
		&record.TxHash,
		&status,
		&record.ErrorCode,
		&errorText,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Kind = ledger.Kind(kind)
	record.Status = ledger.Status(status)
	record.Error = errorText.String
	if value, ok := new(big.Int).SetString(amount, 10); ok {
		record.Amount = value
	} else {
		record.Amount = new(big.Int)
	}
	return &record, nil
}

func buildFilter(opts ledger.ListOptions) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(opts.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Kinds) > 0 {
		conds = append(conds, "kind IN ("+placeholders(len(opts.Kinds))+")")
		for _, kind := range opts.Kinds {
			args = append(args, string(kind))
		}
	}
	if opts.SequenceID != "" {
		conds = append(conds, "sequence_id = ?")
		args = append(args, opts.SequenceID)
	}
	if opts.Asset != "" {
		conds = append(conds, "asset = ?")
		args = append(args, opts.Asset)
	}
	if opts.CreatedGTE > 0 {
		conds = append(conds, "created_at >= ?")
		args = append(args, opts.CreatedGTE)
	}
	if opts.CreatedLTE > 0 {
		conds = append(conds, "created_at <= ?")
		args = append(args, opts.CreatedLTE)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func amountToString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
