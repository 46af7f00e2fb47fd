package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bbdfi/internal/ledger"
)

var recordColumnNames = []string{"id", "sequence_id", "kind", "asset", "token", "amount", "tx_hash", "status", "error_code", "error", "created_at", "updated_at"}

func fixedNow() time.Time { return time.UnixMilli(1_700_000_000_000) }

func TestLedgerStoreAppend(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertRecordSQL(), mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &LedgerStore{db: db, now: fixedNow}
	record := &ledger.TransactionRecord{ID: "r1", SequenceID: "s1", Kind: ledger.KindSwap, Asset: "BTC", Amount: big.NewInt(1_000_000)}
	if err := store.Append(context.Background(), record); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if record.Status != ledger.StatusPending {
		t.Fatalf("expected pending status, got %s", record.Status)
	}
	if record.CreatedAt != fixedNow().UnixMilli() {
		t.Fatalf("expected created_at to be stamped, got %d", record.CreatedAt)
	}
}

func TestLedgerStoreAppendRejectsTerminalRecord(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, nil)
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &LedgerStore{db: db, now: fixedNow}
	err := store.Append(context.Background(), &ledger.TransactionRecord{ID: "r1", Kind: ledger.KindSwap, Status: ledger.StatusConfirmed})
	if err == nil {
		t.Fatalf("expected terminal record to be rejected")
	}
}

func TestLedgerStoreGet(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: recordColumnNames,
		values: [][]driver.Value{
			{"r1", "s1", "deposit", "ETH", "0x01", "123456789012345678901234567890", "0xabc", "failed", "DEPOSIT_FAILED", "reverted", int64(10), int64(20)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+recordColumns+` FROM transaction_records WHERE id = ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &LedgerStore{db: db, now: fixedNow}
	record, err := store.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	want, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if record.Amount.Cmp(want) != 0 {
		t.Fatalf("unexpected amount: %s", record.Amount)
	}
	if record.Kind != ledger.KindDeposit || record.Status != ledger.StatusFailed || record.Error != "reverted" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestLedgerStoreGetNotFound(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+recordColumns+` FROM transaction_records WHERE id = ?`, mockRowsData{columns: recordColumnNames}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &LedgerStore{db: db, now: fixedNow}
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLedgerStoreFinalizeTerminalRecord(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: recordColumnNames,
		values: [][]driver.Value{
			{"r1", "", "swap", "BTC", "", "5", "0xabc", "confirmed", "", nil, int64(10), int64(20)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		execOp(finalizeRecordSQL(), mockResult{rowsAffected: 0}),
		queryOp(`SELECT `+recordColumns+` FROM transaction_records WHERE id = ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &LedgerStore{db: db, now: fixedNow}
	err := store.Finalize(context.Background(), "r1", ledger.StatusFailed, "SWAP_FAILED", "late")
	if !errors.Is(err, ledger.ErrRecordFinalized) {
		t.Fatalf("expected finalized error, got %v", err)
	}
}

func TestLedgerStoreFinalize(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(finalizeRecordSQL(), mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &LedgerStore{db: db, now: fixedNow}
	if err := store.Finalize(context.Background(), "r1", ledger.StatusConfirmed, "", ""); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
}

func TestLedgerStoreSetHashIdempotent(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: recordColumnNames,
		values: [][]driver.Value{
			{"r1", "", "approve", "USDC", "", "5", "0xabc", "pending", "", nil, int64(10), int64(20)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		execOp(setHashSQL(), mockResult{rowsAffected: 0}),
		queryOp(`SELECT `+recordColumns+` FROM transaction_records WHERE id = ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &LedgerStore{db: db, now: fixedNow}
	if err := store.SetHash(context.Background(), "r1", "0xabc"); err != nil {
		t.Fatalf("expected same hash to be accepted, got %v", err)
	}
}

func TestLedgerStoreListWithFilters(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: recordColumnNames,
		values: [][]driver.Value{
			{"r2", "s1", "swap", "ETH", "", "20", "", "pending", "", nil, int64(20), int64(20)},
			{"r1", "s1", "swap", "BTC", "", "10", "", "pending", "", nil, int64(10), int64(10)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+recordColumns+` FROM transaction_records WHERE status IN (?) AND kind IN (?, ?) AND sequence_id = ?
    ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &LedgerStore{db: db, now: fixedNow}
	opts := ledger.BuildListOptions(
		ledger.WithStatuses(ledger.StatusPending),
		ledger.WithKinds(ledger.KindSwap, ledger.KindDCA),
		ledger.WithSequence("s1"),
	)
	list, err := store.List(context.Background(), opts)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r2" || list[1].Amount.Int64() != 10 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestLedgerStoreStats(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"total", "pending", "confirmed", "failed", "oldest", "newest"},
		values:  [][]driver.Value{{int64(5), int64(1), int64(3), int64(1), int64(100), int64(500)}},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(statsSQL()+` WHERE asset = ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &LedgerStore{db: db, now: fixedNow}
	stats, err := store.Stats(context.Background(), ledger.BuildListOptions(ledger.WithAsset("BTC")))
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 5 || stats.Confirmed != 3 || stats.NewestCreatedAt != 500 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	failing := execOp(readMigrationStatement(), mockResult{})
	failing.err = errors.New("syntax error")
	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		failing,
		rollbackOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err == nil {
		t.Fatalf("expected migration failure")
	}
}

func insertRecordSQL() string {
	return `INSERT INTO transaction_records
    (id, sequence_id, kind, asset, token, amount, tx_hash, status, error_code, error, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
}

func finalizeRecordSQL() string {
	return `UPDATE transaction_records SET status = ?, error_code = ?, error = ?, updated_at = ?
    WHERE id = ? AND status = 'pending'`
}

func setHashSQL() string {
	return `UPDATE transaction_records SET tx_hash = ?, updated_at = ?
    WHERE id = ? AND status = 'pending' AND (tx_hash = '' OR tx_hash = ?)`
}

func statsSQL() string {
	return `SELECT COUNT(*),
    COALESCE(SUM(status = 'pending'), 0),
    COALESCE(SUM(status = 'confirmed'), 0),
    COALESCE(SUM(status = 'failed'), 0),
    COALESCE(MIN(created_at), 0),
    COALESCE(MAX(created_at), 0)
    FROM transaction_records`
}

func readMigrationStatement() string {
	content, err := embeddedMigrations.ReadFile("0001_transaction_records.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}
type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
