package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/msageha/exportd/internal/clock"
)

const schema = `
CREATE TABLE IF NOT EXISTS table_rows (
	tbl  TEXT    NOT NULL,
	pk   TEXT    NOT NULL,
	rk   TEXT    NOT NULL,
	etag TEXT    NOT NULL,
	ts   INTEGER NOT NULL,
	data TEXT    NOT NULL,
	PRIMARY KEY (tbl, pk, rk)
);
CREATE INDEX IF NOT EXISTS table_rows_ts ON table_rows (tbl, ts);

CREATE TABLE IF NOT EXISTS queue_items (
	id       TEXT    PRIMARY KEY,
	queue    TEXT    NOT NULL,
	part     TEXT    NOT NULL,
	data     TEXT    NOT NULL,
	enqueued INTEGER NOT NULL,
	visible  INTEGER NOT NULL,
	dequeues INTEGER NOT NULL DEFAULT 0,
	receipt  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS queue_items_visible ON queue_items (queue, part, visible, enqueued);
`

// SQLite is a durable backend shared by every worker process on a host.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, c clock.Clock) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer per process; cross-process exclusion is sqlite's file lock
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, clock: c}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) now() int64 { return s.clock.Now().UnixNano() }

type sqliteTable[T Row] struct {
	db     *SQLite
	name   string
	newRow func() T
}

func (t *sqliteTable[T]) Name() string { return t.name }

func (t *sqliteTable[T]) decode(pk, rk, etag string, ts int64, data string) (T, error) {
	row := t.newRow()
	if err := json.Unmarshal([]byte(data), row); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s row %s/%s: %w", t.name, pk, rk, err)
	}
	meta := row.Meta()
	meta.PartitionKey, meta.RowKey, meta.ETag = pk, rk, etag
	meta.Timestamp = time.Unix(0, ts).UTC()
	return row, nil
}

func (t *sqliteTable[T]) GetItem(ctx context.Context, partitionKey, rowKey string) (T, error) {
	var (
		etag, data string
		ts         int64
		zero       T
	)
	err := t.db.db.QueryRowContext(ctx,
		`SELECT etag, ts, data FROM table_rows WHERE tbl = ? AND pk = ? AND rk = ?`,
		t.name, partitionKey, rowKey).Scan(&etag, &ts, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("get %s row %s/%s: %w", t.name, partitionKey, rowKey, err)
	}
	return t.decode(partitionKey, rowKey, etag, ts, data)
}

// encode serializes item and stamps a fresh etag and timestamp on it.
func (t *sqliteTable[T]) encode(item T) (string, string, int64, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", "", 0, fmt.Errorf("encode %s row: %w", t.name, err)
	}
	return string(data), uuid.NewString(), t.db.now(), nil
}

func (t *sqliteTable[T]) stamp(item T, etag string, ts int64) {
	meta := item.Meta()
	meta.ETag = etag
	meta.Timestamp = time.Unix(0, ts).UTC()
}

func (t *sqliteTable[T]) Insert(ctx context.Context, item T) (bool, error) {
	data, etag, ts, err := t.encode(item)
	if err != nil {
		return false, err
	}
	meta := item.Meta()
	res, err := t.db.db.ExecContext(ctx,
		`INSERT INTO table_rows (tbl, pk, rk, etag, ts, data) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tbl, pk, rk) DO NOTHING`,
		t.name, meta.PartitionKey, meta.RowKey, etag, ts, data)
	if err != nil {
		return false, fmt.Errorf("insert %s row %s/%s: %w", t.name, meta.PartitionKey, meta.RowKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	t.stamp(item, etag, ts)
	return true, nil
}

func (t *sqliteTable[T]) Replace(ctx context.Context, item T) (bool, error) {
	data, etag, ts, err := t.encode(item)
	if err != nil {
		return false, err
	}
	meta := item.Meta()
	res, err := t.db.db.ExecContext(ctx,
		`UPDATE table_rows SET etag = ?, ts = ?, data = ?
		 WHERE tbl = ? AND pk = ? AND rk = ? AND (etag = ? OR ? = '*')`,
		etag, ts, data, t.name, meta.PartitionKey, meta.RowKey, meta.ETag, meta.ETag)
	if err != nil {
		return false, fmt.Errorf("replace %s row %s/%s: %w", t.name, meta.PartitionKey, meta.RowKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	t.stamp(item, etag, ts)
	return true, nil
}

func (t *sqliteTable[T]) DeleteItem(ctx context.Context, item T) (bool, error) {
	meta := item.Meta()
	res, err := t.db.db.ExecContext(ctx,
		`DELETE FROM table_rows WHERE tbl = ? AND pk = ? AND rk = ? AND (etag = ? OR ? = '*')`,
		t.name, meta.PartitionKey, meta.RowKey, meta.ETag, meta.ETag)
	if err != nil {
		return false, fmt.Errorf("delete %s row %s/%s: %w", t.name, meta.PartitionKey, meta.RowKey, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (t *sqliteTable[T]) where(f Filter) (string, []any) {
	clauses := []string{"tbl = ?"}
	args := []any{t.name}
	if f.PartitionKey != "" {
		clauses = append(clauses, "pk = ?")
		args = append(args, f.PartitionKey)
	}
	if len(f.RowKeys) > 0 {
		clauses = append(clauses, "rk IN (?"+strings.Repeat(", ?", len(f.RowKeys)-1)+")")
		for _, rk := range f.RowKeys {
			args = append(args, rk)
		}
	}
	if !f.OlderThan.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, f.OlderThan.UnixNano())
	}
	q := " WHERE " + strings.Join(clauses, " AND ") + " ORDER BY pk, rk"
	if f.MaxRows > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.MaxRows)
	}
	return q, args
}

func (t *sqliteTable[T]) Query(ctx context.Context, f Filter) ([]T, error) {
	where, args := t.where(f)
	rows, err := t.db.db.QueryContext(ctx, `SELECT pk, rk, etag, ts, data FROM table_rows`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var (
			pk, rk, etag, data string
			ts                 int64
		)
		if err := rows.Scan(&pk, &rk, &etag, &ts, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		row, err := t.decode(pk, rk, etag, ts, data)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (t *sqliteTable[T]) QueryKeys(ctx context.Context, f Filter) ([]Key, error) {
	where, args := t.where(f)
	rows, err := t.db.db.QueryContext(ctx, `SELECT pk, rk FROM table_rows`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s keys: %w", t.name, err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.PartitionKey, &k.RowKey); err != nil {
			return nil, fmt.Errorf("scan %s keys: %w", t.name, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (t *sqliteTable[T]) DeleteBatch(ctx context.Context, partitionKey string, rowKeys []string) (int, error) {
	if len(rowKeys) == 0 {
		return 0, nil
	}
	args := []any{t.name, partitionKey}
	for _, rk := range rowKeys {
		args = append(args, rk)
	}
	res, err := t.db.db.ExecContext(ctx,
		`DELETE FROM table_rows WHERE tbl = ? AND pk = ? AND rk IN (?`+strings.Repeat(", ?", len(rowKeys)-1)+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("delete batch %s/%s: %w", t.name, partitionKey, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type sqliteQueue[T any] struct {
	db        *SQLite
	name      string
	partition string
}

func (q *sqliteQueue[T]) Name() string { return q.name }

func (q *sqliteQueue[T]) Enqueue(ctx context.Context, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", q.name, err)
	}
	now := q.db.now()
	_, err = q.db.db.ExecContext(ctx,
		`INSERT INTO queue_items (id, queue, part, data, enqueued, visible) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), q.name, q.partition, string(data), now, now)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return nil
}

func (q *sqliteQueue[T]) Dequeue(ctx context.Context, lease, wait time.Duration) (Item[T], error) {
	var item Item[T]
	err := poll(ctx, wait, func() (bool, error) {
		var err error
		item, err = q.tryDequeue(ctx, lease)
		return item != nil, err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (q *sqliteQueue[T]) tryDequeue(ctx context.Context, lease time.Duration) (Item[T], error) {
	tx, err := q.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: begin: %w", q.name, err)
	}
	defer tx.Rollback()

	now := q.db.now()
	var (
		id, data string
		dequeues int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, data, dequeues FROM queue_items
		 WHERE queue = ? AND part = ? AND visible <= ?
		 ORDER BY visible, enqueued LIMIT 1`,
		q.name, q.partition, now).Scan(&id, &data, &dequeues)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: select: %w", q.name, err)
	}

	receipt := uuid.NewString()
	dequeues++
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_items SET visible = ?, dequeues = ?, receipt = ? WHERE id = ?`,
		now+lease.Nanoseconds(), dequeues, receipt, id); err != nil {
		return nil, fmt.Errorf("dequeue %s: lease: %w", q.name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue %s: commit: %w", q.name, err)
	}

	var payload T
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("decode %s message %s: %w", q.name, id, err)
	}
	return &sqliteItem[T]{q: q, id: id, receipt: receipt, data: payload, dequeues: dequeues}, nil
}

func (q *sqliteQueue[T]) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE queue = ? AND part = ?`, q.name, q.partition).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", q.name, err)
	}
	return n, nil
}

type sqliteItem[T any] struct {
	q        *sqliteQueue[T]
	id       string
	receipt  string
	data     T
	dequeues int
}

func (it *sqliteItem[T]) ID() string        { return it.id }
func (it *sqliteItem[T]) Data() T           { return it.data }
func (it *sqliteItem[T]) DequeueCount() int { return it.dequeues }

func (it *sqliteItem[T]) Complete(ctx context.Context) error {
	res, err := it.q.db.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE id = ? AND receipt = ?`, it.id, it.receipt)
	if err != nil {
		return fmt.Errorf("complete %s item %s: %w", it.q.name, it.id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLostReceipt
	}
	return nil
}

func (it *sqliteItem[T]) Release(ctx context.Context) error {
	return it.RenewLease(ctx, 0)
}

func (it *sqliteItem[T]) RenewLease(ctx context.Context, d time.Duration) error {
	res, err := it.q.db.db.ExecContext(ctx,
		`UPDATE queue_items SET visible = ? WHERE id = ? AND receipt = ?`,
		it.q.db.now()+d.Nanoseconds(), it.id, it.receipt)
	if err != nil {
		return fmt.Errorf("renew %s item %s: %w", it.q.name, it.id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLostReceipt
	}
	return nil
}
