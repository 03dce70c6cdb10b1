package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/exportd/internal/clock"
)

// Memory is a process-local backend. It shares the semantics of SQLite and
// is used for single-process deployments and tests.
type Memory struct {
	clock clock.Clock

	mu     sync.Mutex
	tables map[string]map[Key]*memRecord
	queues map[queueKey][]*memMessage
}

type memRecord struct {
	etag string
	ts   time.Time
	data []byte
}

type queueKey struct {
	name      string
	partition string
}

type memMessage struct {
	id       string
	data     []byte
	enqueued time.Time
	visible  time.Time
	dequeues int
	receipt  string
}

func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		clock:  c,
		tables: make(map[string]map[Key]*memRecord),
		queues: make(map[queueKey][]*memMessage),
	}
}

func (m *Memory) Close() error { return nil }

type memoryTable[T Row] struct {
	m      *Memory
	name   string
	newRow func() T
}

func (t *memoryTable[T]) Name() string { return t.name }

// rows returns the table map; m.mu must be held.
func (t *memoryTable[T]) rows() map[Key]*memRecord {
	rows, ok := t.m.tables[t.name]
	if !ok {
		rows = make(map[Key]*memRecord)
		t.m.tables[t.name] = rows
	}
	return rows
}

func (t *memoryTable[T]) decode(k Key, rec *memRecord) (T, error) {
	row := t.newRow()
	if err := json.Unmarshal(rec.data, row); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s row %s/%s: %w", t.name, k.PartitionKey, k.RowKey, err)
	}
	meta := row.Meta()
	meta.PartitionKey, meta.RowKey, meta.ETag, meta.Timestamp = k.PartitionKey, k.RowKey, rec.etag, rec.ts
	return row, nil
}

func (t *memoryTable[T]) GetItem(ctx context.Context, partitionKey, rowKey string) (T, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	k := Key{partitionKey, rowKey}
	rec, ok := t.rows()[k]
	if !ok {
		var zero T
		return zero, nil
	}
	return t.decode(k, rec)
}

func (t *memoryTable[T]) write(item T) (*memRecord, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode %s row: %w", t.name, err)
	}
	rec := &memRecord{etag: uuid.NewString(), ts: t.m.clock.Now(), data: data}
	meta := item.Meta()
	meta.ETag, meta.Timestamp = rec.etag, rec.ts
	return rec, nil
}

func (t *memoryTable[T]) Insert(ctx context.Context, item T) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	meta := item.Meta()
	k := Key{meta.PartitionKey, meta.RowKey}
	if _, exists := t.rows()[k]; exists {
		return false, nil
	}
	rec, err := t.write(item)
	if err != nil {
		return false, err
	}
	t.rows()[k] = rec
	return true, nil
}

func (t *memoryTable[T]) Replace(ctx context.Context, item T) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	meta := item.Meta()
	k := Key{meta.PartitionKey, meta.RowKey}
	cur, exists := t.rows()[k]
	if !exists || !etagMatches(cur.etag, meta.ETag) {
		return false, nil
	}
	rec, err := t.write(item)
	if err != nil {
		return false, err
	}
	t.rows()[k] = rec
	return true, nil
}

func (t *memoryTable[T]) DeleteItem(ctx context.Context, item T) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	meta := item.Meta()
	k := Key{meta.PartitionKey, meta.RowKey}
	cur, exists := t.rows()[k]
	if !exists || !etagMatches(cur.etag, meta.ETag) {
		return false, nil
	}
	delete(t.rows(), k)
	return true, nil
}

// match returns matching keys in (partition, row) order; m.mu must be held.
func (t *memoryTable[T]) match(f Filter) []Key {
	var keys []Key
	for k, rec := range t.rows() {
		if f.PartitionKey != "" && k.PartitionKey != f.PartitionKey {
			continue
		}
		if len(f.RowKeys) > 0 && !slices.Contains(f.RowKeys, k.RowKey) {
			continue
		}
		if !f.OlderThan.IsZero() && !rec.ts.Before(f.OlderThan) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].PartitionKey != keys[j].PartitionKey {
			return keys[i].PartitionKey < keys[j].PartitionKey
		}
		return keys[i].RowKey < keys[j].RowKey
	})
	if f.MaxRows > 0 && len(keys) > f.MaxRows {
		keys = keys[:f.MaxRows]
	}
	return keys
}

func (t *memoryTable[T]) Query(ctx context.Context, f Filter) ([]T, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	keys := t.match(f)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		row, err := t.decode(k, t.rows()[k])
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (t *memoryTable[T]) QueryKeys(ctx context.Context, f Filter) ([]Key, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.match(f), nil
}

func (t *memoryTable[T]) DeleteBatch(ctx context.Context, partitionKey string, rowKeys []string) (int, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	n := 0
	rows := t.rows()
	for _, rk := range rowKeys {
		k := Key{partitionKey, rk}
		if _, ok := rows[k]; ok {
			delete(rows, k)
			n++
		}
	}
	return n, nil
}

type memoryQueue[T any] struct {
	m         *Memory
	name      string
	partition string
}

func (q *memoryQueue[T]) Name() string { return q.name }

func (q *memoryQueue[T]) key() queueKey { return queueKey{q.name, q.partition} }

func (q *memoryQueue[T]) Enqueue(ctx context.Context, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", q.name, err)
	}
	q.m.mu.Lock()
	defer q.m.mu.Unlock()

	now := q.m.clock.Now()
	q.m.queues[q.key()] = append(q.m.queues[q.key()], &memMessage{
		id:       uuid.NewString(),
		data:     data,
		enqueued: now,
		visible:  now,
	})
	return nil
}

func (q *memoryQueue[T]) Dequeue(ctx context.Context, lease, wait time.Duration) (Item[T], error) {
	var item Item[T]
	err := poll(ctx, wait, func() (bool, error) {
		var err error
		item, err = q.tryDequeue(lease)
		return item != nil, err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (q *memoryQueue[T]) tryDequeue(lease time.Duration) (Item[T], error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()

	now := q.m.clock.Now()
	var next *memMessage
	for _, msg := range q.m.queues[q.key()] {
		if msg.visible.After(now) {
			continue
		}
		if next == nil || msg.visible.Before(next.visible) ||
			(msg.visible.Equal(next.visible) && msg.enqueued.Before(next.enqueued)) {
			next = msg
		}
	}
	if next == nil {
		return nil, nil
	}

	var data T
	if err := json.Unmarshal(next.data, &data); err != nil {
		return nil, fmt.Errorf("decode %s message %s: %w", q.name, next.id, err)
	}
	next.dequeues++
	next.visible = now.Add(lease)
	next.receipt = uuid.NewString()
	return &memoryItem[T]{q: q, id: next.id, receipt: next.receipt, data: data, dequeues: next.dequeues}, nil
}

func (q *memoryQueue[T]) Depth(ctx context.Context) (int, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	return len(q.m.queues[q.key()]), nil
}

// find returns the message still held under receipt; m.mu must be held.
func (q *memoryQueue[T]) find(id, receipt string) (int, *memMessage) {
	for i, msg := range q.m.queues[q.key()] {
		if msg.id == id {
			if msg.receipt != receipt {
				return -1, nil
			}
			return i, msg
		}
	}
	return -1, nil
}

type memoryItem[T any] struct {
	q        *memoryQueue[T]
	id       string
	receipt  string
	data     T
	dequeues int
}

func (it *memoryItem[T]) ID() string        { return it.id }
func (it *memoryItem[T]) Data() T           { return it.data }
func (it *memoryItem[T]) DequeueCount() int { return it.dequeues }

func (it *memoryItem[T]) Complete(ctx context.Context) error {
	it.q.m.mu.Lock()
	defer it.q.m.mu.Unlock()

	i, _ := it.q.find(it.id, it.receipt)
	if i < 0 {
		return ErrLostReceipt
	}
	k := it.q.key()
	it.q.m.queues[k] = slices.Delete(it.q.m.queues[k], i, i+1)
	return nil
}

func (it *memoryItem[T]) Release(ctx context.Context) error {
	return it.RenewLease(ctx, 0)
}

func (it *memoryItem[T]) RenewLease(ctx context.Context, d time.Duration) error {
	it.q.m.mu.Lock()
	defer it.q.m.mu.Unlock()

	_, msg := it.q.find(it.id, it.receipt)
	if msg == nil {
		return ErrLostReceipt
	}
	msg.visible = it.q.m.clock.Now().Add(d)
	return nil
}
