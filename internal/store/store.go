// Package store provides the keyed table with optimistic concurrency and the
// leased work queues the pipeline coordinates through.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/exportd/internal/model"
)

// ErrLostReceipt is returned by Item operations once the item was redelivered
// to another consumer or already completed.
var ErrLostReceipt = errors.New("queue item receipt no longer valid")

// Row is any table row. Implementations are pointer types embedding model.Entity.
type Row interface {
	Meta() *model.Entity
}

// Key addresses one row.
type Key struct {
	PartitionKey string
	RowKey       string
}

// Filter selects rows. Zero fields do not constrain the query.
type Filter struct {
	PartitionKey string
	RowKeys      []string
	OlderThan    time.Time
	MaxRows      int
}

// Table is a keyed row store. Insert and Replace update the item's ETag and
// Timestamp on success. Replace and DeleteItem compare the item's ETag with
// the stored one unless it is model.ForceETag.
type Table[T Row] interface {
	Sweeper
	GetItem(ctx context.Context, partitionKey, rowKey string) (T, error)
	Insert(ctx context.Context, item T) (bool, error)
	Replace(ctx context.Context, item T) (bool, error)
	DeleteItem(ctx context.Context, item T) (bool, error)
	Query(ctx context.Context, f Filter) ([]T, error)
}

// Sweeper is the untyped part of a table used by garbage collection.
type Sweeper interface {
	Name() string
	QueryKeys(ctx context.Context, f Filter) ([]Key, error)
	DeleteBatch(ctx context.Context, partitionKey string, rowKeys []string) (int, error)
}

// Item is a dequeued message held under a lease.
type Item[T any] interface {
	ID() string
	Data() T
	DequeueCount() int
	Complete(ctx context.Context) error
	Release(ctx context.Context) error
	RenewLease(ctx context.Context, d time.Duration) error
}

// Queue is an at-least-once work queue. Dequeue returns a nil item when
// nothing became visible within wait.
type Queue[T any] interface {
	Name() string
	Enqueue(ctx context.Context, item T) error
	Dequeue(ctx context.Context, lease, wait time.Duration) (Item[T], error)
	Depth(ctx context.Context) (int, error)
}

// Backend is a storage engine that tables and queues are opened on.
type Backend interface {
	Close() error
}

// OpenTable opens the named table on b.
func OpenTable[T Row](b Backend, name string, newRow func() T) (Table[T], error) {
	switch be := b.(type) {
	case *SQLite:
		return &sqliteTable[T]{db: be, name: name, newRow: newRow}, nil
	case *Memory:
		return &memoryTable[T]{m: be, name: name, newRow: newRow}, nil
	default:
		return nil, fmt.Errorf("open table %s: unsupported backend %T", name, b)
	}
}

// OpenQueue opens one partition of the named queue on b. Use "" for an
// unpartitioned queue.
func OpenQueue[T any](b Backend, name, partition string) (Queue[T], error) {
	switch be := b.(type) {
	case *SQLite:
		return &sqliteQueue[T]{db: be, name: name, partition: partition}, nil
	case *Memory:
		return &memoryQueue[T]{m: be, name: name, partition: partition}, nil
	default:
		return nil, fmt.Errorf("open queue %s: unsupported backend %T", name, b)
	}
}

const pollInterval = 200 * time.Millisecond

// poll calls try until it reports found, wait elapses or ctx ends.
func poll(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		found, err := try()
		if err != nil || found {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		t := time.NewTimer(min(pollInterval, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func etagMatches(stored, supplied string) bool {
	return supplied == model.ForceETag || stored == supplied
}
