package store

import (
	"context"
	"fmt"
	"time"
)

// PartitionedQueue routes items to one queue per partition so that one
// partition's backlog cannot delay the others.
type PartitionedQueue[T any, P ~string] struct {
	name   string
	order  []P
	queues map[P]Queue[T]
}

// OpenPartitionedQueue opens one partition of the named queue per entry of partitions.
func OpenPartitionedQueue[T any, P ~string](b Backend, name string, partitions []P) (*PartitionedQueue[T, P], error) {
	pq := &PartitionedQueue[T, P]{
		name:   name,
		order:  partitions,
		queues: make(map[P]Queue[T], len(partitions)),
	}
	for _, p := range partitions {
		q, err := OpenQueue[T](b, name, string(p))
		if err != nil {
			return nil, err
		}
		pq.queues[p] = q
	}
	return pq, nil
}

func (pq *PartitionedQueue[T, P]) Name() string { return pq.name }

func (pq *PartitionedQueue[T, P]) Partitions() []P { return pq.order }

func (pq *PartitionedQueue[T, P]) partition(p P) (Queue[T], error) {
	q, ok := pq.queues[p]
	if !ok {
		return nil, fmt.Errorf("queue %s: unknown partition %q", pq.name, p)
	}
	return q, nil
}

func (pq *PartitionedQueue[T, P]) Enqueue(ctx context.Context, p P, item T) error {
	q, err := pq.partition(p)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, item)
}

func (pq *PartitionedQueue[T, P]) Dequeue(ctx context.Context, p P, lease, wait time.Duration) (Item[T], error) {
	q, err := pq.partition(p)
	if err != nil {
		return nil, err
	}
	return q.Dequeue(ctx, lease, wait)
}

// Depth reports the number of items in one partition.
func (pq *PartitionedQueue[T, P]) Depth(ctx context.Context, p P) (int, error) {
	q, err := pq.partition(p)
	if err != nil {
		return 0, err
	}
	return q.Depth(ctx)
}

// Depths reports every partition's depth.
func (pq *PartitionedQueue[T, P]) Depths(ctx context.Context) (map[P]int, error) {
	out := make(map[P]int, len(pq.order))
	for _, p := range pq.order {
		n, err := pq.queues[p].Depth(ctx)
		if err != nil {
			return nil, err
		}
		out[p] = n
	}
	return out, nil
}
