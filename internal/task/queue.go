package task

import (
	"context"
	"sync"

	"github.com/google/btree"
)

type queueItem struct {
	task *Task
	seq  uint64
}

func queueLess(a, b queueItem) bool {
	if !a.task.Deadline.Equal(b.task.Deadline) {
		return a.task.Deadline.Before(b.task.Deadline)
	}
	return a.seq < b.seq
}

// Queue is a blocking multi-producer queue ordered by task deadline,
// earliest first. It hands executed tasks to the postprocess workers.
type Queue struct {
	mu     sync.Mutex
	items  *btree.BTreeG[queueItem]
	seq    uint64
	signal chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		items:  btree.NewG(8, queueLess),
		signal: make(chan struct{}, 1),
	}
}

// Push enqueues a task and wakes one waiting consumer.
func (q *Queue) Push(t *Task) {
	q.mu.Lock()
	q.seq++
	q.items.ReplaceOrInsert(queueItem{task: t, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until a task is available or the context is done. Tasks are
// delivered in deadline order.
func (q *Queue) Pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if item, ok := q.items.DeleteMin(); ok {
			if q.items.Len() > 0 {
				// More work queued; keep other consumers awake.
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return item.task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// TryPop returns the earliest-deadline task without blocking.
func (q *Queue) TryPop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items.DeleteMin()
	if !ok {
		return nil, false
	}
	return item.task, true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
