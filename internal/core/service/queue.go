package service

import (
	"container/heap"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
)

// queuedTask is a queue entry: the task plus its enqueue stamp (for the
// max-queue-wait expiry) and a sequence number for FIFO tie-breaking.
type queuedTask struct {
	task       *domain.Task
	enqueuedAt time.Time
	seq        uint64
	index      int
}

// taskQueue is a priority heap: deadline-bound tasks before deadline-free
// ones, earlier deadline first, FIFO within the same class.
type taskQueue []*queuedTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	a, b := q[i].task, q[j].task
	switch {
	case a.Deadline != nil && b.Deadline == nil:
		return true
	case a.Deadline == nil && b.Deadline != nil:
		return false
	case a.Deadline != nil && b.Deadline != nil && !a.Deadline.Equal(*b.Deadline):
		return a.Deadline.Before(*b.Deadline)
	default:
		return q[i].seq < q[j].seq
	}
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	item := x.(*queuedTask)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// remove drops an arbitrary entry by heap index.
func (q *taskQueue) remove(item *queuedTask) {
	if item.index >= 0 && item.index < q.Len() {
		heap.Remove(q, item.index)
	}
}
