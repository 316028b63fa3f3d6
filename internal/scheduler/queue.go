package scheduler

import (
	"sync"

	"github.com/soclab/argus/internal/models"
)

// taskQueue is a blocking multi-priority FIFO of task ids. Higher
// priorities always dispatch first; within a priority, submission order is
// preserved.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lanes  [4][]string // index = Priority.Rank()
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a task id to its priority lane.
func (q *taskQueue) push(id string, p models.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	rank := p.Rank()
	q.lanes[rank] = append(q.lanes[rank], id)
	q.cond.Signal()
}

// pop blocks until a task id is available or the queue is closed. The
// second return is false only after close with all lanes drained.
func (q *taskQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for rank := len(q.lanes) - 1; rank >= 0; rank-- {
			if len(q.lanes[rank]) > 0 {
				id := q.lanes[rank][0]
				q.lanes[rank] = q.lanes[rank][1:]
				return id, true
			}
		}
		if q.closed {
			return "", false
		}
		q.cond.Wait()
	}
}

// remove deletes a queued task id, reporting whether it was found. Used
// when a pending task is cancelled before a worker picks it up.
func (q *taskQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for rank := range q.lanes {
		for i, queued := range q.lanes[rank] {
			if queued == id {
				q.lanes[rank] = append(q.lanes[rank][:i], q.lanes[rank][i+1:]...)
				return true
			}
		}
	}
	return false
}

// depth returns the total number of queued ids.
func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// close wakes all poppers; pending entries are still drained.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
