package sched

import "github.com/n4ar/melloos/internal/proctable"

// fifo is a simple FIFO queue of task ids backing one priority class's
// ready queue on one CPU. Callers hold the owning CPU's qlock.
type fifo struct {
	items []proctable.TaskID
}

func (q *fifo) pushBack(id proctable.TaskID) {
	q.items = append(q.items, id)
}

func (q *fifo) popFront() (proctable.TaskID, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

func (q *fifo) len() int {
	return len(q.items)
}
