package fdio

// taskQueue is an ordered queue of suspended tasks.
type taskQueue struct {
	tasks []Task
}

func (q *taskQueue) len() int { return len(q.tasks) }

func (q *taskQueue) pushBack(t Task) {
	q.tasks = append(q.tasks, t)
}

func (q *taskQueue) pushFront(t Task) {
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[1:], q.tasks)
	q.tasks[0] = t
}

func (q *taskQueue) popFront() (Task, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t, true
}

// remove deletes the first occurrence of t and reports whether it was queued.
func (q *taskQueue) remove(t Task) bool {
	for i, qt := range q.tasks {
		if qt == t {
			copy(q.tasks[i:], q.tasks[i+1:])
			q.tasks[len(q.tasks)-1] = nil
			q.tasks = q.tasks[:len(q.tasks)-1]
			return true
		}
	}
	return false
}

// drain empties the queue and returns its previous contents in order.
func (q *taskQueue) drain() []Task {
	tasks := q.tasks
	q.tasks = nil
	return tasks
}
