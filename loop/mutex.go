//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package loop

// Mutex is a mutual exclusion lock for tasks of one loop.
// A task that finds it locked is suspended, not the thread.
// Waiters acquire the lock in the order they asked for it.
type Mutex struct {
	loop    *Loop
	locked  bool
	waiters []*Task
}

// Lock locks m, suspending the current task while it is held by another.
func (m *Mutex) Lock() {
	if !m.locked {
		m.locked = true
		return
	}
	t := m.loop.current
	if t == nil {
		panic("loop: Mutex.Lock called outside of a task")
	}
	m.waiters = append(m.waiters, t)
	// Unlock hands the lock over without releasing it.
	m.loop.Reschedule()
}

// Unlock unlocks m. If tasks are waiting, the lock passes to the one that
// has waited longest and it is made runnable.
func (m *Mutex) Unlock() {
	if !m.locked {
		panic("loop: unlock of unlocked mutex")
	}
	if len(m.waiters) == 0 {
		m.locked = false
		return
	}
	t := m.waiters[0]
	m.waiters[0] = nil
	m.waiters = m.waiters[1:]
	m.loop.Enqueue(t)
}
