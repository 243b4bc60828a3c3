//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package loop

import (
	"container/heap"
	"time"
)

type timer struct {
	when  time.Time
	f     func()
	index int
}

// timerHeap is a min-heap of timers ordered by expiry.
type timerHeap []*timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// addTimer schedules f to run on the loop once d has elapsed.
func (l *Loop) addTimer(d time.Duration, f func()) *timer {
	t := &timer{
		when: time.Now().Add(d),
		f:    f,
	}
	heap.Push(&l.timers, t)
	return t
}

// stopTimer cancels t. Stopping a nil, fired or stopped timer does nothing.
func (l *Loop) stopTimer(t *timer) {
	if t != nil && t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
}

// runTimers fires every timer that expired at or before now.
func (l *Loop) runTimers(now time.Time) {
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*timer)
		t.f()
	}
}
