//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

// Package loop implements a cooperative scheduler for fdio descriptors.
//
// Tasks are goroutines, but a Loop lets only one of them run at a time: a task
// runs until it finishes or suspends itself (Reschedule, Sleep, Yield, a
// contended Mutex, or an fdio wait), and the loop then passes control to the
// next runnable task. When no task is runnable, the loop fires expired timers
// and waits for readiness events from the OS (epoll on Linux, kqueue on BSDs).
//
// All methods except Run, Close and Spawn before Run must be called from
// a task running on the loop.
package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/database64128/fdio-go"
	"golang.org/x/sys/unix"
)

var (
	ErrClosed   = errors.New("loop: use of closed loop")
	ErrDeadlock = errors.New("loop: all tasks are asleep - deadlock")
)

var _ fdio.Scheduler = (*Loop)(nil)

// Task is a cooperative task running on a Loop.
type Task struct {
	name   string
	wake   chan struct{}
	queued bool
	done   bool
	panic  any
}

// Name implements [fdio.Task].
func (t *Task) Name() string {
	return t.name
}

// Done reports whether the task has returned.
func (t *Task) Done() bool {
	return t.done
}

// Loop is a single-runner cooperative scheduler.
type Loop struct {
	poller *poller
	wakeR  int
	wakeW  int
	ready  []readyEvent

	runq    []*Task
	current *Task
	yield   chan struct{}
	live    int

	timers timerHeap
	regs   map[int]*registration
	armed  int

	closed bool
}

// New creates a loop with its OS poller.
func New() (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	var fds [2]int
	syscall.ForkLock.RLock()
	err = unix.Pipe(fds[:])
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		p.close()
		return nil, os.NewSyscallError("pipe", err)
	}

	l := &Loop{
		poller: p,
		wakeR:  fds[0],
		wakeW:  fds[1],
		yield:  make(chan struct{}),
		regs:   make(map[int]*registration),
	}

	if err = l.initWakeup(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Loop) initWakeup() error {
	if err := unix.SetNonblock(l.wakeR, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	if err := unix.SetNonblock(l.wakeW, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	return l.poller.modify(l.wakeR, 0, interestRead)
}

// Close releases the poller. Tasks that have not finished are abandoned:
// their goroutines stay parked forever.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
	return l.poller.close()
}

// Spawn creates a task that runs fn and makes it runnable.
func (l *Loop) Spawn(name string, fn func()) *Task {
	t := &Task{
		name: name,
		wake: make(chan struct{}),
	}
	l.live++

	go func() {
		<-t.wake
		defer func() {
			t.panic = recover()
			t.done = true
			l.yield <- struct{}{}
		}()
		fn()
	}()

	l.Enqueue(t)
	return t
}

// Run runs tasks until all of them have returned.
//
// It returns ErrDeadlock if some tasks are suspended but nothing can wake them
// up, and ctx.Err() if ctx is canceled first. If a task panics, Run panics.
func (l *Loop) Run(ctx context.Context) error {
	if l.closed {
		return ErrClosed
	}

	stop := context.AfterFunc(ctx, l.wakeup)
	defer stop()

	for l.live > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(l.runq) > 0 {
			t := l.runq[0]
			l.runq[0] = nil
			l.runq = l.runq[1:]
			l.switchTo(t)
			continue
		}

		l.runTimers(time.Now())
		if len(l.runq) > 0 {
			continue
		}

		if l.armed == 0 && len(l.timers) == 0 {
			return ErrDeadlock
		}

		timeout := time.Duration(-1)
		if len(l.timers) > 0 {
			timeout = max(time.Until(l.timers[0].when), 0)
		}
		if err := l.poll(timeout); err != nil {
			return err
		}
	}
	return nil
}

// switchTo hands control to t and waits until it suspends or returns.
func (l *Loop) switchTo(t *Task) {
	t.queued = false
	l.current = t
	t.wake <- struct{}{}
	<-l.yield
	l.current = nil

	if t.done {
		l.live--
		if t.panic != nil {
			panic(fmt.Sprintf("loop: task %q panicked: %v", t.name, t.panic))
		}
	}
}

// Current implements [fdio.Scheduler]. It returns nil outside of a task.
func (l *Loop) Current() fdio.Task {
	if l.current == nil {
		return nil
	}
	return l.current
}

// CurrentTask returns the running task, or nil outside of a task.
func (l *Loop) CurrentTask() *Task {
	return l.current
}

// Reschedule implements [fdio.Scheduler].
// It suspends the current task until it is enqueued again.
func (l *Loop) Reschedule() {
	t := l.current
	if t == nil {
		panic("loop: Reschedule called outside of a task")
	}
	l.yield <- struct{}{}
	<-t.wake
}

// Enqueue implements [fdio.Scheduler]. Tasks already runnable or
// finished are skipped.
func (l *Loop) Enqueue(tasks ...fdio.Task) {
	for _, ft := range tasks {
		t := ft.(*Task)
		if t.queued || t.done {
			continue
		}
		t.queued = true
		l.runq = append(l.runq, t)
	}
}

// Yield lets the other runnable tasks run before the current one continues.
func (l *Loop) Yield() {
	l.Enqueue(l.current)
	l.Reschedule()
}

// Sleep suspends the current task for at least d.
func (l *Loop) Sleep(d time.Duration) {
	t := l.current
	l.addTimer(d, func() { l.Enqueue(t) })
	l.Reschedule()
}

// NewMutex implements [fdio.Scheduler].
func (l *Loop) NewMutex() sync.Locker {
	return &Mutex{loop: l}
}

// poll waits for readiness events for at most timeout, or indefinitely
// if timeout is negative, and fires the watchers they concern.
func (l *Loop) poll(timeout time.Duration) error {
	ready, err := l.poller.wait(timeout, l.ready[:0])
	if err != nil {
		return err
	}
	l.ready = ready

	for _, ev := range ready {
		if ev.fd == l.wakeR {
			l.drainWakeup()
			continue
		}
		reg := l.regs[ev.fd]
		if reg == nil {
			continue
		}
		if ev.read && reg.read != nil {
			reg.read.fire(false)
		}
		if ev.write && reg.write != nil {
			reg.write.fire(false)
		}
	}
	return nil
}

// wakeup interrupts a poll in progress. It is safe to call from any goroutine.
func (l *Loop) wakeup() {
	var b [1]byte
	unix.Write(l.wakeW, b[:])
}

func (l *Loop) drainWakeup() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
