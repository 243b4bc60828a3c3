//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package loop

import (
	"errors"
	"time"

	"github.com/database64128/fdio-go"
	"golang.org/x/sys/unix"
)

var errWatcherFreed = errors.New("loop: use of freed watcher")

// interest is the set of events a descriptor is registered for with the poller.
type interest uint8

const (
	interestRead interest = 1 << iota
	interestWrite
	interestEdge
)

// registration tracks the watchers of one descriptor and what is
// currently registered for it with the poller.
type registration struct {
	fd     int
	read   *watcher
	write  *watcher
	events interest
}

// want returns the interest the watchers of r currently need.
//
// Edge-triggered watchers stay registered for their whole life; the kernel
// only reports transitions, so they must not miss one while disarmed.
// Level-triggered watchers are only registered while armed.
func (r *registration) want() interest {
	var in interest
	if w := r.read; w != nil && (w.edge || w.armed) {
		in |= interestRead
		if w.edge {
			in |= interestEdge
		}
	}
	if w := r.write; w != nil && (w.edge || w.armed) {
		in |= interestWrite
		if w.edge {
			in |= interestEdge
		}
	}
	return in
}

// watcher implements [fdio.Watcher] for one direction of a descriptor.
type watcher struct {
	loop   *Loop
	reg    *registration
	write  bool
	edge   bool
	armed  bool
	freed  bool
	timer  *timer
	resume func(timedOut bool)
}

// NewReadWatcher implements [fdio.Scheduler].
func (l *Loop) NewReadWatcher(fd int, edgeTriggered bool, resume func(timedOut bool)) (fdio.Watcher, error) {
	w, err := l.newWatcher(fd, false, edgeTriggered, resume)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewWriteWatcher implements [fdio.Scheduler].
func (l *Loop) NewWriteWatcher(fd int, edgeTriggered bool, resume func(timedOut bool)) (fdio.Watcher, error) {
	w, err := l.newWatcher(fd, true, edgeTriggered, resume)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (l *Loop) newWatcher(fd int, write, edge bool, resume func(bool)) (*watcher, error) {
	if l.closed {
		return nil, ErrClosed
	}

	reg := l.regs[fd]
	if reg == nil {
		reg = &registration{fd: fd}
		l.regs[fd] = reg
	}

	w := &watcher{
		loop:   l,
		reg:    reg,
		write:  write,
		edge:   edge,
		resume: resume,
	}
	slot := &reg.read
	if write {
		slot = &reg.write
	}
	if *slot != nil {
		return nil, errors.New("loop: descriptor already has a watcher for this direction")
	}
	*slot = w

	if err := l.update(reg); err != nil {
		*slot = nil
		l.forget(reg)
		return nil, err
	}
	return w, nil
}

// Arm implements [fdio.Watcher].
func (w *watcher) Arm(timeout time.Duration) error {
	if w.freed {
		return errWatcherFreed
	}
	l := w.loop
	if !w.armed {
		w.armed = true
		l.armed++
	}
	l.stopTimer(w.timer)
	w.timer = nil
	if timeout > 0 {
		w.timer = l.addTimer(timeout, func() { w.fire(true) })
	}
	return l.update(w.reg)
}

// Free implements [fdio.Watcher]. Freeing a watcher whose descriptor is
// already closed succeeds.
func (w *watcher) Free() error {
	if w.freed {
		return nil
	}
	w.freed = true
	w.disarm()

	l := w.loop
	if w.write {
		w.reg.write = nil
	} else {
		w.reg.read = nil
	}
	err := l.update(w.reg)
	l.forget(w.reg)

	switch err {
	case unix.EBADF, unix.ENOENT:
		return nil
	}
	return err
}

func (w *watcher) disarm() {
	if w.armed {
		w.armed = false
		w.loop.armed--
	}
	w.loop.stopTimer(w.timer)
	w.timer = nil
}

// fire disarms w and reports readiness or a timeout to its owner.
// Events for a disarmed watcher are dropped.
func (w *watcher) fire(timedOut bool) {
	if !w.armed {
		return
	}
	w.disarm()
	if !w.edge {
		// Best effort: a stale level registration only causes a spurious event.
		w.loop.update(w.reg)
	}
	w.resume(timedOut)
}

// update brings the poller registration of r in line with its watchers.
func (l *Loop) update(r *registration) error {
	want := r.want()
	if want == r.events {
		return nil
	}
	old := r.events
	r.events = want
	if err := l.poller.modify(r.fd, old, want); err != nil {
		if want != 0 {
			r.events = old
		}
		return err
	}
	return nil
}

// forget drops r once it has no watchers left.
func (l *Loop) forget(r *registration) {
	if r.read == nil && r.write == nil && l.regs[r.fd] == r {
		delete(l.regs, r.fd)
	}
}
