//go:build unix

package fdio

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type fakeTask string

func (t fakeTask) Name() string { return string(t) }

type fakeWatcher struct {
	fd     int
	write  bool
	edge   bool
	resume func(timedOut bool)
	arms   []time.Duration
	freed  bool

	// fdOpenAtFree records whether fd was still open when Free was called.
	fdOpenAtFree bool
}

func (w *fakeWatcher) Arm(timeout time.Duration) error {
	w.arms = append(w.arms, timeout)
	return nil
}

func (w *fakeWatcher) Free() error {
	w.freed = true
	_, err := unix.FcntlInt(uintptr(w.fd), unix.F_GETFD, 0)
	w.fdOpenAtFree = err == nil
	return nil
}

type countingLocker struct {
	sync.Mutex
	locks int
}

func (l *countingLocker) Lock() {
	l.locks++
	l.Mutex.Lock()
}

// fakeScheduler runs a single task synchronously. Reschedule calls
// onReschedule, which plays the part of the rest of the system while
// the task is suspended.
type fakeScheduler struct {
	t *testing.T

	current      Task
	enqueued     []Task
	watchers     []*fakeWatcher
	mutexes      []*countingLocker
	reschedules  int
	onReschedule func()
}

func newFakeScheduler(t *testing.T) *fakeScheduler {
	return &fakeScheduler{t: t, current: fakeTask("main")}
}

func (s *fakeScheduler) Current() Task { return s.current }

func (s *fakeScheduler) Reschedule() {
	s.reschedules++
	if s.onReschedule == nil {
		s.t.Fatal("task suspended with nothing to resume it")
	}
	s.onReschedule()
}

func (s *fakeScheduler) Enqueue(tasks ...Task) {
	s.enqueued = append(s.enqueued, tasks...)
}

func (s *fakeScheduler) NewReadWatcher(fd int, edgeTriggered bool, resume func(timedOut bool)) (Watcher, error) {
	w := &fakeWatcher{fd: fd, edge: edgeTriggered, resume: resume}
	s.watchers = append(s.watchers, w)
	return w, nil
}

func (s *fakeScheduler) NewWriteWatcher(fd int, edgeTriggered bool, resume func(timedOut bool)) (Watcher, error) {
	w := &fakeWatcher{fd: fd, write: true, edge: edgeTriggered, resume: resume}
	s.watchers = append(s.watchers, w)
	return w, nil
}

func (s *fakeScheduler) NewMutex() sync.Locker {
	m := &countingLocker{}
	s.mutexes = append(s.mutexes, m)
	return m
}

// watcher returns the live watcher for the given direction of fd.
func (s *fakeScheduler) watcher(fd int, write bool) *fakeWatcher {
	for _, w := range s.watchers {
		if w.fd == fd && w.write == write && !w.freed {
			return w
		}
	}
	s.t.Fatalf("no watcher for fd %d (write: %v)", fd, write)
	return nil
}

// newSocketpair wraps one end of a stream socket pair and returns it
// together with the raw peer. Both are closed at the end of the test.
func newSocketpair(t *testing.T, s Scheduler, cfg Config) (*Descriptor, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })

	d, err := New(fds[0], s, cfg)
	if err != nil {
		unix.Close(fds[0])
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d, fds[1]
}

// newTestDescriptor wraps fd, closing it if New fails.
func newTestDescriptor(t *testing.T, fd int, s Scheduler, cfg Config) *Descriptor {
	t.Helper()
	d, err := New(fd, s, cfg)
	if err != nil {
		unix.Close(fd)
		t.Fatal(err)
	}
	return d
}
