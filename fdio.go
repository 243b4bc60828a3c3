// Package fdio wraps raw OS file and socket descriptors for use by cooperative tasks.
//
// A [Descriptor] never blocks the thread it runs on. When a read or write would block,
// the calling task is queued on the descriptor, a readiness watcher is armed through the
// [Scheduler], and the task is suspended until the descriptor becomes ready, a timeout
// fires, or the descriptor is closed. The scheduler is supplied by the caller; package
// [github.com/database64128/fdio-go/loop] provides one backed by epoll or kqueue.
//
// A Descriptor is not safe for use by goroutines that run in parallel. All tasks sharing a
// descriptor must be driven by the same scheduler, which guarantees only one of them runs
// at a time.
//
// This package supports Linux, macOS, FreeBSD, NetBSD, OpenBSD and DragonFly BSD.
// On other platforms, constructors return ErrPlatformUnsupported.
package fdio

import (
	"os"
	"sync"
	"syscall"
	"time"
)

// Task is an opaque handle to a cooperative task owned by a [Scheduler].
// The descriptor only stores tasks in its wait queues and hands them back to
// [Scheduler.Enqueue].
type Task interface {
	// Name returns a human-readable name for the task.
	Name() string
}

// Scheduler is the cooperative task scheduler a [Descriptor] suspends its callers on.
type Scheduler interface {
	// Current returns the task that is currently running.
	Current() Task

	// Reschedule suspends the current task until it is passed to Enqueue.
	Reschedule()

	// Enqueue marks the given suspended tasks as runnable.
	Enqueue(tasks ...Task)

	// NewReadWatcher creates a watcher for read readiness on fd.
	// resume is called from the scheduler when the armed watcher fires,
	// with timedOut set if the timeout elapsed before fd became readable.
	NewReadWatcher(fd int, edgeTriggered bool, resume func(timedOut bool)) (Watcher, error)

	// NewWriteWatcher is like NewReadWatcher, for write readiness.
	NewWriteWatcher(fd int, edgeTriggered bool, resume func(timedOut bool)) (Watcher, error)

	// NewMutex returns a lock that suspends the current task instead of
	// blocking the thread when contended.
	NewMutex() sync.Locker
}

// Watcher is a registered interest in the readiness of one direction of a descriptor.
type Watcher interface {
	// Arm (re)activates the watcher so that the next readiness event, or the
	// expiry of timeout if it is positive, calls the resume function once.
	Arm(timeout time.Duration) error

	// Free unregisters the watcher. It must not be used afterwards.
	Free() error
}

// Config controls how a descriptor is set up by [New] and the other constructors.
type Config struct {
	// Blocking leaves the descriptor in blocking mode.
	// By default the descriptor is switched to non-blocking mode,
	// so that operations suspend the task instead of blocking the thread.
	Blocking bool

	// EdgeTriggered registers both watchers persistently with edge-triggered
	// semantics as soon as the descriptor is created.
	// Watchers of level-triggered descriptors are created on the first wait.
	EdgeTriggered bool

	// ConcurrencySafe serializes writes, so that a write is never interleaved
	// with the bytes of a write from another task.
	ConcurrencySafe bool

	// ReadTimeout bounds how long a read waits for readability.
	// Zero or negative means no timeout.
	ReadTimeout time.Duration

	// WriteTimeout bounds how long a write waits for writability.
	// Zero or negative means no timeout.
	WriteTimeout time.Duration
}

// wrapSyscallError takes an error and a syscall name. If the error is
// a syscall.Errno, it wraps it in a os.SyscallError using the syscall name.
func wrapSyscallError(name string, err error) error {
	if _, ok := err.(syscall.Errno); ok {
		err = os.NewSyscallError(name, err)
	}
	return err
}
