//go:build unix

package fdio

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Descriptor owns a raw OS file or socket descriptor and mediates all I/O on it
// through a cooperative [Scheduler].
type Descriptor struct {
	*descriptor
}

// descriptor is the state behind a Descriptor. Watchers hold it through their
// resume callbacks, so the scheduler never keeps the outer Descriptor alive
// and its finalizer can run.
type descriptor struct {
	fd    int
	sched Scheduler

	closed          bool
	edgeTriggered   bool
	concurrencySafe bool

	readTimeout   time.Duration
	writeTimeout  time.Duration
	readTimedOut  bool
	writeTimedOut bool

	readers taskQueue
	writers taskQueue

	readWatcher  Watcher
	writeWatcher Watcher

	writeLock sync.Locker
}

// New returns a descriptor taking ownership of fd.
//
// Unless cfg.Blocking is set, fd is put into non-blocking mode, and with
// cfg.EdgeTriggered both readiness watchers are registered right away.
// If New returns an error, fd is left open and owned by the caller.
func New(fd int, sched Scheduler, cfg Config) (*Descriptor, error) {
	if sched == nil {
		panic("nil scheduler")
	}

	d := &Descriptor{&descriptor{
		fd:              fd,
		sched:           sched,
		edgeTriggered:   cfg.EdgeTriggered,
		concurrencySafe: cfg.ConcurrencySafe,
		readTimeout:     max(cfg.ReadTimeout, 0),
		writeTimeout:    max(cfg.WriteTimeout, 0),
	}}

	if !cfg.Blocking {
		if err := d.SetBlocking(false); err != nil {
			return nil, err
		}
		if d.edgeTriggered {
			// Edge notifications are only delivered on transitions,
			// so the registration must exist before the first wait.
			if _, err := d.readWatcherOrCreate(); err != nil {
				return nil, err
			}
			if _, err := d.writeWatcherOrCreate(); err != nil {
				d.freeWatchers()
				return nil, err
			}
		}
	}

	runtime.SetFinalizer(d, (*Descriptor).finalize)
	return d, nil
}

// Fd returns the underlying OS descriptor.
func (d *Descriptor) Fd() int {
	return d.fd
}

// Closed reports whether the descriptor has been closed.
func (d *Descriptor) Closed() bool {
	return d.closed
}

// EdgeTriggered reports whether the descriptor uses edge-triggered watchers.
func (d *Descriptor) EdgeTriggered() bool {
	return d.edgeTriggered
}

// ConcurrencySafe reports whether writes are serialized.
func (d *Descriptor) ConcurrencySafe() bool {
	return d.concurrencySafe
}

// ReadTimeout returns the current read timeout. Zero means no timeout.
func (d *Descriptor) ReadTimeout() time.Duration {
	return d.readTimeout
}

// SetReadTimeout sets the read timeout for subsequent waits.
// Zero or negative means no timeout.
func (d *Descriptor) SetReadTimeout(timeout time.Duration) {
	d.readTimeout = max(timeout, 0)
}

// WriteTimeout returns the current write timeout. Zero means no timeout.
func (d *Descriptor) WriteTimeout() time.Duration {
	return d.writeTimeout
}

// SetWriteTimeout sets the write timeout for subsequent waits.
// Zero or negative means no timeout.
func (d *Descriptor) SetWriteTimeout(timeout time.Duration) {
	d.writeTimeout = max(timeout, 0)
}

// Blocking reports whether the descriptor is in blocking mode.
func (d *Descriptor) Blocking() (bool, error) {
	if d.closed {
		return false, d.opError("fcntl", ErrClosed)
	}
	flags, err := unix.FcntlInt(uintptr(d.fd), unix.F_GETFL, 0)
	if err != nil {
		return false, d.opError("fcntl", wrapSyscallError("fcntl", err))
	}
	return flags&unix.O_NONBLOCK == 0, nil
}

// SetBlocking puts the descriptor into blocking or non-blocking mode.
//
// In blocking mode, reads and writes block the thread and never suspend the task.
func (d *Descriptor) SetBlocking(blocking bool) error {
	if d.closed {
		return d.opError("fcntl", ErrClosed)
	}
	if err := unix.SetNonblock(d.fd, !blocking); err != nil {
		return d.opError("fcntl", wrapSyscallError("fcntl", err))
	}
	return nil
}

// CloseOnExec reports whether the close-on-exec flag is set.
func (d *Descriptor) CloseOnExec() (bool, error) {
	if d.closed {
		return false, d.opError("fcntl", ErrClosed)
	}
	flags, err := unix.FcntlInt(uintptr(d.fd), unix.F_GETFD, 0)
	if err != nil {
		return false, d.opError("fcntl", wrapSyscallError("fcntl", err))
	}
	return flags&unix.FD_CLOEXEC != 0, nil
}

// SetCloseOnExec sets or clears the close-on-exec flag.
func (d *Descriptor) SetCloseOnExec(on bool) error {
	if d.closed {
		return d.opError("fcntl", ErrClosed)
	}
	if err := setCloseOnExec(d.fd, on); err != nil {
		return d.opError("fcntl", err)
	}
	return nil
}

func setCloseOnExec(fd int, on bool) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return wrapSyscallError("fcntl", err)
	}
	if on {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	if _, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags); err != nil {
		return wrapSyscallError("fcntl", err)
	}
	return nil
}

// UnbufferedClose closes the descriptor.
//
// Closing an already closed descriptor does nothing and returns nil.
// Otherwise the descriptor is marked closed, its watchers are freed and every
// task waiting on it is made runnable, even if the OS close fails.
// The OS error, if any, is returned after that teardown.
func (d *Descriptor) UnbufferedClose() error {
	if d.closed {
		return nil
	}
	d.closed = true
	runtime.SetFinalizer(d, nil)

	// Poller registrations are dropped while fd still names the open file:
	// once it is closed, a registration on a description shared through dup
	// can no longer be removed.
	d.freeWatchers()

	var closeErr error
	switch err := unix.Close(d.fd); err {
	case nil, unix.EINTR, unix.EINPROGRESS:
	default:
		closeErr = d.opError("close", wrapSyscallError("close", err))
	}

	d.wakeAll()

	return closeErr
}

// Close implements [io.Closer]. It is the same as UnbufferedClose.
func (d *Descriptor) Close() error {
	return d.UnbufferedClose()
}

// finalize is the last-resort close for a descriptor that was never closed
// explicitly. There is nobody to report an error to.
//
// It runs on the runtime's finalizer goroutine, so it is only safe while the
// scheduler is not running tasks, as when the program or its test is idle.
func (d *Descriptor) finalize() {
	_ = d.UnbufferedClose()
}

// wakeAll moves every waiting reader and writer to the run queue.
// They observe the new state of the descriptor when they resume.
func (d *descriptor) wakeAll() {
	tasks := d.readers.drain()
	tasks = append(tasks, d.writers.drain()...)
	if len(tasks) > 0 {
		d.sched.Enqueue(tasks...)
	}
}

func (d *Descriptor) readWatcherOrCreate() (Watcher, error) {
	if d.readWatcher == nil {
		w, err := d.sched.NewReadWatcher(d.fd, d.edgeTriggered, d.descriptor.resumeRead)
		if err != nil {
			return nil, d.opError("wait", err)
		}
		d.readWatcher = w
	}
	return d.readWatcher, nil
}

func (d *Descriptor) writeWatcherOrCreate() (Watcher, error) {
	if d.writeWatcher == nil {
		w, err := d.sched.NewWriteWatcher(d.fd, d.edgeTriggered, d.descriptor.resumeWrite)
		if err != nil {
			return nil, d.opError("wait", err)
		}
		d.writeWatcher = w
	}
	return d.writeWatcher, nil
}

// freeWatchers releases both watchers. Errors are ignored: the registration
// may already be gone together with the OS descriptor.
func (d *descriptor) freeWatchers() {
	if d.readWatcher != nil {
		d.readWatcher.Free()
		d.readWatcher = nil
	}
	if d.writeWatcher != nil {
		d.writeWatcher.Free()
		d.writeWatcher = nil
	}
}

// resumeRead is called by the scheduler when the read watcher fires.
func (d *descriptor) resumeRead(timedOut bool) {
	if t, ok := d.readers.popFront(); ok {
		d.readTimedOut = timedOut
		d.sched.Enqueue(t)
	}
}

// resumeWrite is called by the scheduler when the write watcher fires.
func (d *descriptor) resumeWrite(timedOut bool) {
	if t, ok := d.writers.popFront(); ok {
		d.writeTimedOut = timedOut
		d.sched.Enqueue(t)
	}
}

func (d *descriptor) opError(op string, err error) error {
	return &OpError{Op: op, Fd: d.fd, Err: err}
}
