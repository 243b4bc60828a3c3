//go:build unix

package fdio

import (
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Darwin and FreeBSD can't read or write 2GB+ files at a time,
// even on 64-bit systems.
// Use 1GB instead of, say, 2GB-1, to keep subsequent reads aligned.
const maxRW = 1 << 30

// UnbufferedRead reads up to len(p) bytes into p.
//
// If no data is available, the current task is suspended until the descriptor
// becomes readable. A return of (0, nil) with len(p) > 0 means end of stream.
// If the read timeout elapses first, the returned error satisfies [IsTimeout]
// and the descriptor remains usable.
func (d *Descriptor) UnbufferedRead(p []byte) (int, error) {
	if len(p) > maxRW {
		p = p[:maxRW]
	}
	for {
		if d.closed {
			return 0, d.opError("read", ErrClosed)
		}
		n, err := unix.Read(d.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
		case unix.EAGAIN:
			if err = d.waitReadable(); err != nil {
				return 0, err
			}
		default:
			return 0, d.opError("read", wrapSyscallError("read", err))
		}
	}
}

// Read implements [io.Reader].
func (d *Descriptor) Read(p []byte) (int, error) {
	n, err := d.UnbufferedRead(p)
	if n == 0 && len(p) > 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// TryRead is like UnbufferedRead, but returns ErrWouldBlock instead of
// suspending the task.
func (d *Descriptor) TryRead(p []byte) (int, error) {
	if d.closed {
		return 0, d.opError("read", ErrClosed)
	}
	if len(p) > maxRW {
		p = p[:maxRW]
	}
	for {
		n, err := unix.Read(d.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, d.opError("read", wrapSyscallError("read", err))
		}
	}
}

// UnbufferedWrite writes all of p, suspending the current task whenever the
// descriptor cannot accept more data.
//
// On a concurrency-safe descriptor, the whole call holds the write lock.
// It returns the number of bytes written, which is less than len(p) only
// together with an error.
func (d *Descriptor) UnbufferedWrite(p []byte) (int, error) {
	if d.concurrencySafe {
		defer d.lockWrites().Unlock()
	}
	return d.write(p)
}

// Write implements [io.Writer]. It is the same as UnbufferedWrite.
func (d *Descriptor) Write(p []byte) (int, error) {
	return d.UnbufferedWrite(p)
}

// WriteParts writes the parts in order as one logical message.
// On a concurrency-safe descriptor, no write from another task
// can be interleaved between the parts.
func (d *Descriptor) WriteParts(parts ...[]byte) (int, error) {
	if d.concurrencySafe {
		defer d.lockWrites().Unlock()
	}
	if d.closed {
		return 0, d.opError("write", ErrClosed)
	}
	var written int
	for _, p := range parts {
		n, err := d.write(p)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// TryWrite makes a single write attempt and returns ErrWouldBlock
// if nothing could be written without waiting.
func (d *Descriptor) TryWrite(p []byte) (int, error) {
	if d.closed {
		return 0, d.opError("write", ErrClosed)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > maxRW {
		p = p[:maxRW]
	}
	for {
		n, err := unix.Write(d.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, d.writeError(err)
		}
	}
}

// UnbufferedFlush does nothing: this layer holds no buffered output.
func (d *Descriptor) UnbufferedFlush() error {
	if d.closed {
		return d.opError("flush", ErrClosed)
	}
	return nil
}

// lockWrites acquires the write lock, creating it on first use.
func (d *Descriptor) lockWrites() sync.Locker {
	if d.writeLock == nil {
		d.writeLock = d.sched.NewMutex()
	}
	d.writeLock.Lock()
	return d.writeLock
}

func (d *Descriptor) write(p []byte) (int, error) {
	if d.closed {
		return 0, d.opError("write", ErrClosed)
	}
	var (
		written  int
		inFlight bool
	)
	for len(p) > 0 {
		if d.closed {
			return written, d.opError("write", ErrClosed)
		}
		chunk := p
		if len(chunk) > maxRW {
			chunk = chunk[:maxRW]
		}
		n, err := unix.Write(d.fd, chunk)
		switch err {
		case nil:
			if n == 0 {
				return written, d.opError("write", io.ErrUnexpectedEOF)
			}
			written += n
			p = p[n:]
			inFlight = true
		case unix.EINTR:
		case unix.EAGAIN:
			if err = d.waitWritable("write", d.writeTimeout, inFlight); err != nil {
				return written, err
			}
			inFlight = true
		default:
			return written, d.writeError(err)
		}
	}
	return written, nil
}

func (d *Descriptor) writeError(err error) error {
	if err == unix.EBADF {
		return d.opError("write", ErrNotWritable)
	}
	return d.opError("write", wrapSyscallError("write", err))
}

// waitReadable suspends the current task until the read watcher resumes it.
func (d *Descriptor) waitReadable() error {
	w, err := d.readWatcherOrCreate()
	if err != nil {
		return err
	}

	t := d.sched.Current()
	d.readers.pushBack(t)
	if d.readers.len() == 1 {
		if err = w.Arm(d.readTimeout); err != nil {
			d.readers.remove(t)
			return d.opError("wait", err)
		}
	}

	d.sched.Reschedule()
	d.readers.remove(t)

	if d.closed {
		return d.opError("read", ErrClosed)
	}
	if d.readers.len() > 0 && d.readWatcher != nil {
		if err = d.readWatcher.Arm(d.readTimeout); err != nil {
			return d.opError("wait", err)
		}
	}
	if d.readTimedOut {
		d.readTimedOut = false
		return d.opError("read", &TimeoutError{Op: "read"})
	}
	return nil
}

// waitWritable suspends the current task until the write watcher resumes it.
//
// A write that already made progress or already waited is queued ahead of
// writers that have not started yet, so it finishes before they get the
// descriptor. Fresh writers are queued in arrival order.
func (d *Descriptor) waitWritable(op string, timeout time.Duration, inFlight bool) error {
	w, err := d.writeWatcherOrCreate()
	if err != nil {
		return err
	}

	t := d.sched.Current()
	if inFlight {
		d.writers.pushFront(t)
	} else {
		d.writers.pushBack(t)
	}
	if d.writers.len() == 1 {
		if err = w.Arm(timeout); err != nil {
			d.writers.remove(t)
			return d.opError("wait", err)
		}
	}

	d.sched.Reschedule()
	d.writers.remove(t)

	if d.closed {
		return d.opError(op, ErrClosed)
	}
	if d.writers.len() > 0 && d.writeWatcher != nil {
		if err = d.writeWatcher.Arm(d.writeTimeout); err != nil {
			return d.opError("wait", err)
		}
	}
	if d.writeTimedOut {
		d.writeTimedOut = false
		return d.opError(op, &TimeoutError{Op: op})
	}
	return nil
}
