//go:build unix

package fdio

import (
	"io"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Seek sets the offset for the next read or write to offset,
// interpreted according to whence, and returns the new offset.
func (d *Descriptor) Seek(offset int64, whence int) (int64, error) {
	if d.closed {
		return 0, d.opError("seek", ErrClosed)
	}
	off, err := unix.Seek(d.fd, offset, whence)
	if err != nil {
		return 0, d.opError("seek", wrapSyscallError("lseek", err))
	}
	return off, nil
}

// Pos returns the current offset as reported by the OS.
func (d *Descriptor) Pos() (int64, error) {
	return d.Seek(0, io.SeekCurrent)
}

// UnbufferedRewind seeks to the start of the file.
func (d *Descriptor) UnbufferedRewind() error {
	_, err := d.Seek(0, io.SeekStart)
	return err
}

// Reopen makes d refer to the same open file as other, replacing what d
// referred to before. The close-on-exec flag of d is set afterwards.
//
// Tasks waiting on d are woken up and retry against the new file.
// If the duplication fails, d keeps referring to its old file and its
// watchers are set up again.
func (d *Descriptor) Reopen(other *Descriptor) error {
	if d.closed {
		return d.opError("dup", ErrClosed)
	}
	if other.closed {
		return other.opError("dup", ErrClosed)
	}

	// Poller registrations are tied to the file about to be replaced and
	// have to be dropped while fd still names it.
	hadWatchers := d.readWatcher != nil || d.writeWatcher != nil
	d.freeWatchers()

	dupErr := dupCloseOnExec(other.fd, d.fd)
	d.wakeAll()
	if dupErr != nil {
		dupErr = d.opError("dup", dupErr)
	}

	if d.edgeTriggered && hadWatchers {
		if _, err := d.readWatcherOrCreate(); err != nil {
			return err
		}
		if _, err := d.writeWatcherOrCreate(); err != nil {
			return err
		}
	}
	return dupErr
}

// Stat returns the result of fstat(2) on the descriptor.
func (d *Descriptor) Stat() (st unix.Stat_t, err error) {
	if d.closed {
		return st, d.opError("stat", ErrClosed)
	}
	if err = unix.Fstat(d.fd, &st); err != nil {
		return st, d.opError("stat", wrapSyscallError("fstat", err))
	}
	return st, nil
}

// Size returns the size of the underlying file in bytes.
func (d *Descriptor) Size() (int64, error) {
	st, err := d.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size, nil
}

// IsTerminal reports whether the descriptor refers to a terminal.
func (d *Descriptor) IsTerminal() bool {
	return !d.closed && term.IsTerminal(d.fd)
}
