//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package loop

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

type readyEvent struct {
	fd    int
	read  bool
	write bool
}

// poller is a kqueue instance.
type poller struct {
	fd     int
	events [128]unix.Kevent_t
}

func newPoller() (*poller, error) {
	syscall.ForkLock.RLock()
	fd, err := unix.Kqueue()
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	return &poller{fd: fd}, nil
}

func (p *poller) close() error {
	return unix.Close(p.fd)
}

// filterChange returns the kevent that moves one filter from the old to the new interest.
func filterChange(fd, filter int, bit interest, old, new interest) (unix.Kevent_t, bool) {
	var ev unix.Kevent_t
	had, has := old&bit != 0, new&bit != 0
	switch {
	case has && (!had || old&interestEdge != new&interestEdge):
		flags := unix.EV_ADD | unix.EV_ENABLE
		if new&interestEdge != 0 {
			flags |= unix.EV_CLEAR
		}
		unix.SetKevent(&ev, fd, filter, flags)
		return ev, true
	case had && !has:
		unix.SetKevent(&ev, fd, filter, unix.EV_DELETE)
		return ev, true
	}
	return ev, false
}

// modify changes the registration of fd from old to new.
// The returned error is the bare errno, so callers can match it.
func (p *poller) modify(fd int, old, new interest) error {
	var (
		changes [2]unix.Kevent_t
		n       int
	)
	if ev, ok := filterChange(fd, unix.EVFILT_READ, interestRead, old, new); ok {
		changes[n] = ev
		n++
	}
	if ev, ok := filterChange(fd, unix.EVFILT_WRITE, interestWrite, old, new); ok {
		changes[n] = ev
		n++
	}
	if n == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, changes[:n], nil, nil)
	return err
}

// wait waits for events for at most timeout, or indefinitely if timeout
// is negative, and appends them to ready.
func (p *poller) wait(timeout time.Duration, ready []readyEvent) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}

	n, err := unix.Kevent(p.fd, nil, p.events[:], ts)
	switch err {
	case nil:
	case unix.EINTR:
		return ready, nil
	default:
		return ready, os.NewSyscallError("kevent", err)
	}

	for _, ev := range p.events[:n] {
		failed := ev.Flags&unix.EV_ERROR != 0
		ready = append(ready, readyEvent{
			fd:    int(ev.Ident),
			read:  failed || ev.Filter == unix.EVFILT_READ,
			write: failed || ev.Filter == unix.EVFILT_WRITE,
		})
	}
	return ready, nil
}
