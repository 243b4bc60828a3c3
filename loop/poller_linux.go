package loop

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type readyEvent struct {
	fd    int
	read  bool
	write bool
}

// poller is an epoll instance.
type poller struct {
	fd     int
	events [128]unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &poller{fd: fd}, nil
}

func (p *poller) close() error {
	return unix.Close(p.fd)
}

func epollEvents(in interest) uint32 {
	var events uint32
	if in&interestRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&interestWrite != 0 {
		events |= unix.EPOLLOUT
	}
	if in&interestEdge != 0 {
		events |= unix.EPOLLET
	}
	return events
}

// modify changes the registration of fd from old to new.
// The returned error is the bare errno, so callers can match it.
func (p *poller) modify(fd int, old, new interest) error {
	switch {
	case old == new:
		return nil
	case new == 0:
		return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	}

	op := unix.EPOLL_CTL_MOD
	if old == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	return unix.EpollCtl(p.fd, op, fd, &unix.EpollEvent{
		Events: epollEvents(new),
		Fd:     int32(fd),
	})
}

// wait waits for events for at most timeout, or indefinitely if timeout
// is negative, and appends them to ready.
func (p *poller) wait(timeout time.Duration, ready []readyEvent) ([]readyEvent, error) {
	msec := -1
	if timeout >= 0 {
		// Round up, so that timers are never woken up early.
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(p.fd, p.events[:], msec)
	switch err {
	case nil:
	case unix.EINTR:
		return ready, nil
	default:
		return ready, os.NewSyscallError("epoll_wait", err)
	}

	for _, ev := range p.events[:n] {
		ready = append(ready, readyEvent{
			fd:    int(ev.Fd),
			read:  ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			write: ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}
	return ready, nil
}
