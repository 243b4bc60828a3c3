//go:build unix

package fdio

import (
	"net"
	"os"
	"syscall"
	"time"

	"github.com/database64128/netx-go"
	"golang.org/x/sys/unix"
)

// Boolean to int.
func boolint(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sysSocket creates a socket with the close-on-exec flag set.
func sysSocket(family, sotype, proto int) (int, error) {
	// See syscall/exec_unix.go for description of ForkLock.
	syscall.ForkLock.RLock()
	s, err := unix.Socket(family, sotype, proto)
	if err == nil {
		unix.CloseOnExec(s)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return s, nil
}

// newPair wraps both descriptors of a pipe or socket pair.
// On failure both descriptors are closed.
func newPair(fds [2]int, sched Scheduler, cfg Config) (*Descriptor, *Descriptor, error) {
	a, err := New(fds[0], sched, cfg)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := New(fds[1], sched, cfg)
	if err != nil {
		a.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}

// Pipe returns a connected pair of descriptors: reads from r return bytes written to w.
func Pipe(sched Scheduler, cfg Config) (r, w *Descriptor, err error) {
	var p [2]int
	syscall.ForkLock.RLock()
	err = unix.Pipe(p[:])
	if err == nil {
		unix.CloseOnExec(p[0])
		unix.CloseOnExec(p[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, os.NewSyscallError("pipe", err)
	}
	return newPair(p, sched, cfg)
}

// Socketpair returns a pair of connected AF_UNIX stream sockets.
func Socketpair(sched Scheduler, cfg Config) (a, b *Descriptor, err error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return newPair(fds, sched, cfg)
}

// Socket creates a new socket and wraps it in a descriptor.
func Socket(sched Scheduler, family, sotype, proto int, cfg Config) (*Descriptor, error) {
	fd, err := sysSocket(family, sotype, proto)
	if err != nil {
		return nil, err
	}
	d, err := New(fd, sched, cfg)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return d, nil
}

// Connect connects the socket to sa.
//
// If the connection cannot be established immediately, the current task is
// suspended until it is, or until timeout elapses if it is positive.
func (d *Descriptor) Connect(sa unix.Sockaddr, timeout time.Duration) error {
	if d.closed {
		return d.opError("connect", ErrClosed)
	}

	switch err := unix.Connect(d.fd, sa); err {
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
	case nil, unix.EISCONN:
		return nil
	default:
		return d.opError("connect", wrapSyscallError("connect", err))
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		var remaining time.Duration
		if !deadline.IsZero() {
			if remaining = time.Until(deadline); remaining <= 0 {
				return d.opError("connect", &TimeoutError{Op: "connect"})
			}
		}
		if err := d.waitWritable("connect", remaining, false); err != nil {
			return err
		}

		nerr, err := unix.GetsockoptInt(d.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return d.opError("connect", os.NewSyscallError("getsockopt", err))
		}
		switch err := syscall.Errno(nerr); err {
		case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		case unix.EISCONN:
			return nil
		case 0:
			// The wake-up may be spurious. The connection is only
			// established once the peer address is known.
			if _, err := unix.Getpeername(d.fd); err == nil {
				return nil
			}
		default:
			return d.opError("connect", os.NewSyscallError("connect", err))
		}
	}
}

// DialTCP connects to raddr over TCP, with Nagle's algorithm disabled.
func DialTCP(sched Scheduler, raddr *net.TCPAddr, cfg Config, timeout time.Duration) (*Descriptor, error) {
	family := unix.AF_INET6
	if raddr.IP.To4() != nil {
		family = unix.AF_INET
	}

	rsa, err := unixSockaddrFromTCPAddr(raddr, family)
	if err != nil {
		return nil, err
	}

	d, err := Socket(sched, family, unix.SOCK_STREAM, unix.IPPROTO_TCP, cfg)
	if err != nil {
		return nil, err
	}

	if err = setNoDelay(d.fd, true); err != nil {
		d.Close()
		return nil, os.NewSyscallError("setsockopt(TCP_NODELAY)", err)
	}

	if err = d.Connect(rsa, timeout); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// SetFastOpenConnect enables TCP Fast Open for the next Connect on a TCP socket.
// Data written right after Connect returns is then sent with the SYN when the
// kernel holds a Fast Open cookie for the peer.
//
// It returns ErrPlatformUnsupported on platforms other than Linux and FreeBSD.
func (d *Descriptor) SetFastOpenConnect() error {
	if d.closed {
		return d.opError("setsockopt", ErrClosed)
	}
	if err := setFastOpenConnect(d.fd); err != nil {
		return d.opError("setsockopt", wrapSyscallError("setsockopt", err))
	}
	return nil
}

func setNoDelay(fd int, noDelay bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolint(noDelay))
}

func unixSockaddrFromTCPAddr(a *net.TCPAddr, family int) (unix.Sockaddr, error) {
	if a == nil {
		return nil, nil
	}
	ip := a.IP
	switch family {
	case unix.AF_INET:
		if len(ip) == 0 {
			ip = net.IPv4zero
		}
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, &net.AddrError{Err: "non-IPv4 address", Addr: ip.String()}
		}
		return &unix.SockaddrInet4{
			Port: a.Port,
			Addr: [4]byte(ip4),
		}, nil
	case unix.AF_INET6:
		if len(ip) == 0 || ip.Equal(net.IPv4zero) {
			ip = net.IPv6zero
		}
		ip6 := ip.To16()
		if ip6 == nil {
			return nil, &net.AddrError{Err: "non-IPv6 address", Addr: ip.String()}
		}
		return &unix.SockaddrInet6{
			Port:   a.Port,
			ZoneId: uint32(netx.ZoneCache.Index(a.Zone)),
			Addr:   [16]byte(ip6),
		}, nil
	}
	return nil, &net.AddrError{Err: "invalid address family", Addr: ip.String()}
}
