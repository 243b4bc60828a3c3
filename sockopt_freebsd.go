package fdio

import "golang.org/x/sys/unix"

// On FreeBSD, TCP_FASTOPEN on an unconnected socket enables TFO for the connect.
func setFastOpenConnect(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_FASTOPEN, 1)
}
