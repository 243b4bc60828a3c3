//go:build unix && !freebsd && !linux

package fdio

func setFastOpenConnect(fd int) error {
	return ErrPlatformUnsupported
}
