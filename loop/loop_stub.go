//go:build !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd

package loop

import "errors"

var ErrPlatformUnsupported = errors.New("loop does not support this platform")

// Loop is not supported on this platform.
type Loop struct{}

func New() (*Loop, error) {
	return nil, ErrPlatformUnsupported
}
