//go:build !unix

package fdio

// Descriptor is not supported on this platform.
type Descriptor struct{}

func New(fd int, sched Scheduler, cfg Config) (*Descriptor, error) {
	return nil, ErrPlatformUnsupported
}

func Pipe(sched Scheduler, cfg Config) (r, w *Descriptor, err error) {
	return nil, nil, ErrPlatformUnsupported
}

func Socketpair(sched Scheduler, cfg Config) (a, b *Descriptor, err error) {
	return nil, nil, ErrPlatformUnsupported
}
