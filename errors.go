package fdio

import (
	"errors"
	"os"
	"strconv"
)

var (
	ErrPlatformUnsupported = errors.New("fdio does not support this platform")

	// ErrClosed is returned by every operation on a closed descriptor,
	// and by operations whose wait was ended by the descriptor being closed.
	// errors.Is(ErrClosed, os.ErrClosed) reports true.
	ErrClosed error = closedError{}

	// ErrNotWritable is returned when the OS rejects a write because the
	// descriptor was not opened for writing.
	ErrNotWritable = errors.New("file not open for writing")

	// ErrWouldBlock is returned by TryRead and TryWrite when the operation
	// cannot make progress without waiting.
	ErrWouldBlock = errors.New("fdio: would block")
)

type closedError struct{}

func (closedError) Error() string { return "use of closed file descriptor" }

func (closedError) Is(target error) bool { return target == os.ErrClosed }

// TimeoutError reports that a wait for readiness timed out.
//
// errors.Is(err, os.ErrDeadlineExceeded) reports true for a TimeoutError.
type TimeoutError struct {
	// Op is the direction or operation that timed out: "read", "write" or "connect".
	Op string
}

func (e *TimeoutError) Error() string { return e.Op + " timed out" }

func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Is(target error) bool { return target == os.ErrDeadlineExceeded }

// OpError is the error type returned by descriptor operations.
type OpError struct {
	// Op is the operation which caused the error, such as
	// "read", "write", "seek", "close", "fcntl", "dup", "stat" or "connect".
	Op string

	// Fd is the descriptor the operation was performed on.
	Fd int

	// Err is the error that occurred during the operation.
	Err error
}

var opContexts = map[string]string{
	"read":       "error reading file",
	"write":      "error writing file",
	"seek":       "unable to seek",
	"flush":      "error flushing file",
	"close":      "error closing file",
	"fcntl":      "unable to change descriptor flags",
	"dup":        "could not reopen file descriptor",
	"stat":       "unable to stat",
	"connect":    "unable to connect",
	"setsockopt": "unable to set socket option",
	"wait":       "unable to wait for readiness",
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}
	s, ok := opContexts[e.Op]
	if !ok {
		s = e.Op
	}
	s += " (fd " + strconv.Itoa(e.Fd) + ")"
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() error { return e.Err }

// Timeout reports whether the error represents a readiness timeout.
func (e *OpError) Timeout() bool {
	var te *TimeoutError
	return errors.As(e.Err, &te)
}

// IsTimeout reports whether err carries a readiness timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsWouldBlock reports whether err is or wraps ErrWouldBlock.
func IsWouldBlock(err error) bool { return errors.Is(err, ErrWouldBlock) }
