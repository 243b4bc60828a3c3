//go:build unix

package fdio

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Stream is a buffered reader and writer over a descriptor.
//
// Stream keeps track of the input it has buffered, so positions reported by Pos
// and offsets relative to the current position passed to Seek refer to the
// logical position of the reader, not to the position of the OS descriptor.
type Stream struct {
	d *Descriptor
	r *bufio.Reader
	w *bufio.Writer
}

// rawWriter writes to the descriptor without taking the write lock.
// Stream takes it around whole operations instead.
type rawWriter struct {
	d *Descriptor
}

func (w rawWriter) Write(p []byte) (int, error) {
	return w.d.write(p)
}

// NewStream returns a stream with default-sized buffers.
func NewStream(d *Descriptor) *Stream {
	return NewStreamSize(d, 4096)
}

// NewStreamSize returns a stream whose buffers have at least the given size.
func NewStreamSize(d *Descriptor, size int) *Stream {
	return &Stream{
		d: d,
		r: bufio.NewReaderSize(d, size),
		w: bufio.NewWriterSize(rawWriter{d}, size),
	}
}

// Descriptor returns the underlying descriptor.
func (s *Stream) Descriptor() *Descriptor {
	return s.d
}

// Buffered returns the number of bytes that have been read from the descriptor
// but not yet consumed.
func (s *Stream) Buffered() int {
	return s.r.Buffered()
}

// Read implements [io.Reader].
func (s *Stream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// ReadLine reads until the next newline and returns the line without it.
// The last line of a stream may have no newline, in which case err is nil
// and the next call returns io.EOF.
func (s *Stream) ReadLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	return strings.TrimSuffix(line, "\n"), err
}

// Write implements [io.Writer].
func (s *Stream) Write(p []byte) (int, error) {
	defer s.lock()()
	return s.w.Write(p)
}

// WriteString writes str.
func (s *Stream) WriteString(str string) (int, error) {
	defer s.lock()()
	return s.w.WriteString(str)
}

// WriteLine writes str followed by a newline. On a concurrency-safe
// descriptor, the line and its newline are never separated by another
// task's output.
func (s *Stream) WriteLine(str string) error {
	defer s.lock()()
	if _, err := s.w.WriteString(str); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

// Flush writes any buffered output to the descriptor.
func (s *Stream) Flush() error {
	defer s.lock()()
	return s.w.Flush()
}

// Seek flushes buffered output, moves the descriptor offset and discards
// buffered input, which no longer matches the new position.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	if whence == io.SeekCurrent {
		offset -= int64(s.r.Buffered())
	}
	off, err := s.d.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	s.r.Reset(s.d)
	return off, nil
}

// Pos returns the logical position: the descriptor offset minus the input
// that is buffered but not yet consumed.
func (s *Stream) Pos() (int64, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	off, err := s.d.Pos()
	if err != nil {
		return 0, err
	}
	return off - int64(s.r.Buffered()), nil
}

// SetPos seeks to the absolute offset pos.
func (s *Stream) SetPos(pos int64) error {
	_, err := s.Seek(pos, io.SeekStart)
	return err
}

// Rewind seeks to the start of the stream.
func (s *Stream) Rewind() error {
	return s.SetPos(0)
}

// Close flushes buffered output and closes the descriptor.
// The descriptor is closed even if the flush fails.
func (s *Stream) Close() error {
	var flushErr error
	if !s.d.closed {
		flushErr = s.Flush()
	}
	return errors.Join(flushErr, s.d.UnbufferedClose())
}

// lock takes the descriptor's write lock if it is concurrency-safe
// and returns the function that releases it.
func (s *Stream) lock() func() {
	if !s.d.concurrencySafe {
		return func() {}
	}
	return s.d.lockWrites().Unlock
}
