//go:build unix

package fdio

import (
	"bytes"
	"errors"
	"io"
	"os"
	"runtime"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestNewWatcherCreation(t *testing.T) {
	for _, c := range []struct {
		name        string
		cfg         Config
		wantWatcher bool
	}{
		{"Level", Config{}, false},
		{"Edge", Config{EdgeTriggered: true}, true},
		{"Edge+Blocking", Config{EdgeTriggered: true, Blocking: true}, false},
		{"Level+Blocking", Config{Blocking: true}, false},
	} {
		c := c
		t.Run(c.name, func(t *testing.T) {
			s := newFakeScheduler(t)
			d, _ := newSocketpair(t, s, c.cfg)

			if got := d.readWatcher != nil; got != c.wantWatcher {
				t.Errorf("read watcher present = %v, want %v", got, c.wantWatcher)
			}
			if got := d.writeWatcher != nil; got != c.wantWatcher {
				t.Errorf("write watcher present = %v, want %v", got, c.wantWatcher)
			}
			for _, w := range s.watchers {
				if !w.edge {
					t.Errorf("watcher for fd %d created level-triggered", w.fd)
				}
				if len(w.arms) != 0 {
					t.Errorf("watcher for fd %d armed before any I/O", w.fd)
				}
			}

			blocking, err := d.Blocking()
			if err != nil {
				t.Fatal(err)
			}
			if blocking != c.cfg.Blocking {
				t.Errorf("Blocking() = %v, want %v", blocking, c.cfg.Blocking)
			}
		})
	}
}

func TestSetBlocking(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{})

	for _, want := range []bool{true, false, true} {
		if err := d.SetBlocking(want); err != nil {
			t.Fatal(err)
		}
		got, err := d.Blocking()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Blocking() = %v, want %v", got, want)
		}
	}
}

func TestTimeoutAccessors(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{ReadTimeout: time.Second, WriteTimeout: -time.Second})

	if got := d.ReadTimeout(); got != time.Second {
		t.Errorf("ReadTimeout() = %v, want 1s", got)
	}
	if got := d.WriteTimeout(); got != 0 {
		t.Errorf("WriteTimeout() = %v, want 0", got)
	}
	d.SetReadTimeout(0)
	d.SetWriteTimeout(time.Minute)
	if got := d.ReadTimeout(); got != 0 {
		t.Errorf("ReadTimeout() = %v, want 0", got)
	}
	if got := d.WriteTimeout(); got != time.Minute {
		t.Errorf("WriteTimeout() = %v, want 1m", got)
	}
}

func TestReadFastPath(t *testing.T) {
	s := newFakeScheduler(t)
	d, peer := newSocketpair(t, s, Config{})

	if _, err := unix.Write(peer, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	b := make([]byte, 16)
	n, err := d.UnbufferedRead(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(b[:n]) != "hello" {
		t.Errorf("read %q, want %q", b[:n], "hello")
	}
	if s.reschedules != 0 {
		t.Errorf("task suspended %d times on the fast path", s.reschedules)
	}
	if d.readWatcher != nil {
		t.Error("read watcher created without waiting")
	}
}

func TestReadWaitsForReadiness(t *testing.T) {
	s := newFakeScheduler(t)
	d, peer := newSocketpair(t, s, Config{ReadTimeout: 50 * time.Millisecond})

	s.onReschedule = func() {
		if got := d.readers.len(); got != 1 {
			t.Errorf("%d readers queued, want 1", got)
		}
		if _, err := unix.Write(peer, []byte("hello")); err != nil {
			t.Fatal(err)
		}
		s.watcher(d.fd, false).resume(false)
	}

	b := make([]byte, 16)
	n, err := d.UnbufferedRead(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(b[:n]) != "hello" {
		t.Errorf("read %q, want %q", b[:n], "hello")
	}
	if s.reschedules != 1 {
		t.Errorf("task suspended %d times, want 1", s.reschedules)
	}
	if len(s.enqueued) != 1 || s.enqueued[0] != s.current {
		t.Errorf("enqueued = %v, want [main]", s.enqueued)
	}

	w := s.watcher(d.fd, false)
	if len(w.arms) != 1 || w.arms[0] != 50*time.Millisecond {
		t.Errorf("watcher armed with %v, want [50ms]", w.arms)
	}
	if w.edge {
		t.Error("lazily created watcher is edge-triggered")
	}
	if d.readers.len() != 0 {
		t.Errorf("%d readers left queued", d.readers.len())
	}
}

func TestReadTimeout(t *testing.T) {
	s := newFakeScheduler(t)
	d, peer := newSocketpair(t, s, Config{ReadTimeout: 10 * time.Millisecond})

	s.onReschedule = func() {
		s.watcher(d.fd, false).resume(true)
	}

	b := make([]byte, 16)
	_, err := d.UnbufferedRead(b)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("errors.Is(%v, os.ErrDeadlineExceeded) = false", err)
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || !opErr.Timeout() || opErr.Op != "read" {
		t.Errorf("unexpected error %#v", err)
	}
	if d.readTimedOut {
		t.Error("timed-out flag not consumed")
	}

	// The descriptor stays usable, and the flag does not leak into the next wait.
	s.onReschedule = func() {
		if _, err := unix.Write(peer, []byte("late")); err != nil {
			t.Fatal(err)
		}
		s.watcher(d.fd, false).resume(false)
	}
	n, err := d.UnbufferedRead(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(b[:n]) != "late" {
		t.Errorf("read %q, want %q", b[:n], "late")
	}
}

func TestReadRearmsForRemainingReaders(t *testing.T) {
	s := newFakeScheduler(t)
	d, peer := newSocketpair(t, s, Config{})

	other := fakeTask("other")
	s.onReschedule = func() {
		// Another reader queued after us.
		d.readers.pushBack(other)
		if _, err := unix.Write(peer, []byte("x")); err != nil {
			t.Fatal(err)
		}
		s.watcher(d.fd, false).resume(false)
	}

	b := make([]byte, 1)
	if _, err := d.UnbufferedRead(b); err != nil {
		t.Fatal(err)
	}

	w := s.watcher(d.fd, false)
	if len(w.arms) != 2 {
		t.Errorf("watcher armed %d times, want 2", len(w.arms))
	}
	if d.readers.len() != 1 || d.readers.tasks[0] != other {
		t.Errorf("readers = %v, want [other]", d.readers.tasks)
	}
}

func TestReadEOF(t *testing.T) {
	s := newFakeScheduler(t)
	d, peer := newSocketpair(t, s, Config{})

	if err := unix.Shutdown(peer, unix.SHUT_WR); err != nil {
		t.Fatal(err)
	}

	b := make([]byte, 4)
	n, err := d.UnbufferedRead(b)
	if n != 0 || err != nil {
		t.Errorf("UnbufferedRead() = %d, %v, want 0, nil", n, err)
	}
	n, err = d.Read(b)
	if n != 0 || err != io.EOF {
		t.Errorf("Read() = %d, %v, want 0, io.EOF", n, err)
	}
}

func TestTryReadWouldBlock(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{})

	_, err := d.TryRead(make([]byte, 4))
	if !IsWouldBlock(err) {
		t.Errorf("expected ErrWouldBlock, got %v", err)
	}
	if s.reschedules != 0 {
		t.Error("TryRead suspended the task")
	}
}

// fillSendBuffer writes to d until the kernel refuses more data.
func fillSendBuffer(t *testing.T, d *Descriptor) int {
	t.Helper()
	if err := unix.SetsockoptInt(d.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096); err != nil {
		t.Fatal(err)
	}
	chunk := bytes.Repeat([]byte{'f'}, 1024)
	var total int
	for len(chunk) > 0 {
		n, err := d.TryWrite(chunk)
		total += n
		if IsWouldBlock(err) {
			// Top off with smaller writes.
			chunk = chunk[:len(chunk)/2]
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	return total
}

// drain reads everything currently available on fd.
func drain(t *testing.T, fd int, into *bytes.Buffer) {
	t.Helper()
	b := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, b)
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			return
		}
		into.Write(b[:n])
	}
}

func TestWriteInFlightQueuedAtFront(t *testing.T) {
	s := newFakeScheduler(t)
	d, peer := newSocketpair(t, s, Config{WriteTimeout: time.Second})
	if err := unix.SetsockoptInt(d.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096); err != nil {
		t.Fatal(err)
	}
	if err := unix.SetNonblock(peer, true); err != nil {
		t.Fatal(err)
	}

	later := fakeTask("later")
	d.writers.pushBack(later)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	var received bytes.Buffer
	s.onReschedule = func() {
		if d.writers.tasks[0] != s.current {
			t.Errorf("in-flight writer queued behind %v", d.writers.tasks)
		}
		drain(t, peer, &received)
		s.watcher(d.fd, true).resume(false)
	}

	n, err := d.UnbufferedWrite(payload)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) {
		t.Errorf("wrote %d bytes, want %d", n, len(payload))
	}
	if s.reschedules == 0 {
		t.Fatal("write never suspended")
	}
	drain(t, peer, &received)
	if !bytes.Equal(received.Bytes(), payload) {
		t.Error("peer received bytes out of order")
	}
	if d.writers.len() != 1 || d.writers.tasks[0] != later {
		t.Errorf("writers = %v, want [later]", d.writers.tasks)
	}
}

func TestWriteFreshWriterQueuedAtBack(t *testing.T) {
	s := newFakeScheduler(t)
	d, peer := newSocketpair(t, s, Config{})
	if err := unix.SetNonblock(peer, true); err != nil {
		t.Fatal(err)
	}
	fillSendBuffer(t, d)

	earlier := fakeTask("earlier")
	d.writers.pushBack(earlier)

	var order []Task
	var received bytes.Buffer
	s.onReschedule = func() {
		if order == nil {
			order = append(order, d.writers.tasks...)
		}
		drain(t, peer, &received)
		w := s.watcher(d.fd, true)
		for d.writers.len() > 0 {
			w.resume(false)
		}
	}

	if _, err := d.UnbufferedWrite([]byte("fresh")); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != earlier || order[1] != s.current {
		t.Errorf("writers = %v, want [earlier main]", order)
	}
}

func TestWriteTimeout(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{WriteTimeout: 10 * time.Millisecond})
	fillSendBuffer(t, d)

	s.onReschedule = func() {
		s.watcher(d.fd, true).resume(true)
	}
	_, err := d.UnbufferedWrite([]byte("blocked"))
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if err.Error() != "error writing file (fd "+strconv.Itoa(d.fd)+"): write timed out" {
		t.Errorf("unexpected message %q", err)
	}
	if d.writeTimedOut {
		t.Error("timed-out flag not consumed")
	}
	if w := s.watcher(d.fd, true); w.arms[0] != 10*time.Millisecond {
		t.Errorf("watcher armed with %v, want 10ms", w.arms[0])
	}
}

func TestConcurrencySafeWriteLock(t *testing.T) {
	for _, c := range []struct {
		name      string
		safe      bool
		wantLocks int
	}{
		{"Safe", true, 2},
		{"Unsafe", false, 0},
	} {
		c := c
		t.Run(c.name, func(t *testing.T) {
			s := newFakeScheduler(t)
			d, peer := newSocketpair(t, s, Config{ConcurrencySafe: c.safe})

			if _, err := d.UnbufferedWrite([]byte("a")); err != nil {
				t.Fatal(err)
			}
			if _, err := d.WriteParts([]byte("line"), []byte("\n")); err != nil {
				t.Fatal(err)
			}

			var locks int
			for _, m := range s.mutexes {
				locks += m.locks
			}
			if locks != c.wantLocks {
				t.Errorf("write lock taken %d times, want %d", locks, c.wantLocks)
			}
			if c.safe && len(s.mutexes) != 1 {
				t.Errorf("%d write locks created, want 1", len(s.mutexes))
			}

			b := make([]byte, 16)
			n, err := unix.Read(peer, b)
			if err != nil {
				t.Fatal(err)
			}
			if string(b[:n]) != "aline\n" {
				t.Errorf("peer read %q", b[:n])
			}
		})
	}
}

func TestWriteNotWritable(t *testing.T) {
	path := t.TempDir() + "/ro"
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	s := newFakeScheduler(t)
	d := newTestDescriptor(t, fd, s, Config{})
	defer d.Close()

	_, err = d.UnbufferedWrite([]byte("x"))
	if !errors.Is(err, ErrNotWritable) {
		t.Errorf("expected ErrNotWritable, got %v", err)
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{EdgeTriggered: true})

	r1, r2, w1 := fakeTask("r1"), fakeTask("r2"), fakeTask("w1")
	d.readers.pushBack(r1)
	d.readers.pushBack(r2)
	d.writers.pushBack(w1)

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	want := []Task{r1, r2, w1}
	if len(s.enqueued) != len(want) {
		t.Fatalf("enqueued = %v, want %v", s.enqueued, want)
	}
	for i := range want {
		if s.enqueued[i] != want[i] {
			t.Errorf("enqueued[%d] = %v, want %v", i, s.enqueued[i], want[i])
		}
	}
	if d.readers.len() != 0 || d.writers.len() != 0 {
		t.Error("wait queues not cleared")
	}
	if d.readWatcher != nil || d.writeWatcher != nil {
		t.Error("watchers not released")
	}
	for _, w := range s.watchers {
		if !w.freed {
			t.Errorf("watcher for fd %d not freed", w.fd)
		}
	}
	if !d.Closed() {
		t.Error("descriptor not marked closed")
	}
}

func TestCloseTwice(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{})

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	d.readers.pushBack(fakeTask("stray"))
	if err := d.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if len(s.enqueued) != 0 {
		t.Errorf("second Close() enqueued %v", s.enqueued)
	}
}

func TestCloseReportsErrorAfterTeardown(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{EdgeTriggered: true})
	d.readers.pushBack(fakeTask("r"))

	// Close the OS descriptor behind the wrapper's back.
	if err := unix.Close(d.fd); err != nil {
		t.Fatal(err)
	}

	err := d.Close()
	if !errors.Is(err, unix.EBADF) {
		t.Errorf("expected EBADF, got %v", err)
	}
	if !d.Closed() || d.readers.len() != 0 || len(s.enqueued) != 1 {
		t.Error("teardown incomplete after failed close")
	}
	for _, w := range s.watchers {
		if !w.freed {
			t.Errorf("watcher for fd %d not freed", w.fd)
		}
	}
}

func TestCloseWhileWaiting(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{ReadTimeout: time.Second})

	s.onReschedule = func() {
		if err := d.Close(); err != nil {
			t.Error(err)
		}
	}

	_, err := d.UnbufferedRead(make([]byte, 4))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if IsTimeout(err) {
		t.Error("close reported as timeout")
	}
}

func TestClosedDescriptorOperations(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{})
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	b := make([]byte, 4)
	for _, c := range []struct {
		name string
		fn   func() error
	}{
		{"UnbufferedRead", func() error { _, err := d.UnbufferedRead(b); return err }},
		{"TryRead", func() error { _, err := d.TryRead(b); return err }},
		{"UnbufferedWrite", func() error { _, err := d.UnbufferedWrite(b); return err }},
		{"UnbufferedWriteEmpty", func() error { _, err := d.UnbufferedWrite(nil); return err }},
		{"WriteParts", func() error { _, err := d.WriteParts(b, b); return err }},
		{"WritePartsEmpty", func() error { _, err := d.WriteParts(); return err }},
		{"TryWrite", func() error { _, err := d.TryWrite(b); return err }},
		{"UnbufferedFlush", d.UnbufferedFlush},
		{"UnbufferedRewind", d.UnbufferedRewind},
		{"Seek", func() error { _, err := d.Seek(0, io.SeekStart); return err }},
		{"Blocking", func() error { _, err := d.Blocking(); return err }},
		{"SetBlocking", func() error { return d.SetBlocking(true) }},
		{"CloseOnExec", func() error { _, err := d.CloseOnExec(); return err }},
		{"Stat", func() error { _, err := d.Stat(); return err }},
	} {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := c.fn()
			if !errors.Is(err, ErrClosed) {
				t.Errorf("expected ErrClosed, got %v", err)
			}
			if !errors.Is(err, os.ErrClosed) {
				t.Errorf("errors.Is(%v, os.ErrClosed) = false", err)
			}
		})
	}
	if d.IsTerminal() {
		t.Error("closed descriptor reported as terminal")
	}
}

func TestUnbufferedFlush(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{})
	if err := d.UnbufferedFlush(); err != nil {
		t.Errorf("UnbufferedFlush() = %v", err)
	}
}

func TestCloseFreesWatchersBeforeClosingFd(t *testing.T) {
	s := newFakeScheduler(t)
	d, _ := newSocketpair(t, s, Config{EdgeTriggered: true})

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if len(s.watchers) != 2 {
		t.Fatalf("%d watchers created, want 2", len(s.watchers))
	}
	for _, w := range s.watchers {
		if !w.freed {
			t.Errorf("watcher for fd %d not freed", w.fd)
		}
		if !w.fdOpenAtFree {
			t.Errorf("watcher for fd %d freed after the fd was closed", w.fd)
		}
	}
}

// fdOpen reports whether fd refers to an open file.
func fdOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// waitFinalized runs the garbage collector until fd is closed or gives up.
func waitFinalized(fd int) bool {
	for i := 0; i < 20; i++ {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
		if !fdOpen(fd) {
			return true
		}
	}
	return false
}

func TestFinalizerClosesDescriptor(t *testing.T) {
	s := newFakeScheduler(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[1])

	// The scheduler keeps the watchers, and through them the descriptor
	// state, but not the Descriptor itself.
	func() {
		if _, err := New(fds[0], s, Config{EdgeTriggered: true}); err != nil {
			unix.Close(fds[0])
			t.Fatal(err)
		}
	}()
	if len(s.watchers) != 2 {
		t.Fatalf("%d watchers created, want 2", len(s.watchers))
	}

	if !waitFinalized(fds[0]) {
		t.Errorf("fd %d still open after the descriptor became unreachable", fds[0])
	}
}
