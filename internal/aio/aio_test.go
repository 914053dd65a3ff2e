package aio

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func waitCompletion(t *testing.T, ch <-chan [2]int) (int, syscall.Errno) {
	t.Helper()
	select {
	case r := <-ch:
		return r[0], syscall.Errno(r[1])
	case <-time.After(2 * time.Second):
		t.Fatal("completion did not fire in time")
		return 0, 0
	}
}

func TestOpenWriteReadUnlink(t *testing.T) {
	p := NewPool(2, 16)
	defer p.Shutdown()

	path := filepath.Join(t.TempDir(), "buffer.test")
	done := make(chan [2]int, 1)

	p.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0600, func(res int, errno syscall.Errno) {
		done <- [2]int{res, int(errno)}
	})
	fd, errno := waitCompletion(t, done)
	if errno != 0 {
		t.Fatalf("open failed: %v", errno)
	}

	payload := []byte("spilled bytes")
	p.Pwrite(fd, payload, 0, func(res int, errno syscall.Errno) {
		done <- [2]int{res, int(errno)}
	})
	n, errno := waitCompletion(t, done)
	if errno != 0 || n != len(payload) {
		t.Fatalf("pwrite: n=%d errno=%v", n, errno)
	}

	buf := make([]byte, 64)
	p.Pread(fd, buf, 0, func(res int, errno syscall.Errno) {
		done <- [2]int{res, int(errno)}
	})
	n, errno = waitCompletion(t, done)
	if errno != 0 || n != len(payload) {
		t.Fatalf("pread: n=%d errno=%v", n, errno)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("round trip mismatch: %q", buf[:n])
	}

	p.Unlink(path, func(res int, errno syscall.Errno) {
		done <- [2]int{res, int(errno)}
	})
	if _, errno = waitCompletion(t, done); errno != 0 {
		t.Fatalf("unlink failed: %v", errno)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file still has a directory entry after unlink")
	}

	p.Close(fd, func(res int, errno syscall.Errno) {
		done <- [2]int{res, int(errno)}
	})
	if _, errno = waitCompletion(t, done); errno != 0 {
		t.Fatalf("close failed: %v", errno)
	}
}

func TestOpenExclFailsOnExisting(t *testing.T) {
	p := NewPool(1, 4)
	defer p.Shutdown()

	path := filepath.Join(t.TempDir(), "buffer.dup")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	done := make(chan [2]int, 1)
	p.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0600, func(res int, errno syscall.Errno) {
		done <- [2]int{res, int(errno)}
	})
	res, errno := waitCompletion(t, done)
	if res != -1 || errno != unix.EEXIST {
		t.Fatalf("expected EEXIST, got res=%d errno=%v", res, errno)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	p := NewPool(1, 16)
	defer p.Shutdown()

	// Occupy the single worker so the next submission stays queued.
	block := make(chan [2]int, 1)
	hold := filepath.Join(t.TempDir(), "hold")
	p.Open(hold, unix.O_RDWR|unix.O_CREAT, 0600, func(res int, errno syscall.Errno) {
		time.Sleep(50 * time.Millisecond)
		block <- [2]int{res, int(errno)}
	})

	done := make(chan [2]int, 1)
	req := p.Unlink(filepath.Join(t.TempDir(), "never"), func(res int, errno syscall.Errno) {
		done <- [2]int{res, int(errno)}
	})
	req.Cancel()

	res, errno := waitCompletion(t, done)
	if res != -1 || errno != unix.ECANCELED {
		t.Fatalf("expected canceled completion, got res=%d errno=%v", res, errno)
	}
	fd, _ := waitCompletion(t, block)
	if fd >= 0 {
		unix.Close(fd)
	}
}

func TestBusyFiresAndCancels(t *testing.T) {
	p := NewPool(1, 4)
	defer p.Shutdown()

	fired := make(chan [2]int, 1)
	p.Busy(10*time.Millisecond, func(res int, errno syscall.Errno) {
		fired <- [2]int{res, int(errno)}
	})
	if res, errno := waitCompletion(t, fired); res != 0 || errno != 0 {
		t.Fatalf("busy completion: res=%d errno=%v", res, errno)
	}

	stopped := make(chan [2]int, 1)
	req := p.Busy(50*time.Millisecond, func(res int, errno syscall.Errno) {
		stopped <- [2]int{res, int(errno)}
	})
	req.Cancel()
	select {
	case <-stopped:
		t.Fatal("canceled delay timer still fired")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := NewPool(1, 4)
	p.Shutdown()

	done := make(chan [2]int, 1)
	p.Unlink("/nonexistent/x", func(res int, errno syscall.Errno) {
		done <- [2]int{res, int(errno)}
	})
	res, errno := waitCompletion(t, done)
	if res != -1 || errno != unix.ECANCELED {
		t.Fatalf("expected ECANCELED after shutdown, got res=%d errno=%v", res, errno)
	}
}
