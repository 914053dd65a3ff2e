package channel

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/maniacs-ops/passenger/internal/aio"
	"github.com/maniacs-ops/passenger/internal/eventloop"
	"github.com/maniacs-ops/passenger/internal/mbuf"
)

func TestMain(m *testing.M) {
	invariantChecks = true
	os.Exit(m.Run())
}

// rig wires up a live event loop, aio pool and buffer pool the way a
// server context would.
type rig struct {
	loop *eventloop.Loop
	io   *aio.Pool
	ctx  *Context
}

func newRig(t *testing.T) *rig {
	t.Helper()
	loop := eventloop.New()
	go loop.Run()
	io := aio.NewPool(2, 64)
	// A small block size, so a spill read longer than 16 bytes is split
	// into several chunks.
	pool, err := mbuf.NewPool(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := NewContext(loop, io, pool)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		io.Shutdown()
		loop.Stop()
	})
	return &rig{loop: loop, io: io, ctx: ctx}
}

// on runs fn on the event loop and waits for it.
func (r *rig) on(fn func()) {
	r.loop.PostAndWait(fn)
}

// waitFor polls cond on the event loop until it holds or the deadline
// passes.
func (r *rig) waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		r.loop.PostAndWait(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// sink is a consumer callback with optional stalling. All fields are
// loop-confined.
type sink struct {
	data    []byte
	eofs    int
	errnos  []syscall.Errno
	stall   bool
	pending []byte
	holding bool

	dataFlushed    int
	buffersFlushed int
}

func (s *sink) callback(c *Channel, buf mbuf.Buf) (int, bool) {
	if c.ErrCode() != 0 {
		s.errnos = append(s.errnos, c.ErrCode())
		return 0, false
	}
	if buf.Len() == 0 {
		s.eofs++
		return 0, false
	}
	if s.stall {
		// Copy out: the buffer may return to the pool after Consumed.
		s.pending = append([]byte(nil), buf.Bytes()...)
		s.holding = true
		return -1, false
	}
	s.data = append(s.data, buf.Bytes()...)
	return buf.Len(), false
}

// consumeOne completes a stalled delivery. Must run on the loop.
func (s *sink) consumeOne(c *FileBufferedChannel) {
	if !s.holding {
		panic("consumeOne without a held buffer")
	}
	s.data = append(s.data, s.pending...)
	n := len(s.pending)
	s.pending = nil
	s.holding = false
	c.Consumed(n, false)
}

func (s *sink) attach(c *FileBufferedChannel) {
	c.SetDataCallback(s.callback)
	c.DataFlushedCallback = func(*FileBufferedChannel) { s.dataFlushed++ }
	c.BuffersFlushedCallback = func(*FileBufferedChannel) { s.buffersFlushed++ }
}
