package channel

import (
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/maniacs-ops/passenger/internal/aio"
)

// ioContext is the shared base of every outstanding I/O request. The
// mutex serialises assignment of the request handle against the
// completion, which may fire on a worker goroutine while the loop
// goroutine is still storing the handle. The canceled flag tells a
// completion that lands after teardown to free itself and stay away
// from the channel.
type ioContext struct {
	fbc      *FileBufferedChannel
	mu       sync.Mutex
	req      *aio.Request
	canceled atomic.Bool

	result int
	errno  syscall.Errno
}

func (c *ioContext) cancel() {
	c.mu.Lock()
	if c.req != nil {
		c.req.Cancel()
	}
	c.canceled.Store(true)
	c.mu.Unlock()
}

func (c *ioContext) isCanceled() bool {
	return c.canceled.Load()
}

// finished records the completion outcome. Runs on the worker
// goroutine; the lock blocks it until the submitter is done storing
// the request handle.
func (c *ioContext) finished(result int, errno syscall.Errno) {
	c.mu.Lock()
	c.result = result
	c.errno = errno
	c.req = nil
	c.mu.Unlock()
}

// canceler is what the writer slot holds: either a file-creation or a
// move context.
type canceler interface {
	cancel()
}

// inFileState holds everything that only exists in in-file mode. It
// is reference-counted: the channel holds one share and every
// outstanding read or move request holds another, so the spill fd
// stays open until the last in-flight completion has let go.
//
// The offsets relate to the file like this:
//
//	+------------------------+
//	|      already read      |
//	+------------------------+  <------ readOffset
//	|  written but not read  |  ------- written
//	+------------------------+  <------ readOffset + written
//	|  buffer being written  |  --+
//	|   unwritten buffers    |    |---- nbuffers, bytesBuffered
//	+------------------------+  --+
//
// written is signed: the reader may feed still-queued buffers ahead
// of the writer, driving it negative.
type inFileState struct {
	// fd of the spill file, -1 while creation is in flight.
	fd int

	// readRequest is non-nil exactly while the reader state is
	// ReaderReadingFromFile.
	readRequest *readContext

	writerState WriterState
	// writerRequest is non-nil exactly while the writer is creating
	// the file or moving a buffer.
	writerRequest canceler

	// readOffset: bytes already read from the file by the reader.
	readOffset int64
	// written: bytes on disk not yet read, minus bytes the reader
	// already delivered out of buffers still queued for writing.
	written int64

	refs atomic.Int32
	io   *aio.Pool
}

func newInFileState(io *aio.Pool) *inFileState {
	f := &inFileState{fd: -1, io: io}
	f.refs.Store(1)
	return f
}

func (f *inFileState) acquire() {
	f.refs.Add(1)
}

// release drops one share. The last share closes the spill fd in the
// background; since the file was unlinked at creation, that close
// removes its final trace.
func (f *inFileState) release() {
	if f.refs.Add(-1) == 0 && f.fd != -1 {
		f.io.Close(f.fd, nil)
		f.fd = -1
	}
}
