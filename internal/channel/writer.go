package channel

import (
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/maniacs-ops/passenger/internal/mbuf"
	"github.com/maniacs-ops/passenger/pkg/metrics"
)

var (
	spillSeed    = strconv.FormatInt(time.Now().UnixNano(), 10)
	spillCounter atomic.Uint64
)

// nextSpillSuffix derives a fresh spill-file suffix. Collisions are
// handled by the EEXIST retry, so this only needs to be cheap and
// well spread.
func nextSpillSuffix() string {
	n := spillCounter.Add(1)
	h := xxhash.Sum64String(spillSeed + "." + strconv.FormatUint(n, 10))
	return strconv.FormatUint(h, 16)
}

/***** Spill file creation *****/

type fileCreateContext struct {
	ioContext
	path string
}

func (c *FileBufferedChannel) createBufferFile() {
	c.assertf(c.mode == ModeInFile, "createBufferFile outside in-file mode")
	c.assertf(c.inFile.writerState == WriterInactive, "createBufferFile with active writer")
	c.assertf(c.inFile.fd == -1, "createBufferFile with open fd")

	fc := &fileCreateContext{
		ioContext: ioContext{fbc: c},
		path:      filepath.Join(c.config.BufferDir, "buffer."+nextSpillSuffix()),
	}
	c.inFile.writerState = WriterCreatingFile
	c.inFile.writerRequest = fc

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if c.config.DelayInFileModeSwitching == 0 {
		log.Trace().Uint64("ch", c.id).Str("path", fc.path).Msg("writer: creating spill file")
		fc.req = c.ctx.IO.Open(fc.path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0600, fc.onCreated)
	} else {
		log.Trace().Uint64("ch", c.id).Dur("delay", c.config.DelayInFileModeSwitching).
			Msg("writer: delaying in-file mode switch")
		fc.req = c.ctx.IO.Busy(c.config.DelayInFileModeSwitching, fc.onDoneDelaying)
	}
}

// onDoneDelaying fires when the configured switch delay elapses.
func (fc *fileCreateContext) onDoneDelaying(result int, errno syscall.Errno) {
	fc.finished(result, errno)
	fc.fbc.ctx.Loop.Post(func() {
		if fc.isCanceled() {
			return
		}
		fc.mu.Lock()
		log.Trace().Uint64("ch", fc.fbc.id).Str("path", fc.path).
			Msg("writer: delay elapsed, creating spill file")
		fc.req = fc.fbc.ctx.IO.Open(fc.path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0600, fc.onCreated)
		fc.mu.Unlock()
	})
}

// onCreated fires on an aio worker goroutine with the open(2) result.
func (fc *fileCreateContext) onCreated(result int, errno syscall.Errno) {
	fc.finished(result, errno)
	if fc.isCanceled() {
		// Channel is gone. If the file actually got created, delete
		// it in the background and close the orphaned fd.
		if result != -1 {
			log.Trace().Str("path", fc.path).Msg("writer: creation canceled, deleting spill file")
			fc.fbc.ctx.IO.Unlink(fc.path, fc.onUnlinked)
			fc.fbc.ctx.IO.Close(result, nil)
		}
		return
	}
	fc.fbc.ctx.Loop.Post(func() {
		if fc.isCanceled() {
			if fc.result != -1 {
				log.Trace().Str("path", fc.path).Msg("writer: creation canceled, deleting spill file")
				fc.fbc.ctx.IO.Unlink(fc.path, fc.onUnlinked)
				fc.fbc.ctx.IO.Close(fc.result, nil)
			}
			return
		}
		fc.fbc.bufferFileCreated(fc)
	})
}

func (fc *fileCreateContext) onUnlinked(result int, errno syscall.Errno) {
	if result != -1 {
		log.Trace().Str("path", fc.path).Msg("writer: spill file unlinked")
	} else {
		log.Warn().Str("path", fc.path).Int("errno", int(errno)).Msg("writer: failed to unlink spill file")
	}
}

func (c *FileBufferedChannel) bufferFileCreated(fc *fileCreateContext) {
	c.assertf(c.inFile.writerState == WriterCreatingFile, "file created in wrong writer state")
	c.verifyInvariants()
	fd := fc.result
	errno := fc.errno
	c.inFile.writerRequest = nil

	if fd != -1 {
		// Unlink right away: the file stays reachable through the fd
		// but a crash cannot leave it behind.
		log.Trace().Uint64("ch", c.id).Str("path", fc.path).Msg("writer: spill file created, unlinking")
		c.ctx.IO.Unlink(fc.path, fc.onUnlinked)
		c.inFile.fd = fd
		c.moveNextBufferToFile()
		return
	}
	if errno == unix.EEXIST {
		log.Trace().Uint64("ch", c.id).Str("path", fc.path).Msg("writer: spill path taken, retrying")
		c.inFile.writerState = WriterInactive
		c.createBufferFile()
		c.verifyInvariants()
		return
	}
	c.inFile.writerState = WriterTerminated
	c.setError(errno)
}

/***** Mover *****/

type moveContext struct {
	ioContext
	// Share of the in-file state so the spill fd survives until this
	// write's completion has been observed.
	inFile *inFileState
	buffer mbuf.Buf
	// Bytes of buffer flushed so far; short writes resume from here.
	written int
}

// discard releases the context's buffer and in-file share. Must run
// on the event loop, where the buffer pool lives.
func (mc *moveContext) discard() {
	mc.buffer.Release()
	mc.inFile.release()
}

func (c *FileBufferedChannel) moveNextBufferToFile() {
	c.assertf(c.mode == ModeInFile, "mover outside in-file mode")
	c.assertf(c.inFile.fd != -1, "mover without an open spill file")
	c.verifyInvariants()

	if c.nbuffers == 0 {
		log.Trace().Uint64("ch", c.id).Msg("writer: no more buffers, going inactive")
		c.inFile.writerState = WriterInactive
		return
	}
	if c.peekBuffer().Len() == 0 {
		log.Trace().Uint64("ch", c.id).Msg("writer: EOF encountered, terminating")
		c.inFile.writerState = WriterTerminated
		return
	}

	log.Trace().Uint64("ch", c.id).Int("bytes", c.peekBuffer().Len()).
		Msg("writer: moving next buffer to file")
	mc := &moveContext{
		ioContext: ioContext{fbc: c},
		inFile:    c.inFile,
		buffer:    c.peekBuffer().Ref(),
	}
	c.inFile.acquire()
	c.inFile.writerState = WriterMoving
	c.inFile.writerRequest = mc

	mc.mu.Lock()
	mc.req = c.ctx.IO.Pwrite(c.inFile.fd, mc.buffer.Bytes(),
		c.inFile.readOffset+c.inFile.written, mc.onWritten)
	mc.mu.Unlock()
	c.verifyInvariants()
}

// onWritten fires on an aio worker goroutine after each pwrite.
func (mc *moveContext) onWritten(result int, errno syscall.Errno) {
	mc.finished(result, errno)
	mc.fbc.ctx.Loop.Post(func() {
		if mc.isCanceled() {
			mc.discard()
			return
		}
		mc.fbc.bufferWrittenToFile(mc)
	})
}

func (c *FileBufferedChannel) bufferWrittenToFile(mc *moveContext) {
	c.assertf(c.mode == ModeInFile, "move completion outside in-file mode")
	c.assertf(c.inFile.writerState == WriterMoving, "move completion in wrong writer state")
	c.assertf(c.peekBuffer().Len() > 0, "move completion with EOF at queue head")
	c.verifyInvariants()

	if mc.result == -1 {
		log.Trace().Uint64("ch", c.id).Int("errno", int(mc.errno)).Msg("writer: spill write failed")
		errno := mc.errno
		mc.discard()
		c.inFile.writerRequest = nil
		c.inFile.writerState = WriterTerminated
		c.setError(errno)
		return
	}

	mc.written += mc.result
	c.assertf(mc.written <= mc.buffer.Len(), "wrote past buffer end")

	if mc.written < mc.buffer.Len() {
		log.Trace().Uint64("ch", c.id).Int("written", mc.written).Int("total", mc.buffer.Len()).
			Msg("writer: short write, resuming")
		mc.mu.Lock()
		mc.req = c.ctx.IO.Pwrite(c.inFile.fd, mc.buffer.Bytes()[mc.written:],
			c.inFile.readOffset+c.inFile.written+int64(mc.written), mc.onWritten)
		mc.mu.Unlock()
		c.verifyInvariants()
		return
	}

	// Whole buffer is on disk: account for it and pop it from memory.
	gen := c.generation
	log.Trace().Uint64("ch", c.id).Int("bytes", mc.buffer.Len()).Msg("writer: move complete")
	c.assertf(c.peekBuffer().Len() == mc.buffer.Len(), "queue head changed during move")
	c.inFile.written += int64(mc.buffer.Len())
	metrics.Count(metrics.KEY_SPILL_BYTES_MOVED, int64(mc.buffer.Len()), c.tags)

	c.popBuffer()
	if gen != c.generation || c.hasErrored() {
		// The buffers-flushed callback tore us down.
		mc.discard()
		return
	}

	c.inFile.writerRequest = nil
	mc.discard()
	c.moveNextBufferToFile()
}
