package channel

import (
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/maniacs-ops/passenger/internal/mbuf"
	"github.com/maniacs-ops/passenger/pkg/metrics"
)

// readNext drains the queue (in-memory mode) or the spill file
// (in-file mode) into the downstream channel until the downstream
// stops accepting or there is nothing left. Every site that hands
// control to user code captures the generation first and bails if it
// changed: the callback may have deinitialized or errored the
// channel.
func (c *FileBufferedChannel) readNext() {
	for {
		log.Trace().Uint64("ch", c.id).Msg("reader: reading next")
		c.assertf(c.down.IsIdle(), "reader ran while downstream busy")
		gen := c.generation

		switch c.mode {
		case ModeInMemory:
			if !c.hasBuffers() {
				log.Trace().Uint64("ch", c.id).Msg("reader: no more buffers, going inactive")
				c.readerState = ReaderInactive
				c.verifyInvariants()
				c.callDataFlushed()
				return
			}
			if c.peekBuffer().Len() == 0 {
				c.feedEOF(gen)
				return
			}
			buf := c.peekBuffer().Ref()
			log.Trace().Uint64("ch", c.id).Int("bytes", buf.Len()).Msg("reader: found buffer")
			c.popBuffer()
			if gen != c.generation || c.hasErrored() {
				// The buffers-flushed callback tore us down.
				buf.Release()
				return
			}
			c.readerState = ReaderFeeding
			log.Trace().Uint64("ch", c.id).Int("bytes", buf.Len()).Msg("reader: feeding buffer")
			c.down.Feed(buf)
			if gen != c.generation || c.hasErrored() {
				return
			}
			c.assertf(c.readerState == ReaderFeeding, "reader state changed under feed")
			c.verifyInvariants()
			if c.down.AcceptingInput() {
				continue
			}
			if c.down.MayAcceptInputLater() {
				c.readNextWhenChannelIdle()
				return
			}
			log.Trace().Uint64("ch", c.id).Msg("reader: downstream no longer accepts data")
			c.terminateReaderBecauseOfEOF()
			return

		case ModeInFile:
			if c.inFile.written > 0 {
				// Unread data on disk; read it back asynchronously.
				c.readNextChunkFromFile()
				return
			}
			// Nothing unread on disk: serve from the queue directly,
			// skipping the disk round trip. This is what drives
			// written negative.
			buf, ok := c.findBufferForRead()
			if !ok {
				c.readerState = ReaderInactive
				if c.config.AutoTruncateFile {
					log.Trace().Uint64("ch", c.id).Msg("reader: drained, truncating spill file")
					c.switchToInMemoryMode()
				} else {
					log.Trace().Uint64("ch", c.id).Msg("reader: drained, keeping spill file (auto-truncate off)")
				}
				c.verifyInvariants()
				c.callDataFlushed()
				return
			}
			if buf.Len() == 0 {
				c.feedEOF(gen)
				return
			}
			log.Trace().Uint64("ch", c.id).Int("bytes", buf.Len()).Msg("reader: found queued buffer ahead of writer")
			c.inFile.readOffset += int64(buf.Len())
			c.inFile.written -= int64(buf.Len())
			c.readerState = ReaderFeeding
			c.down.Feed(buf.Ref())
			if gen != c.generation || c.hasErrored() {
				return
			}
			c.assertf(c.readerState == ReaderFeeding, "reader state changed under feed")
			c.verifyInvariants()
			if c.down.AcceptingInput() {
				continue
			}
			if c.down.MayAcceptInputLater() {
				c.readNextWhenChannelIdle()
				return
			}
			log.Trace().Uint64("ch", c.id).Msg("reader: downstream no longer accepts data")
			c.terminateReaderBecauseOfEOF()
			return

		default:
			log.Panic().Uint64("ch", c.id).Msg("reader ran in error mode")
		}
	}
}

// feedEOF feeds the end-of-stream sentinel and terminates the reader.
func (c *FileBufferedChannel) feedEOF(gen uint64) {
	log.Trace().Uint64("ch", c.id).Msg("reader: EOF encountered, feeding EOF")
	c.readerState = ReaderFeedingEOF
	c.verifyInvariants()
	c.down.Feed(mbuf.Buf{})
	if gen != c.generation || c.hasErrored() {
		return
	}
	c.assertf(c.readerState == ReaderFeedingEOF, "reader state changed under EOF feed")
	c.verifyInvariants()
	log.Trace().Uint64("ch", c.id).Msg("reader: EOF fed, terminating")
	c.terminateReaderBecauseOfEOF()
}

func (c *FileBufferedChannel) terminateReaderBecauseOfEOF() {
	c.readerState = ReaderTerminated
	c.verifyInvariants()
	c.callDataFlushed()
}

func (c *FileBufferedChannel) readNextWhenChannelIdle() {
	log.Trace().Uint64("ch", c.id).Msg("reader: waiting for downstream to become idle")
	c.readerState = ReaderWaitingForChannelIdle
	c.verifyInvariants()
}

// findBufferForRead locates the queue entry at logical offset
// -written from the head, walking buffer sizes. Only meaningful when
// written <= 0.
func (c *FileBufferedChannel) findBufferForRead() (mbuf.Buf, bool) {
	c.assertf(c.mode == ModeInFile, "findBufferForRead outside in-file mode")

	if c.nbuffers == 0 {
		return mbuf.Buf{}, false
	}

	target := -c.inFile.written
	var offset int64
	if offset == target {
		return c.firstBuffer, true
	}
	offset += int64(c.firstBuffer.Len())
	for _, b := range c.moreBuffers {
		if offset == target || b.Len() == 0 {
			return b, true
		}
		offset += int64(b.Len())
	}
	return mbuf.Buf{}, false
}

type readContext struct {
	ioContext
	buffer mbuf.Buf
	// Share of the in-file state so the spill fd survives until this
	// read's completion has been observed.
	inFile *inFileState
}

func (c *FileBufferedChannel) readNextChunkFromFile() {
	c.assertf(c.inFile.written > 0, "file read scheduled with nothing unread")
	size := c.inFile.written
	if bs := int64(c.ctx.BufPool.BlockSize()); size > bs {
		size = bs
	}
	log.Trace().Uint64("ch", c.id).Int64("bytes", size).Msg("reader: reading next chunk from file")
	c.verifyInvariants()

	rc := &readContext{
		ioContext: ioContext{fbc: c},
		buffer:    c.ctx.BufPool.Get(),
		inFile:    c.inFile,
	}
	c.inFile.acquire()
	c.readerState = ReaderReadingFromFile
	c.inFile.readRequest = rc

	rc.mu.Lock()
	rc.req = c.ctx.IO.Pread(c.inFile.fd, rc.buffer.Bytes()[:size], c.inFile.readOffset, rc.onDone)
	rc.mu.Unlock()
	c.verifyInvariants()
}

// onDone fires on an aio worker goroutine and marshals back onto the
// event loop. A canceled context frees its resources there and never
// touches the channel again.
func (rc *readContext) onDone(result int, errno syscall.Errno) {
	rc.finished(result, errno)
	rc.fbc.ctx.Loop.Post(func() {
		if rc.isCanceled() {
			rc.buffer.Release()
			rc.inFile.release()
			return
		}
		rc.fbc.nextChunkDoneReading(rc)
	})
}

func (c *FileBufferedChannel) nextChunkDoneReading(rc *readContext) {
	log.Trace().Uint64("ch", c.id).Msg("reader: done reading chunk")
	c.assertf(c.readerState == ReaderReadingFromFile, "chunk completion in wrong reader state")
	c.verifyInvariants()

	n := rc.result
	errno := rc.errno
	buffer := rc.buffer
	c.inFile.readRequest = nil
	rc.inFile.release()

	if n == -1 {
		buffer.Release()
		// The read request is already cleared; leave the reading state
		// so the cancel path in setError has nothing to cancel.
		c.readerState = ReaderTerminated
		c.setError(errno)
		return
	}

	gen := c.generation
	c.assertf(int64(n) <= c.inFile.written, "read past the written region")
	buf := buffer.Slice(0, n)
	c.inFile.readOffset += int64(n)
	c.inFile.written -= int64(n)
	metrics.Count(metrics.KEY_SPILL_BYTES_READ, int64(n), c.tags)

	log.Trace().Uint64("ch", c.id).Int("bytes", buf.Len()).Msg("reader: feeding buffer")
	c.readerState = ReaderFeeding
	c.down.Feed(buf)
	if gen != c.generation || c.hasErrored() {
		return
	}
	c.assertf(c.readerState == ReaderFeeding, "reader state changed under feed")
	c.verifyInvariants()
	if c.down.AcceptingInput() {
		c.readerState = ReaderInactive
		c.readNext()
	} else if c.down.MayAcceptInputLater() {
		c.readNextWhenChannelIdle()
	} else {
		log.Trace().Uint64("ch", c.id).Msg("reader: downstream no longer accepts data")
		c.terminateReaderBecauseOfEOF()
	}
}
