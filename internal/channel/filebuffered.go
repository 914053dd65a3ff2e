package channel

import (
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/maniacs-ops/passenger/internal/mbuf"
	"github.com/maniacs-ops/passenger/pkg/metrics"
)

// Mode of a FileBufferedChannel. The ordering matters: anything at or
// beyond ModeErrorWaiting counts as errored.
type Mode uint8

const (
	// ModeInMemory buffers everything in memory. The reader is
	// responsible for switching back to this mode from in-file mode.
	ModeInMemory Mode = iota
	// ModeInFile spills buffers to a temp file. Feed is responsible
	// for entering this mode once the threshold is passed.
	ModeInFile
	// ModeErrorWaiting: an error is latched but the downstream
	// channel was busy; the error is fed on its next idle
	// notification.
	ModeErrorWaiting
	// ModeError: the error has been fed downstream.
	ModeError
)

type ReaderState uint8

const (
	// ReaderInactive: activated by the next Feed.
	ReaderInactive ReaderState = iota
	// ReaderFeeding: feeding a buffer to the downstream channel.
	ReaderFeeding
	// ReaderFeedingEOF: feeding the EOF sentinel downstream.
	ReaderFeedingEOF
	// ReaderWaitingForChannelIdle: parked until the downstream
	// channel consumes its in-flight buffer.
	ReaderWaitingForChannelIdle
	// ReaderReadingFromFile: an async read of the spill file is in
	// flight.
	ReaderReadingFromFile
	// ReaderTerminated: EOF or error; reactivated only by
	// Deinitialize + Reinitialize.
	ReaderTerminated
)

type WriterState uint8

const (
	WriterInactive WriterState = iota
	WriterCreatingFile
	WriterMoving
	WriterTerminated
)

// Callback is a plain notification hook.
type Callback func(c *FileBufferedChannel)

var channelIDs atomic.Uint64

// invariantChecks enables the internal consistency panics. Tests turn
// this on; it stays off in production builds.
var invariantChecks = false

// FileBufferedChannel adds unlimited buffering to a Channel. Below
// the configured threshold everything stays in memory; beyond it,
// buffers are moved to an unlinked temp file and streamed back. All
// methods must be called on the context's event-loop goroutine.
type FileBufferedChannel struct {
	down   Channel
	ctx    *Context
	config FileBufferedConfig

	id          uint64
	tags        []string
	mode        Mode
	readerState ReaderState
	errcode     syscall.Errno
	generation  uint64

	// Buffer queue: the first buffer lives inline so the common case
	// where the consumer keeps up never allocates; the rest overflow
	// into a slice. Pushed at the back, popped from the front. The
	// reader pops in in-memory mode, the writer in in-file mode.
	nbuffers      uint32
	bytesBuffered uint32
	firstBuffer   mbuf.Buf
	moreBuffers   []mbuf.Buf

	// Non-nil exactly while mode == ModeInFile.
	inFile *inFileState

	// BuffersFlushedCallback fires when the in-memory queue drains,
	// either because the consumer processed the last buffer or
	// because the writer finished moving it to disk.
	BuffersFlushedCallback Callback
	// DataFlushedCallback fires when the consumer has drained
	// everything that was buffered, in memory or on disk.
	DataFlushedCallback Callback
}

// NewFileBuffered builds a channel using the context's default
// configuration; cfg overrides it when non-nil.
func NewFileBuffered(ctx *Context, cfg *FileBufferedConfig) (*FileBufferedChannel, error) {
	config := ctx.DefaultConfig
	if cfg != nil {
		config = *cfg
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	id := channelIDs.Add(1)
	c := &FileBufferedChannel{
		ctx:    ctx,
		config: config,
		id:     id,
		tags:   metrics.ChannelTags(id),
	}
	c.down.ConsumedCallback = c.onChannelConsumed
	return c, nil
}

// SetDataCallback installs the consumer callback on the downstream
// channel.
func (c *FileBufferedChannel) SetDataCallback(cb DataCallback) {
	c.down.DataCallback = cb
}

/***** Public surface *****/

// Feed appends one buffer to the stream. The channel takes ownership
// of the caller's reference. Feeding after EOF or an error is
// silently ignored.
func (c *FileBufferedChannel) Feed(buf mbuf.Buf) {
	log.Trace().Uint64("ch", c.id).Int("bytes", buf.Len()).Msg("feeding")
	c.verifyInvariants()
	if c.Ended() {
		log.Trace().Uint64("ch", c.id).Msg("feeding aborted: EOF or error detected")
		buf.Release()
		return
	}
	metrics.Incr(metrics.KEY_FEED_COUNT, c.tags)
	c.pushBuffer(buf)
	if c.mode == ModeInMemory && c.PassedThreshold() {
		c.switchToInFileMode()
	} else if c.mode == ModeInFile &&
		c.inFile.writerState == WriterInactive &&
		c.config.AutoStartMover {
		c.moveNextBufferToFile()
	}
	if c.readerState == ReaderInactive {
		if c.down.AcceptingInput() {
			c.readNext()
		} else {
			c.readNextWhenChannelIdle()
		}
	}
}

// FeedBytes is a convenience wrapper around Feed.
func (c *FileBufferedChannel) FeedBytes(data []byte) {
	c.Feed(mbuf.FromBytes(data))
}

// FeedString is a convenience wrapper around Feed.
func (c *FileBufferedChannel) FeedString(data string) {
	c.Feed(mbuf.FromString(data))
}

// FeedEOF queues the end-of-stream sentinel.
func (c *FileBufferedChannel) FeedEOF() {
	c.Feed(mbuf.Buf{})
}

// FeedError latches an error into the channel. The first error wins;
// later ones are dropped.
func (c *FileBufferedChannel) FeedError(errcode syscall.Errno) {
	c.setError(errcode)
}

// Reinitialize reopens the channel for reuse after a completed
// stream. After an error, Deinitialize must be called first.
func (c *FileBufferedChannel) Reinitialize() {
	if c.readerState == ReaderTerminated && !c.hasErrored() {
		// The stream completed without Deinitialize: drop the queued
		// EOF and reset the reader before reopening.
		c.Deinitialize()
	}
	c.generation++
	c.down.Reinitialize()
	c.verifyInvariants()
}

// Deinitialize cancels the reader and writer, clears the queue and
// resets the channel. Outstanding I/O keeps running in the background
// with its cancellation flag set; the spill fd closes once the last
// in-flight completion releases its share of the in-file state.
func (c *FileBufferedChannel) Deinitialize() {
	log.Trace().Uint64("ch", c.id).Msg("deinitialize")
	c.cancelReader()
	if c.mode == ModeInFile {
		c.cancelWriter()
	}
	c.clearBuffers()
	c.mode = ModeInMemory
	c.readerState = ReaderInactive
	c.errcode = 0
	if c.inFile != nil {
		f := c.inFile
		c.inFile = nil
		f.release()
	}
	c.generation++
	c.down.Deinitialize()
}

// Start resumes the downstream channel after Stop.
func (c *FileBufferedChannel) Start() { c.down.Start() }

// Stop pauses the downstream channel.
func (c *FileBufferedChannel) Stop() { c.down.Stop() }

// Consumed completes a deferred downstream consumption; passthrough
// for consumers that processed a buffer asynchronously.
func (c *FileBufferedChannel) Consumed(n int, end bool) {
	c.down.Consumed(n, end)
}

// Ended reports whether the stream has reached its end: EOF queued,
// error latched, or the consumer terminated the stream.
func (c *FileBufferedChannel) Ended() bool {
	return (c.hasBuffers() && c.peekLastBuffer().Len() == 0) ||
		c.mode >= ModeErrorWaiting ||
		c.down.Ended()
}

// EndAcked reports whether the consumer has processed the EOF.
func (c *FileBufferedChannel) EndAcked() bool { return c.down.EndAcked() }

func (c *FileBufferedChannel) Mode() Mode               { return c.mode }
func (c *FileBufferedChannel) ReaderState() ReaderState { return c.readerState }
func (c *FileBufferedChannel) ErrCode() syscall.Errno      { return c.errcode }
func (c *FileBufferedChannel) BytesBuffered() uint32    { return c.bytesBuffered }
func (c *FileBufferedChannel) DownstreamState() State   { return c.down.State() }

// WriterState reports the writer's state; WriterInactive outside
// in-file mode.
func (c *FileBufferedChannel) WriterState() WriterState {
	if c.inFile == nil {
		return WriterInactive
	}
	return c.inFile.writerState
}

// PassedThreshold reports whether the buffered byte count has reached
// the spill threshold.
func (c *FileBufferedChannel) PassedThreshold() bool {
	return c.bytesBuffered >= c.config.Threshold
}

func (c *FileBufferedChannel) hasErrored() bool {
	return c.mode >= ModeErrorWaiting
}

/***** Mode / error coordinator *****/

func (c *FileBufferedChannel) switchToInFileMode() {
	c.assertf(c.mode == ModeInMemory, "switchToInFileMode outside in-memory mode")
	c.assertf(c.inFile == nil, "in-file state already allocated")

	log.Trace().Uint64("ch", c.id).Msg("switching to in-file mode")
	metrics.Incr(metrics.KEY_SPILL_SWITCH_COUNT, c.tags)
	c.mode = ModeInFile
	c.inFile = newInFileState(c.ctx.IO)
	c.createBufferFile()
}

// switchToInMemoryMode "truncates" the spill file by dropping it and
// returning to in-memory buffering. Closing happens via the shared
// in-file state, so pending background I/O stays unaffected.
func (c *FileBufferedChannel) switchToInMemoryMode() {
	c.assertf(c.mode == ModeInFile, "switchToInMemoryMode outside in-file mode")
	c.assertf(c.inFile.written <= 0, "switchToInMemoryMode with unread file data")

	log.Trace().Uint64("ch", c.id).Msg("dropping spill file, switching to in-memory mode")
	c.cancelWriter()
	c.clearBuffers()
	c.mode = ModeInMemory
	f := c.inFile
	c.inFile = nil
	f.release()
}

func (c *FileBufferedChannel) setError(errcode syscall.Errno) {
	if c.hasErrored() {
		return
	}

	log.Trace().Uint64("ch", c.id).Int("errno", int(errcode)).Msg("latching error")
	metrics.Incr(metrics.KEY_ERROR_COUNT, c.tags)
	c.cancelReader()
	if c.mode == ModeInFile {
		c.cancelWriter()
	}
	c.readerState = ReaderTerminated
	c.errcode = errcode
	if c.inFile != nil {
		f := c.inFile
		c.inFile = nil
		f.release()
	}
	if c.down.AcceptingInput() {
		log.Trace().Uint64("ch", c.id).Msg("feeding error")
		c.mode = ModeError
		c.down.FeedError(errcode)
	} else {
		log.Trace().Uint64("ch", c.id).Msg("waiting for downstream idle before feeding error")
		c.mode = ModeErrorWaiting
	}
}

func (c *FileBufferedChannel) feedErrorWhenChannelIdleOrEnded() {
	c.assertf(c.errcode != 0, "no latched error to feed")
	if c.down.IsIdle() {
		log.Trace().Uint64("ch", c.id).Msg("downstream idle, feeding deferred error")
		c.mode = ModeError
		c.down.FeedError(c.errcode)
	} else {
		log.Trace().Uint64("ch", c.id).Msg("downstream ended while trying to feed error")
	}
}

// cancelReader must be paired with setError or a full reset so the
// reader does not resume after the in-flight step returns.
func (c *FileBufferedChannel) cancelReader() {
	switch c.readerState {
	case ReaderFeeding, ReaderFeedingEOF, ReaderWaitingForChannelIdle:
	case ReaderReadingFromFile:
		c.inFile.readRequest.cancel()
		c.inFile.readRequest = nil
	case ReaderInactive, ReaderTerminated:
		return
	}
}

func (c *FileBufferedChannel) cancelWriter() {
	c.assertf(c.mode == ModeInFile, "cancelWriter outside in-file mode")

	switch c.inFile.writerState {
	case WriterInactive:
	case WriterCreatingFile, WriterMoving:
		if c.inFile.writerRequest != nil {
			c.inFile.writerRequest.cancel()
			c.inFile.writerRequest = nil
		}
	case WriterTerminated:
		return
	}
	c.inFile.writerState = WriterInactive
}

// onChannelConsumed is bound as the downstream consumed notification.
func (c *FileBufferedChannel) onChannelConsumed(_ *Channel, _ int) {
	if c.readerState == ReaderWaitingForChannelIdle {
		if c.down.AcceptingInput() {
			log.Trace().Uint64("ch", c.id).Msg("reader: downstream has become idle")
			c.verifyInvariants()
			c.readNext()
		} else {
			c.assertf(c.down.Ended(), "downstream neither accepting nor ended")
			log.Trace().Uint64("ch", c.id).Msg("reader: downstream ended while waiting for idle")
			c.terminateReaderBecauseOfEOF()
		}
	} else if c.mode == ModeErrorWaiting {
		c.feedErrorWhenChannelIdleOrEnded()
	}
}

/***** Invariants *****/

func (c *FileBufferedChannel) assertf(cond bool, msg string) {
	if invariantChecks && !cond {
		panic("filebuffered channel: " + msg)
	}
}

func (c *FileBufferedChannel) verifyInvariants() {
	if !invariantChecks {
		return
	}
	if c.ctx != nil {
		c.assertf(c.ctx.Loop.InLoop(), "channel state touched off the event loop")
	}
	if c.hasErrored() {
		c.assertf(c.readerState == ReaderTerminated, "errored but reader not terminated")
		c.assertf(c.inFile == nil, "errored but in-file state still held")
	}
	if c.readerState == ReaderWaitingForChannelIdle {
		c.assertf(!c.hasErrored(), "reader waiting for idle in error mode")
	}
	if c.readerState == ReaderReadingFromFile {
		c.assertf(c.mode == ModeInFile, "reading from file outside in-file mode")
		c.assertf(c.inFile.readRequest != nil, "reading from file without a read request")
		c.assertf(c.inFile.written > 0, "reading from file with written <= 0")
	}
	c.assertf((c.errcode == 0) == (c.mode < ModeErrorWaiting), "errcode and mode disagree")
	c.assertf((c.inFile != nil) == (c.mode == ModeInFile), "in-file state and mode disagree")
	if c.nbuffers == 0 {
		c.assertf(c.bytesBuffered == 0, "empty queue with non-zero byte count")
	}
	if c.inFile != nil && c.inFile.written < 0 {
		c.assertf(c.nbuffers > 0, "negative written with empty queue")
	}
}
