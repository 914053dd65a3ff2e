package channel

import (
	"github.com/rs/zerolog/log"

	"github.com/maniacs-ops/passenger/internal/mbuf"
	"github.com/maniacs-ops/passenger/pkg/metrics"
)

// Queue primitives. The first buffer is stored inline; overflow goes
// into the moreBuffers slice. Counter limits are asserted rather than
// returned: a producer pushing past 4 GiB of backlog is a bug in the
// producer's own rate limiting.

func (c *FileBufferedChannel) hasBuffers() bool {
	return c.nbuffers > 0
}

func (c *FileBufferedChannel) peekBuffer() mbuf.Buf {
	return c.firstBuffer
}

func (c *FileBufferedChannel) peekLastBuffer() mbuf.Buf {
	if c.nbuffers <= 1 {
		return c.firstBuffer
	}
	return c.moreBuffers[len(c.moreBuffers)-1]
}

func (c *FileBufferedChannel) pushBuffer(buf mbuf.Buf) {
	c.assertf(uint64(c.bytesBuffered)+uint64(buf.Len()) <= MaxMemoryBuffering, "buffered byte count overflow")
	c.assertf(c.nbuffers < MaxBuffers, "buffer count overflow")
	if c.nbuffers == 0 {
		c.firstBuffer = buf
	} else {
		c.moreBuffers = append(c.moreBuffers, buf)
	}
	c.nbuffers++
	c.bytesBuffered += uint32(buf.Len())
	metrics.Gauge(metrics.KEY_BYTES_BUFFERED, float64(c.bytesBuffered), c.tags)
	log.Trace().Uint64("ch", c.id).Uint32("nbuffers", c.nbuffers).
		Uint32("bytes_buffered", c.bytesBuffered).Msg("pushed buffer")
}

// popBuffer drops the queue's reference on the head buffer. Callers
// that still need the head must Ref it before popping. Fires the
// buffers-flushed callback when the queue drains, which may reenter
// the channel; check the generation afterwards.
func (c *FileBufferedChannel) popBuffer() {
	c.assertf(c.bytesBuffered >= uint32(c.firstBuffer.Len()), "pop underflow")
	c.bytesBuffered -= uint32(c.firstBuffer.Len())
	c.nbuffers--
	c.firstBuffer.Release()
	metrics.Gauge(metrics.KEY_BYTES_BUFFERED, float64(c.bytesBuffered), c.tags)
	log.Trace().Uint64("ch", c.id).Uint32("nbuffers", c.nbuffers).
		Uint32("bytes_buffered", c.bytesBuffered).Msg("popped buffer")
	if len(c.moreBuffers) == 0 {
		c.firstBuffer = mbuf.Buf{}
		c.assertf(c.nbuffers == 0, "counter drift on pop")
		c.callBuffersFlushed()
	} else {
		c.firstBuffer = c.moreBuffers[0]
		c.moreBuffers = c.moreBuffers[1:]
	}
}

func (c *FileBufferedChannel) clearBuffers() {
	c.firstBuffer.Release()
	c.firstBuffer = mbuf.Buf{}
	for _, b := range c.moreBuffers {
		b.Release()
	}
	c.moreBuffers = nil
	c.nbuffers = 0
	c.bytesBuffered = 0
}

func (c *FileBufferedChannel) callBuffersFlushed() {
	if c.BuffersFlushedCallback != nil {
		log.Trace().Uint64("ch", c.id).Msg("calling buffers-flushed callback")
		c.BuffersFlushedCallback(c)
	}
}

func (c *FileBufferedChannel) callDataFlushed() {
	if c.DataFlushedCallback != nil {
		log.Trace().Uint64("ch", c.id).Msg("calling data-flushed callback")
		c.DataFlushedCallback(c)
	}
}
