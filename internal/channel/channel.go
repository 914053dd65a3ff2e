package channel

import (
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/maniacs-ops/passenger/internal/mbuf"
)

// State of the capacity-1 channel.
type State uint8

const (
	// StateIdle: no buffer in flight, the channel accepts input.
	StateIdle State = iota
	// StateCalling: the data callback is currently running.
	StateCalling
	// StateWaitingForConsumed: the data callback returned "will
	// consume later"; waiting for Consumed.
	StateWaitingForConsumed
	// StateEOF: the consumer processed the EOF sentinel or asked to
	// end the stream. Terminal until Reinitialize.
	StateEOF
	// StateErrored: an error was delivered to the consumer. Terminal
	// until Deinitialize + Reinitialize.
	StateErrored
)

// DataCallback processes one buffer. An empty buffer is EOF, unless
// c.ErrCode() is non-zero, in which case it signals that error.
// Return (n, end) to consume synchronously, where end requests stream
// termination. Return n < 0 to consume later via c.Consumed.
type DataCallback func(c *Channel, buf mbuf.Buf) (int, bool)

// Channel is the capacity-1 conduit that invokes the consumer
// callback. It is confined to the event-loop goroutine.
type Channel struct {
	state    State
	stopped  bool
	errcode  syscall.Errno
	cur      mbuf.Buf
	endAcked bool

	DataCallback DataCallback
	// ConsumedCallback fires after each fed buffer has been fully
	// processed, with the number of bytes consumed.
	ConsumedCallback func(c *Channel, n int)
}

// Feed hands one buffer to the consumer. The channel takes ownership
// of the caller's buffer reference. May only be called while
// AcceptingInput reports true.
func (c *Channel) Feed(buf mbuf.Buf) {
	if !c.AcceptingInput() {
		log.Panic().Int("state", int(c.state)).Msg("channel: Feed while not accepting input")
	}
	c.cur = buf
	c.state = StateCalling
	n, end := c.DataCallback(c, buf)
	if n < 0 {
		if c.state == StateCalling {
			c.state = StateWaitingForConsumed
		}
		return
	}
	c.finishConsumed(n, end)
}

// Consumed completes a deferred consumption started by a data
// callback that returned n < 0.
func (c *Channel) Consumed(n int, end bool) {
	if c.state != StateWaitingForConsumed {
		log.Panic().Int("state", int(c.state)).Msg("channel: Consumed without a pending buffer")
	}
	c.finishConsumed(n, end)
}

func (c *Channel) finishConsumed(n int, end bool) {
	buf := c.cur
	c.cur = mbuf.Buf{}
	wasEOF := buf.Len() == 0
	switch {
	case end:
		c.state = StateEOF
	case wasEOF:
		c.state = StateEOF
		c.endAcked = true
	default:
		c.state = StateIdle
	}
	buf.Release()
	if c.ConsumedCallback != nil {
		c.ConsumedCallback(c, n)
	}
}

// FeedError delivers an error to the consumer as an empty buffer with
// ErrCode set. May only be called while the channel is idle.
func (c *Channel) FeedError(errcode syscall.Errno) {
	if c.state >= StateEOF {
		return
	}
	c.errcode = errcode
	c.state = StateCalling
	if c.DataCallback != nil {
		c.DataCallback(c, mbuf.Buf{})
	}
	c.state = StateErrored
}

// Stop pauses input acceptance without terminating the stream.
func (c *Channel) Stop() {
	c.stopped = true
}

// Start resumes input acceptance. If the channel is idle this fires
// the consumed notification so parked feeders wake up.
func (c *Channel) Start() {
	if !c.stopped {
		return
	}
	c.stopped = false
	if c.state == StateIdle && c.ConsumedCallback != nil {
		c.ConsumedCallback(c, 0)
	}
}

// AcceptingInput reports whether Feed may be called right now.
func (c *Channel) AcceptingInput() bool {
	return c.state == StateIdle && !c.stopped
}

// MayAcceptInputLater reports whether the channel could accept input
// again once the in-flight buffer is consumed or Start is called.
func (c *Channel) MayAcceptInputLater() bool {
	if c.state >= StateEOF {
		return false
	}
	return !c.AcceptingInput()
}

// IsIdle is an alias for AcceptingInput.
func (c *Channel) IsIdle() bool {
	return c.AcceptingInput()
}

// Ended reports whether the stream reached EOF or errored.
func (c *Channel) Ended() bool {
	return c.state >= StateEOF
}

// EndAcked reports whether the consumer has processed the EOF
// sentinel.
func (c *Channel) EndAcked() bool {
	return c.endAcked
}

func (c *Channel) ErrCode() syscall.Errno {
	return c.errcode
}

func (c *Channel) State() State {
	return c.state
}

// Reinitialize reopens the channel for a new stream after EOF.
func (c *Channel) Reinitialize() {
	c.state = StateIdle
	c.stopped = false
	c.errcode = 0
	c.endAcked = false
}

// Deinitialize drops any in-flight buffer and resets the channel.
func (c *Channel) Deinitialize() {
	c.cur.Release()
	c.cur = mbuf.Buf{}
	c.state = StateIdle
	c.stopped = false
	c.errcode = 0
	c.endAcked = false
}
