package channel

import (
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/maniacs-ops/passenger/internal/mbuf"
)

func TestChannelSynchronousConsume(t *testing.T) {
	var got []byte
	var consumedNotes []int
	var ch Channel
	ch.DataCallback = func(c *Channel, buf mbuf.Buf) (int, bool) {
		got = append(got, buf.Bytes()...)
		return buf.Len(), false
	}
	ch.ConsumedCallback = func(c *Channel, n int) {
		consumedNotes = append(consumedNotes, n)
	}

	ch.Feed(mbuf.FromString("one"))
	if !ch.AcceptingInput() {
		t.Fatal("channel should be idle after synchronous consumption")
	}
	ch.Feed(mbuf.FromString("two"))
	if string(got) != "onetwo" {
		t.Fatalf("got %q", got)
	}
	if len(consumedNotes) != 2 || consumedNotes[0] != 3 {
		t.Fatalf("consumed notifications: %v", consumedNotes)
	}
}

func TestChannelDeferredConsume(t *testing.T) {
	var ch Channel
	delivered := 0
	ch.DataCallback = func(c *Channel, buf mbuf.Buf) (int, bool) {
		delivered++
		return -1, false
	}

	ch.Feed(mbuf.FromString("abc"))
	if ch.AcceptingInput() {
		t.Fatal("channel should be busy while the buffer is unconsumed")
	}
	if !ch.MayAcceptInputLater() {
		t.Fatal("busy channel should report it may accept later")
	}
	ch.Consumed(3, false)
	if !ch.AcceptingInput() {
		t.Fatal("channel should be idle after Consumed")
	}
	if delivered != 1 {
		t.Fatalf("delivered %d times", delivered)
	}
}

func TestChannelEOFAck(t *testing.T) {
	var ch Channel
	eofs := 0
	ch.DataCallback = func(c *Channel, buf mbuf.Buf) (int, bool) {
		if buf.Len() == 0 {
			eofs++
		}
		return 0, false
	}

	ch.Feed(mbuf.Buf{})
	if eofs != 1 {
		t.Fatalf("eofs = %d", eofs)
	}
	if !ch.Ended() || !ch.EndAcked() {
		t.Fatal("channel should have ended and acked EOF")
	}
	if ch.AcceptingInput() || ch.MayAcceptInputLater() {
		t.Fatal("ended channel must not accept input")
	}
}

func TestChannelConsumerEndsStream(t *testing.T) {
	var ch Channel
	ch.DataCallback = func(c *Channel, buf mbuf.Buf) (int, bool) {
		return buf.Len(), true
	}
	ch.Feed(mbuf.FromString("x"))
	if !ch.Ended() {
		t.Fatal("end=true should terminate the stream")
	}
	if ch.EndAcked() {
		t.Fatal("early termination is not an EOF ack")
	}
}

func TestChannelFeedError(t *testing.T) {
	var ch Channel
	var seen []syscall.Errno
	ch.DataCallback = func(c *Channel, buf mbuf.Buf) (int, bool) {
		if c.ErrCode() != 0 {
			seen = append(seen, c.ErrCode())
		}
		return 0, false
	}
	ch.FeedError(unix.ENOSPC)
	if len(seen) != 1 || seen[0] != unix.ENOSPC {
		t.Fatalf("seen = %v", seen)
	}
	if !ch.Ended() {
		t.Fatal("errored channel should report ended")
	}
	// A second error on a terminal channel is dropped.
	ch.FeedError(unix.EIO)
	if len(seen) != 1 {
		t.Fatalf("second error was delivered: %v", seen)
	}
}

func TestChannelStopStart(t *testing.T) {
	var ch Channel
	ch.DataCallback = func(c *Channel, buf mbuf.Buf) (int, bool) {
		return buf.Len(), false
	}
	notified := 0
	ch.ConsumedCallback = func(c *Channel, n int) { notified++ }

	ch.Stop()
	if ch.AcceptingInput() {
		t.Fatal("stopped channel must not accept input")
	}
	if !ch.MayAcceptInputLater() {
		t.Fatal("stopped channel should report it may accept later")
	}
	ch.Start()
	if !ch.AcceptingInput() {
		t.Fatal("started channel should accept input")
	}
	if notified != 1 {
		t.Fatalf("Start should fire the consumed notification, got %d", notified)
	}
}

func TestChannelReinitialize(t *testing.T) {
	var ch Channel
	ch.DataCallback = func(c *Channel, buf mbuf.Buf) (int, bool) {
		return 0, false
	}
	ch.Feed(mbuf.Buf{})
	if !ch.Ended() {
		t.Fatal("expected EOF")
	}
	ch.Reinitialize()
	if ch.Ended() || !ch.AcceptingInput() {
		t.Fatal("reinitialized channel should be fresh")
	}
}
