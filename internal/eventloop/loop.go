// Package eventloop provides the single-threaded cooperative scheduler
// that all channel state machines run on. Work posted from other
// goroutines (I/O worker completions, producers) is executed in FIFO
// order on the loop goroutine.
package eventloop

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	running atomic.Bool
	goid    atomic.Uint64
}

func New() *Loop {
	l := &Loop{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Run processes posted work until Stop is called. It is meant to be
// called from a dedicated goroutine.
func (l *Loop) Run() {
	if !l.running.CompareAndSwap(false, true) {
		log.Warn().Msg("event loop already running")
		return
	}
	l.goid.Store(goroutineID())
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if l.stopped && len(l.queue) == 0 {
			l.mu.Unlock()
			l.goid.Store(0)
			l.running.Store(false)
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

// Post enqueues fn for execution on the loop goroutine. Safe to call
// from any goroutine. Work posted after Stop is silently dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.cond.Signal()
}

// PostAndWait runs fn on the loop goroutine and blocks until it has
// completed. Calling it from the loop goroutine would deadlock, so
// that is rejected outright.
func (l *Loop) PostAndWait(fn func()) {
	if l.InLoop() {
		log.Panic().Msg("PostAndWait called from the loop goroutine")
	}
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// InLoop reports whether the caller is running on the loop goroutine.
// False when the loop is not running.
func (l *Loop) InLoop() bool {
	id := l.goid.Load()
	return id != 0 && id == goroutineID()
}

// Stop drains the pending queue and then terminates Run.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.cond.Signal()
}

// goroutineID parses the caller's goroutine id out of the runtime
// stack header, which starts with "goroutine <id> [".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	const prefix = len("goroutine ")
	var id uint64
	for _, c := range buf[prefix:n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
