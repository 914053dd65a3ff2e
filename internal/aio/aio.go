// Package aio provides the asynchronous file I/O substrate for the
// buffered channel machinery. Operations are executed on a bounded
// worker pool and report completion through a callback carrying the
// raw result and errno. Completions fire on a worker goroutine; it is
// the caller's job to marshal back onto its event loop.
//
// Cancellation is cooperative: Cancel marks the request, a queued
// operation that has not started is skipped and completed with
// ECANCELED, and an operation already in flight runs to completion.
// Either way the completion callback always fires (except for a
// delay timer stopped before expiry), so request owners can free
// their contexts there.
package aio

import (
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// CompletionFunc receives the operation result (bytes transferred or
// the new fd, -1 on failure) and the errno, zero on success.
type CompletionFunc func(result int, errno syscall.Errno)

var ErrPoolClosed = errors.New("aio pool is closed")

type opKind uint8

const (
	opOpen opKind = iota
	opPread
	opPwrite
	opUnlink
	opClose
	opBusy
)

type op struct {
	kind     opKind
	path     string
	fd       int
	buf      []byte
	off      int64
	flags    int
	mode     uint32
	req      *Request
	complete CompletionFunc
}

// Request is the cancellable handle returned by every submission.
type Request struct {
	canceled atomic.Bool
	timer    atomic.Pointer[time.Timer]
}

// Cancel marks the request as canceled. A pending delay timer is
// stopped; queued file operations are skipped by the workers.
func (r *Request) Cancel() {
	r.canceled.Store(true)
	if t := r.timer.Load(); t != nil {
		t.Stop()
	}
}

func (r *Request) Canceled() bool {
	return r.canceled.Load()
}

type Pool struct {
	mu     sync.Mutex
	queue  chan *op
	wg     sync.WaitGroup
	closed bool
}

// NewPool starts a worker pool. workers defaults to 4, queueDepth to
// 256 when non-positive.
func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	p := &Pool{queue: make(chan *op, queueDepth)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Shutdown stops accepting work and waits for in-flight operations.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) submit(o *op) *Request {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if o.complete != nil {
			o.complete(-1, unix.ECANCELED)
		}
		return o.req
	}
	p.queue <- o
	p.mu.Unlock()
	return o.req
}

// Open submits an asynchronous open(2). The completion result is the
// new file descriptor.
func (p *Pool) Open(path string, flags int, mode uint32, cb CompletionFunc) *Request {
	return p.submit(&op{kind: opOpen, path: path, flags: flags, mode: mode, req: &Request{}, complete: cb})
}

// Pread submits an asynchronous positional read into buf.
func (p *Pool) Pread(fd int, buf []byte, off int64, cb CompletionFunc) *Request {
	return p.submit(&op{kind: opPread, fd: fd, buf: buf, off: off, req: &Request{}, complete: cb})
}

// Pwrite submits an asynchronous positional write of buf.
func (p *Pool) Pwrite(fd int, buf []byte, off int64, cb CompletionFunc) *Request {
	return p.submit(&op{kind: opPwrite, fd: fd, buf: buf, off: off, req: &Request{}, complete: cb})
}

// Unlink submits an asynchronous unlink(2).
func (p *Pool) Unlink(path string, cb CompletionFunc) *Request {
	return p.submit(&op{kind: opUnlink, path: path, req: &Request{}, complete: cb})
}

// Close submits an asynchronous close(2). cb may be nil.
func (p *Pool) Close(fd int, cb CompletionFunc) *Request {
	return p.submit(&op{kind: opClose, fd: fd, req: &Request{}, complete: cb})
}

// Busy completes after the given delay without performing any I/O.
// Unlike file operations it does not occupy a worker. If the request
// is canceled before expiry the completion never fires.
func (p *Pool) Busy(d time.Duration, cb CompletionFunc) *Request {
	req := &Request{}
	t := time.AfterFunc(d, func() {
		cb(0, 0)
	})
	req.timer.Store(t)
	if req.Canceled() {
		// Cancel raced with submission before the timer was stored.
		t.Stop()
	}
	return req
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for o := range p.queue {
		if o.req.Canceled() {
			o.finish(-1, unix.ECANCELED)
			continue
		}
		switch o.kind {
		case opOpen:
			fd, err := unix.Open(o.path, o.flags, o.mode)
			o.finish(fd, errnoOf(err))
		case opPread:
			n, err := unix.Pread(o.fd, o.buf, o.off)
			o.finish(n, errnoOf(err))
		case opPwrite:
			n, err := unix.Pwrite(o.fd, o.buf, o.off)
			o.finish(n, errnoOf(err))
		case opUnlink:
			err := unix.Unlink(o.path)
			o.finish(zeroOrMinusOne(err), errnoOf(err))
		case opClose:
			err := unix.Close(o.fd)
			o.finish(zeroOrMinusOne(err), errnoOf(err))
		default:
			log.Error().Int("kind", int(o.kind)).Msg("aio: unknown operation kind")
			o.finish(-1, unix.EINVAL)
		}
	}
}

func (o *op) finish(result int, errno syscall.Errno) {
	if errno != 0 {
		result = -1
	}
	if o.complete != nil {
		o.complete(result, errno)
	}
}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e syscall.Errno
	if errors.As(err, &e) {
		return e
	}
	return unix.EIO
}

func zeroOrMinusOne(err error) int {
	if err != nil {
		return -1
	}
	return 0
}
