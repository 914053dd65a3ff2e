// Package mbuf implements reference-counted byte buffers backed by a
// pool of fixed-size blocks. A Buf is a window into a shared block;
// slicing never copies payload bytes. A zero-length Buf is the
// end-of-stream sentinel throughout this codebase.
package mbuf

import (
	"sync/atomic"
)

type block struct {
	buf    []byte
	refs   atomic.Int32
	pooled bool
	pool   *Pool
}

// Buf is a view into a reference-counted block. The zero value is the
// empty (EOF) buffer.
type Buf struct {
	data []byte
	blk  *block
}

// FromBytes wraps caller-owned bytes. No pooling, Release is a no-op.
func FromBytes(b []byte) Buf {
	if len(b) == 0 {
		return Buf{}
	}
	return Buf{data: b}
}

// FromString wraps a string's bytes. The copy is unavoidable since
// string memory is immutable, but it happens once at the edge.
func FromString(s string) Buf {
	return FromBytes([]byte(s))
}

func (b Buf) Len() int {
	return len(b.data)
}

// Bytes exposes the window. Callers must not retain it past Release.
func (b Buf) Bytes() []byte {
	return b.data
}

// Slice returns a window [lo, hi) sharing the same block and reference
// count. It does not take an extra reference.
func (b Buf) Slice(lo, hi int) Buf {
	return Buf{data: b.data[lo:hi], blk: b.blk}
}

// Ref takes an additional reference on the underlying block.
func (b Buf) Ref() Buf {
	if b.blk != nil {
		b.blk.refs.Add(1)
	}
	return b
}

// Release drops one reference. When the last reference of a pooled
// block is dropped, the block returns to its pool. Must be called on
// the goroutine the pool is confined to.
func (b Buf) Release() {
	if b.blk == nil {
		return
	}
	if b.blk.refs.Add(-1) == 0 && b.blk.pooled {
		b.blk.pool.put(b.blk)
	}
}
