package mbuf

import (
	"errors"
)

const DefaultBlockSize = 16 * 1024

var ErrBlockSizeLessThan1 = errors.New("block size must be greater than 0")

// Pool leases fixed-size blocks from a bounded free list. When the
// free list is empty a fresh block is allocated; when it is full,
// returned blocks are dropped for the garbage collector to reclaim.
// The pool is confined to a single goroutine.
type Pool struct {
	blockSize int
	free      []*block
}

func NewPool(blockSize, capacity int) (*Pool, error) {
	if blockSize <= 0 {
		return nil, ErrBlockSizeLessThan1
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{
		blockSize: blockSize,
		free:      make([]*block, 0, capacity),
	}, nil
}

func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Get leases a full-window Buf with one reference held by the caller.
func (p *Pool) Get() Buf {
	var blk *block
	if n := len(p.free); n > 0 {
		blk = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		blk = &block{
			buf:    make([]byte, p.blockSize),
			pooled: true,
			pool:   p,
		}
	}
	blk.refs.Store(1)
	return Buf{data: blk.buf, blk: blk}
}

// FreeBlocks reports how many blocks are parked on the free list.
func (p *Pool) FreeBlocks() int {
	return len(p.free)
}

func (p *Pool) put(blk *block) {
	if len(p.free) < cap(p.free) {
		p.free = append(p.free, blk)
	}
}
