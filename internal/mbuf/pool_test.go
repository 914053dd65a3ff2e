package mbuf

import (
	"testing"
)

func TestPoolLeaseRelease(t *testing.T) {
	p, err := NewPool(4096, 2)
	if err != nil {
		t.Fatal(err)
	}
	b := p.Get()
	if b.Len() != 4096 {
		t.Fatalf("expected 4096-byte window, got %d", b.Len())
	}
	if p.FreeBlocks() != 0 {
		t.Fatalf("expected empty free list, got %d", p.FreeBlocks())
	}
	b.Release()
	if p.FreeBlocks() != 1 {
		t.Fatalf("expected 1 free block after release, got %d", p.FreeBlocks())
	}

	// The parked block is reused.
	b2 := p.Get()
	if p.FreeBlocks() != 0 {
		t.Fatalf("expected reuse of parked block, free=%d", p.FreeBlocks())
	}
	b2.Release()
}

func TestPoolLeakyOverflow(t *testing.T) {
	p, err := NewPool(64, 1)
	if err != nil {
		t.Fatal(err)
	}
	b1 := p.Get()
	b2 := p.Get()
	b1.Release()
	b2.Release()
	// Capacity is 1, so the second release is dropped.
	if p.FreeBlocks() != 1 {
		t.Fatalf("expected free list capped at 1, got %d", p.FreeBlocks())
	}
}

func TestSliceSharesRefcount(t *testing.T) {
	p, err := NewPool(128, 4)
	if err != nil {
		t.Fatal(err)
	}
	b := p.Get()
	s := b.Slice(0, 10).Ref()
	b.Release()
	if p.FreeBlocks() != 0 {
		t.Fatal("block returned to pool while a slice still holds a reference")
	}
	s.Release()
	if p.FreeBlocks() != 1 {
		t.Fatal("block not returned after last reference dropped")
	}
}

func TestNonPooledBuffers(t *testing.T) {
	b := FromString("hello")
	if b.Len() != 5 {
		t.Fatalf("expected 5 bytes, got %d", b.Len())
	}
	b.Release() // no-op, must not panic

	e := FromBytes(nil)
	if e.Len() != 0 {
		t.Fatal("nil bytes should produce the empty sentinel")
	}
}

func TestZeroBlockSizeRejected(t *testing.T) {
	if _, err := NewPool(0, 1); err != ErrBlockSizeLessThan1 {
		t.Fatalf("expected ErrBlockSizeLessThan1, got %v", err)
	}
}
