// Package buffer implements the fixed-capacity, hugepage-backed buffer
// pool that every reactor allocates its packet storage from.
//
// Allocation is lock-free and O(1); a Buffer is returned to the pool
// automatically when its last holder calls Release. The pool never
// grows — BUFFER_SIZE and POOL_SIZE are fixed at construction.
package buffer

import (
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
)

const (
	// BufferSize is the size in bytes of a single buffer, chosen to
	// hold a GSO super-frame plus headroom.
	BufferSize = 64 * 1024

	// Headroom is the prefix reserved for prepending Ethernet (14 bytes)
	// and virtio-net (12 bytes) headers without copying the payload.
	Headroom = 26

	hugePageSize = 2 * 1024 * 1024
)

// ErrPoolExhausted is returned by Alloc when no buffer is free.
var ErrPoolExhausted = errors.New("buffer: pool exhausted")

// Pool is a fixed-size arena of BufferSize-byte slots. Safe for
// concurrent use by multiple reactors; a Buffer popped by one holder
// is not visible to any other holder until it is released.
type Pool struct {
	arena    []byte
	size     uint32 // POOL_SIZE
	hugePage bool

	// free is a Treiber-stack style lock-free LIFO of slot indices.
	// free[i] holds the 1-based index of the next free slot after i;
	// 0 terminates the list. top is the 1-based head, 0 = empty.
	free []uint32
	top  atomic.Uint64
	used atomic.Uint32
}

// New allocates a pool of `count` buffers, each BufferSize bytes,
// preferring 2 MiB huge pages and falling back to regular anonymous
// pages if the kernel refuses MAP_HUGETLB.
func New(count int) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("buffer: pool size must be positive, got %d", count)
	}
	total := count * BufferSize

	arena, hugePage, err := mapArena(total)
	if err != nil {
		return nil, fmt.Errorf("buffer: map arena: %w", err)
	}

	p := &Pool{
		arena:    arena,
		size:     uint32(count),
		hugePage: hugePage,
		free:     make([]uint32, count),
	}
	// Pre-populate the free list 0..count-1, LIFO-linked.
	for i := 0; i < count; i++ {
		if i == count-1 {
			p.free[i] = 0
		} else {
			p.free[i] = uint32(i+2) // next slot, 1-based
		}
	}
	p.top.Store(1) // points at slot 0, 1-based
	return p, nil
}

func mapArena(size int) ([]byte, bool, error) {
	flags := syscall.MAP_PRIVATE | syscall.MAP_ANON
	const mapHugeTLB = 0x40000 // Linux MAP_HUGETLB, not exported by syscall on all arches
	b, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, flags|mapHugeTLB)
	if err == nil {
		return b, true, nil
	}
	b, err = syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, flags)
	if err != nil {
		return nil, false, err
	}
	return b, false, nil
}

// Size returns POOL_SIZE, the total number of buffers in the pool.
func (p *Pool) Size() int { return int(p.size) }

// HugePages reports whether the arena is backed by huge pages.
func (p *Pool) HugePages() bool { return p.hugePage }

// Free returns the current free-list length. Used by tests asserting
// the conservation invariant: Free() + in-flight count == Size().
func (p *Pool) Free() int { return int(p.size - p.used.Load()) }

// InUse returns the number of buffers currently held outside the pool.
func (p *Pool) InUse() int { return int(p.used.Load()) }

// Alloc pops a free buffer. Returns ErrPoolExhausted if none remain.
// Never blocks.
func (p *Pool) Alloc() (Buffer, error) {
	for {
		top := p.top.Load()
		if top == 0 {
			return Buffer{}, ErrPoolExhausted
		}
		idx := top - 1
		next := uint64(p.free[idx])
		if p.top.CompareAndSwap(top, next) {
			p.used.Add(1)
			return Buffer{
				pool:  p,
				index: uint32(idx),
				start: Headroom,
				len:   0,
			}, nil
		}
	}
}

// release pushes idx back onto the free list. Called by Buffer.Release.
func (p *Pool) release(idx uint32) {
	for {
		top := p.top.Load()
		p.free[idx] = uint32(top)
		if p.top.CompareAndSwap(top, uint64(idx+1)) {
			p.used.Add(^uint32(0)) // -1
			return
		}
	}
}

// FromIndex reconstructs a Buffer handle for a slot index that crossed
// a boundary carrying only the index (e.g. a PacketRef's
// Source.BufferIndex, reconstituted on CompletionNotify so the
// reactor can Release it). The caller is responsible for knowing the
// slot is actually outstanding — this does not re-check ownership.
func (p *Pool) FromIndex(idx uint32) (Buffer, error) {
	if idx >= p.size {
		return Buffer{}, fmt.Errorf("buffer: index %d out of range (size %d)", idx, p.size)
	}
	return Buffer{pool: p, index: idx, start: Headroom, len: 0}, nil
}

// slice returns the full BufferSize-byte backing region for idx.
func (p *Pool) slice(idx uint32) []byte {
	off := int(idx) * BufferSize
	return p.arena[off : off+BufferSize]
}

// Close unmaps the arena. Callers must ensure no Buffer is still in
// flight — this is a process-shutdown operation, not a per-reactor one.
func (p *Pool) Close() error {
	return syscall.Munmap(p.arena)
}
