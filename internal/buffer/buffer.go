package buffer

import "fmt"

// Buffer is a (index, start, len) view into one pool slot. Exclusively
// owned by whichever holder currently has it — not safe for concurrent
// use by two goroutines, only for handoff between them (Send, not Sync).
type Buffer struct {
	pool  *Pool
	index uint32
	start int
	len   int
}

// Index returns the pool slot index backing this buffer.
func (b Buffer) Index() uint32 { return b.index }

// Start returns the current data offset within the backing slot.
func (b Buffer) Start() int { return b.start }

// Len returns the current data length.
func (b Buffer) Len() int { return b.len }

// SetLen sets the data length, e.g. after a read() fills the write area.
func (b *Buffer) SetLen(n int) {
	if b.start+n > BufferSize {
		panic(fmt.Sprintf("buffer: SetLen(%d) overflows backing slot (start=%d)", n, b.start))
	}
	b.len = n
}

// Data returns the slice view [start, start+len) — the payload.
func (b Buffer) Data() []byte {
	s := b.pool.slice(b.index)
	return s[b.start : b.start+b.len]
}

// WriteArea returns the mutable slice from start to the end of the
// backing slot, for use as the destination of a recv/read call.
func (b Buffer) WriteArea() []byte {
	s := b.pool.slice(b.index)
	return s[b.start:]
}

// PrependEthHeader moves start back by 14 bytes and writes an Ethernet
// header (dst, src, ethertype). Panics on headroom underflow — this is
// a programmer error, not a runtime condition, per the dataplane's
// fail-fast contract for synthesizer bugs.
func (b *Buffer) PrependEthHeader(dst, src [6]byte, ethertype uint16) {
	const ethHdrLen = 14
	if b.start < ethHdrLen {
		panic(fmt.Sprintf("buffer: prepend eth header underflows headroom (start=%d)", b.start))
	}
	b.start -= ethHdrLen
	b.len += ethHdrLen
	hdr := b.pool.slice(b.index)[b.start : b.start+ethHdrLen]
	copy(hdr[0:6], dst[:])
	copy(hdr[6:12], src[:])
	hdr[12] = byte(ethertype >> 8)
	hdr[13] = byte(ethertype)
}

// PrependVirtioHdr moves start back by 12 bytes and zeroes the region
// (the legacy virtio-net header with no mergeable-buffer extension).
func (b *Buffer) PrependVirtioHdr() {
	const virtioHdrLen = 12
	if b.start < virtioHdrLen {
		panic(fmt.Sprintf("buffer: prepend virtio header underflows headroom (start=%d)", b.start))
	}
	b.start -= virtioHdrLen
	b.len += virtioHdrLen
	hdr := b.pool.slice(b.index)[b.start : b.start+virtioHdrLen]
	for i := range hdr {
		hdr[i] = 0
	}
}

// StripEthHeader advances start by 14 bytes and shrinks len accordingly.
func (b *Buffer) StripEthHeader() {
	const ethHdrLen = 14
	if b.len < ethHdrLen {
		panic(fmt.Sprintf("buffer: strip eth header underflows payload (len=%d)", b.len))
	}
	b.start += ethHdrLen
	b.len -= ethHdrLen
}

// StripVirtioHdr advances start by 12 bytes and shrinks len accordingly.
func (b *Buffer) StripVirtioHdr() {
	const virtioHdrLen = 12
	if b.len < virtioHdrLen {
		panic(fmt.Sprintf("buffer: strip virtio header underflows payload (len=%d)", b.len))
	}
	b.start += virtioHdrLen
	b.len -= virtioHdrLen
}

// IOSlice is a scatter-gather element suitable for writev/readv:
// a (pointer-equivalent, length) pair backed by the pool arena.
type IOSlice struct {
	Base []byte
}

// AsIOSlice produces a scatter-gather element over [start, start+len).
func (b Buffer) AsIOSlice() IOSlice {
	return IOSlice{Base: b.Data()}
}

// Release returns the buffer's slot to the pool's free list. Safe to
// call exactly once; calling it twice on copies of the same Buffer
// value double-frees the slot, which is a programming error the type
// system does not prevent (Buffer is a small value type, not a
// reference — callers must track ownership themselves, mirroring the
// "exclusive ownership, not enforced by the compiler" contract in
// spec.md's data model).
func (b Buffer) Release() {
	b.pool.release(b.index)
}
