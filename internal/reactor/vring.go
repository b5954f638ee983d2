package reactor

import (
	"encoding/binary"

	"github.com/reactornet/reactornet/internal/packetref"
	"github.com/reactornet/reactornet/internal/vhostuser"
)

// descriptorChain is one popped avail entry: the resolved host-virtual
// iovecs (skipping the leading virtio-net header per spec.md §4.4's
// "frame = concat iovecs[skipping virtio-net hdr]") plus enough of the
// original chain to return it to the used ring later.
type descriptorChain struct {
	headIndex uint16
	iovecs    [packetref.MaxIovecs]packetref.Iovec
	iovecsLen int
	totalLen  uint32
}

// popAvailDescriptorChain advances ring.LastUsedIdx by one chain if the
// driver has made a new one available, translating every descriptor's
// guest-physical address through backend. It returns ok=false when
// avail.Idx == ring.LastUsedIdx (queue empty).
func popAvailDescriptorChain(ring *vhostuser.Ring, backend *vhostuser.Backend) (descriptorChain, bool) {
	if len(ring.AvailRing) < 4 {
		return descriptorChain{}, false
	}
	availIdx := binary.LittleEndian.Uint16(ring.AvailRing[2:4])
	if availIdx == ring.LastUsedIdx {
		return descriptorChain{}, false
	}

	slot := ring.LastUsedIdx % uint16(ring.Num)
	ringOffset := 4 + int(slot)*2
	if ringOffset+2 > len(ring.AvailRing) {
		return descriptorChain{}, false
	}
	head := binary.LittleEndian.Uint16(ring.AvailRing[ringOffset : ringOffset+2])

	var chain descriptorChain
	chain.headIndex = head

	idx := head
	skippedHeader := false
	for {
		if chain.iovecsLen >= packetref.MaxIovecs {
			break
		}
		off := int(idx) * 16
		if off+16 > len(ring.DescTable) {
			break
		}
		addr := binary.LittleEndian.Uint64(ring.DescTable[off : off+8])
		length := binary.LittleEndian.Uint32(ring.DescTable[off+8 : off+12])
		flags := binary.LittleEndian.Uint16(ring.DescTable[off+12 : off+14])
		next := binary.LittleEndian.Uint16(ring.DescTable[off+14 : off+16])

		data, err := backend.TranslateGuestAddr(addr, int(length))
		if err == nil {
			if !skippedHeader && len(data) >= vnetHdrLen {
				data = data[vnetHdrLen:]
				skippedHeader = true
			} else if !skippedHeader {
				skippedHeader = true
			}
			if len(data) > 0 {
				chain.iovecs[chain.iovecsLen] = packetref.Iovec{Base: data}
				chain.iovecsLen++
				chain.totalLen += uint32(len(data))
			}
		}

		if flags&vhostuser.VringDescFNext == 0 {
			break
		}
		idx = next
	}

	ring.LastUsedIdx++
	return chain, true
}

// pushUsed writes a used-ring entry for headIndex/length and advances
// the used Idx — the guest observes this and may reclaim the
// descriptor chain.
func pushUsed(ring *vhostuser.Ring, headIndex uint16, length uint32) {
	if len(ring.UsedRing) < 4 {
		return
	}
	usedIdx := binary.LittleEndian.Uint16(ring.UsedRing[2:4])
	slot := usedIdx % uint16(ring.Num)
	off := 4 + int(slot)*8
	if off+8 > len(ring.UsedRing) {
		return
	}
	binary.LittleEndian.PutUint32(ring.UsedRing[off:off+4], uint32(headIndex))
	binary.LittleEndian.PutUint32(ring.UsedRing[off+4:off+8], length)
	binary.LittleEndian.PutUint16(ring.UsedRing[2:4], usedIdx+1)
}

// writeIntoChain copies frame into c's iovecs in order, spanning
// descriptor boundaries as needed, and returns the number of bytes
// actually written (min(len(frame), chain capacity)). Unlike
// flattenChain — which is read-oriented and returns a throwaway copy
// for multi-descriptor chains — this writes through to the real
// guest-memory-backed descriptor data so an RX chain spanning more
// than one descriptor is filled correctly.
func writeIntoChain(c descriptorChain, frame []byte) int {
	written := 0
	for i := 0; i < c.iovecsLen && written < len(frame); i++ {
		n := copy(c.iovecs[i].Base, frame[written:])
		written += n
	}
	return written
}

// vnetHdrLen is the virtio-net header length negotiated via
// TUNSETVNETHDRSZ / the vhost-user mergeable-rx-buffers feature — the
// same 12 bytes in both transports (spec.md §4.4/§4.6).
const vnetHdrLen = 12
