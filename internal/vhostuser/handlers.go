package vhostuser

import (
	"encoding/binary"
	"fmt"
	"syscall"
)

// handle dispatches one parsed vhost-user message and returns the
// reply payload (nil for requests with no body reply, e.g. SET_*
// calls that only ack via flagNeedReply).
func (b *Backend) handle(req Request, payload []byte, fds []int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch req {
	case ReqGetFeatures:
		return encodeU64(DefaultFeatures), nil

	case ReqSetFeatures:
		b.features = decodeU64(payload)
		return nil, nil

	case ReqSetOwner, ReqResetOwner:
		return nil, nil

	case ReqGetProtocolFeatures:
		return encodeU64(DefaultProtocolFeatures), nil

	case ReqSetProtocolFeatures:
		b.protocolFeatures = decodeU64(payload)
		return nil, nil

	case ReqGetQueueNum:
		return encodeU64(uint64(len(b.rings))), nil

	case ReqSetMemTable:
		return nil, b.setMemTable(payload, fds)

	case ReqSetVringNum:
		st := decodeVringState(payload)
		b.ring(int(st.Index)).Num = st.Num
		return nil, nil

	case ReqSetVringBase:
		st := decodeVringState(payload)
		b.ring(int(st.Index)).LastUsedIdx = uint16(st.Num)
		return nil, nil

	case ReqGetVringBase:
		st := decodeVringState(payload)
		r := b.ring(int(st.Index))
		return encodeVringState(VringState{Index: st.Index, Num: uint32(r.LastUsedIdx)}), nil

	case ReqSetVringAddr:
		return nil, b.setVringAddr(payload)

	case ReqSetVringKick:
		idx, fd := decodeFDPayload(payload, fds)
		b.ring(idx).KickFD = fd
		b.maybeReady(idx)
		return nil, nil

	case ReqSetVringCall:
		idx, fd := decodeFDPayload(payload, fds)
		b.ring(idx).CallFD = fd
		b.maybeReady(idx)
		return nil, nil

	case ReqSetVringErr:
		return nil, nil

	case ReqSetVringEnable:
		st := decodeVringState(payload)
		b.ring(int(st.Index)).Enabled = st.Num == 1
		b.maybeReady(int(st.Index))
		return nil, nil

	case ReqNetSetMTU:
		if len(payload) >= 4 {
			b.netConfig.MTU = uint16(binary.LittleEndian.Uint32(payload))
		}
		return nil, nil

	case ReqGetConfig:
		return b.encodeConfig(payload), nil

	case ReqSetConfig:
		return nil, nil

	case ReqGetMaxMemSlots:
		return encodeU64(maxMemoryRegions), nil

	default:
		return nil, fmt.Errorf("vhost-user: unsupported request %s", req)
	}
}

func (b *Backend) ring(index int) *Ring {
	for len(b.rings) <= index {
		b.rings = append(b.rings, Ring{})
	}
	return &b.rings[index]
}

// maybeReady fires OnVringsReady once a ring has both eventfds, a
// nonzero size, and is enabled — the point at which internal/reactor
// can safely register the kick fd with epoll and start draining it.
func (b *Backend) maybeReady(index int) {
	r := b.ring(index)
	if r.Num > 0 && r.KickFD != 0 && r.CallFD != 0 && r.Enabled && b.OnVringsReady != nil {
		b.OnVringsReady(index, r)
	}
}

// setMemTable maps every guest memory region named in the SET_MEM_TABLE
// payload, each backed by the fd that accompanied it in the same
// ancillary-data block, in the order both arrays were sent (the
// vhost-user spec guarantees fds[i] corresponds to regions[i]).
func (b *Backend) setMemTable(payload []byte, fds []int) error {
	if len(payload) < 8 {
		return fmt.Errorf("vhost-user: SET_MEM_TABLE payload too short")
	}
	nregions := int(binary.LittleEndian.Uint32(payload[0:4]))
	if nregions > maxMemoryRegions || nregions > len(fds) {
		return fmt.Errorf("vhost-user: SET_MEM_TABLE region/fd count mismatch (%d regions, %d fds)", nregions, len(fds))
	}

	for _, r := range b.regions {
		_ = syscall.Munmap(r.data)
	}
	b.regions = b.regions[:0]

	const regionSize = 32 // GuestPhysAddr, MemorySize, UserAddr, MmapOffset, each uint64
	off := 8
	for i := 0; i < nregions; i++ {
		if off+regionSize > len(payload) {
			return fmt.Errorf("vhost-user: SET_MEM_TABLE truncated region %d", i)
		}
		region := MemoryRegion{
			GuestPhysAddr: binary.LittleEndian.Uint64(payload[off:]),
			MemorySize:    binary.LittleEndian.Uint64(payload[off+8:]),
			UserAddr:      binary.LittleEndian.Uint64(payload[off+16:]),
			MmapOffset:    binary.LittleEndian.Uint64(payload[off+24:]),
		}
		off += regionSize

		data, err := syscall.Mmap(fds[i], int64(region.MmapOffset), int(region.MemorySize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("vhost-user: mmap region %d (fd=%d size=%d): %w", i, fds[i], region.MemorySize, err)
		}
		_ = syscall.Close(fds[i])

		b.regions = append(b.regions, mappedRegion{
			guestPhysAddr: region.GuestPhysAddr,
			userAddr:      region.UserAddr,
			size:          region.MemorySize,
			mmapOffset:    region.MmapOffset,
			data:          data,
		})
	}
	return nil
}

// translate finds the mapped host slice backing a guest user address,
// per virtio's "driver addresses are guest user-space addresses"
// convention (VhostVringAddr carries DriverAddr-space pointers).
func (b *Backend) translate(userAddr uint64, length int) ([]byte, error) {
	for _, r := range b.regions {
		if userAddr >= r.userAddr && userAddr+uint64(length) <= r.userAddr+r.size {
			start := userAddr - r.userAddr
			return r.data[start : start+uint64(length)], nil
		}
	}
	return nil, fmt.Errorf("vhost-user: address %#x (len %d) not in any mapped region", userAddr, length)
}

// TranslateGuestAddr resolves a guest-physical address — as carried by
// a virtqueue descriptor's Addr field, a different address space than
// VhostVringAddr's driver/user addresses — to the mapped host slice
// backing it. internal/reactor calls this once per descriptor while
// walking an available chain.
func (b *Backend) TranslateGuestAddr(addr uint64, length int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.regions {
		if addr >= r.guestPhysAddr && addr+uint64(length) <= r.guestPhysAddr+r.size {
			start := addr - r.guestPhysAddr
			return r.data[start : start+uint64(length)], nil
		}
	}
	return nil, fmt.Errorf("vhost-user: guest address %#x (len %d) not in any mapped region", addr, length)
}

// RingAt returns the ring state for queue index i, growing the ring
// table if needed. Exported so internal/reactor can drive descriptor
// chain walking without vhostuser needing to know about frame
// synthesis or routing.
func (b *Backend) RingAt(i int) *Ring {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring(i)
}

func (b *Backend) setVringAddr(payload []byte) error {
	if len(payload) < 40 {
		return fmt.Errorf("vhost-user: SET_VRING_ADDR payload too short")
	}
	addr := VringAddr{
		Index:         binary.LittleEndian.Uint32(payload[0:4]),
		Flags:         binary.LittleEndian.Uint32(payload[4:8]),
		DescUserAddr:  binary.LittleEndian.Uint64(payload[8:16]),
		UsedUserAddr:  binary.LittleEndian.Uint64(payload[16:24]),
		AvailUserAddr: binary.LittleEndian.Uint64(payload[24:32]),
		LogGuestAddr:  binary.LittleEndian.Uint64(payload[32:40]),
	}

	r := b.ring(int(addr.Index))
	if r.Num == 0 {
		return fmt.Errorf("vhost-user: SET_VRING_ADDR before SET_VRING_NUM for queue %d", addr.Index)
	}

	descLen := int(r.Num) * 16
	availLen := 4 + int(r.Num)*2 + 2 // flags+idx, ring entries, used_event
	usedLen := 4 + int(r.Num)*8 + 2  // flags+idx, ring entries, avail_event

	var err error
	if r.DescTable, err = b.translate(addr.DescUserAddr, descLen); err != nil {
		return err
	}
	if r.AvailRing, err = b.translate(addr.AvailUserAddr, availLen); err != nil {
		return err
	}
	if r.UsedRing, err = b.translate(addr.UsedUserAddr, usedLen); err != nil {
		return err
	}
	return nil
}

func (b *Backend) encodeConfig(request []byte) []byte {
	var offset, size uint32 = 0, 12
	if len(request) >= 8 {
		offset = binary.LittleEndian.Uint32(request[0:4])
		size = binary.LittleEndian.Uint32(request[4:8])
	}
	region := b.netConfig.Encode()

	out := make([]byte, 12+size)
	binary.LittleEndian.PutUint32(out[0:4], offset)
	binary.LittleEndian.PutUint32(out[4:8], size)
	binary.LittleEndian.PutUint32(out[8:12], 0)
	n := copy(out[12:], region[:])
	_ = n
	return out
}

func decodeU64(payload []byte) uint64 {
	if len(payload) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(payload)
}

func encodeU64(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

func decodeVringState(payload []byte) VringState {
	if len(payload) < 8 {
		return VringState{}
	}
	return VringState{
		Index: binary.LittleEndian.Uint32(payload[0:4]),
		Num:   binary.LittleEndian.Uint32(payload[4:8]),
	}
}

func encodeVringState(s VringState) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], s.Index)
	binary.LittleEndian.PutUint32(out[4:8], s.Num)
	return out
}

// decodeFDPayload handles the U64Payload convention vhost-user uses
// for SET_VRING_KICK/CALL: the low 8 bits of the u64 are the queue
// index, and bit 8 (VHOST_USER_VRING_IDX_F_NO_FD placeholder in some
// implementations) signals whether an fd accompanies the message. In
// practice every front-end in this corpus always attaches the fd, so
// a missing one is treated as index-only with fd -1.
func decodeFDPayload(payload []byte, fds []int) (int, int) {
	v := decodeU64(payload)
	idx := int(v & 0xff)
	if len(fds) > 0 {
		return idx, fds[0]
	}
	return idx, -1
}
