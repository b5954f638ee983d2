package vhostuser

// VringDesc mirrors struct vring_desc (virtio_ring.h), 16 bytes,
// naturally aligned — one entry in the guest-allocated descriptor
// table.
type VringDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	VringDescFNext     = 1
	VringDescFWrite    = 2
	VringDescFIndirect = 4
)

// VringAvail mirrors struct vring_avail's fixed header; Ring is a
// variable-length array of descriptor-table indices the driver has
// made available, read directly out of guest memory at the queue's
// configured size.
type VringAvail struct {
	Flags uint16
	Idx   uint16
}

// VringUsedElem mirrors struct vring_used_elem, 8 bytes.
type VringUsedElem struct {
	ID  uint32
	Len uint32
}

// VringUsedHeader mirrors struct vring_used's fixed header; entries
// follow as a variable-length array, same layout rule as VringAvail.
type VringUsedHeader struct {
	Flags uint16
	Idx   uint16
}

const ringDescAlign = 16
