// Package vhostuser implements a vhost-user backend for a single
// virtio-net device: the UNIX seqpacket control channel, feature
// negotiation, guest memory mapping, and virtqueue setup. Frame I/O
// itself happens through the mapped guest memory regions handed to
// internal/reactor, not through this package.
package vhostuser

import "fmt"

// Request is the vhost-user message type (VhostUserRequest in the
// spec). Numbering matches qemu's vhost-user.h exactly — this is a
// wire protocol, not a Go API, so the constants cannot be renumbered.
type Request uint32

const (
	ReqNone                 Request = 0
	ReqGetFeatures          Request = 1
	ReqSetFeatures          Request = 2
	ReqSetOwner             Request = 3
	ReqResetOwner           Request = 4
	ReqSetMemTable          Request = 5
	ReqSetLogBase           Request = 6
	ReqSetLogFD             Request = 7
	ReqSetVringNum          Request = 8
	ReqSetVringAddr         Request = 9
	ReqSetVringBase         Request = 10
	ReqGetVringBase         Request = 11
	ReqSetVringKick         Request = 12
	ReqSetVringCall         Request = 13
	ReqSetVringErr          Request = 14
	ReqGetProtocolFeatures  Request = 15
	ReqSetProtocolFeatures  Request = 16
	ReqGetQueueNum          Request = 17
	ReqSetVringEnable       Request = 18
	ReqSendRarp             Request = 19
	ReqNetSetMTU            Request = 20
	ReqSetBackendReqFD      Request = 21
	ReqGetConfig            Request = 24
	ReqSetConfig            Request = 25
	ReqGetMaxMemSlots       Request = 36
)

func (r Request) String() string {
	switch r {
	case ReqGetFeatures:
		return "GET_FEATURES"
	case ReqSetFeatures:
		return "SET_FEATURES"
	case ReqSetOwner:
		return "SET_OWNER"
	case ReqSetMemTable:
		return "SET_MEM_TABLE"
	case ReqSetVringNum:
		return "SET_VRING_NUM"
	case ReqSetVringAddr:
		return "SET_VRING_ADDR"
	case ReqSetVringBase:
		return "SET_VRING_BASE"
	case ReqGetVringBase:
		return "GET_VRING_BASE"
	case ReqSetVringKick:
		return "SET_VRING_KICK"
	case ReqSetVringCall:
		return "SET_VRING_CALL"
	case ReqGetProtocolFeatures:
		return "GET_PROTOCOL_FEATURES"
	case ReqSetProtocolFeatures:
		return "SET_PROTOCOL_FEATURES"
	case ReqGetQueueNum:
		return "GET_QUEUE_NUM"
	case ReqSetVringEnable:
		return "SET_VRING_ENABLE"
	case ReqNetSetMTU:
		return "NET_SET_MTU"
	case ReqGetConfig:
		return "GET_CONFIG"
	case ReqSetConfig:
		return "SET_CONFIG"
	default:
		return fmt.Sprintf("REQ(%d)", uint32(r))
	}
}

// Header is struct VhostUserMsg's fixed prefix, sent before every
// message body.
type Header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

const (
	flagVersionMask = 0x3
	flagReply       = 0x1 << 2
	flagNeedReply   = 0x1 << 3
)

// Feature bits this backend advertises via GET_FEATURES — the subset
// of virtio-net/virtio-ring features the reactor dataplane actually
// implements (spec.md §4.6).
const (
	VirtioNetFMac       = 1 << 5
	VirtioNetFMTU       = 1 << 3
	VirtioFVersion1     = 1 << 32
	VirtioFAnyLayout    = 1 << 27
	VringFEventIdx      = 1 << 29
	VhostFLogAll        = 1 << 26
	VhostUserFProtocolF = 1 << 30
)

// DefaultFeatures is the feature bitmask offered before protocol
// feature negotiation narrows it — MTU + MAC config space, version 1,
// and protocol features so MQ/MTU/CONFIG can be negotiated.
const DefaultFeatures = VirtioNetFMac | VirtioNetFMTU | VirtioFVersion1 | VringFEventIdx | VhostUserFProtocolF

// Protocol feature bits (VhostUserProtocolFeature).
const (
	ProtocolFMQ       = 1 << 0
	ProtocolFReplyAck = 1 << 3
	ProtocolFNetMTU   = 1 << 4
	ProtocolFConfig   = 1 << 9
	ProtocolFStatus   = 1 << 16
)

// DefaultProtocolFeatures is what this backend supports: multiqueue
// (one reactor per queue pair), MTU reporting, and config space
// access for MAC/link-status (spec.md §4.6).
const DefaultProtocolFeatures = ProtocolFMQ | ProtocolFNetMTU | ProtocolFConfig

const maxMemoryRegions = 8

// MemoryRegion mirrors VhostUserMemoryRegion: one contiguous range of
// guest physical memory, reachable in this process via an mmap of the
// fd that accompanied the message.
type MemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserAddr      uint64
	MmapOffset    uint64
}

// VringState mirrors VhostVringState (index + an opaque value whose
// meaning depends on the request: queue size for SET_VRING_NUM, last
// consumed index for SET_VRING_BASE, enable/disable for
// SET_VRING_ENABLE).
type VringState struct {
	Index uint32
	Num   uint32
}

// VringAddr mirrors VhostVringAddr: the three ring component addresses
// as seen from the guest's address space, translated through the
// mapped MemoryRegions before use.
type VringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

// Config mirrors VhostUserConfig's GET_CONFIG/SET_CONFIG payload,
// sized for virtio_net_config (mac[6] + status[2] + max_virtqueue_pairs[2] + mtu[2]).
type Config struct {
	Offset uint32
	Size   uint32
	Flags  uint32
	Region [12]byte
}

// VirtioNetConfig is the decoded form of Config.Region for this
// device's config space.
type VirtioNetConfig struct {
	MAC               [6]byte
	Status            uint16
	MaxVirtqueuePairs uint16
	MTU               uint16
}

func (c VirtioNetConfig) Encode() [12]byte {
	var b [12]byte
	copy(b[0:6], c.MAC[:])
	b[6] = byte(c.Status)
	b[7] = byte(c.Status >> 8)
	b[8] = byte(c.MaxVirtqueuePairs)
	b[9] = byte(c.MaxVirtqueuePairs >> 8)
	b[10] = byte(c.MTU)
	b[11] = byte(c.MTU >> 8)
	return b
}

// virtio-net link status bits (virtio_net_config.status).
const virtioNetSLinkUp = 1
