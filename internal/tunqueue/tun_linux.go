//go:build linux

// Package tunqueue wraps a Linux /dev/net/tun multiqueue TUN device as
// a reactor-attachable packet source, issuing raw ioctls through the
// standard syscall package rather than an x/sys/unix dependency.
package tunqueue

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

const (
	tunDevicePath = "/dev/net/tun"

	iffTun        = 0x0001
	iffNoPI       = 0x1000
	iffVnetHdr    = 0x4000
	iffMultiQueue = 0x0100

	tunSetIff        = 0x400454ca
	tunSetVnetHdrSz  = 0x400454d8
	tunSetOffload    = 0x400454d0

	tunFCsum = 0x01 // TUN_F_CSUM: the only offload we advertise

	// VnetHdrSize is the length of the virtio-net header every TUN
	// read/write is prefixed with once IFF_VNET_HDR is negotiated —
	// matches the 12-byte mergeable-buffer header layout vhost-user
	// guests expect (spec.md §4.6, "virtio-net header on every queue").
	VnetHdrSize = 12
)

// ifReq mirrors struct ifreq from <net/if.h>, trimmed to the fields
// TUNSETIFF needs: a 16-byte interface name followed by a flags word.
type ifReq struct {
	Name  [16]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Queue is one multiqueue TUN file descriptor, opened with
// IFF_VNET_HDR so every frame carries a virtio-net header and
// IFF_MULTI_QUEUE so additional reactors can open more queues against
// the same interface name.
type Queue struct {
	file    *os.File
	name    string
	vnetHdr bool
}

// Open creates (or attaches an additional queue to) a TUN interface
// named ifName. Each reactor that owns a NIC opens its own Queue
// against the same name to get an independent fd backed by the same
// kernel-side multiqueue interface.
func Open(ifName string) (*Queue, error) {
	fd, err := syscall.Open(tunDevicePath, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevicePath, err)
	}

	var req ifReq
	copy(req.Name[:], ifName)
	req.Flags = iffTun | iffNoPI | iffVnetHdr | iffMultiQueue

	if err := ioctl(fd, tunSetIff, unsafe.Pointer(&req)); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF(%s): %w", ifName, err)
	}

	hdrSize := int32(VnetHdrSize)
	if err := ioctl(fd, tunSetVnetHdrSz, unsafe.Pointer(&hdrSize)); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("TUNSETVNETHDRSZ: %w", err)
	}

	offload := uintptr(tunFCsum)
	if err := ioctlVal(fd, tunSetOffload, offload); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("TUNSETOFFLOAD: %w", err)
	}

	return &Queue{file: os.NewFile(uintptr(fd), ifName), name: ifName, vnetHdr: true}, nil
}

// Name returns the interface name this queue was opened against.
func (q *Queue) Name() string { return q.name }

// Fd returns the underlying file descriptor, for epoll registration.
func (q *Queue) Fd() int { return int(q.file.Fd()) }

// ReadInto reads one frame (virtio-net header included) into buf,
// returning the number of bytes read. buf must be at least
// VnetHdrSize + MTU to avoid truncation — the kernel silently drops
// the tail of an oversized frame rather than returning it in pieces.
func (q *Queue) ReadInto(buf []byte) (int, error) {
	return q.file.Read(buf)
}

// Write sends one frame (virtio-net header included) to the kernel
// for delivery to the interface's routing stack.
func (q *Queue) Write(frame []byte) (int, error) {
	return q.file.Write(frame)
}

// Close releases the queue's file descriptor. The kernel-side
// interface persists until every queue attached to it is closed.
func (q *Queue) Close() error {
	return q.file.Close()
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := syscall.RawSyscall(syscall.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlVal(fd int, req uintptr, val uintptr) error {
	_, _, errno := syscall.RawSyscall(syscall.SYS_IOCTL, uintptr(fd), req, val)
	if errno != 0 {
		return errno
	}
	return nil
}
