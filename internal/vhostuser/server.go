package vhostuser

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
)

const headerSize = 12

// maxFDs bounds how many ancillary file descriptors a single message
// can carry — SET_MEM_TABLE is the only request that legitimately
// sends more than one (up to maxMemoryRegions).
const maxFDs = maxMemoryRegions

// Ring holds one virtqueue's negotiated state. DescTable/AvailRing/
// UsedRing are slices into a mapped MemoryRegion, valid only once
// both SET_MEM_TABLE and SET_VRING_ADDR have been processed.
type Ring struct {
	Num        uint32
	DescTable  []byte
	AvailRing  []byte
	UsedRing   []byte
	KickFD     int
	CallFD     int
	Enabled    bool
	LastUsedIdx uint16
}

// Backend is one vhost-user connection serving a single virtio-net
// device (one NIC). A reactor owns exactly one Backend and reads its
// rings through RingAt; the OnVringsReady hook is available for
// readiness notification but internal/reactor does not set it.
type Backend struct {
	mu sync.Mutex

	conn *net.UnixConn

	features         uint64
	protocolFeatures uint64

	regions []mappedRegion
	rings   []Ring

	netConfig VirtioNetConfig

	// OnVringsReady is invoked (from the message-handling goroutine)
	// whenever a ring has a nonzero size, kick and call fds, and is
	// enabled; its addresses are not checked.
	OnVringsReady func(queueIndex int, r *Ring)
}

type mappedRegion struct {
	guestPhysAddr uint64
	userAddr      uint64
	size          uint64
	mmapOffset    uint64
	data          []byte
}

// Bind creates the UNIX seqpacket socket at socketPath, ready to
// accept. Split out from Listen so a caller that must not block on a
// frontend attaching (e.g. netsuper.CreateRouter, which returns before
// cloud-hypervisor has even started) can accept in a background
// goroutine instead.
func Bind(socketPath string) (*net.UnixListener, error) {
	_ = os.Remove(socketPath)
	addr := &net.UnixAddr{Name: socketPath, Net: "unixpacket"}
	l, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", socketPath, err)
	}
	return l, nil
}

// Accept blocks for one vhost-user connection on l and returns the
// resulting Backend. Virtio-net devices are 1:1 with their control
// socket; a reconnect replaces the prior Backend entirely, matching
// how Cloud Hypervisor/QEMU reconnect vhost-user backends after a
// restart.
func Accept(l *net.UnixListener, mac [6]byte, mtu uint16) (*Backend, error) {
	conn, err := l.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return &Backend{
		conn: conn,
		netConfig: VirtioNetConfig{
			MAC:    mac,
			Status: virtioNetSLinkUp,
			MTU:    mtu,
		},
	}, nil
}

// Listen binds socketPath and accepts a single connection, for callers
// that are fine blocking until a frontend attaches (tests, simple
// one-shot tools).
func Listen(socketPath string, mac [6]byte, mtu uint16) (*Backend, error) {
	l, err := Bind(socketPath)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return Accept(l, mac, mtu)
}

// Serve processes vhost-user requests until the connection closes or
// an unrecoverable error occurs.
func (b *Backend) Serve() error {
	for {
		req, flags, payload, fds, err := b.readMessage()
		if err != nil {
			return err
		}
		reply, replyErr := b.handle(req, payload, fds)
		if replyErr != nil {
			return replyErr
		}
		if reply != nil || flags&flagNeedReply != 0 {
			if err := b.writeReply(req, reply); err != nil {
				return err
			}
		}
	}
}

func (b *Backend) readMessage() (Request, uint32, []byte, []int, error) {
	hdrBuf := make([]byte, headerSize)
	oob := make([]byte, syscall.CmsgSpace(4*maxFDs))

	n, oobn, _, _, err := b.conn.ReadMsgUnix(hdrBuf, oob)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	if n < headerSize {
		return 0, 0, nil, nil, fmt.Errorf("vhost-user: short header (%d bytes)", n)
	}

	req := Request(binary.LittleEndian.Uint32(hdrBuf[0:4]))
	flags := binary.LittleEndian.Uint32(hdrBuf[4:8])
	size := binary.LittleEndian.Uint32(hdrBuf[8:12])

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return 0, 0, nil, nil, err
	}

	var payload []byte
	if size > 0 {
		payload = make([]byte, size)
		if _, err := readFull(b.conn, payload); err != nil {
			return 0, 0, nil, nil, err
		}
	}

	return req, flags, payload, fds, nil
}

// readFull drains exactly len(buf) bytes for a message body that
// arrived as a follow-on stream read rather than in the initial
// control-message datagram — some vhost-user front-ends split large
// SET_MEM_TABLE bodies across writes.
func readFull(conn *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("vhost-user: parse control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		rights, err := syscall.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func (b *Backend) writeReply(req Request, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(req))
	binary.LittleEndian.PutUint32(hdr[4:8], flagReply|1) // version 1
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))

	buf := append(hdr, payload...)
	_, err := b.conn.Write(buf)
	return err
}

// Close tears down the connection and unmaps all guest memory
// regions.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.regions {
		_ = syscall.Munmap(r.data)
	}
	return b.conn.Close()
}
