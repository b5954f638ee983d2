// Package reactor implements the per-NIC event loop: a single
// goroutine servicing one vhost-user virtqueue pair, one optional TUN
// queue, and one inter-reactor mailbox, synthesizing protocol replies
// and routing everything else by destination IP (spec.md §4.4).
package reactor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/reactornet/reactornet/internal/buffer"
	"github.com/reactornet/reactornet/internal/packetref"
	"github.com/reactornet/reactornet/internal/reactorreg"
	"github.com/reactornet/reactornet/internal/routetable"
	"github.com/reactornet/reactornet/internal/synth"
	"github.com/reactornet/reactornet/internal/tunqueue"
	"github.com/reactornet/reactornet/internal/vhostuser"
)

// mailboxBatchSize bounds how many mailbox messages are drained per
// wakeup before the reactor re-polls — the Open Question spec.md §9
// leaves as "tune empirically." SPEC_FULL.md §11 records the decision:
// 64, matching one vring's typical depth so a single mailbox wakeup
// can fully drain one incoming batch without starving other fds.
const mailboxBatchSize = 64

const (
	tagShutdown int32 = -1
	tagMailbox  int32 = -2
	tagTun      int32 = -3
)

// channelMailbox adapts a buffered Go channel to reactorreg.Mailbox.
type channelMailbox struct {
	ch chan packetref.Message
}

func (m channelMailbox) Enqueue(msg packetref.Message) error {
	select {
	case m.ch <- msg:
		return nil
	default:
		return fmt.Errorf("reactor: mailbox full")
	}
}

// Config describes one reactor's static configuration, assembled by
// internal/netsuper's Router Supervisor.
type Config struct {
	ID       reactorreg.ID
	Registry *reactorreg.Registry
	Table    *routetable.Table
	NIC      synth.NicConfig

	Pool *buffer.Pool

	Tun     *tunqueue.Queue    // nil if this reactor has no TUN side
	Vhost   *vhostuser.Backend // nil if not yet attached; see AttachVhost
	TxQueue int                // vhost queue index carrying guest TX (default 1)
	RxQueue int                // vhost queue index carrying guest RX (default 0)

	MailboxDepth int // default 1024 if zero
}

// vhostBinding bundles a vhost-user backend with its queue indices so
// they can be swapped in atomically — netsuper attaches these once the
// guest has actually dialed the control socket, which happens after
// Run is already looping (spec.md §4.5: "hands ... to the reactor
// through a one-shot channel").
type vhostBinding struct {
	backend *vhostuser.Backend
	txQ     int
	rxQ     int
}

// Reactor is a single-threaded actor bound to one NIC.
type Reactor struct {
	id       reactorreg.ID
	registry *reactorreg.Registry
	table    atomic.Pointer[routetable.Table] // swappable via SetTable (netsuper's set_default_table)
	nic      synth.NicConfig
	pool     *buffer.Pool

	tun   *tunqueue.Queue
	vhost atomic.Pointer[vhostBinding]

	mailboxCh chan packetref.Message
	eventfd   int

	shutdownFd   int
	shuttingDown atomic.Bool

	counters  Counters
	conntrack *conntrack

	nextPacketID uint64
}

// New constructs a reactor from cfg. The caller registers the
// returned Reactor's Eventfd()/ID() with the registry before
// publishing it anywhere another reactor could look it up.
func New(cfg Config) (*Reactor, error) {
	eventfd, err := reactorreg.NewEventfd()
	if err != nil {
		return nil, fmt.Errorf("reactor: create mailbox eventfd: %w", err)
	}
	shutdownFd, err := reactorreg.NewEventfd()
	if err != nil {
		return nil, fmt.Errorf("reactor: create shutdown eventfd: %w", err)
	}

	depth := cfg.MailboxDepth
	if depth == 0 {
		depth = 1024
	}

	r := &Reactor{
		id:         cfg.ID,
		registry:   cfg.Registry,
		nic:        cfg.NIC,
		pool:       cfg.Pool,
		tun:        cfg.Tun,
		mailboxCh:  make(chan packetref.Message, depth),
		eventfd:    eventfd,
		shutdownFd: shutdownFd,
		conntrack:  newConntrack(4096),
	}
	r.table.Store(cfg.Table)
	if cfg.Vhost != nil {
		txQ, rxQ := cfg.TxQueue, cfg.RxQueue
		if txQ == 0 && rxQ == 0 {
			txQ, rxQ = 1, 0
		}
		r.vhost.Store(&vhostBinding{backend: cfg.Vhost, txQ: txQ, rxQ: rxQ})
	}
	return r, nil
}

// AttachVhost wires a vhost-user backend into a reactor that was
// constructed without one — the common case, since netsuper.CreateRouter
// must return (and start Run) before cloud-hypervisor has even dialed
// the control socket. Safe to call from any goroutine while Run loops;
// the next pollVhostTx/injectLocalRX call observes it.
func (r *Reactor) AttachVhost(backend *vhostuser.Backend, txQueue, rxQueue int) {
	if txQueue == 0 && rxQueue == 0 {
		txQueue, rxQueue = 1, 0
	}
	r.vhost.Store(&vhostBinding{backend: backend, txQ: txQueue, rxQ: rxQueue})
}

// ID returns this reactor's process-unique identity.
func (r *Reactor) ID() reactorreg.ID { return r.id }

// SetTable atomically swaps the routing table this reactor consults —
// the reactor-side counterpart of netsuper's set_default_table, safe
// to call from any goroutine while Run is looping.
func (r *Reactor) SetTable(t *routetable.Table) { r.table.Store(t) }

// Eventfd returns the mailbox wakeup fd, for registration in the
// reactor registry's Info entry.
func (r *Reactor) Eventfd() int { return r.eventfd }

// Mailbox returns the Enqueue-only view of this reactor's inbound
// channel, for registration in the reactor registry.
func (r *Reactor) Mailbox() reactorreg.Mailbox { return channelMailbox{ch: r.mailboxCh} }

// Counters exposes read-only telemetry accessors.
func (r *Reactor) Counters() *Counters { return &r.counters }

// Shutdown signals the reactor's shutdown fd; Run returns soon after.
func (r *Reactor) Shutdown() error {
	r.shuttingDown.Store(true)
	return reactorreg.SignalEventfd(r.shutdownFd)
}

// Run is the reactor's event loop. It blocks until Shutdown is called
// or ctx is canceled (ctx is checked each time the poll wait returns).
// On Shutdown it first drains the messages already queued in its
// mailbox, so queued completions return their descriptors and pool
// buffers, and then returns — never spawning its own goroutine, so the caller
// controls the OS thread the reactor runs on (spec.md §4.4: "single
// OS thread, single poll set").
func (r *Reactor) Run(ctx context.Context) error {
	p, err := newPoller()
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.add(r.eventfd, tagMailbox); err != nil {
		return fmt.Errorf("reactor: register mailbox fd: %w", err)
	}
	if err := p.add(r.shutdownFd, tagShutdown); err != nil {
		return fmt.Errorf("reactor: register shutdown fd: %w", err)
	}
	if r.tun != nil {
		if err := p.add(r.tun.Fd(), tagTun); err != nil {
			return fmt.Errorf("reactor: register tun fd: %w", err)
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Vhost kick fds are not in the poll set, so while a vhost
		// binding is attached the wait is bounded and the guest TX
		// ring is polled on every pass.
		timeoutMs := -1
		if r.vhost.Load() != nil {
			timeoutMs = 1
		}
		ready, err := p.wait(timeoutMs)
		if err != nil {
			return err
		}

		for _, tag := range ready {
			switch tag {
			case tagShutdown:
				reactorreg.DrainEventfd(r.shutdownFd)
				for len(r.mailboxCh) > 0 {
					r.drainMailbox()
				}
				return nil
			case tagMailbox:
				reactorreg.DrainEventfd(r.eventfd)
				r.drainMailbox()
			case tagTun:
				r.pollTun()
			default:
				// Only the mailbox, shutdown and TUN fds are
				// registered, so no other tag is returned.
			}
		}

		if vb := r.vhost.Load(); vb != nil {
			r.pollVhostTx(vb)
		}

		if r.shuttingDown.Load() {
			for len(r.mailboxCh) > 0 {
				r.drainMailbox()
			}
			return nil
		}
	}
}

// drainMailbox processes up to mailboxBatchSize queued messages.
func (r *Reactor) drainMailbox() {
	for i := 0; i < mailboxBatchSize; i++ {
		select {
		case msg := <-r.mailboxCh:
			r.handleMailboxMessage(msg)
		default:
			return
		}
	}
}

func (r *Reactor) handleMailboxMessage(msg packetref.Message) {
	switch {
	case msg.Packet != nil:
		r.deliverPacket(msg.Packet)
	case msg.Completion != nil:
		r.handleCompletion(msg.Completion)
	}
}

// deliverPacket performs the I/O for a PacketRef that another reactor
// routed here: write to TUN for TunRx-sourced packets, or inject into
// our vhost RX queue (with L2 rewrite) for vhost-sourced packets.
// KeepAlive is released and the completion is sent back to the source
// once the write has been attempted; the write helpers report no
// error, so the completion's Result is always the frame length — the
// spec.md §4.4 "completion discipline" invariant.
func (r *Reactor) deliverPacket(p *packetref.Ref) {
	frame := p.Flatten()

	vb := r.vhost.Load()
	switch p.Source.Kind {
	case packetref.SourceTunRx:
		if vb != nil {
			r.injectLocalRX(vb, rewriteL2(frame, r.nic.MAC, synth.GatewayMAC))
		}
	case packetref.SourceVhostTx, packetref.SourceVhostToVhost:
		if p.Source.HasDstMAC {
			frame = rewriteL2(frame, p.Source.DstMAC, synth.GatewayMAC)
		}
		if vb != nil {
			r.injectLocalRX(vb, frame)
		} else if r.tun != nil {
			r.writeTun(frame)
		}
	}

	if p.KeepAlive != nil {
		p.KeepAlive.Release()
	}

	if r.registry != nil {
		result := int32(len(frame))
		_ = r.registry.SendCompletionTo(reactorreg.ID(p.Source.SourceReactor), packetref.Completion{
			Source:   p.Source,
			PacketID: p.ID,
			Result:   result,
		})
	}
}

// rewriteL2 overwrites the destination and source MAC of an Ethernet
// frame in place — the "guest never learns another VM's MAC" rule
// (spec.md §4.4).
func rewriteL2(frame []byte, dst, src [6]byte) []byte {
	if len(frame) < 12 {
		return frame
	}
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	return frame
}

// handleCompletion reclaims the source-side resource named by
// c.Source: a vhost descriptor chain returned to the used ring, or a
// pool buffer released back to the arena.
func (r *Reactor) handleCompletion(c *packetref.Completion) {
	switch c.Source.Kind {
	case packetref.SourceVhostTx, packetref.SourceVhostToVhost:
		if vb := r.vhost.Load(); vb != nil {
			ring := vb.backend.RingAt(vb.txQ)
			pushUsed(ring, c.Source.HeadIndex, 0)
		}
	case packetref.SourceTunRx:
		if r.pool != nil {
			if buf, err := r.pool.FromIndex(c.Source.BufferIndex); err == nil {
				buf.Release()
			}
		}
	}
}

// pollVhostTx drains every available TX descriptor chain on the guest
// TX queue, running the synthesizer chain on each frame before
// falling through to routing.
func (r *Reactor) pollVhostTx(vb *vhostBinding) {
	ring := vb.backend.RingAt(vb.txQ)
	if ring.DescTable == nil {
		return
	}
	for {
		chain, ok := popAvailDescriptorChain(ring, vb.backend)
		if !ok {
			return
		}
		frame := flattenChain(chain)
		r.counters.recordRX(len(frame))
		r.processGuestFrame(frame, chain, vb)
	}
}

func flattenChain(c descriptorChain) []byte {
	if c.iovecsLen == 1 {
		return c.iovecs[0].Base
	}
	out := make([]byte, 0, c.totalLen)
	for i := 0; i < c.iovecsLen; i++ {
		out = append(out, c.iovecs[i].Base...)
	}
	return out
}

// synthesizers is the fixed dispatch order from spec.md §4.4: arp,
// dhcp4, ndp (RS then NS), dhcp6, icmp4, icmp6.
func (r *Reactor) trySynthesize(frame []byte) ([]byte, bool) {
	if reply, ok := synth.ARP(r.nic, frame); ok {
		return reply, true
	}
	if reply, ok := synth.DHCPv4(r.nic, frame); ok {
		return reply, true
	}
	if reply, ok := synth.RouterAdvertisement(r.nic, frame); ok {
		return reply, true
	}
	if reply, ok := synth.NeighborAdvertisement(r.nic, frame); ok {
		return reply, true
	}
	if reply, ok := synth.DHCPv6(r.nic, frame); ok {
		return reply, true
	}
	if reply, ok := synth.ICMPv4Echo(r.nic, frame); ok {
		return reply, true
	}
	if reply, ok := synth.ICMPv6Echo(r.nic, frame); ok {
		return reply, true
	}
	return nil, false
}

func (r *Reactor) processGuestFrame(frame []byte, chain descriptorChain, vb *vhostBinding) {
	if reply, ok := r.trySynthesize(frame); ok {
		r.injectLocalRX(vb, reply)
		pushUsed(vb.backend.RingAt(vb.txQ), chain.headIndex, 0)
		return
	}

	dst, isV6, ok := parseDestination(frame)
	if !ok {
		pushUsed(vb.backend.RingAt(vb.txQ), chain.headIndex, 0)
		return
	}

	var target routetable.Target
	if isV6 {
		target, ok = r.table.Load().LookupV6(dst16(dst))
	} else {
		target, ok = r.table.Load().LookupV4(dst4(dst))
	}
	if !ok {
		target = routetable.Target{Kind: routetable.TargetDrop}
	}

	switch target.Kind {
	case routetable.TargetDrop:
		pushUsed(vb.backend.RingAt(vb.txQ), chain.headIndex, 0)

	case routetable.TargetTun:
		if r.tun != nil {
			r.writeTun(frame)
		}
		pushUsed(vb.backend.RingAt(vb.txQ), chain.headIndex, 0)

	case routetable.TargetReactor:
		r.forwardToReactor(target.ReactorID, chain, vb)
	}
}

func (r *Reactor) forwardToReactor(dst reactorreg.ID, chain descriptorChain, vb *vhostBinding) {
	info, err := r.registry.Lookup(dst)
	if err != nil {
		pushUsed(vb.backend.RingAt(vb.txQ), chain.headIndex, 0)
		return
	}
	id := atomic.AddUint64(&r.nextPacketID, 1)
	ref := packetref.Ref{
		ID: id,
		Source: packetref.Source{
			Kind:          packetref.SourceVhostTx,
			HeadIndex:     chain.headIndex,
			TotalLen:      chain.totalLen,
			SourceReactor: r.id,
			DstMAC:        info.MAC,
			HasDstMAC:     info.HasMAC,
		},
	}
	ref.IovecsLen = copy(ref.Iovecs[:], chain.iovecs[:chain.iovecsLen])

	if err := r.registry.SendPacketTo(dst, ref); err != nil {
		// Destination gone: drop silently and return the descriptor
		// immediately, per spec.md §4.4's cancellation rule.
		pushUsed(vb.backend.RingAt(vb.txQ), chain.headIndex, 0)
	}
}

// injectLocalRX pushes frame into this reactor's own vhost RX queue as
// a fresh descriptor — used both for synthesized replies and for
// cross-reactor deliveries that land on a vhost-backed NIC.
func (r *Reactor) injectLocalRX(vb *vhostBinding, frame []byte) {
	if vb == nil {
		return
	}
	ring := vb.backend.RingAt(vb.rxQ)
	if ring.DescTable == nil {
		return
	}
	chain, ok := popAvailDescriptorChain(ring, vb.backend)
	if !ok {
		r.counters.completionStalls.Add(1)
		return
	}
	n := writeIntoChain(chain, frame)
	pushUsed(ring, chain.headIndex, uint32(n))
	r.counters.recordTX(n)
}

func (r *Reactor) writeTun(frame []byte) {
	hdr := make([]byte, vnetHdrLen+len(frame))
	copy(hdr[vnetHdrLen:], frame)
	if _, err := r.tun.Write(hdr); err == nil {
		r.counters.recordTX(len(frame))
	}
}

// pollTun drains available frames from the TUN fd, routing each by
// destination IP exactly as a guest TX frame would be, minus the
// synthesizer dispatch (TUN-sourced traffic is already "on the
// network", not a guest asking for ARP/DHCP).
func (r *Reactor) pollTun() {
	buf := make([]byte, vnetHdrLen+65535)
	for {
		n, err := r.tun.ReadInto(buf)
		if err != nil || n <= vnetHdrLen {
			return
		}
		frame := make([]byte, n-vnetHdrLen)
		copy(frame, buf[vnetHdrLen:n])
		r.counters.recordRX(len(frame))

		dst, isV6, ok := parseDestination(frame)
		if !ok {
			continue
		}
		var target routetable.Target
		if isV6 {
			target, ok = r.table.Load().LookupV6(dst16(dst))
		} else {
			target, ok = r.table.Load().LookupV4(dst4(dst))
		}
		if !ok || target.Kind == routetable.TargetDrop {
			continue
		}
		if target.Kind == routetable.TargetReactor {
			id := atomic.AddUint64(&r.nextPacketID, 1)
			ref := packetref.Ref{
				ID: id,
				Source: packetref.Source{
					Kind:          packetref.SourceTunRx,
					SourceReactor: r.id,
				},
			}
			ref.Iovecs[0] = packetref.Iovec{Base: frame}
			ref.IovecsLen = 1
			_ = r.registry.SendPacketTo(target.ReactorID, ref)
		} else if target.Kind == routetable.TargetTun {
			r.injectLocalRX(r.vhost.Load(), frame)
		}
	}
}

// parseDestination extracts the destination IP from an Ethernet frame,
// reporting whether it is IPv6. ok is false for non-IP frames (ARP,
// unsupported ethertypes), which callers treat as a routing miss.
func parseDestination(frame []byte) (net []byte, isV6 bool, ok bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if ip4, ok4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok4 {
		return ip4.DstIP, false, true
	}
	if ip6, ok6 := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok6 {
		return ip6.DstIP, true, true
	}
	return nil, false, false
}

func dst4(ip []byte) [4]byte {
	var out [4]byte
	copy(out[:], ip)
	return out
}

func dst16(ip []byte) [16]byte {
	var out [16]byte
	copy(out[:], ip)
	return out
}
