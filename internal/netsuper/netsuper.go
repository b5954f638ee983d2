// Package netsuper implements the Router Supervisor: the top-level
// coordinator that builds and tears down reactors (spec.md §4.5). It
// is the component CloudHypervisorVMM.StartVM calls into instead of
// shelling out to `ip tuntap add` + `iptables` (see internal/vmm's
// cloudhv.go and SPEC_FULL.md §6).
package netsuper

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/reactornet/reactornet/internal/buffer"
	"github.com/reactornet/reactornet/internal/reactor"
	"github.com/reactornet/reactornet/internal/reactorreg"
	"github.com/reactornet/reactornet/internal/routetable"
	"github.com/reactornet/reactornet/internal/synth"
	"github.com/reactornet/reactornet/internal/tunqueue"
	"github.com/reactornet/reactornet/internal/vhostuser"
)

// VhostConfig describes the vhost-user side of a router, mirroring
// spec.md §4.5's "optional vhost_config" parameter.
type VhostConfig struct {
	SocketPath string
	NIC        synth.NicConfig
	TxQueue    int // guest TX queue index, default 1
	RxQueue    int // guest RX queue index, default 0
}

// TunParams describes the optional TUN side of a router.
type TunParams struct {
	IfName string
}

// Router is one running instance of the supervisor's output: a
// reactor goroutine plus whichever of {TUN device, vhost-user daemon}
// it was configured with.
type Router struct {
	name string

	registry *reactorreg.Registry
	reactor  *reactor.Reactor
	table    *TableHandle

	tun *tunqueue.Queue

	mu       sync.Mutex
	listener *net.UnixListener // non-nil while waiting for the frontend to dial
	vhost    *vhostuser.Backend

	cancel context.CancelFunc
	done   chan struct{}

	socketPath string
}

// CreateRouter implements spec.md §4.5's create_router: it creates the
// TUN device (if configured), sizes and allocates the buffer pool,
// constructs a reactor bound to (tun, registry, mailbox, nic_config),
// registers it in registry, and spawns its goroutine — all before any
// vhost-user frontend has necessarily dialed in, since the caller
// (typically CloudHypervisorVMM.StartVM) creates the router before it
// starts the guest that will connect to the socket. If vhost is
// non-nil, CreateRouter binds the control socket synchronously (so it
// exists by the time the guest starts) and spawns a goroutine that
// blocks on the handshake, then calls Reactor.AttachVhost once
// established, per spec.md §4.5 step 6 ("hands guest memory +
// virtqueue handles to the reactor through a one-shot channel").
func CreateRouter(name string, vhost *VhostConfig, tun *TunParams, registry *reactorreg.Registry, poolSize int) (*Router, error) {
	pool, err := buffer.New(poolSize)
	if err != nil {
		return nil, fmt.Errorf("netsuper: allocate buffer pool: %w", err)
	}

	var tunQ *tunqueue.Queue
	if tun != nil {
		tunQ, err = tunqueue.Open(tun.IfName)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("netsuper: open tun %s: %w", tun.IfName, err)
		}
	}

	table := routetable.New("default", "default")
	handle := newTableHandle(table)

	id := reactorreg.NewID()

	var listener *net.UnixListener
	var nic synth.NicConfig
	txQ, rxQ := 1, 0
	if vhost != nil {
		nic = vhost.NIC
		if vhost.TxQueue != 0 || vhost.RxQueue != 0 {
			txQ, rxQ = vhost.TxQueue, vhost.RxQueue
		}
		listener, err = vhostuser.Bind(vhost.SocketPath)
		if err != nil {
			if tunQ != nil {
				tunQ.Close()
			}
			pool.Close()
			return nil, fmt.Errorf("netsuper: bind vhost-user socket %s: %w", vhost.SocketPath, err)
		}
	}

	rc, err := reactor.New(reactor.Config{
		ID:       id,
		Registry: registry,
		Table:    table,
		NIC:      nic,
		Pool:     pool,
		Tun:      tunQ,
		TxQueue:  txQ,
		RxQueue:  rxQ,
	})
	if err != nil {
		if listener != nil {
			listener.Close()
		}
		if tunQ != nil {
			tunQ.Close()
		}
		pool.Close()
		return nil, fmt.Errorf("netsuper: construct reactor: %w", err)
	}
	handle.bind(rc)

	info := reactorreg.Info{
		ID:      id,
		Eventfd: rc.Eventfd(),
		Mailbox: rc.Mailbox(),
	}
	if vhost != nil {
		info.Kind = reactorreg.KindVhost
		info.DeviceID = vhost.SocketPath
		info.MAC = vhost.NIC.MAC
		info.HasMAC = true
	} else {
		info.Kind = reactorreg.KindTun
	}
	registry.Register(info)

	r := &Router{
		name:       name,
		registry:   registry,
		reactor:    rc,
		table:      handle,
		tun:        tunQ,
		listener:   listener,
		socketPath: vhost.socketPathOrEmpty(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		_ = rc.Run(ctx)
	}()

	if listener != nil {
		go r.acceptVhost(listener, vhost.NIC.MAC, uint16(vhost.NIC.MTU), txQ, rxQ)
	}

	return r, nil
}

// acceptVhost blocks until a frontend dials the control socket, then
// wires the resulting Backend into the already-running reactor and
// services vhost-user requests until the connection drops or
// Shutdown closes the listener.
func (r *Router) acceptVhost(l *net.UnixListener, mac [6]byte, mtu uint16, txQ, rxQ int) {
	backend, err := vhostuser.Accept(l, mac, mtu)
	l.Close()
	if err != nil {
		log.Printf("netsuper: router %s: vhost-user accept: %v", r.name, err)
		return
	}

	r.reactor.AttachVhost(backend, txQ, rxQ)

	r.mu.Lock()
	r.vhost = backend
	r.listener = nil
	r.mu.Unlock()

	if err := backend.Serve(); err != nil {
		log.Printf("netsuper: router %s: vhost-user serve: %v", r.name, err)
	}
}

// socketPathOrEmpty lets CreateRouter dereference a possibly-nil
// *VhostConfig once, at the single call site that needs it.
func (c *VhostConfig) socketPathOrEmpty() string {
	if c == nil {
		return ""
	}
	return c.SocketPath
}

// Name returns the router's supervisor-assigned name.
func (r *Router) Name() string { return r.name }

// Reactor exposes the underlying reactor, e.g. for Counters().
func (r *Router) Reactor() *reactor.Reactor { return r.reactor }

// Table returns the routing-table handle for this router, implementing
// spec.md §4.5's create_table/set_default_table/add_route/remove_route.
func (r *Router) Table() *TableHandle { return r.table }

// Shutdown implements spec.md §4.5's shutdown(): signal the reactor's
// shutdown fd, join the reactor goroutine, close the vhost-user
// connection and remove its socket file, delete the TUN device, and
// unregister from the registry.
func (r *Router) Shutdown() error {
	if err := r.reactor.Shutdown(); err != nil {
		return fmt.Errorf("netsuper: signal reactor shutdown: %w", err)
	}
	r.cancel()
	<-r.done

	r.mu.Lock()
	listener, vhost := r.listener, r.vhost
	r.mu.Unlock()

	if listener != nil {
		listener.Close() // unblocks a still-pending acceptVhost
	}
	if vhost != nil {
		vhost.Close()
	}
	if r.socketPath != "" {
		os.Remove(r.socketPath)
	}
	if r.tun != nil {
		r.tun.Close()
	}

	r.registry.Unregister(r.reactor.ID())
	return nil
}
