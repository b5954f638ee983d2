// Package reactorreg implements the process-wide reactor registry: the
// only place reactors look each other up by identity. Reactors never
// hold direct references into each other's state — all cross-reactor
// communication goes through a registry lookup followed by a mailbox
// send, which is what lets Unregister break any would-be reference
// cycle trivially.
//
// Named reactorreg (not registry) because it is a directory of reactors
// only; it holds no app or instance state.
package reactorreg

import (
	"errors"
	"sync"

	"github.com/reactornet/reactornet/internal/packetref"
)

// ErrNotFound is returned when a target reactor is not (or no longer)
// registered. Per spec.md §7, this is not escalated — the caller drops
// the PacketRef, releasing its keep_alive, and emits no completion.
var ErrNotFound = errors.New("reactorreg: reactor not registered")

// InterfaceKind tags what kind of interface a reactor owns.
type InterfaceKind int

const (
	KindTun InterfaceKind = iota
	KindVhost
)

// Info is the directory entry for one reactor.
type Info struct {
	ID       ID
	Eventfd  int // raw fd; signaled to wake the owning reactor's mailbox
	Mailbox  Mailbox
	Kind     InterfaceKind
	IfIndex  int    // valid when Kind == KindTun
	DeviceID string // valid when Kind == KindVhost
	MAC      [6]byte
	HasMAC   bool
}

// Mailbox is the send side of a reactor's single inbound channel,
// carrying both PacketRef and CompletionNotify messages (ReactorMessage
// in spec.md's data model).
type Mailbox interface {
	// Enqueue adds a message to the reactor's mailbox. It never blocks
	// the caller on reactor processing — it's a buffered channel send.
	Enqueue(msg packetref.Message) error
}

// Registry is the process-wide directory mapping ReactorId to
// (eventfd, mailbox, interface kind, MAC).
type Registry struct {
	mu            sync.RWMutex
	byID          map[ID]Info
	byTunIfIndex  map[int]ID
	byVhostDevice map[string]ID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byID:          make(map[ID]Info),
		byTunIfIndex:  make(map[int]ID),
		byVhostDevice: make(map[string]ID),
	}
}

// Register inserts info into the primary index and the secondary
// index matching its InterfaceKind.
func (r *Registry) Register(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[info.ID] = info
	switch info.Kind {
	case KindTun:
		r.byTunIfIndex[info.IfIndex] = info.ID
	case KindVhost:
		r.byVhostDevice[info.DeviceID] = info.ID
	}
}

// Unregister removes id from both the primary and secondary indexes.
func (r *Registry) Unregister(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	switch info.Kind {
	case KindTun:
		delete(r.byTunIfIndex, info.IfIndex)
	case KindVhost:
		delete(r.byVhostDevice, info.DeviceID)
	}
}

// Lookup returns the Info for id, or ErrNotFound.
func (r *Registry) Lookup(id ID) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byID[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return info, nil
}

// LookupByTunIfIndex resolves a reactor owning a given TUN if_index.
func (r *Registry) LookupByTunIfIndex(ifIndex int) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTunIfIndex[ifIndex]
	if !ok {
		return Info{}, ErrNotFound
	}
	return r.byID[id], nil
}

// LookupByVhostDevice resolves a reactor owning a given vhost device id.
func (r *Registry) LookupByVhostDevice(deviceID string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byVhostDevice[deviceID]
	if !ok {
		return Info{}, ErrNotFound
	}
	return r.byID[id], nil
}

// SendPacketTo enqueues a packet to id's mailbox and signals its
// eventfd immediately.
func (r *Registry) SendPacketTo(id ID, p packetref.Ref) error {
	return r.send(id, packetref.Message{Packet: &p}, true)
}

// SendPacketToNoSignal enqueues a packet without signaling the
// eventfd — used for batching. The caller must call SignalReactor(id)
// after the batch completes.
func (r *Registry) SendPacketToNoSignal(id ID, p packetref.Ref) error {
	return r.send(id, packetref.Message{Packet: &p}, false)
}

// SendCompletionTo enqueues a completion notification and always
// signals — completions must never be batched silently, or the source
// reactor could stall waiting for a wakeup that never comes.
func (r *Registry) SendCompletionTo(id ID, c packetref.Completion) error {
	return r.send(id, packetref.Message{Completion: &c}, true)
}

func (r *Registry) send(id ID, msg packetref.Message, signal bool) error {
	info, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if err := info.Mailbox.Enqueue(msg); err != nil {
		return err
	}
	if signal {
		return SignalEventfd(info.Eventfd)
	}
	return nil
}

// SignalReactor signals id's eventfd without enqueueing anything —
// used to flush a batch of no-signal sends.
func (r *Registry) SignalReactor(id ID) error {
	info, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return SignalEventfd(info.Eventfd)
}
