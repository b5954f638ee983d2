package netsuper

import (
	"fmt"
	"net"
	"sync"

	"github.com/reactornet/reactornet/internal/reactor"
	"github.com/reactornet/reactornet/internal/routetable"
)

// TableHandle is the routing-table management surface spec.md §4.5
// describes: create_table(id, name), set_default_table(id),
// add_route(table_id, prefix, target), remove_route(table_id, prefix).
// One handle is created per router, seeded with a "default" table so
// a router is always immediately routable.
type TableHandle struct {
	mu        sync.Mutex
	tables    map[string]*routetable.Table
	defaultID string
	onDefault func(*routetable.Table) // wired to the owning reactor's SetTable
}

func newTableHandle(initial *routetable.Table) *TableHandle {
	return &TableHandle{
		tables:    map[string]*routetable.Table{initial.ID: initial},
		defaultID: initial.ID,
	}
}

// bind lets Router wire this handle's default-table changes through to
// the live reactor, kept as a separate step so TableHandle itself has
// no dependency on the reactor package's construction order.
func (h *TableHandle) bind(r *reactor.Reactor) {
	h.mu.Lock()
	h.onDefault = r.SetTable
	h.mu.Unlock()
}

// CreateTable adds a new, empty routing table under id/name. It does
// not become the default until SetDefaultTable names it.
func (h *TableHandle) CreateTable(id, name string) *routetable.Table {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := routetable.New(id, name)
	h.tables[id] = t
	return t
}

// SetDefaultTable makes the named table the one the owning reactor
// consults on its hot path, atomically from the reactor's perspective.
func (h *TableHandle) SetDefaultTable(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tables[id]
	if !ok {
		return fmt.Errorf("netsuper: table %q not found", id)
	}
	h.defaultID = id
	if h.onDefault != nil {
		h.onDefault(t)
	}
	return nil
}

// AddRoute inserts prefix → target into the named table. prefix may be
// an IPv4 or IPv6 net.IPNet; the table dispatches to the matching trie.
func (h *TableHandle) AddRoute(tableID string, prefix *net.IPNet, target routetable.Target) error {
	h.mu.Lock()
	t, ok := h.tables[tableID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("netsuper: table %q not found", tableID)
	}

	ones, _ := prefix.Mask.Size()
	if v4 := prefix.IP.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		t.AddRouteV4(addr, ones, target)
		return nil
	}
	v6 := prefix.IP.To16()
	if v6 == nil {
		return fmt.Errorf("netsuper: prefix %v is neither IPv4 nor IPv6", prefix)
	}
	var addr [16]byte
	copy(addr[:], v6)
	t.AddRouteV6(addr, ones, target)
	return nil
}

// RemoveRoute deletes the exact prefix/length entry from the named
// table, if present.
func (h *TableHandle) RemoveRoute(tableID string, prefix *net.IPNet) error {
	h.mu.Lock()
	t, ok := h.tables[tableID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("netsuper: table %q not found", tableID)
	}

	ones, _ := prefix.Mask.Size()
	if v4 := prefix.IP.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		t.RemoveRouteV4(addr, ones)
		return nil
	}
	v6 := prefix.IP.To16()
	if v6 == nil {
		return fmt.Errorf("netsuper: prefix %v is neither IPv4 nor IPv6", prefix)
	}
	var addr [16]byte
	copy(addr[:], v6)
	t.RemoveRouteV6(addr, ones)
	return nil
}
